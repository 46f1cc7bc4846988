package shared

import (
	"bytes"
	"io"

	"pack.ag/tftp/netascii"
)

// Flusher is implemented by sinks that hold data back. Transfer.Get flushes such a sink
// before the final block is acknowledged, so a failure can still be reported to the peer.
type Flusher interface {
	Flush() error
}

// EncodeMode wraps a file source so that it yields bytes in the wire form of mode.
// Close must be called once the transfer ends.
func EncodeMode(mode string, src io.Reader) io.ReadCloser {
	if mode != ModeNetASCII {
		return io.NopCloser(src)
	}

	pr, pw := io.Pipe()
	go func() {
		w := netascii.NewWriter(pw)
		_, err := io.Copy(w, src)
		// the encoder buffers its output
		if ferr := w.Flush(); err == nil {
			err = ferr
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// DecodeMode wraps a file sink so that wire bytes of mode are stored in local form.
// Every write reaches dst before it returns, except a trailing CR whose meaning depends
// on the next block. Flush or Close stores it.
func DecodeMode(mode string, dst io.Writer) io.WriteCloser {
	if mode != ModeNetASCII {
		return nopWriteCloser{dst}
	}
	return &decoder{dst: dst, buf: make([]byte, BlockSize)}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type decoder struct {
	dst     io.Writer
	buf     []byte
	pending []byte // CRs from the end of the previous block
}

func (d *decoder) Write(p []byte) (int, error) {
	chunk := append(d.pending, p...)

	// a CR pairs with the byte after it, so CRs at the end wait for the next block
	end := len(chunk)
	for end > 0 && chunk[end-1] == '\r' {
		end--
	}
	d.pending = append([]byte(nil), chunk[end:]...)

	if end > 0 {
		r := netascii.NewReader(bytes.NewReader(chunk[:end]))
		if _, err := io.CopyBuffer(d.dst, r, d.buf); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush stores held back CRs as they are; nothing follows them any more
func (d *decoder) Flush() error {
	if len(d.pending) == 0 {
		return nil
	}
	_, err := d.dst.Write(d.pending)
	d.pending = nil
	return err
}

func (d *decoder) Close() error {
	return d.Flush()
}

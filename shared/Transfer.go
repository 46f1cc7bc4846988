package shared

import (
	"io"
	"net"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TransferConfig holds the explicit timing parameters of a transfer
type TransferConfig struct {
	// Timeout bounds every wait for a reply
	Timeout time.Duration

	// Retries is how many times the last packet is retransmitted before giving up
	Retries int

	Log *logrus.Entry
}

func (c TransferConfig) withDefaults() TransferConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries < 0 {
		c.Retries = DefaultRetries
	}
	c.Log = defaultEntry(c.Log)
	return c
}

// Transfer runs one stop-and-wait file exchange over a UDP endpoint it owns.
// The same engine drives the client and every server worker.
type Transfer struct {
	ID uuid.UUID

	conn  *net.UDPConn
	peer  *net.UDPAddr
	bound bool // true once peer is the remote transfer ID

	cfg TransferConfig
	log *logrus.Entry
	buf []byte

	// firstBlock numbers the first DATA packet; block numbers wrap after 65535
	firstBlock uint16
}

// expectation describes the reply an exchange waits for
type expectation struct {
	op    Opcode
	block uint16

	// duplicates tolerates a retransmission of the previous block
	duplicates bool
}

var errAttemptTimedOut = errors.New("no reply before deadline")

// NewTransfer takes ownership of conn. If bound is false, the first packet received fixes
// the peer's transfer ID; until then peer is only where requests are sent.
func NewTransfer(conn *net.UDPConn, peer *net.UDPAddr, bound bool, cfg TransferConfig) *Transfer {
	cfg = cfg.withDefaults()
	id := uuid.Must(uuid.NewV4())
	return &Transfer{
		ID:    id,
		conn:  conn,
		peer:  peer,
		bound: bound,
		cfg:   cfg,
		log:   cfg.Log.WithField("transfer", id.String()),
		buf:   make([]byte, RequestBufferSize),

		firstBlock: 1,
	}
}

func (t *Transfer) Log() *logrus.Entry { return t.log }

// Peer returns the remote transfer ID, or the request destination before one is known
func (t *Transfer) Peer() *net.UDPAddr { return t.peer }

func (t *Transfer) LocalAddr() *net.UDPAddr { return t.conn.LocalAddr().(*net.UDPAddr) }

func (t *Transfer) Close() error {
	return t.conn.Close()
}

// Get receives a file into sink. first is sent to start the exchange: the RRQ on the
// client, ACK(0) on a server accepting a WRQ. A sink implementing Flusher is flushed
// before the final block is acknowledged.
func (t *Transfer) Get(sink io.Writer, first Packet) error {
	out := first
	block := t.firstBlock
	acked := false

	for {
		reply, err := t.exchange(out, expectation{op: OpDATA, block: block, duplicates: acked})
		if err != nil {
			return err
		}
		data := reply.(*DataPacket)

		if _, err := sink.Write(data.Data); err != nil {
			t.Abort(CodeFor(err), err.Error())
			return errors.Wrapf(err, "storing block %d", block)
		}

		ack := CreateACKPacket(block)
		if IsFinal(data) {
			if f, ok := sink.(Flusher); ok {
				if err := f.Flush(); err != nil {
					t.Abort(CodeFor(err), err.Error())
					return errors.Wrap(err, "storing file")
				}
			}
			return t.send(ack)
		}
		out, acked, block = ack, true, NextBlock(block)
	}
}

// Put sends the contents of src. When request is a WRQ it is exchanged for ACK(0) first;
// a server answering a RRQ passes nil and starts with DATA(1).
func (t *Transfer) Put(src io.Reader, request Packet) error {
	confirmed := false
	if request != nil {
		if _, err := t.exchange(request, expectation{op: OpACK, block: 0}); err != nil {
			return err
		}
		confirmed = true
	}

	buf := make([]byte, BlockSize)
	block := t.firstBlock
	for {
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			t.Abort(CodeFor(err), err.Error())
			return errors.Wrapf(err, "reading block %d", block)
		}

		data := CreateDataPacket(block, buf[:n])
		if _, err := t.exchange(data, expectation{op: OpACK, block: block, duplicates: confirmed}); err != nil {
			return err
		}
		if IsFinal(data) {
			return nil
		}
		confirmed, block = true, NextBlock(block)
	}
}

// Abort tells the peer the transfer is over. Send failures are only logged since the
// transfer has already failed.
func (t *Transfer) Abort(code ErrorCode, msg string) {
	if err := t.send(CreateErrorPacket(code, msg)); err != nil {
		t.log.WithError(err).Warn("could not send error packet")
	}
}

// exchange sends out and waits for the reply described by exp, retransmitting out on
// every timeout until the retry budget is spent.
func (t *Transfer) exchange(out Packet, exp expectation) (Packet, error) {
	raw := out.ByteArray()
	for attempt := 0; attempt <= t.cfg.Retries; attempt++ {
		if attempt > 0 {
			t.log.WithField("attempt", attempt).Warnf("no reply from %v, resending %s", t.peer, Describe(out))
		}
		if err := t.write(raw, out); err != nil {
			return nil, err
		}

		reply, err := t.await(exp, raw, out)
		if err == errAttemptTimedOut {
			continue
		}
		return reply, err
	}
	return nil, errors.Wrapf(ErrTimeout, "waiting for %s #%d after %d retransmissions", exp.op, exp.block, t.cfg.Retries)
}

// await reads until the expected packet arrives, the transfer fails, or the deadline passes
func (t *Transfer) await(exp expectation, raw []byte, out Packet) (Packet, error) {
	deadline := time.Now().Add(t.cfg.Timeout)
	for {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "setting read deadline")
		}
		n, addr, err := t.conn.ReadFromUDP(t.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, errAttemptTimedOut
			}
			return nil, errors.Wrap(err, "receiving")
		}

		if !t.accept(addr) {
			t.rejectUnknownTID(addr)
			continue
		}

		pkt, err := ReadPacket(t.buf[:n])
		if err != nil {
			t.log.WithError(err).Warnf("malformed packet from %v", addr)
			t.Abort(ErrIllegalOperation, err.Error())
			return nil, err
		}
		LogPacket(t.log, "received", addr, pkt)

		switch p := pkt.(type) {
		case *ErrorPacket:
			return nil, &PeerError{Packet: p}
		case *DataPacket:
			if exp.op == OpDATA {
				if p.BlockNumber == exp.block {
					return p, nil
				}
				if exp.duplicates && p.BlockNumber == PreviousBlock(exp.block) {
					// our ACK was lost, repeat it
					t.log.Debugf("duplicate DATA #%d", p.BlockNumber)
					if err := t.write(raw, out); err != nil {
						return nil, err
					}
					continue
				}
				return nil, t.outOfSequence(exp, p.BlockNumber)
			}
		case *ACKPacket:
			if exp.op == OpACK {
				if p.BlockNumber == exp.block {
					return p, nil
				}
				if exp.duplicates && p.BlockNumber == PreviousBlock(exp.block) {
					// resending here would start the sorcerer's apprentice cascade
					t.log.Debugf("ignoring duplicate ACK #%d", p.BlockNumber)
					continue
				}
				return nil, t.outOfSequence(exp, p.BlockNumber)
			}
		}

		t.Abort(ErrIllegalOperation, "unexpected "+pkt.Opcode().String()+" packet")
		return nil, errors.Wrapf(ErrUnexpected, "got %s while waiting for %s", Describe(pkt), exp.op)
	}
}

func (t *Transfer) outOfSequence(exp expectation, got uint16) error {
	err := errors.Wrapf(ErrOutOfSequence, "expected %s #%d, got #%d", exp.op, exp.block, got)
	t.log.Warn(err.Error())
	t.Abort(ErrIllegalOperation, err.Error())
	return err
}

// accept binds the transfer ID on first contact and checks it afterwards
func (t *Transfer) accept(addr *net.UDPAddr) bool {
	if !t.bound {
		t.peer = addr
		t.bound = true
		t.log = t.log.WithField("peer", addr.String())
		return true
	}
	return SameAddr(addr, t.peer)
}

func (t *Transfer) rejectUnknownTID(addr *net.UDPAddr) {
	t.log.Warnf("%v from %v, expected %v", ErrUnknownTID, addr, t.peer)
	reply := CreateErrorPacket(ErrUnknownTransferID, "")
	if _, err := t.conn.WriteToUDP(reply.ByteArray(), addr); err != nil {
		t.log.WithError(err).Warn("could not reject unknown transfer ID")
		return
	}
	LogPacket(t.log, "sent", addr, reply)
}

func (t *Transfer) send(p Packet) error {
	return t.write(p.ByteArray(), p)
}

func (t *Transfer) write(raw []byte, p Packet) error {
	if _, err := t.conn.WriteToUDP(raw, t.peer); err != nil {
		return errors.Wrapf(err, "sending %s to %v", p.Opcode(), t.peer)
	}
	LogPacket(t.log, "sent", t.peer, p)
	return nil
}

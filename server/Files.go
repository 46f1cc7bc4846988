package server

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
)

// resolve maps a requested filename to a path inside root
func resolve(root, filename string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "resolving root")
	}

	path := filepath.Join(absRoot, filepath.FromSlash(filename))
	rel, err := filepath.Rel(absRoot, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(shared.ErrAccessDenied, "%q is outside the served directory", filename)
	}
	return path, nil
}

// fileSink writes a received file, creating it on first use so that nothing touches
// the disk before the client has seen ACK(0).
type fileSink struct {
	path    string
	limit   int64
	written int64
	f       *os.File
}

func newFileSink(path string, limit int64) *fileSink {
	return &fileSink{path: path, limit: limit}
}

func (s *fileSink) open() error {
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s.limit > 0 && s.written+int64(len(p)) > s.limit {
		return 0, errors.Wrapf(shared.ErrOversize, "%s would exceed %d bytes", filepath.Base(s.path), s.limit)
	}
	if err := s.open(); err != nil {
		return 0, err
	}
	n, err := s.f.Write(p)
	s.written += int64(n)
	return n, err
}

// Commit closes the completed file, creating it if no data ever arrived
func (s *fileSink) Commit() error {
	if err := s.open(); err != nil {
		return err
	}
	return s.f.Close()
}

// Discard removes whatever part of the file was written
func (s *fileSink) Discard() error {
	if s.f == nil {
		return nil
	}
	s.f.Close()
	return os.Remove(s.path)
}

// storedFile decodes a received file into its fileSink. Flush runs before the final ACK
// and completes the file, so a failure there still reaches the client as an ERROR.
type storedFile struct {
	io.WriteCloser
	file *fileSink
}

func newStoredFile(mode string, file *fileSink) *storedFile {
	return &storedFile{WriteCloser: shared.DecodeMode(mode, file), file: file}
}

func (s *storedFile) Flush() error {
	if err := s.WriteCloser.Close(); err != nil {
		return err
	}
	return s.file.Commit()
}

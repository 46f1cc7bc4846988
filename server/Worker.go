package server

import (
	"net"
	"os"

	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
)

// handle runs one request on its own socket, which becomes the server's transfer ID
func (s *Server) handle(req *shared.RRQWRQPacket, client *net.UDPAddr, local net.IP) {
	if local == nil || local.IsUnspecified() {
		local = s.Addr().IP
	}
	conn, err := net.ListenUDP(s.Config.Network(), &net.UDPAddr{IP: local})
	if err != nil {
		s.log.WithError(err).Errorf("no socket for %s from %v", shared.Describe(req), client)
		return
	}

	cfg := s.Config.TransferConfig()
	cfg.Log = s.log
	t := shared.NewTransfer(conn, client, true, cfg)
	defer t.Close()

	log := t.Log().WithField("file", req.Filename)
	if req.IsRRQ {
		err = s.serveRead(t, req)
	} else {
		err = s.serveWrite(t, req)
	}

	if err != nil {
		log.WithError(err).Warnf("%s failed", shared.Describe(req))
		return
	}
	log.Infof("%s complete", shared.Describe(req))
}

// serveRead sends a file to the client
func (s *Server) serveRead(t *shared.Transfer, req *shared.RRQWRQPacket) error {
	path, err := resolve(s.Config.Root, req.Filename)
	if err != nil {
		t.Abort(shared.ErrAccessViolation, err.Error())
		return err
	}

	if err := s.Locks.AcquireRead(path); err != nil {
		t.Abort(shared.ErrAccessViolation, err.Error())
		return err
	}
	defer s.Locks.ReleaseRead(path)

	f, err := os.Open(path)
	if err != nil {
		code := shared.CodeFor(err)
		t.Abort(code, code.String())
		return errors.Wrap(err, "opening file")
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		t.Abort(shared.ErrAccessViolation, req.Filename+" is a directory")
		return errors.Wrapf(shared.ErrAccessDenied, "%s is a directory", path)
	}

	src := shared.EncodeMode(req.Mode, f)
	defer src.Close()

	return t.Put(src, nil)
}

// serveWrite receives a file from the client. ACK(0) goes out before the file is created.
func (s *Server) serveWrite(t *shared.Transfer, req *shared.RRQWRQPacket) error {
	path, err := resolve(s.Config.Root, req.Filename)
	if err != nil {
		t.Abort(shared.ErrAccessViolation, err.Error())
		return err
	}

	if err := s.Locks.AcquireWrite(path); err != nil {
		t.Abort(shared.ErrAccessViolation, err.Error())
		return err
	}
	defer s.Locks.ReleaseWrite(path)

	if _, err := os.Stat(path); err == nil {
		t.Abort(shared.ErrFileExists, "")
		return errors.Wrap(shared.ErrAlreadyExists, path)
	}

	file := newFileSink(path, s.Config.MaxFileSize)
	if err := t.Get(newStoredFile(req.Mode, file), shared.CreateACKPacket(0)); err != nil {
		if derr := file.Discard(); derr != nil {
			t.Log().WithError(derr).Warn("could not remove partial file")
		}
		return err
	}
	return nil
}

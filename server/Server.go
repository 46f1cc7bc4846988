package server

import (
	"net"
	"sync"
	"time"

	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// Server listens on the well-known port and runs one worker per request
type Server struct {
	Config *shared.Config

	// Locks is shared by every worker of this server
	Locks *LockTable

	log *logrus.Entry

	conn  *net.UDPConn
	pconn *ipv4.PacketConn // set when the destination of each request can be learned

	workers sync.WaitGroup
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	serving bool
}

// ErrServerClosed is returned by Serve after Shutdown
var ErrServerClosed = errors.New("the server is closed")

func NewServer(cfg *shared.Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		Config: cfg,
		Locks:  NewLockTable(),
		log:    log.WithField("role", "server"),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Listen binds the request socket
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr(s.Config.Network(), s.Config.ListenAddr())
	if err != nil {
		return errors.Wrap(err, "resolving listen address")
	}
	conn, err := net.ListenUDP(s.Config.Network(), addr)
	if err != nil {
		return errors.Wrap(err, "listening for requests")
	}
	s.conn = conn

	if !s.Config.IPv6 {
		pconn := ipv4.NewPacketConn(conn)
		if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
			s.log.WithError(err).Debug("request destinations unavailable, replying from the listening address")
		} else {
			s.pconn = pconn
		}
	}

	s.log.Infof("Server started on %v, serving %s", conn.LocalAddr(), s.Config.Root)
	return nil
}

// Addr is the address requests are accepted on
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve dispatches requests until Shutdown. Running workers are joined before the
// listening socket is released.
func (s *Server) Serve() error {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return ErrServerClosed
	default:
	}
	s.serving = true
	s.mu.Unlock()

	defer close(s.done)
	defer s.conn.Close()
	defer s.workers.Wait()

	buf := make([]byte, shared.RequestBufferSize)
	for {
		n, local, from, err := s.readRequest(buf)
		if err != nil {
			select {
			case <-s.quit:
				s.log.Info("Server stopped accepting requests")
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "reading request")
		}

		s.dispatch(buf[:n], from, local)
	}
}

// Shutdown stops accepting requests and waits for running transfers to finish
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.once.Do(func() { close(s.quit) })
	serving := s.serving
	s.mu.Unlock()

	if !serving {
		if s.conn != nil {
			return s.conn.Close()
		}
		return nil
	}

	s.conn.SetReadDeadline(time.Now())
	<-s.done
	return nil
}

func (s *Server) readRequest(buf []byte) (int, net.IP, *net.UDPAddr, error) {
	if s.pconn == nil {
		n, from, err := s.conn.ReadFromUDP(buf)
		return n, nil, from, err
	}

	n, cm, from, err := s.pconn.ReadFrom(buf)
	if err != nil {
		return 0, nil, nil, err
	}
	var local net.IP
	if cm != nil {
		local = cm.Dst
	}
	return n, local, from.(*net.UDPAddr), nil
}

// dispatch classifies one datagram and starts a worker for valid requests
func (s *Server) dispatch(data []byte, from *net.UDPAddr, local net.IP) {
	pkt, err := shared.ReadPacket(data)
	if err != nil {
		s.log.WithError(err).Warnf("rejecting datagram from %v", from)
		s.reject(from, err.Error())
		return
	}
	shared.LogPacket(s.log, "received", from, pkt)

	req, ok := pkt.(*shared.RRQWRQPacket)
	if !ok {
		s.log.Warnf("rejecting %s from %v on the request port", shared.Describe(pkt), from)
		s.reject(from, "expected RRQ or WRQ, got "+pkt.Opcode().String())
		return
	}

	s.log.Infof("%s packet has been received from %v", shared.Describe(req), from)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.handle(req, from, local)
	}()
}

func (s *Server) reject(to *net.UDPAddr, msg string) {
	reply := shared.CreateErrorPacket(shared.ErrIllegalOperation, msg)
	if _, err := s.conn.WriteToUDP(reply.ByteArray(), to); err != nil {
		s.log.WithError(err).Warnf("could not send error to %v", to)
		return
	}
	shared.LogPacket(s.log, "sent", to, reply)
}

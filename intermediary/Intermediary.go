package intermediary

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned once Close has been called
var ErrClosed = errors.New("the intermediary is closed")

// Intermediary sits between clients and the server, relaying one transfer at a time and
// optionally corrupting a single packet of it.
type Intermediary struct {
	Config     *shared.Config
	ServerAddr *net.UDPAddr

	log  *logrus.Entry
	conn *net.UDPConn

	quit chan struct{}
	once sync.Once

	// the request that started the previous session, so its retransmissions are not
	// taken for new sessions
	lastFrom    *net.UDPAddr
	lastRequest []byte
}

func New(cfg *shared.Config, serverAddr *net.UDPAddr, log *logrus.Entry) *Intermediary {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Intermediary{
		Config:     cfg,
		ServerAddr: serverAddr,
		log:        log.WithField("role", "intermediary"),
		quit:       make(chan struct{}),
	}
}

// Listen binds the socket clients send their requests to
func (i *Intermediary) Listen() error {
	addr, err := net.ResolveUDPAddr(i.Config.Network(), i.Config.ListenAddr())
	if err != nil {
		return errors.Wrap(err, "resolving listen address")
	}
	conn, err := net.ListenUDP(i.Config.Network(), addr)
	if err != nil {
		return errors.Wrap(err, "listening for requests")
	}
	i.conn = conn
	i.log.Infof("Intermediary started on %v, relaying to %v", conn.LocalAddr(), i.ServerAddr)
	return nil
}

func (i *Intermediary) Addr() *net.UDPAddr {
	return i.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops accepting requests. A running session ends at its next receive.
func (i *Intermediary) Close() error {
	var err error
	i.once.Do(func() {
		close(i.quit)
		err = i.conn.Close()
	})
	return err
}

// idleTimeout is how long a session waits when neither side sends anything. Both peers
// have given up by then.
func (i *Intermediary) idleTimeout() time.Duration {
	return i.Config.Timeout * time.Duration(i.Config.Retries+2)
}

// RunSession waits for the next request and relays its transfer. With a nil simulation
// every datagram is relayed untouched.
func (i *Intermediary) RunSession(sim *Simulation) (*Report, error) {
	if sim != nil {
		if err := sim.Validate(); err != nil {
			return nil, err
		}
	}

	raw, req, from, err := i.awaitRequest()
	if err != nil {
		return nil, err
	}

	clientConn, err := net.ListenUDP(i.Config.Network(), &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "opening client-facing socket")
	}
	serverConn, err := net.ListenUDP(i.Config.Network(), &net.UDPAddr{})
	if err != nil {
		clientConn.Close()
		return nil, errors.Wrap(err, "opening server-facing socket")
	}

	s := newSession(
		&side{conn: clientConn, addr: from, dest: from},
		&side{conn: serverConn, dest: i.ServerAddr},
		sim, i.idleTimeout(), i.log,
	)
	defer s.close()

	s.log.Infof("%s packet has been received from %v", shared.Describe(req), from)
	err = s.run(raw, req)
	s.phase = PhaseDone

	if err != nil {
		s.log.WithError(err).Warn("session failed")
		return s.report, err
	}
	s.log.Info("session complete")
	return s.report, nil
}

// awaitRequest reads the listening socket until a request for a new transfer arrives
func (i *Intermediary) awaitRequest() ([]byte, *shared.RRQWRQPacket, *net.UDPAddr, error) {
	buf := make([]byte, shared.RequestBufferSize)
	for {
		n, from, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-i.quit:
				return nil, nil, nil, ErrClosed
			default:
			}
			return nil, nil, nil, errors.Wrap(err, "reading request")
		}

		pkt, err := shared.ReadPacket(buf[:n])
		if err != nil {
			i.log.WithError(err).Warnf("relaying malformed datagram from %v", from)
			i.relayStray(buf[:n], from)
			continue
		}
		req, ok := pkt.(*shared.RRQWRQPacket)
		if !ok {
			i.log.Warnf("relaying %s from %v on the request port", shared.Describe(pkt), from)
			i.relayStray(buf[:n], from)
			continue
		}
		if shared.SameAddr(from, i.lastFrom) && bytes.Equal(buf[:n], i.lastRequest) {
			i.log.Debugf("ignoring retransmitted %s from %v", shared.Describe(req), from)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		i.lastFrom, i.lastRequest = from, raw
		shared.LogPacket(i.log, "received", from, req)
		return raw, req, from, nil
	}
}

// relayStray passes a datagram that starts no transfer to the server's request port and
// returns the server's answer, if one comes within the timeout, from the request port.
func (i *Intermediary) relayStray(raw []byte, from *net.UDPAddr) {
	conn, err := net.ListenUDP(i.Config.Network(), &net.UDPAddr{})
	if err != nil {
		i.log.WithError(err).Warn("could not open socket for stray datagram")
		return
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP(raw, i.ServerAddr); err != nil {
		i.log.WithError(err).Warnf("could not relay stray datagram to %v", i.ServerAddr)
		return
	}

	buf := make([]byte, shared.RequestBufferSize)
	conn.SetReadDeadline(time.Now().Add(i.Config.Timeout))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		i.log.WithError(err).Debug("no answer to stray datagram")
		return
	}
	if _, err := i.conn.WriteToUDP(buf[:n], from); err != nil {
		i.log.WithError(err).Warnf("could not return answer to %v", from)
		return
	}
	if pkt, err := shared.ReadPacket(buf[:n]); err == nil {
		shared.LogPacket(i.log, "sent", from, pkt)
	}
}

// Serve runs sessions until Close, asking next for the simulation of each one
func (i *Intermediary) Serve(next func() *Simulation) error {
	for {
		sim := next()
		report, err := i.RunSession(sim)
		if err == ErrClosed {
			return nil
		}
		if err != nil && report == nil {
			return err
		}
		logReport(i.log, report)
	}
}

func logReport(log *logrus.Entry, r *Report) {
	entry := log.WithFields(logrus.Fields{
		"session":         r.Session.String(),
		"start":           r.Start.String(),
		"blocks":          r.Blocks,
		"retransmissions": r.Retransmissions,
	})
	if r.Simulation == nil {
		entry.Info("pass-through session finished")
		return
	}
	entry = entry.WithFields(logrus.Fields{"simulation": r.Simulation.String(), "corrupted": r.Corrupted})
	if r.Verified {
		entry.Info("simulation verified")
		return
	}
	if r.Failure != nil {
		entry = entry.WithError(r.Failure)
	}
	entry.Warn("simulation failed")
}

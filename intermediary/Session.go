package intermediary

import (
	"net"
	"time"

	"github.com/gofrs/uuid"
	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"
)

// Phase is the lifecycle stage of a relay session
type Phase int

const (
	PhaseAwaitingRequest Phase = iota
	PhaseCorrupting
	PhaseRelaying
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingRequest:
		return "awaiting request"
	case PhaseCorrupting:
		return "corrupting"
	case PhaseRelaying:
		return "relaying"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Report describes how one session went
type Report struct {
	Session    uuid.UUID
	Start      shared.Opcode
	Simulation *Simulation

	// Corrupted is set once the selected packet was found and sent in corrupted form
	Corrupted bool
	// Verified is set when the recipient answered the corrupted packet with ERROR 4
	Verified bool
	// Reply is the recipient's answer to the corrupted packet, nil if it was malformed
	Reply shared.Packet
	// Failure explains why the simulation did not produce the expected error
	Failure error

	// Blocks counts distinct DATA blocks relayed; Retransmissions counts the repeats
	Blocks          uint
	Retransmissions int
}

// side is one peer of a session and the socket that faces it
type side struct {
	conn *net.UDPConn
	addr *net.UDPAddr // transfer ID, nil until the peer first sends
	dest *net.UDPAddr // where to send before addr is known
}

type datagram struct {
	from Peer
	addr *net.UDPAddr
	data []byte
	err  error
}

// session relays one transfer between a client and the server
type session struct {
	id     uuid.UUID
	sim    *Simulation
	log    *logrus.Entry
	idle   time.Duration
	phase  Phase
	report *Report

	sides [2]*side
	in    chan datagram
	done  chan struct{}

	// blocks holds the DATA block numbers already relayed
	blocks *bitset.BitSet

	// set once a final DATA has been relayed to finalTo
	finalSeen bool
	finalTo   Peer
}

func newSession(client, server *side, sim *Simulation, idle time.Duration, log *logrus.Entry) *session {
	id := uuid.Must(uuid.NewV4())
	return &session{
		id:     id,
		sim:    sim,
		log:    log.WithField("session", id.String()),
		idle:   idle,
		phase:  PhaseAwaitingRequest,
		report: &Report{Session: id, Simulation: sim},
		sides:  [2]*side{PeerClient: client, PeerServer: server},
		in:     make(chan datagram, 16),
		done:   make(chan struct{}),
		blocks: bitset.New(1 << 16),
	}
}

// start launches one reader per side. close stops them.
func (s *session) start() {
	for _, p := range []Peer{PeerClient, PeerServer} {
		go s.read(p)
	}
}

func (s *session) close() {
	close(s.done)
	for _, sd := range s.sides {
		sd.conn.Close()
	}
	s.report.Blocks = s.blocks.Count()
}

func (s *session) read(from Peer) {
	conn := s.sides[from].conn
	for {
		buf := make([]byte, shared.RequestBufferSize)
		n, addr, err := conn.ReadFromUDP(buf)
		d := datagram{from: from, addr: addr, data: buf[:n], err: err}
		select {
		case s.in <- d:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// next waits for the next datagram from either side that belongs to the session
func (s *session) next() (datagram, shared.Packet, error) {
	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	for {
		select {
		case d := <-s.in:
			if d.err != nil {
				return d, nil, errors.Wrapf(d.err, "receiving from the %s", d.from)
			}
			if !s.accept(d) {
				continue
			}
			pkt, err := shared.ReadPacket(d.data)
			if err != nil {
				s.log.WithError(err).Warnf("relaying malformed datagram from the %s", d.from)
				pkt = nil
			} else {
				shared.LogPacket(s.log, "received", d.addr, pkt)
			}
			return d, pkt, nil
		case <-timer.C:
			return datagram{}, nil, errors.Wrapf(shared.ErrTimeout, "nothing from either side for %v while %s", s.idle, s.phase)
		}
	}
}

// accept binds a side's transfer ID on first contact and drops strangers afterwards
func (s *session) accept(d datagram) bool {
	sd := s.sides[d.from]
	if sd.addr == nil {
		sd.addr = d.addr
		s.log.Debugf("%s transfer ID is %v", d.from, d.addr)
		return true
	}
	if shared.SameAddr(sd.addr, d.addr) {
		return true
	}
	s.log.Warnf("dropping datagram from %v on the %s side, expected %v", d.addr, d.from, sd.addr)
	return false
}

func (s *session) send(to Peer, data []byte, pkt shared.Packet) error {
	sd := s.sides[to]
	dest := sd.addr
	if dest == nil {
		dest = sd.dest
	}
	if _, err := sd.conn.WriteToUDP(data, dest); err != nil {
		return errors.Wrapf(err, "sending to the %s", to)
	}
	if pkt != nil {
		shared.LogPacket(s.log, "sent", dest, pkt)
	}
	return nil
}

// forward relays a datagram unchanged and updates the transfer's progress
func (s *session) forward(to Peer, data []byte, pkt shared.Packet) error {
	if err := s.send(to, data, pkt); err != nil {
		return err
	}
	s.observe(pkt, to)
	return nil
}

// observe moves the session to done when pkt, relayed to the peer to, ends the transfer
func (s *session) observe(pkt shared.Packet, to Peer) {
	switch p := pkt.(type) {
	case *shared.ErrorPacket:
		if terminates(p) || (s.finalSeen && to == s.finalTo.Other()) {
			s.phase = PhaseDone
		}
	case *shared.ACKPacket:
		if s.finalSeen && to == s.finalTo.Other() {
			s.phase = PhaseDone
		}
	case *shared.DataPacket:
		s.countBlock(p.BlockNumber)
		if shared.IsFinal(p) {
			s.finalSeen, s.finalTo = true, to
		}
	}
}

func (s *session) countBlock(block uint16) {
	if block == 0 && s.blocks.Test(0xFFFF) {
		// block numbers wrapped
		s.blocks.ClearAll()
	}
	if s.blocks.Test(uint(block)) {
		s.report.Retransmissions++
		return
	}
	s.blocks.Set(uint(block))
}

// terminates reports whether an ERROR ends the transfer. An unknown transfer ID only
// concerns the stray packet that caused it.
func terminates(p *shared.ErrorPacket) bool {
	return p.ErrorCode != shared.ErrUnknownTransferID
}

// run relays the request and everything after it until the transfer ends
func (s *session) run(request []byte, req *shared.RRQWRQPacket) error {
	s.report.Start = req.Opcode()
	s.start()

	if s.sim == nil {
		if err := s.forward(PeerServer, request, req); err != nil {
			return err
		}
		return s.finishTransfer(req, PeerServer)
	}

	if err := s.sim.CheckConsistency(req.Opcode()); err != nil {
		s.phase = PhaseDone
		return errors.Wrap(err, "inconsistent simulation")
	}

	last, to, err := s.corruptAndVerify(request, req)
	if err != nil {
		return err
	}
	if s.phase == PhaseDone {
		return nil
	}
	return s.finishTransfer(last, to)
}

// corruptAndVerify relays until the selected packet shows up, sends it corrupted, and
// relays the recipient's answer. It returns that answer and the side it was sent to.
func (s *session) corruptAndVerify(request []byte, req *shared.RRQWRQPacket) (shared.Packet, Peer, error) {
	s.phase = PhaseCorrupting
	s.log.Infof("waiting to corrupt %s", s.sim)

	data, pkt, to := request, shared.Packet(req), PeerServer
	for {
		if s.sim.Matches(pkt, to) {
			break
		}
		if err := s.forward(to, data, pkt); err != nil {
			return nil, to, err
		}
		if s.phase == PhaseDone {
			s.report.Failure = errors.Errorf("the transfer ended before %s was seen", s.sim)
			s.log.Warn(s.report.Failure.Error())
			return nil, to, nil
		}

		d, p, err := s.next()
		if err != nil {
			return nil, to, err
		}
		data, pkt, to = d.data, p, d.from.Other()
	}

	corrupted, err := Corrupt(data, s.sim.Field)
	if err != nil {
		return nil, to, errors.Wrapf(err, "corrupting %s", shared.Describe(pkt))
	}
	if err := s.send(to, corrupted, nil); err != nil {
		return nil, to, err
	}
	s.report.Corrupted = true
	s.log.Infof("sent %s to the %s with a corrupted %s", shared.Describe(pkt), to, s.sim.Field)

	return s.verify(to)
}

// verify waits for the recipient of the corrupted packet to answer and relays the answer
func (s *session) verify(recipient Peer) (shared.Packet, Peer, error) {
	var d datagram
	var reply shared.Packet
	for {
		var err error
		d, reply, err = s.next()
		if err != nil {
			s.report.Failure = errors.Errorf("the %s never answered the corrupted packet", recipient)
			return nil, recipient, err
		}
		if d.from == recipient {
			break
		}
		s.log.Debugf("dropping datagram from the %s while waiting for the %s", d.from, recipient)
	}

	s.report.Reply = reply
	if e, ok := reply.(*shared.ErrorPacket); ok && e.ErrorCode == shared.ErrIllegalOperation {
		s.report.Verified = true
		s.log.Infof("the %s answered with %s as expected", recipient, shared.Describe(e))
	} else {
		desc := "a malformed datagram"
		if reply != nil {
			desc = shared.Describe(reply)
		}
		s.report.Failure = errors.Errorf("expected ERROR 4 from the %s, got %s", recipient, desc)
		s.log.Warn(s.report.Failure.Error())
	}

	// the answer is relayed whatever it is
	to := recipient.Other()
	if err := s.send(to, d.data, reply); err != nil {
		return nil, to, err
	}
	return reply, to, nil
}

// finishTransfer relays in both directions until the transfer is over. last is the
// packet most recently relayed, to the peer to.
func (s *session) finishTransfer(last shared.Packet, to Peer) error {
	if s.phase != PhaseDone {
		s.phase = PhaseRelaying
	}
	s.observe(last, to)

	for s.phase != PhaseDone {
		d, pkt, err := s.next()
		if err != nil {
			return err
		}
		if err := s.forward(d.from.Other(), d.data, pkt); err != nil {
			return err
		}
	}
	return nil
}

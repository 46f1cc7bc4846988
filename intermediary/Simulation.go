package intermediary

import (
	"fmt"
	"strings"

	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
)

// Field is the part of a packet a simulation corrupts
type Field int

const (
	FieldOpcode Field = iota
	FieldFilename
	FieldMode
	FieldBlockNumber
	FieldErrorCode
	FieldErrorMessage
	FieldLength
)

var fieldNames = [...]string{"opcode", "filename", "mode", "block", "errcode", "errmsg", "length"}

func (f Field) String() string {
	if f >= 0 && int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return "unknown"
}

// Peer names one side of a relayed exchange
type Peer int

const (
	PeerClient Peer = iota
	PeerServer
)

func (p Peer) String() string {
	if p == PeerClient {
		return "client"
	}
	return "server"
}

// Other returns the opposite side
func (p Peer) Other() Peer {
	if p == PeerClient {
		return PeerServer
	}
	return PeerClient
}

// fields that exist in each packet kind
var kindFields = map[shared.Opcode][]Field{
	shared.OpRRQ:   {FieldOpcode, FieldFilename, FieldMode, FieldLength},
	shared.OpWRQ:   {FieldOpcode, FieldFilename, FieldMode, FieldLength},
	shared.OpDATA:  {FieldOpcode, FieldBlockNumber, FieldLength},
	shared.OpACK:   {FieldOpcode, FieldBlockNumber, FieldLength},
	shared.OpERROR: {FieldOpcode, FieldErrorCode, FieldErrorMessage, FieldLength},
}

// Simulation selects the one packet of a session to corrupt. Block only applies to DATA
// and ACK packets.
type Simulation struct {
	Kind      shared.Opcode
	Recipient Peer
	Field     Field
	Block     uint16
}

// ParseSimulation builds a simulation from command line names
func ParseSimulation(kind, recipient, field string, block uint) (*Simulation, error) {
	s := &Simulation{}

	switch strings.ToUpper(kind) {
	case "RRQ":
		s.Kind = shared.OpRRQ
	case "WRQ":
		s.Kind = shared.OpWRQ
	case "DATA":
		s.Kind = shared.OpDATA
	case "ACK":
		s.Kind = shared.OpACK
	case "ERROR":
		s.Kind = shared.OpERROR
	default:
		return nil, errors.Errorf("unknown packet kind %q", kind)
	}

	switch strings.ToLower(recipient) {
	case "client":
		s.Recipient = PeerClient
	case "server":
		s.Recipient = PeerServer
	default:
		return nil, errors.Errorf("recipient must be client or server, got %q", recipient)
	}

	found := false
	for i, name := range fieldNames {
		if strings.EqualFold(field, name) {
			s.Field, found = Field(i), true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("unknown field %q, want one of %s", field, strings.Join(fieldNames[:], ", "))
	}

	if block > 0xFFFF {
		return nil, errors.Errorf("block number %d does not fit in 16 bits", block)
	}
	s.Block = uint16(block)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the simulation on its own, before any session has started
func (s *Simulation) Validate() error {
	fields, ok := kindFields[s.Kind]
	if !ok {
		return errors.Errorf("cannot corrupt packet kind %d", uint16(s.Kind))
	}
	valid := false
	for _, f := range fields {
		if f == s.Field {
			valid = true
		}
	}
	if !valid {
		return errors.Errorf("%s packets have no %s field", s.Kind, s.Field)
	}
	if (s.Kind == shared.OpRRQ || s.Kind == shared.OpWRQ) && s.Recipient != PeerServer {
		return errors.Errorf("%s packets are only ever sent to the server", s.Kind)
	}
	return nil
}

// CheckConsistency rejects a simulation whose target packet never occurs in a transfer
// started by the request kind start.
func (s *Simulation) CheckConsistency(start shared.Opcode) error {
	if start != shared.OpRRQ && start != shared.OpWRQ {
		return errors.Errorf("a session cannot start with %s", start)
	}

	// the side that receives file data
	receiver := PeerClient
	if start == shared.OpWRQ {
		receiver = PeerServer
	}

	switch s.Kind {
	case shared.OpRRQ, shared.OpWRQ:
		if s.Kind != start {
			return errors.Errorf("a %s session never carries a %s", start, s.Kind)
		}
	case shared.OpDATA:
		if s.Recipient != receiver {
			return errors.Errorf("in a %s session DATA is only sent to the %s", start, receiver)
		}
	case shared.OpACK:
		if s.Recipient != receiver.Other() {
			return errors.Errorf("in a %s session ACK is only sent to the %s", start, receiver.Other())
		}
	}
	return nil
}

// Matches reports whether p, on its way to the peer to, is the packet to corrupt
func (s *Simulation) Matches(p shared.Packet, to Peer) bool {
	if p == nil || to != s.Recipient || p.Opcode() != s.Kind {
		return false
	}
	switch pkt := p.(type) {
	case *shared.DataPacket:
		return pkt.BlockNumber == s.Block
	case *shared.ACKPacket:
		return pkt.BlockNumber == s.Block
	}
	return true
}

func (s *Simulation) String() string {
	if s.Kind == shared.OpDATA || s.Kind == shared.OpACK {
		return fmt.Sprintf("%s #%d to the %s, corrupting %s", s.Kind, s.Block, s.Recipient, s.Field)
	}
	return fmt.Sprintf("%s to the %s, corrupting %s", s.Kind, s.Recipient, s.Field)
}

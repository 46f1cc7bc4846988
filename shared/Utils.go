package shared

import (
	"fmt"
	"net"
)

// NextBlock returns the block number after n, wrapping 0xFFFF to 0x0000
func NextBlock(n uint16) uint16 {
	return n + 1
}

// PreviousBlock returns the block number before n, wrapping 0x0000 to 0xFFFF
func PreviousBlock(n uint16) uint16 {
	return n - 1
}

// IsPrintable reports whether b is printable ASCII (0x20 - 0x7E)
func IsPrintable(b byte) bool {
	return b >= 0x20 && b <= 0x7E
}

// SameAddr reports whether two UDP addresses name the same transfer ID
func SameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Describe summarises a packet for log output
func Describe(p Packet) string {
	switch pkt := p.(type) {
	case *RRQWRQPacket:
		return fmt.Sprintf("%s %q %s", pkt.Opcode(), pkt.Filename, pkt.Mode)
	case *DataPacket:
		return fmt.Sprintf("DATA #%d (%d bytes)", pkt.BlockNumber, len(pkt.Data))
	case *ACKPacket:
		return fmt.Sprintf("ACK #%d", pkt.BlockNumber)
	case *ErrorPacket:
		return fmt.Sprintf("ERROR %d %q", pkt.ErrorCode, pkt.ErrorMessage)
	default:
		return "unknown packet"
	}
}

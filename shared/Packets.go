// TFTP Implementation of packet types (RFC-1350)
package shared

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Packet is one decoded TFTP datagram. The concrete type tells the kind:
// *RRQWRQPacket, *DataPacket, *ACKPacket or *ErrorPacket.
type Packet interface {
	Opcode() Opcode
	ByteArray() []byte
}

type RRQWRQPacket struct {
	IsRRQ    bool
	Filename string
	Mode     string // netascii or octet
}

type DataPacket struct {
	BlockNumber uint16
	Data        []byte
}

type ACKPacket struct {
	BlockNumber uint16
}

type ErrorPacket struct {
	ErrorCode    ErrorCode
	ErrorMessage string
}

// Creates a RRQ or WRQ Packet
func CreateRRQWRQPacket(isRRQ bool, fileName string, mode string) *RRQWRQPacket {
	return &RRQWRQPacket{IsRRQ: isRRQ, Filename: fileName, Mode: mode}
}

// Creates a Data Packet
func CreateDataPacket(blockNumber uint16, data []byte) *DataPacket {
	return &DataPacket{BlockNumber: blockNumber, Data: data}
}

// Creates an ACK Packet
func CreateACKPacket(blockNumber uint16) *ACKPacket {
	return &ACKPacket{BlockNumber: blockNumber}
}

// Creates an Error Packet, an empty message is replaced by the standard one for the code
func CreateErrorPacket(errorCode ErrorCode, errorMessage string) *ErrorPacket {
	if errorMessage == "" {
		errorMessage = errorCode.String()
	}
	return &ErrorPacket{ErrorCode: errorCode, ErrorMessage: errorMessage}
}

func (z *RRQWRQPacket) Opcode() Opcode {
	if z.IsRRQ {
		return OpRRQ
	}
	return OpWRQ
}

func (d *DataPacket) Opcode() Opcode  { return OpDATA }
func (a *ACKPacket) Opcode() Opcode   { return OpACK }
func (e *ErrorPacket) Opcode() Opcode { return OpERROR }

// Returns a byte array of a RRQ or WRQ Packet
func (z *RRQWRQPacket) ByteArray() []byte {
	byteArray := make([]byte, 2, 4+len(z.Filename)+len(z.Mode))

	binary.BigEndian.PutUint16(byteArray, uint16(z.Opcode()))
	byteArray = append(byteArray, z.Filename...)
	byteArray = append(byteArray, 0)
	byteArray = append(byteArray, z.Mode...)
	byteArray = append(byteArray, 0)

	return byteArray
}

// Returns a byte array of a Data Packet
func (d *DataPacket) ByteArray() []byte {
	byteArray := make([]byte, HeaderSize, HeaderSize+len(d.Data))

	binary.BigEndian.PutUint16(byteArray, uint16(OpDATA))
	binary.BigEndian.PutUint16(byteArray[2:], d.BlockNumber)
	byteArray = append(byteArray, d.Data...)

	return byteArray
}

// Returns a byte array of an ACK Packet
func (a *ACKPacket) ByteArray() []byte {
	byteArray := make([]byte, HeaderSize)

	binary.BigEndian.PutUint16(byteArray, uint16(OpACK))
	binary.BigEndian.PutUint16(byteArray[2:], a.BlockNumber)

	return byteArray
}

// Returns a byte array of an Error Packet
func (e *ErrorPacket) ByteArray() []byte {
	byteArray := make([]byte, HeaderSize, HeaderSize+len(e.ErrorMessage)+1)

	binary.BigEndian.PutUint16(byteArray, uint16(OpERROR))
	binary.BigEndian.PutUint16(byteArray[2:], uint16(e.ErrorCode))
	byteArray = append(byteArray, e.ErrorMessage...)
	byteArray = append(byteArray, 0)

	return byteArray
}

// ReadPacket decodes a datagram into its packet kind. Any failure is a *DecodeError.
func ReadPacket(data []byte) (Packet, error) {
	if len(data) < 2 {
		return nil, decodeErrorf("%d byte datagram has no opcode", len(data))
	}

	switch op := Opcode(binary.BigEndian.Uint16(data)); op {
	case OpRRQ, OpWRQ:
		return ReadRRQWRQPacket(data)
	case OpDATA:
		return ReadDataPacket(data)
	case OpACK:
		return ReadACKPacket(data)
	case OpERROR:
		return ReadErrorPacket(data)
	default:
		return nil, decodeErrorf("invalid opcode %d", uint16(op))
	}
}

// Reads a data array and returns an RRQ or WRQ packet
func ReadRRQWRQPacket(data []byte) (*RRQWRQPacket, error) {
	op := Opcode(binary.BigEndian.Uint16(data))

	filename, rest, err := readString(data[2:], "filename")
	if err != nil {
		return nil, err
	}
	if filename == "" {
		return nil, decodeErrorf("empty filename")
	}

	mode, _, err := readString(rest, "mode")
	if err != nil {
		return nil, err
	}
	normalized, ok := NormalizeMode(mode)
	if !ok {
		return nil, decodeErrorf("unsupported mode %q", mode)
	}

	// anything after the mode is an option list, which this implementation ignores
	return CreateRRQWRQPacket(op == OpRRQ, filename, normalized), nil
}

// Reads a data array and returns a Data packet
func ReadDataPacket(data []byte) (*DataPacket, error) {
	if len(data) < HeaderSize {
		return nil, decodeErrorf("DATA packet of %d bytes is missing its block number", len(data))
	}
	if len(data) > MaxPacketSize {
		return nil, decodeErrorf("DATA payload of %d bytes exceeds %d", len(data)-HeaderSize, BlockSize)
	}

	payload := make([]byte, len(data)-HeaderSize)
	copy(payload, data[HeaderSize:])

	return CreateDataPacket(binary.BigEndian.Uint16(data[2:]), payload), nil
}

// Reads a data array and returns an ACK packet
func ReadACKPacket(data []byte) (*ACKPacket, error) {
	if len(data) != HeaderSize {
		return nil, decodeErrorf("ACK packet must be %d bytes, got %d", HeaderSize, len(data))
	}
	return CreateACKPacket(binary.BigEndian.Uint16(data[2:])), nil
}

// Reads a data array and returns an Error packet
func ReadErrorPacket(data []byte) (*ErrorPacket, error) {
	if len(data) < HeaderSize+1 {
		return nil, decodeErrorf("ERROR packet of %d bytes is too short", len(data))
	}

	code := ErrorCode(binary.BigEndian.Uint16(data[2:]))
	if code > ErrNoSuchUser {
		return nil, decodeErrorf("invalid error code %d", uint16(code))
	}

	msg, rest, err := readString(data[HeaderSize:], "error message")
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, decodeErrorf("%d trailing bytes after error message", len(rest))
	}

	return &ErrorPacket{ErrorCode: code, ErrorMessage: msg}, nil
}

// readString splits off a NUL terminated printable string
func readString(data []byte, field string) (string, []byte, error) {
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return "", nil, decodeErrorf("%s is not NUL terminated", field)
	}
	for _, b := range data[:end] {
		if !IsPrintable(b) {
			return "", nil, decodeErrorf("%s contains non-printable byte 0x%02x", field, b)
		}
	}
	return string(data[:end]), data[end+1:], nil
}

// NormalizeMode lower-cases a transfer mode and reports whether it is supported
func NormalizeMode(mode string) (string, bool) {
	mode = strings.ToLower(mode)
	switch mode {
	case ModeNetASCII, ModeOctet:
		return mode, true
	default:
		return mode, false
	}
}

// IsFinal reports whether d ends its transfer
func IsFinal(d *DataPacket) bool {
	return len(d.Data) < BlockSize
}

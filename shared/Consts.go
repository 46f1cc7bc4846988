package shared

import "time"

// Opcode identifies one of the five TFTP packet kinds
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the code carried by an ERROR packet
type ErrorCode uint16

const (
	ErrUndefined ErrorCode = iota
	ErrFileNotFound
	ErrAccessViolation
	ErrDiskFull
	ErrIllegalOperation
	ErrUnknownTransferID
	ErrFileExists
	ErrNoSuchUser
)

// Errors for error packets
// ERROR_0 is a user defined error
const ERROR_0 = "Undefined error"
const ERROR_1 = "File not found"
const ERROR_2 = "Access violation"
const ERROR_3 = "Disk full or allocation exceeded"
const ERROR_4 = "Illegal TFTP operation"
const ERROR_5 = "Unknown transfer ID"
const ERROR_6 = "File already exists"
const ERROR_7 = "No such user"

var errorMessages = [...]string{ERROR_0, ERROR_1, ERROR_2, ERROR_3, ERROR_4, ERROR_5, ERROR_6, ERROR_7}

func (c ErrorCode) String() string {
	if int(c) < len(errorMessages) {
		return errorMessages[c]
	}
	return "Unknown error code"
}

const (
	ModeNetASCII = "netascii"
	ModeOctet    = "octet"
)

const (
	BlockSize     = 512
	HeaderSize    = 4
	MaxPacketSize = HeaderSize + BlockSize

	// RequestBufferSize fits requests and error packets with long strings: an Ethernet
	// MTU minus the IP and UDP headers.
	RequestBufferSize = 1468
)

const (
	DefaultServerPort       = 69
	DefaultIntermediaryPort = 23
	DefaultTimeout          = 2 * time.Second
	DefaultRetries          = 2
)

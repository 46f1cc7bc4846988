package shared

import (
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

var (
	ErrTimeout       = errors.New("transfer timed out")
	ErrUnknownTID    = errors.New("packet from unknown transfer ID")
	ErrAccessDenied  = errors.New("access violation")
	ErrNotFound      = errors.New("file not found")
	ErrNoSpace       = errors.New("disk full or allocation exceeded")
	ErrOversize      = errors.New("file exceeds the allowed size")
	ErrAlreadyExists = errors.New("file already exists")
	ErrOutOfSequence = errors.New("block number out of sequence")
	ErrUnexpected    = errors.New("unexpected packet")
)

// DecodeError reports a malformed packet. It always maps to an illegal operation.
type DecodeError struct {
	Reason string
}

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Error() string {
	return "malformed packet: " + e.Reason
}

func (e *DecodeError) Code() ErrorCode {
	return ErrIllegalOperation
}

// PeerError is returned when the other side of a transfer sent an ERROR packet.
type PeerError struct {
	Packet *ErrorPacket
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d (%s): %s", e.Packet.ErrorCode, e.Packet.ErrorCode, e.Packet.ErrorMessage)
}

func (e *PeerError) Code() ErrorCode {
	return e.Packet.ErrorCode
}

// CodeFor maps a local failure to the code reported to the peer.
func CodeFor(err error) ErrorCode {
	var coded interface{ Code() ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}

	switch cause := errors.Cause(err); {
	case cause == ErrAccessDenied, os.IsPermission(cause):
		return ErrAccessViolation
	case cause == ErrNotFound, os.IsNotExist(cause):
		return ErrFileNotFound
	case cause == ErrAlreadyExists, os.IsExist(cause):
		return ErrFileExists
	case cause == ErrNoSpace, cause == ErrOversize, errors.Is(err, syscall.ENOSPC):
		return ErrDiskFull
	case cause == ErrOutOfSequence, cause == ErrUnexpected:
		return ErrIllegalOperation
	case cause == ErrUnknownTID:
		return ErrUnknownTransferID
	}
	return ErrUndefined
}

package shared

import (
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/errors"
)

func TestNextBlockWraps(t *testing.T) {
	if v := NextBlock(0xFFFF); v != 0 {
		t.Errorf("Got = %v; want 0", v)
	}
	if v := NextBlock(255); v != 256 {
		t.Errorf("Got = %v; want 256", v)
	}
	if v := PreviousBlock(0); v != 0xFFFF {
		t.Errorf("Got = %v; want 65535", v)
	}
}

func TestIsPrintable(t *testing.T) {
	for _, b := range []byte{0x20, 'a', '~', 0x7E} {
		if !IsPrintable(b) {
			t.Errorf("0x%02x should be printable", b)
		}
	}
	for _, b := range []byte{0, 0x1F, 0x7F, 0xFF} {
		if IsPrintable(b) {
			t.Errorf("0x%02x should not be printable", b)
		}
	}
}

func TestSameAddr(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 69}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 69}
	c := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 70}

	if !SameAddr(a, b) {
		t.Error("Got = false; want true")
	}
	if SameAddr(a, c) {
		t.Error("Got = true; want false")
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{errors.Wrap(ErrAccessDenied, "lock"), ErrAccessViolation},
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, ErrFileNotFound},
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrPermission}, ErrAccessViolation},
		{errors.Wrap(ErrAlreadyExists, "create"), ErrFileExists},
		{&os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}, ErrDiskFull},
		{errors.Wrap(ErrOversize, "write"), ErrDiskFull},
		{errors.Wrap(&DecodeError{Reason: "x"}, "read"), ErrIllegalOperation},
		{&PeerError{Packet: CreateErrorPacket(ErrNoSuchUser, "")}, ErrNoSuchUser},
		{errors.New("something else"), ErrUndefined},
	}

	for _, tt := range tests {
		if got := CodeFor(tt.err); got != tt.want {
			t.Errorf("%v: Got = %v; want %v", tt.err, got, tt.want)
		}
	}
}

package intermediary

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// corruptByte replaces a printable character. It is neither printable nor a terminator.
const corruptByte = 0x05

// Corrupt returns a copy of the datagram with field made invalid. data is never modified.
func Corrupt(data []byte, field Field) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)

	short := func(need int) error {
		return errors.Errorf("%s needs a %d byte packet, got %d", field, need, len(data))
	}

	switch field {
	case FieldOpcode:
		if len(out) < 2 {
			return nil, short(2)
		}
		out[0] = 0xFF

	case FieldFilename:
		if len(out) < 3 {
			return nil, short(3)
		}
		out[2] = corruptByte

	case FieldMode:
		if len(out) < 3 {
			return nil, short(3)
		}
		end := bytes.IndexByte(out[2:], 0)
		if end < 0 || 2+end+1 >= len(out) {
			return nil, errors.New("packet has no mode after the filename")
		}
		out[2+end+1] = corruptByte

	case FieldBlockNumber:
		if len(out) < 4 {
			return nil, short(4)
		}
		// 0 is a valid previous block for block 1, so those two become 0xFFFF instead
		block := binary.BigEndian.Uint16(out[2:4])
		if block <= 1 {
			binary.BigEndian.PutUint16(out[2:4], 0xFFFF)
		} else {
			binary.BigEndian.PutUint16(out[2:4], 0)
		}

	case FieldErrorCode:
		if len(out) < 4 {
			return nil, short(4)
		}
		out[2] = 0xFF

	case FieldErrorMessage:
		if len(out) < 5 {
			return nil, short(5)
		}
		out[4] = corruptByte

	case FieldLength:
		if len(out) <= 2 {
			return nil, short(3)
		}
		out = out[:len(out)-2]

	default:
		return nil, errors.Errorf("unknown field %d", int(field))
	}
	return out, nil
}

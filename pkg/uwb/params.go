package uwb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only parameter layout this package writes and accepts
const Version byte = 0x01

// MinFrameSize is the length of a frame carrying an empty address and an
// empty key: version, two length bytes, channel, preamble and session id.
const MinFrameSize = 9

// maxFieldLen is the largest variable field a one byte length can describe
const maxFieldLen = 0xff

// Errors
var (
	ErrDecode = errors.New("decode error")
	ErrEncode = errors.New("encode error")
)

// DecodeError describes why a parameter frame was rejected
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode session parameters at offset %d: %s", e.Offset, e.Reason)
}

// Is reports a match against ErrDecode
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErr(offset int, format string, args ...interface{}) error {
	return &DecodeError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes p using the version 1 layout:
//
//	version(1) | addrLen(1) addr | channel(1) | preamble(1) | sessionID(4, BE) | keyLen(1) key
func Encode(p SessionParameters) ([]byte, error) {
	if len(p.PeerAddress) == 0 {
		return nil, fmt.Errorf("%w: peer address is empty", ErrEncode)
	}
	if len(p.PeerAddress) > maxFieldLen {
		return nil, fmt.Errorf("%w: peer address too long: %d bytes", ErrEncode, len(p.PeerAddress))
	}
	if len(p.SessionKeyInfo) > maxFieldLen {
		return nil, fmt.Errorf("%w: session key info too long: %d bytes", ErrEncode, len(p.SessionKeyInfo))
	}
	if p.Channel < 0 || p.Channel > 0xff {
		return nil, fmt.Errorf("%w: channel out of range: %d", ErrEncode, p.Channel)
	}
	if p.PreambleIndex < 0 || p.PreambleIndex > 0xff {
		return nil, fmt.Errorf("%w: preamble index out of range: %d", ErrEncode, p.PreambleIndex)
	}

	out := make([]byte, 0, MinFrameSize+len(p.PeerAddress)+len(p.SessionKeyInfo))
	out = append(out, Version)
	out = append(out, byte(len(p.PeerAddress)))
	out = append(out, p.PeerAddress...)
	out = append(out, byte(p.Channel), byte(p.PreambleIndex))
	out = binary.BigEndian.AppendUint32(out, uint32(p.SessionID))
	out = append(out, byte(len(p.SessionKeyInfo)))
	out = append(out, p.SessionKeyInfo...)
	return out, nil
}

// Decode parses a frame produced by Encode. It fails on truncated input,
// length fields that overrun the frame, unknown versions, an empty
// address and trailing bytes.
func Decode(data []byte) (SessionParameters, error) {
	var p SessionParameters

	if len(data) < MinFrameSize {
		return p, decodeErr(0, "frame too short: %d bytes", len(data))
	}
	if data[0] != Version {
		return p, decodeErr(0, "unknown version 0x%02x", data[0])
	}

	off := 1
	addrLen := int(data[off])
	off++
	if addrLen == 0 {
		return p, decodeErr(off-1, "peer address is empty")
	}
	if addrLen > len(data)-off {
		return p, decodeErr(off-1, "address length %d exceeds remaining %d bytes", addrLen, len(data)-off)
	}
	p.PeerAddress = append(Address(nil), data[off:off+addrLen]...)
	off += addrLen

	// channel, preamble, session id, key length
	if len(data)-off < 7 {
		return p, decodeErr(off, "frame too short: %d bytes", len(data))
	}
	p.Channel = int(data[off])
	p.PreambleIndex = int(data[off+1])
	off += 2
	p.SessionID = int32(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4

	keyLen := int(data[off])
	off++
	if keyLen > len(data)-off {
		return p, decodeErr(off-1, "key length %d exceeds remaining %d bytes", keyLen, len(data)-off)
	}
	p.SessionKeyInfo = append([]byte{}, data[off:off+keyLen]...)
	off += keyLen

	if off != len(data) {
		return p, decodeErr(off, "%d trailing bytes", len(data)-off)
	}
	return p, nil
}

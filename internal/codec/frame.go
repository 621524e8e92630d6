package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame = 00000000 | dataSize(4B) | payload | crc(4B)
// El CRC es CRC-16/IBM del payload en los 2 bytes bajos (alto=0,0).
const (
	headerLen  = 8
	trailerLen = 4

	// MaxPayload bounds a single frame; the device never sends more than a
	// few hundred bytes, so anything larger is a framing error.
	MaxPayload = 64 * 1024
)

var (
	ErrFrameTooShort = errors.New("codec: frame too short")
	ErrBadPreamble   = errors.New("codec: invalid preamble (expected 0x00000000)")
	ErrIncomplete    = errors.New("codec: incomplete frame")
	ErrBadCRC        = errors.New("codec: crc mismatch")
	ErrTooLarge      = errors.New("codec: payload too large")
)

func putU32(n uint32) []byte { return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)} }

func crc16IBM(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if (crc & 1) == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// BuildFrame wraps payload with preamble, size and CRC.
func BuildFrame(payload []byte) []byte {
	crc := crc16IBM(payload)

	out := make([]byte, 0, headerLen+len(payload)+trailerLen)
	out = append(out, 0, 0, 0, 0)                      // preamble
	out = append(out, putU32(uint32(len(payload)))...) // data size
	out = append(out, payload...)                      // payload
	out = append(out, 0, 0, byte(crc>>8), byte(crc))   // CRC en 4B
	return out
}

// ParseFrame validates a complete frame and returns its payload.
func ParseFrame(frame []byte) ([]byte, error) {
	if len(frame) < headerLen+trailerLen {
		return nil, ErrFrameTooShort
	}
	if binary.BigEndian.Uint32(frame[0:4]) != 0 {
		return nil, ErrBadPreamble
	}
	dataLen := int(binary.BigEndian.Uint32(frame[4:8]))
	if dataLen > MaxPayload {
		return nil, ErrTooLarge
	}
	if headerLen+dataLen+trailerLen > len(frame) {
		return nil, ErrIncomplete
	}
	payload := frame[headerLen : headerLen+dataLen]
	if err := checkCRC(payload, frame[headerLen+dataLen:headerLen+dataLen+trailerLen]); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrame reads exactly one frame from r and returns its payload. It does
// not buffer past the frame, so a caller may read a handshake frame and then
// hand r to somebody else.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != 0 {
		return nil, ErrBadPreamble
	}
	dataLen := binary.BigEndian.Uint32(hdr[4:8])
	if dataLen > MaxPayload {
		return nil, ErrTooLarge
	}
	body := make([]byte, int(dataLen)+trailerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
		}
		return nil, err
	}
	payload := body[:dataLen]
	if err := checkCRC(payload, body[dataLen:]); err != nil {
		return nil, err
	}
	return payload, nil
}

func checkCRC(payload, trailer []byte) error {
	got := binary.BigEndian.Uint32(trailer)
	want := uint32(crc16IBM(payload))
	if got != want {
		return fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrBadCRC, got, want)
	}
	return nil
}

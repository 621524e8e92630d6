// Package codec implements the gateway's wire format: length-prefixed,
// CRC-protected frames whose payload is a small header followed by TLVs.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"locsrc-svr/internal/pds"
)

// payload = kind(1B) | txn(2B) | msgID(2B) | TLV*
// TLV     = type(1B) | len(2B) | value
const packetHeaderLen = 5

// Kind tells requests, responses, indications and the handshake apart.
type Kind uint8

const (
	KindRequest    Kind = 0x01
	KindResponse   Kind = 0x02
	KindIndication Kind = 0x04
	KindHello      Kind = 0x10
	KindHelloAck   Kind = 0x11
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindIndication:
		return "indication"
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello_ack"
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

var (
	ErrShortPacket    = errors.New("codec: packet too short")
	ErrMalformedTLV   = errors.New("codec: malformed tlv")
	ErrMissingTLV     = errors.New("codec: missing mandatory tlv")
	ErrUnknownMessage = errors.New("codec: unknown message")
)

// TLV is one type/length/value element.
type TLV struct {
	Type  uint8
	Value []byte
}

// Packet is a decoded frame payload.
type Packet struct {
	Kind Kind
	Txn  uint16
	ID   pds.MessageID
	TLVs []TLV
}

// Get returns the first TLV of type t.
func (p Packet) Get(t uint8) ([]byte, bool) {
	for _, tlv := range p.TLVs {
		if tlv.Type == t {
			return tlv.Value, true
		}
	}
	return nil, false
}

func (p *Packet) add(t uint8, v []byte) {
	p.TLVs = append(p.TLVs, TLV{Type: t, Value: v})
}

// Encode serializes the packet into a frame payload.
func (p Packet) Encode() []byte {
	out := make([]byte, packetHeaderLen, 64)
	out[0] = byte(p.Kind)
	binary.BigEndian.PutUint16(out[1:3], p.Txn)
	binary.BigEndian.PutUint16(out[3:5], uint16(p.ID))
	for _, tlv := range p.TLVs {
		out = append(out, tlv.Type)
		out = binary.BigEndian.AppendUint16(out, uint16(len(tlv.Value)))
		out = append(out, tlv.Value...)
	}
	return out
}

// Frame is BuildFrame(p.Encode()).
func (p Packet) Frame() []byte { return BuildFrame(p.Encode()) }

// DecodePacket parses a frame payload.
func DecodePacket(payload []byte) (Packet, error) {
	if len(payload) < packetHeaderLen {
		return Packet{}, ErrShortPacket
	}
	p := Packet{
		Kind: Kind(payload[0]),
		Txn:  binary.BigEndian.Uint16(payload[1:3]),
		ID:   pds.MessageID(binary.BigEndian.Uint16(payload[3:5])),
	}
	offset := packetHeaderLen
	for offset < len(payload) {
		if offset+3 > len(payload) {
			return Packet{}, fmt.Errorf("%w: truncated header at offset %d", ErrMalformedTLV, offset)
		}
		t := payload[offset]
		n := int(binary.BigEndian.Uint16(payload[offset+1 : offset+3]))
		offset += 3
		if offset+n > len(payload) {
			return Packet{}, fmt.Errorf("%w: type 0x%02x wants %d bytes, %d left", ErrMalformedTLV, t, n, len(payload)-offset)
		}
		v := make([]byte, n)
		copy(v, payload[offset:offset+n])
		p.add(t, v)
		offset += n
	}
	return p, nil
}

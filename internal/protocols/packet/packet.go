// Package packet contains a reader/writer for voice wire packets.
package packet

import (
	"fmt"
)

// MaxMessageSize is the maximum size of a wire packet. It keeps SCTP user
// messages below the 1200-byte DTLS/UDP ceiling on common WAN paths.
const MaxMessageSize = 1000

// Type is a packet type.
type Type byte

// packet types.
const (
	TypeAuth       Type = 0x01
	TypeAudio      Type = 0x02
	TypeAuthAck    Type = 0x03
	TypeDisconnect Type = 0x04
)

// Codec is an audio codec tag.
type Codec byte

// codec tags.
const (
	CodecPCM  Codec = 0x00
	CodecOpus Codec = 0x01
)

func validCodec(c Codec) bool {
	return c == CodecPCM || c == CodecOpus
}

// Position is a world-space coordinate carried by an audio packet.
type Position struct {
	X float32
	Y float32
	Z float32
}

// Packet is a wire packet.
type Packet interface {
	unmarshal(buf []byte) error
	marshal() ([]byte, error)
}

// Unmarshal decodes a wire packet.
func Unmarshal(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty packet")
	}
	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("packet exceeds maximum size (%d > %d)", len(buf), MaxMessageSize)
	}

	var pkt Packet

	switch Type(buf[0]) {
	case TypeAuth:
		pkt = &Auth{}

	case TypeAudio:
		pkt = &Audio{}

	case TypeAuthAck:
		pkt = &AuthAck{}

	case TypeDisconnect:
		pkt = &Disconnect{}

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%.2x", buf[0])
	}

	err := pkt.unmarshal(buf)
	if err != nil {
		return nil, err
	}

	return pkt, nil
}

// Marshal encodes a wire packet.
func Marshal(pkt Packet) ([]byte, error) {
	return pkt.marshal()
}

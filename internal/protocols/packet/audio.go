package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

const (
	audioHeaderSize       = 26
	audioLegacyHeaderSize = 25
	positionSize          = 12

	positionFlag = 0x80
)

// Audio carries one encoded audio frame.
type Audio struct {
	Codec    Codec
	Sender   uuid.UUID
	Sequence uint32
	Payload  []byte

	// inbound: absolute position of the sender, when the client attached one.
	// outbound: position of the sender relative to the recipient.
	Position *Position
}

func (p *Audio) unmarshal(buf []byte) error {
	if len(buf) < audioLegacyHeaderSize {
		return fmt.Errorf("not enough bytes")
	}

	if validCodec(Codec(buf[1] & ^byte(positionFlag))) {
		return p.unmarshalWithCodec(buf)
	}

	// variant without the codec byte, emitted by old clients. Carries
	// raw PCM and never a position.
	return p.unmarshalLegacy(buf)
}

func (p *Audio) unmarshalWithCodec(buf []byte) error {
	if len(buf) < audioHeaderSize {
		return fmt.Errorf("not enough bytes")
	}

	p.Codec = Codec(buf[1] & ^byte(positionFlag))
	hasPos := (buf[1] & positionFlag) != 0

	copy(p.Sender[:], buf[2:18])
	p.Sequence = binary.BigEndian.Uint32(buf[18:22])

	audioLen := binary.BigEndian.Uint32(buf[22:26])
	if audioLen == 0 {
		return fmt.Errorf("empty audio payload")
	}

	switch {
	case uint32(len(buf)-audioHeaderSize) == audioLen:
		p.Position = nil

	case hasPos && uint32(len(buf)-audioHeaderSize-positionSize) == audioLen:
		pos := len(buf) - positionSize
		p.Position = &Position{
			X: math.Float32frombits(binary.BigEndian.Uint32(buf[pos : pos+4])),
			Y: math.Float32frombits(binary.BigEndian.Uint32(buf[pos+4 : pos+8])),
			Z: math.Float32frombits(binary.BigEndian.Uint32(buf[pos+8 : pos+12])),
		}

	default:
		return fmt.Errorf("audio payload size mismatch")
	}

	p.Payload = buf[audioHeaderSize : audioHeaderSize+audioLen]

	return nil
}

func (p *Audio) unmarshalLegacy(buf []byte) error {
	copy(p.Sender[:], buf[1:17])
	p.Sequence = binary.BigEndian.Uint32(buf[17:21])

	audioLen := binary.BigEndian.Uint32(buf[21:25])
	if audioLen == 0 {
		return fmt.Errorf("empty audio payload")
	}
	if uint32(len(buf)-audioLegacyHeaderSize) != audioLen {
		return fmt.Errorf("audio payload size mismatch")
	}

	p.Codec = CodecPCM
	p.Payload = buf[audioLegacyHeaderSize : audioLegacyHeaderSize+audioLen]
	p.Position = nil

	return nil
}

func (p Audio) marshal() ([]byte, error) {
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	if p.Size() > MaxMessageSize {
		return nil, fmt.Errorf("packet exceeds maximum size (%d > %d)", p.Size(), MaxMessageSize)
	}

	return AppendAudio(make([]byte, 0, p.Size()), &p), nil
}

// Size returns the wire size of the packet.
func (p *Audio) Size() int {
	n := audioHeaderSize + len(p.Payload)
	if p.Position != nil {
		n += positionSize
	}
	return n
}

// WithPosition returns a copy of an encoded positionless audio packet with
// the position flag set and pos appended. flat is left untouched, so the
// router can keep sharing it across recipients.
func WithPosition(flat []byte, pos Position) []byte {
	buf := make([]byte, 0, len(flat)+positionSize)
	buf = append(buf, flat...)
	buf[1] |= positionFlag
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(pos.X))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(pos.Y))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(pos.Z))
	return buf
}

// AppendAudio appends the wire form of an audio packet to buf and returns
// the extended buffer. The router encodes each outbound frame exactly once
// with it and derives positional variants via WithPosition.
func AppendAudio(buf []byte, p *Audio) []byte {
	codec := byte(p.Codec)
	if p.Position != nil {
		codec |= positionFlag
	}

	buf = append(buf, byte(TypeAudio), codec)
	buf = append(buf, p.Sender[:]...)
	buf = binary.BigEndian.AppendUint32(buf, p.Sequence)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
	buf = append(buf, p.Payload...)

	if p.Position != nil {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(p.Position.X))
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(p.Position.Y))
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(p.Position.Z))
	}

	return buf
}

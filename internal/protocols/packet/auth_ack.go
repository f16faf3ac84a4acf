package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const authAckHeaderSize = 20

// AckReason is the result of a voice transport authentication.
type AckReason byte

// ack reasons.
const (
	AckAccepted           AckReason = 0
	AckPlayerNotFound     AckReason = 1
	AckServerNotReady     AckReason = 2
	AckInvalidCredentials AckReason = 3
)

// AuthAck is the server reply to an Auth packet.
type AuthAck struct {
	Client  uuid.UUID
	Reason  AckReason
	Message string

	// negotiated sample rate in Hz; zero when omitted.
	SampleRate uint32
}

// Accepted reports whether authentication succeeded.
func (p *AuthAck) Accepted() bool {
	return p.Reason == AckAccepted
}

func (p *AuthAck) unmarshal(buf []byte) error {
	if len(buf) < authAckHeaderSize {
		return fmt.Errorf("not enough bytes")
	}

	copy(p.Client[:], buf[1:17])
	p.Reason = AckReason(buf[17])

	msgLen := binary.BigEndian.Uint16(buf[18:20])
	rest := len(buf) - authAckHeaderSize

	switch {
	case uint16(rest) == msgLen:
		p.SampleRate = 0

	case rest >= 4 && uint16(rest-4) == msgLen:
		p.SampleRate = binary.BigEndian.Uint32(buf[len(buf)-4:])

	default:
		return fmt.Errorf("invalid message length")
	}

	p.Message = string(buf[authAckHeaderSize : authAckHeaderSize+int(msgLen)])

	return nil
}

func (p AuthAck) marshal() ([]byte, error) {
	if len(p.Message) > 0xFFFF {
		return nil, fmt.Errorf("message too long")
	}

	size := authAckHeaderSize + len(p.Message)
	if p.SampleRate != 0 {
		size += 4
	}

	buf := make([]byte, size)
	buf[0] = byte(TypeAuthAck)
	copy(buf[1:17], p.Client[:])
	buf[17] = byte(p.Reason)
	binary.BigEndian.PutUint16(buf[18:20], uint16(len(p.Message)))
	copy(buf[authAckHeaderSize:], p.Message)

	if p.SampleRate != 0 {
		binary.BigEndian.PutUint32(buf[size-4:], p.SampleRate)
	}

	return buf, nil
}

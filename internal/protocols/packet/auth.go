package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const authHeaderSize = 21

// Auth is the first packet a client sends over a fresh voice transport.
type Auth struct {
	Sender   uuid.UUID
	Username string

	// requested sample rate in Hz; zero when the client did not send one.
	SampleRate uint32
}

func (p *Auth) unmarshal(buf []byte) error {
	if len(buf) < authHeaderSize {
		return fmt.Errorf("not enough bytes")
	}

	copy(p.Sender[:], buf[1:17])

	nameLen := binary.BigEndian.Uint32(buf[17:21])
	rest := len(buf) - authHeaderSize

	switch {
	case uint32(rest) == nameLen:
		p.SampleRate = 0

	case rest >= 4 && uint32(rest-4) == nameLen:
		p.SampleRate = binary.BigEndian.Uint32(buf[len(buf)-4:])

	default:
		return fmt.Errorf("invalid username length")
	}

	p.Username = string(buf[authHeaderSize : authHeaderSize+nameLen])

	return nil
}

func (p Auth) marshal() ([]byte, error) {
	size := authHeaderSize + len(p.Username)
	if p.SampleRate != 0 {
		size += 4
	}

	buf := make([]byte, size)
	buf[0] = byte(TypeAuth)
	copy(buf[1:17], p.Sender[:])
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(p.Username)))
	copy(buf[authHeaderSize:], p.Username)

	if p.SampleRate != 0 {
		binary.BigEndian.PutUint32(buf[size-4:], p.SampleRate)
	}

	return buf, nil
}

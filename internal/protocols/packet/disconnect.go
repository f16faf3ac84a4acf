package packet

import (
	"fmt"

	"github.com/google/uuid"
)

const disconnectSize = 17

// Disconnect announces that a client is leaving the voice plane.
type Disconnect struct {
	Client uuid.UUID
}

func (p *Disconnect) unmarshal(buf []byte) error {
	if len(buf) != disconnectSize {
		return fmt.Errorf("invalid packet size")
	}

	copy(p.Client[:], buf[1:17])

	return nil
}

func (p Disconnect) marshal() ([]byte, error) {
	buf := make([]byte, disconnectSize)
	buf[0] = byte(TypeDisconnect)
	copy(buf[1:17], p.Client[:])

	return buf, nil
}

// Package defs contains shared definitions.
package defs

import (
	"github.com/google/uuid"
)

// SendResult is the outcome of an audio frame delivery attempt.
type SendResult int

// send results.
const (
	// the frame was handed to the transport.
	SendOK SendResult = iota

	// the transport is out of buffer space; the caller must drop, not queue.
	SendBackpressure

	// the transport is gone; the caller must skip the recipient.
	SendClosed
)

// Session is an authenticated voice session. It is registered in the
// session registry and addressed by the audio router.
type Session interface {
	ClientID() uuid.UUID
	PlayerID() uuid.UUID
	Username() string

	// whether the session has an open audio transport.
	Ready() bool

	// whether the microphone is muted, by the player or by the game.
	Muted() bool

	// SetMuted forces the mute state from the control plane.
	SetMuted(muted bool)

	// SendAudio hands an encoded audio packet to the session transport.
	// It never blocks.
	SendAudio(buf []byte) SendResult

	// Kick asks the session to close. It returns before the session is gone;
	// callers that displaced it from the registry need not wait.
	Kick(reason string)
}

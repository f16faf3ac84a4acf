// Package group contains the voice group registry.
package group

import (
	"errors"

	"github.com/google/uuid"
)

// error tokens surfaced verbatim to clients.
var (
	ErrGroupFull         = errors.New("GROUP_FULL")
	ErrGroupLimitReached = errors.New("GROUP_LIMIT_REACHED")
	ErrNameTooLong       = errors.New("NAME_TOO_LONG")
	ErrWrongPassword     = errors.New("WRONG_PASSWORD")
	ErrNotMember         = errors.New("NOT_MEMBER")
	ErrNotFound          = errors.New("GROUP_NOT_FOUND")
)

var errEmptyName = errors.New("group name is empty")

// MaxNameLength is the maximum length of a group name, in characters.
const MaxNameLength = 32

// Settings are the tunables of a group.
type Settings struct {
	// members hear only each other, not proximity audio.
	IsIsolated bool
	// proximity range in meters that replaces the server default; nil = none.
	ProximityOverride *float64
	// survive emptiness instead of being destroyed with the last member.
	Permanent bool
	// members hear each other regardless of distance.
	GlobalVoice bool
	// apply positional rolloff to intra-group audio.
	Spatial bool
	// gain floor applied to spatial group audio, in [0, 1].
	MinVolume float64
	// member cap, clamped to [1, 200]; zero picks the server default.
	MaxMembers int
}

// Info is a point-in-time snapshot of a group.
type Info struct {
	ID          uuid.UUID
	Name        string
	Creator     uuid.UUID
	Settings    Settings
	Members     []uuid.UUID
	HasPassword bool
}

package position

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type sample struct {
	pos     Position
	updated time.Time
}

// Tracker is a throttled, TTL-bound map of player positions.
// The game adapter writes, the router reads.
type Tracker struct {
	// minimum interval between accepted samples of one player.
	// Zero disables the interval gate.
	MinInterval time.Duration
	// translation that bypasses the interval gate.
	MinDistanceDelta float64
	// yaw/pitch delta in degrees that bypasses the interval gate.
	RotationThreshold float64
	// age after which a sample is hidden from readers. Zero disables expiry.
	TTL time.Duration

	timeNow func() time.Time

	mutex   sync.RWMutex
	samples map[uuid.UUID]*sample
}

// Initialize initializes a Tracker.
func (t *Tracker) Initialize() {
	if t.timeNow == nil {
		t.timeNow = time.Now
	}
	t.samples = make(map[uuid.UUID]*sample)
}

// Upsert stores a position sample and reports whether it was accepted.
// A sample is dropped when it arrives before MinInterval has elapsed
// and moves the player by less than the translation and rotation thresholds.
func (t *Tracker) Upsert(playerID uuid.UUID, pos Position) bool {
	now := t.timeNow()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	s, ok := t.samples[playerID]
	if ok && t.MinInterval != 0 && now.Sub(s.updated) < t.MinInterval {
		// cross-world distance is infinite, so a world change always passes.
		if Distance(s.pos, pos) <= t.MinDistanceDelta &&
			angleDelta(s.pos.Yaw, pos.Yaw) <= t.RotationThreshold &&
			angleDelta(s.pos.Pitch, pos.Pitch) <= t.RotationThreshold {
			return false
		}
	}

	if !ok {
		s = &sample{}
		t.samples[playerID] = s
	}

	s.pos = pos
	s.updated = now

	return true
}

// Get returns the live position of a player.
func (t *Tracker) Get(playerID uuid.UUID) (Position, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	s, ok := t.samples[playerID]
	if !ok || t.expired(s) {
		return Position{}, false
	}

	return s.pos, true
}

// Snapshot returns a copy of all live positions.
func (t *Tracker) Snapshot() map[uuid.UUID]Position {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make(map[uuid.UUID]Position, len(t.samples))
	for id, s := range t.samples {
		if !t.expired(s) {
			out[id] = s.pos
		}
	}

	return out
}

// Count returns the number of live positions.
func (t *Tracker) Count() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	n := 0
	for _, s := range t.samples {
		if !t.expired(s) {
			n++
		}
	}

	return n
}

// Remove forgets a player.
func (t *Tracker) Remove(playerID uuid.UUID) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.samples, playerID)
}

func (t *Tracker) expired(s *sample) bool {
	return t.TTL != 0 && t.timeNow().Sub(s.updated) > t.TTL
}

// Package router contains the audio router.
package router

import (
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/openvoicechat/ovc-server/internal/defs"
	"github.com/openvoicechat/ovc-server/internal/group"
	"github.com/openvoicechat/ovc-server/internal/position"
	"github.com/openvoicechat/ovc-server/internal/protocols/packet"
	"github.com/openvoicechat/ovc-server/internal/registry"
)

// Rolloff returns the distance attenuation in [0, 1].
// It is exactly 0 at and beyond maxDistance, 1 at distance 0.
func Rolloff(d float64, maxDistance float64, k float64) float64 {
	if maxDistance <= 0 || d >= maxDistance {
		return 0
	}
	if d <= 0 {
		return 1
	}

	v := math.Pow(1-d/maxDistance, k)
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Router is the audio fan-out point. Route is called from each sender
// session's read path, which preserves per-sender frame order; different
// senders route in parallel. The router never buffers frames and never
// holds a group or position lock while sending.
type Router struct {
	MaxVoiceDistance float64
	RolloffFactor    float64

	Registry  *registry.Registry
	Groups    *group.Registry
	Positions *position.Tracker

	settingsMutex sync.RWMutex

	overridesMutex sync.RWMutex
	overrides      map[uuid.UUID]float64
}

// Initialize initializes a Router.
func (r *Router) Initialize() {
	r.overrides = make(map[uuid.UUID]float64)
}

// ReloadProximity applies new proximity settings.
func (r *Router) ReloadProximity(maxVoiceDistance float64, rolloffFactor float64) {
	r.settingsMutex.Lock()
	defer r.settingsMutex.Unlock()
	r.MaxVoiceDistance = maxVoiceDistance
	r.RolloffFactor = rolloffFactor
}

func (r *Router) proximitySettings() (float64, float64) {
	r.settingsMutex.RLock()
	defer r.settingsMutex.RUnlock()
	return r.MaxVoiceDistance, r.RolloffFactor
}

// SetProximityOverride sets or clears the per-player range override.
func (r *Router) SetProximityOverride(playerID uuid.UUID, meters *float64) {
	r.overridesMutex.Lock()
	defer r.overridesMutex.Unlock()

	if meters == nil {
		delete(r.overrides, playerID)
		return
	}
	r.overrides[playerID] = *meters
}

func (r *Router) proximityOverride(playerID uuid.UUID) (float64, bool) {
	r.overridesMutex.RLock()
	defer r.overridesMutex.RUnlock()

	v, ok := r.overrides[playerID]
	return v, ok
}

// Route fans an inbound audio frame out to its recipients.
// The sender identity comes from the session, never from the frame.
func (r *Router) Route(sender defs.Session, frame *packet.Audio) {
	if sender.Muted() {
		return
	}

	frame.Sender = sender.ClientID()

	// an in-band position is an absolute sender position; fold it into
	// the tracker so both transports share one source of truth.
	if frame.Position != nil {
		pos, ok := r.Positions.Get(sender.PlayerID())
		if !ok {
			pos = position.Position{}
		}
		pos.X = float64(frame.Position.X)
		pos.Y = float64(frame.Position.Y)
		pos.Z = float64(frame.Position.Z)
		r.Positions.Upsert(sender.PlayerID(), pos)
	}

	maxDist, k := r.proximitySettings()

	positions := r.Positions.Snapshot()
	senderPos, senderHasPos := positions[sender.PlayerID()]

	// one consistent group view per frame; built outside any send call.
	groups := r.Groups.List()
	groupOf := make(map[uuid.UUID]*group.Info, len(groups))
	for i := range groups {
		for _, m := range groups[i].Members {
			groupOf[m] = &groups[i]
		}
	}
	senderGroup := groupOf[sender.PlayerID()]

	effRange := maxDist
	if senderGroup != nil && senderGroup.Settings.ProximityOverride != nil {
		effRange = *senderGroup.Settings.ProximityOverride
	}
	if v, ok := r.proximityOverride(sender.PlayerID()); ok {
		effRange = v
	}
	if effRange > maxDist {
		effRange = maxDist
	}

	// the positionless encoding is built once and shared read-only by
	// every flat recipient; positional recipients get a private copy
	// with the 12-byte tail appended.
	flat := *frame
	flat.Position = nil
	flatBuf := packet.AppendAudio(make([]byte, 0, flat.Size()), &flat)

	for _, sess := range r.Registry.Snapshot() {
		if sess.ClientID() == frame.Sender || !sess.Ready() {
			continue
		}

		recipientGroup := groupOf[sess.PlayerID()]
		recipientPos, recipientHasPos := positions[sess.PlayerID()]

		havePositions := senderHasPos && recipientHasPos

		d := math.Inf(1)
		if havePositions {
			d = position.Distance(senderPos, recipientPos)
		}

		deliver, withPos := decide(senderGroup, recipientGroup, d, havePositions, effRange, k)
		if !deliver {
			continue
		}

		buf := flatBuf
		if withPos {
			buf = packet.WithPosition(flatBuf, packet.Position{
				X: float32(senderPos.X - recipientPos.X),
				Y: float32(senderPos.Y - recipientPos.Y),
				Z: float32(senderPos.Z - recipientPos.Z),
			})
		}

		// backpressure and closed transports are recorded by the
		// session itself; the fan-out never stops on them.
		sess.SendAudio(buf)
	}
}

// decide returns whether to deliver a frame and whether to attach the
// recipient-relative position. Distance is +Inf when havePositions is
// false or the worlds differ.
func decide(senderGroup *group.Info, recipientGroup *group.Info,
	d float64, havePositions bool, effRange float64, k float64,
) (bool, bool) {
	sameGroup := senderGroup != nil && recipientGroup != nil && senderGroup.ID == recipientGroup.ID

	if sameGroup {
		if senderGroup.Settings.GlobalVoice {
			// non-spatial global voice is flat: no position attached.
			return true, senderGroup.Settings.Spatial && !math.IsInf(d, 1)
		}
		// members without live positions hear each other flat; once
		// both have one, the proximity gate applies, and a world
		// mismatch is an infinite distance.
		if !havePositions {
			return true, false
		}
		return Rolloff(d, effRange, k) > 0, !math.IsInf(d, 1)
	}

	if senderGroup != nil {
		// a grouped sender reaches members and nearby ungrouped
		// players; isolation restricts it to members only.
		if senderGroup.Settings.IsIsolated || recipientGroup != nil {
			return false, false
		}
		return Rolloff(d, effRange, k) > 0, true
	}

	// members of isolated groups never hear outside audio.
	if recipientGroup != nil && recipientGroup.Settings.IsIsolated {
		return false, false
	}

	return Rolloff(d, effRange, k) > 0, true
}

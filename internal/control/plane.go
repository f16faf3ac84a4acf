// Package control contains the plane driven by the game adapter.
package control

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/openvoicechat/ovc-server/internal/authstore"
	"github.com/openvoicechat/ovc-server/internal/group"
	"github.com/openvoicechat/ovc-server/internal/logger"
	"github.com/openvoicechat/ovc-server/internal/position"
	"github.com/openvoicechat/ovc-server/internal/registry"
	"github.com/openvoicechat/ovc-server/internal/router"
)

// planeSignaling is implemented by the signaling server.
type planeSignaling interface {
	PushToPlayer(playerID uuid.UUID, msgType string, data interface{}) error
}

type radarPingData struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	WorldID string  `json:"worldId,omitempty"`
	Label   string  `json:"label,omitempty"`
}

// Plane is the surface the game adapter drives. Operations are
// idempotent and each resolves to a single mutation on the owning
// component, so the adapter may replay calls after a reconnect.
type Plane struct {
	AuthStore *authstore.Store
	Registry  *registry.Registry
	Groups    *group.Registry
	Positions *position.Tracker
	Router    *router.Router
	Parent    logger.Writer

	signaling planeSignaling

	mutex   sync.RWMutex
	players map[uuid.UUID]string
}

// Initialize initializes the Plane.
func (p *Plane) Initialize() {
	p.players = make(map[uuid.UUID]string)
}

// SetSignaling sets the signaling server. The plane and the server
// reference each other, so one of the two is wired after creation.
func (p *Plane) SetSignaling(s planeSignaling) {
	p.signaling = s
}

// Log implements logger.Writer.
func (p *Plane) Log(level logger.Level, format string, args ...interface{}) {
	p.Parent.Log(level, "[control] "+format, args...)
}

// Present returns whether a player is in the game.
func (p *Plane) Present(playerID uuid.UUID) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	_, ok := p.players[playerID]
	return ok
}

// PlayerUsername returns the in-game username of a player.
func (p *Plane) PlayerUsername(playerID uuid.UUID) (string, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	username, ok := p.players[playerID]
	return username, ok
}

// OnPlayerJoin records that a player entered the game and seeds
// their position.
func (p *Plane) OnPlayerJoin(playerID uuid.UUID, username string, initial position.Position) {
	p.mutex.Lock()
	_, present := p.players[playerID]
	p.players[playerID] = username
	p.mutex.Unlock()

	p.Positions.Upsert(playerID, initial)

	if !present {
		p.Log(logger.Debug, "player %s (%q) joined the game", playerID, username)
	}
}

// OnPlayerLeave clears everything tied to a departed player: game
// presence, position, group membership and proximity override. A live
// voice session is kicked. The cleanup runs even when the join was
// never seen, so a replaying adapter still converges.
func (p *Plane) OnPlayerLeave(playerID uuid.UUID) {
	p.mutex.Lock()
	_, present := p.players[playerID]
	delete(p.players, playerID)
	p.mutex.Unlock()

	if sess, ok := p.Registry.GetByPlayer(playerID); ok {
		sess.Kick("player left the game")
	}

	p.Groups.ForceLeave(playerID)
	p.Positions.Remove(playerID)
	p.Router.SetProximityOverride(playerID, nil)

	if present {
		p.Log(logger.Debug, "player %s left the game", playerID)
	}
}

// UpsertPosition feeds a position sample to the tracker and reports
// whether it was accepted.
func (p *Plane) UpsertPosition(playerID uuid.UUID, pos position.Position) bool {
	return p.Positions.Upsert(playerID, pos)
}

// ValidateCode checks an auth code without consuming anything.
func (p *Plane) ValidateCode(username string, code string) bool {
	return p.AuthStore.Validate(username, code)
}

// GetOrCreateCode returns the auth code of a player, minting one on
// first use.
func (p *Plane) GetOrCreateCode(username string, playerID uuid.UUID) (string, error) {
	return p.AuthStore.GetOrCreate(username, playerID)
}

// ResetCode replaces the auth code of a player, invalidating the old one.
func (p *Plane) ResetCode(username string, playerID uuid.UUID) (string, error) {
	return p.AuthStore.Reset(username, playerID)
}

// ForceLeaveGroup removes a player from their group and reports whether
// there was a membership to remove.
func (p *Plane) ForceLeaveGroup(playerID uuid.UUID) bool {
	return p.Groups.ForceLeave(playerID) != nil
}

// SetProximityOverride pins the voice range of a player; nil clears
// the pin.
func (p *Plane) SetProximityOverride(playerID uuid.UUID, meters *float64) {
	p.Router.SetProximityOverride(playerID, meters)
}

// MutePlayer forces the mute state of a connected player and reports
// whether a session was found.
func (p *Plane) MutePlayer(playerID uuid.UUID, muted bool) bool {
	sess, ok := p.Registry.GetByPlayer(playerID)
	if !ok {
		return false
	}
	sess.SetMuted(muted)
	return true
}

// CreateManagedGroup creates an empty permanent group owned by the
// game. Recreating an existing name returns the existing group.
func (p *Plane) CreateManagedGroup(name string, settings group.Settings, password string) (*group.Info, error) {
	info, err := p.Groups.CreateDetached(name, settings, password)
	if err != nil {
		return nil, err
	}

	p.Log(logger.Info, "managed group %q (%s)", name, info.ID)
	return info, nil
}

// SendRadarPing pushes a radar ping to the client of one player.
func (p *Plane) SendRadarPing(playerID uuid.UUID, source position.Position, label string) error {
	if p.signaling == nil {
		return errors.New("signaling server is not available")
	}

	return p.signaling.PushToPlayer(playerID, "radar_ping", radarPingData{
		X:       source.X,
		Y:       source.Y,
		Z:       source.Z,
		WorldID: source.WorldID,
		Label:   label,
	})
}

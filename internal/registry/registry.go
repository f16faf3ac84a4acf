// Package registry contains the session registry.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/openvoicechat/ovc-server/internal/defs"
)

const shardCount = 16

type shard struct {
	mutex   sync.RWMutex
	members map[uuid.UUID]defs.Session
}

// Registry is a sharded index of authenticated sessions.
// Sessions are owned by their servers; the registry only indexes them.
type Registry struct {
	// called after a session is added or removed, outside any lock.
	OnPresenceChanged func()

	shards [shardCount]shard

	playersMutex sync.RWMutex
	players      map[uuid.UUID]uuid.UUID
}

// Initialize initializes a Registry.
func (r *Registry) Initialize() {
	for i := range r.shards {
		r.shards[i].members = make(map[uuid.UUID]defs.Session)
	}
	r.players = make(map[uuid.UUID]uuid.UUID)
}

func (r *Registry) shardOf(clientID uuid.UUID) *shard {
	h := fnv.New32a()
	h.Write(clientID[:]) //nolint:errcheck
	return &r.shards[h.Sum32()%shardCount]
}

// Add indexes a session. When another session is bound to the same player,
// it is displaced and returned so the caller can close it.
func (r *Registry) Add(sess defs.Session) defs.Session {
	var prev defs.Session

	r.playersMutex.Lock()
	prevClientID, ok := r.players[sess.PlayerID()]
	if ok && prevClientID != sess.ClientID() {
		prev = r.removeClient(prevClientID)
	}
	r.players[sess.PlayerID()] = sess.ClientID()
	r.playersMutex.Unlock()

	sh := r.shardOf(sess.ClientID())
	sh.mutex.Lock()
	sh.members[sess.ClientID()] = sess
	sh.mutex.Unlock()

	if r.OnPresenceChanged != nil {
		r.OnPresenceChanged()
	}

	return prev
}

// Remove drops a session from the index. It is a no-op when the slot
// has already been taken over by a newer session.
func (r *Registry) Remove(sess defs.Session) {
	sh := r.shardOf(sess.ClientID())
	sh.mutex.Lock()
	cur, ok := sh.members[sess.ClientID()]
	if !ok || cur != sess {
		sh.mutex.Unlock()
		return
	}
	delete(sh.members, sess.ClientID())
	sh.mutex.Unlock()

	r.playersMutex.Lock()
	if r.players[sess.PlayerID()] == sess.ClientID() {
		delete(r.players, sess.PlayerID())
	}
	r.playersMutex.Unlock()

	if r.OnPresenceChanged != nil {
		r.OnPresenceChanged()
	}
}

func (r *Registry) removeClient(clientID uuid.UUID) defs.Session {
	sh := r.shardOf(clientID)
	sh.mutex.Lock()
	sess, ok := sh.members[clientID]
	if ok {
		delete(sh.members, clientID)
	}
	sh.mutex.Unlock()

	if !ok {
		return nil
	}
	return sess
}

// Get returns the session of a client.
func (r *Registry) Get(clientID uuid.UUID) (defs.Session, bool) {
	sh := r.shardOf(clientID)
	sh.mutex.RLock()
	defer sh.mutex.RUnlock()

	sess, ok := sh.members[clientID]
	return sess, ok
}

// GetByPlayer returns the session bound to a player.
func (r *Registry) GetByPlayer(playerID uuid.UUID) (defs.Session, bool) {
	r.playersMutex.RLock()
	clientID, ok := r.players[playerID]
	r.playersMutex.RUnlock()

	if !ok {
		return nil, false
	}

	return r.Get(clientID)
}

// Snapshot returns all indexed sessions.
func (r *Registry) Snapshot() []defs.Session {
	out := make([]defs.Session, 0, r.Count())

	for i := range r.shards {
		sh := &r.shards[i]
		sh.mutex.RLock()
		for _, sess := range sh.members {
			out = append(out, sess)
		}
		sh.mutex.RUnlock()
	}

	return out
}

// Count returns the number of indexed sessions.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mutex.RLock()
		n += len(sh.members)
		sh.mutex.RUnlock()
	}
	return n
}

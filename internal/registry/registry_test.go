package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openvoicechat/ovc-server/internal/defs"
)

type dummySession struct {
	clientID uuid.UUID
	playerID uuid.UUID
	username string
	kicked   string
}

func (s *dummySession) ClientID() uuid.UUID { return s.clientID }

func (s *dummySession) PlayerID() uuid.UUID { return s.playerID }

func (s *dummySession) Username() string { return s.username }

func (s *dummySession) Ready() bool { return true }

func (s *dummySession) Muted() bool { return false }

func (s *dummySession) SetMuted(_ bool) {}

func (s *dummySession) SendAudio(_ []byte) defs.SendResult { return defs.SendOK }

func (s *dummySession) Kick(reason string) { s.kicked = reason }

func TestRegistry(t *testing.T) {
	r := &Registry{}
	r.Initialize()

	sess := &dummySession{
		clientID: uuid.New(),
		playerID: uuid.New(),
		username: "alice",
	}

	prev := r.Add(sess)
	require.Nil(t, prev)
	require.Equal(t, 1, r.Count())

	got, ok := r.Get(sess.clientID)
	require.True(t, ok)
	require.Equal(t, defs.Session(sess), got)

	got, ok = r.GetByPlayer(sess.playerID)
	require.True(t, ok)
	require.Equal(t, defs.Session(sess), got)

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	r.Remove(sess)
	require.Equal(t, 0, r.Count())

	_, ok = r.Get(sess.clientID)
	require.False(t, ok)

	_, ok = r.GetByPlayer(sess.playerID)
	require.False(t, ok)
}

func TestRegistryDisplacement(t *testing.T) {
	r := &Registry{}
	r.Initialize()

	playerID := uuid.New()

	oldSess := &dummySession{
		clientID: uuid.New(),
		playerID: playerID,
		username: "alice",
	}
	require.Nil(t, r.Add(oldSess))

	// a new session for the same player displaces the old one.
	newSess := &dummySession{
		clientID: uuid.New(),
		playerID: playerID,
		username: "alice",
	}
	prev := r.Add(newSess)
	require.Equal(t, defs.Session(oldSess), prev)
	require.Equal(t, 1, r.Count())

	got, ok := r.GetByPlayer(playerID)
	require.True(t, ok)
	require.Equal(t, defs.Session(newSess), got)

	// removing the displaced session must not touch the new binding.
	r.Remove(oldSess)
	require.Equal(t, 1, r.Count())

	_, ok = r.GetByPlayer(playerID)
	require.True(t, ok)
}

func TestRegistryPresenceCallback(t *testing.T) {
	r := &Registry{}
	r.Initialize()

	changes := 0
	r.OnPresenceChanged = func() {
		changes++
	}

	sess := &dummySession{
		clientID: uuid.New(),
		playerID: uuid.New(),
		username: "alice",
	}

	r.Add(sess)
	require.Equal(t, 1, changes)

	r.Remove(sess)
	require.Equal(t, 2, changes)

	// removing twice does not notify again.
	r.Remove(sess)
	require.Equal(t, 2, changes)
}

package group

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	r := &Registry{}
	r.Initialize()
	return r
}

func TestRegistryCreate(t *testing.T) {
	r := newTestRegistry()
	creator := uuid.New()

	info, err := r.Create(creator, "party", Settings{}, "")
	require.NoError(t, err)
	require.Equal(t, "party", info.Name)
	require.Equal(t, creator, info.Creator)
	require.Equal(t, []uuid.UUID{creator}, info.Members)
	require.Equal(t, defaultMaxMembers, info.Settings.MaxMembers)
	require.False(t, info.HasPassword)

	got, ok := r.GroupOf(creator)
	require.True(t, ok)
	require.Equal(t, info, got)
}

func TestRegistryCreateErrors(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(uuid.New(), "", Settings{}, "")
	require.EqualError(t, err, "group name is empty")

	_, err = r.Create(uuid.New(), strings.Repeat("x", 33), Settings{}, "")
	require.Equal(t, ErrNameTooLong, err)

	r.MaxGroups = 2
	_, err = r.Create(uuid.New(), "one", Settings{}, "")
	require.NoError(t, err)
	_, err = r.Create(uuid.New(), "two", Settings{}, "")
	require.NoError(t, err)
	_, err = r.Create(uuid.New(), "three", Settings{}, "")
	require.Equal(t, ErrGroupLimitReached, err)
}

func TestRegistryCreateReplacesOwnGroup(t *testing.T) {
	r := newTestRegistry()
	r.MaxGroups = 1
	creator := uuid.New()

	first, err := r.Create(creator, "first", Settings{}, "")
	require.NoError(t, err)

	// the creator is the sole member, so their group is destroyed on
	// leave and frees the only slot.
	second, err := r.Create(creator, "second", Settings{}, "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 1, r.Count())
}

func TestRegistryJoinLeave(t *testing.T) {
	r := newTestRegistry()
	creator := uuid.New()
	player := uuid.New()

	created, err := r.Create(creator, "party", Settings{}, "")
	require.NoError(t, err)

	info, err := r.Join(player, created.ID, "")
	require.NoError(t, err)
	require.Len(t, info.Members, 2)
	require.Contains(t, info.Members, player)

	// joining the same group again is a no-op.
	info, err = r.Join(player, created.ID, "")
	require.NoError(t, err)
	require.Len(t, info.Members, 2)

	left, err := r.Leave(player)
	require.NoError(t, err)
	require.Equal(t, created.ID, left.ID)
	require.Len(t, left.Members, 1)

	_, err = r.Leave(player)
	require.Equal(t, ErrNotMember, err)

	// last member leaves, the group is destroyed.
	_, err = r.Leave(creator)
	require.NoError(t, err)
	require.Equal(t, 0, r.Count())
}

func TestRegistryJoinErrors(t *testing.T) {
	r := newTestRegistry()
	creator := uuid.New()

	_, err := r.Join(uuid.New(), uuid.New(), "")
	require.Equal(t, ErrNotFound, err)

	created, err := r.Create(creator, "party", Settings{MaxMembers: 1}, "")
	require.NoError(t, err)

	_, err = r.Join(uuid.New(), created.ID, "")
	require.Equal(t, ErrGroupFull, err)
}

func TestRegistryPassword(t *testing.T) {
	r := newTestRegistry()
	creator := uuid.New()
	player := uuid.New()

	created, err := r.Create(creator, "private", Settings{}, "hunter2")
	require.NoError(t, err)
	require.True(t, created.HasPassword)

	_, err = r.Join(player, created.ID, "wrong")
	require.Equal(t, ErrWrongPassword, err)

	_, err = r.Join(player, created.ID, "")
	require.Equal(t, ErrWrongPassword, err)

	info, err := r.Join(player, created.ID, "hunter2")
	require.NoError(t, err)
	require.Len(t, info.Members, 2)
}

func TestRegistrySwitchGroup(t *testing.T) {
	r := newTestRegistry()
	creatorA := uuid.New()
	creatorB := uuid.New()
	player := uuid.New()

	groupA, err := r.Create(creatorA, "a", Settings{}, "")
	require.NoError(t, err)
	groupB, err := r.Create(creatorB, "b", Settings{}, "")
	require.NoError(t, err)

	_, err = r.Join(player, groupA.ID, "")
	require.NoError(t, err)

	// joining another group leaves the first.
	_, err = r.Join(player, groupB.ID, "")
	require.NoError(t, err)

	info, ok := r.GroupOf(player)
	require.True(t, ok)
	require.Equal(t, groupB.ID, info.ID)

	members := r.MembersOf(creatorA)
	require.Equal(t, []uuid.UUID{creatorA}, members)
}

func TestRegistryPermanent(t *testing.T) {
	r := newTestRegistry()
	creator := uuid.New()

	created, err := r.Create(creator, "lobby", Settings{Permanent: true}, "")
	require.NoError(t, err)

	_, err = r.Leave(creator)
	require.NoError(t, err)

	// permanent groups survive emptiness.
	require.Equal(t, 1, r.Count())

	list := r.List()
	require.Len(t, list, 1)
	require.Equal(t, created.ID, list[0].ID)
	require.Len(t, list[0].Members, 0)

	// but can be destroyed explicitly.
	require.True(t, r.DestroyIfEmpty(created.ID))
	require.Equal(t, 0, r.Count())
	require.False(t, r.DestroyIfEmpty(created.ID))
}

func TestRegistryReloadLimits(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(uuid.New(), "one", Settings{}, "")
	require.NoError(t, err)

	r.ReloadLimits(1, 4)

	_, err = r.Create(uuid.New(), "two", Settings{}, "")
	require.Equal(t, ErrGroupLimitReached, err)

	// zero restores the defaults.
	r.ReloadLimits(0, 0)
	info, err := r.Create(uuid.New(), "two", Settings{}, "")
	require.NoError(t, err)
	require.Equal(t, defaultMaxMembers, info.Settings.MaxMembers)
}

func TestRegistryCreateDetached(t *testing.T) {
	r := newTestRegistry()

	info, err := r.CreateDetached("arena", Settings{}, "gate")
	require.NoError(t, err)
	require.Equal(t, "arena", info.Name)
	require.Equal(t, uuid.Nil, info.Creator)
	require.Len(t, info.Members, 0)
	require.True(t, info.Settings.Permanent)
	require.True(t, info.HasPassword)

	// joining and leaving must not destroy it.
	player := uuid.New()
	_, err = r.Join(player, info.ID, "gate")
	require.NoError(t, err)
	_, err = r.Leave(player)
	require.NoError(t, err)
	require.Equal(t, 1, r.Count())

	// detached groups are keyed by name.
	again, err := r.CreateDetached("arena", Settings{}, "other")
	require.NoError(t, err)
	require.Equal(t, info.ID, again.ID)
	require.Equal(t, 1, r.Count())

	_, err = r.CreateDetached("", Settings{}, "")
	require.EqualError(t, err, "group name is empty")

	r.MaxGroups = 1
	_, err = r.CreateDetached("overflow", Settings{}, "")
	require.Equal(t, ErrGroupLimitReached, err)
}

func TestRegistryUpdate(t *testing.T) {
	r := newTestRegistry()
	creator := uuid.New()
	player := uuid.New()

	created, err := r.Create(creator, "party", Settings{}, "")
	require.NoError(t, err)

	_, err = r.Join(player, created.ID, "")
	require.NoError(t, err)

	_, err = r.Update(player, created.ID, Settings{GlobalVoice: true})
	require.Equal(t, ErrNotMember, err)

	override := 40.0
	info, err := r.Update(creator, created.ID, Settings{
		GlobalVoice:       true,
		ProximityOverride: &override,
		MaxMembers:        500,
	})
	require.NoError(t, err)
	require.True(t, info.Settings.GlobalVoice)
	require.Equal(t, &override, info.Settings.ProximityOverride)
	require.Equal(t, 200, info.Settings.MaxMembers)
}

func TestRegistryForceLeave(t *testing.T) {
	r := newTestRegistry()
	creator := uuid.New()

	_, err := r.Create(creator, "party", Settings{}, "")
	require.NoError(t, err)

	info := r.ForceLeave(creator)
	require.NotNil(t, info)
	require.Len(t, info.Members, 0)

	// idempotent.
	require.Nil(t, r.ForceLeave(creator))
}

func TestRegistryNotifications(t *testing.T) {
	r := newTestRegistry()

	var membersChanged []Info
	listChanged := 0

	r.OnMembersChanged = func(info Info) {
		membersChanged = append(membersChanged, info)
	}
	r.OnListChanged = func() {
		listChanged++
	}

	creator := uuid.New()
	player := uuid.New()

	created, err := r.Create(creator, "party", Settings{}, "")
	require.NoError(t, err)
	require.Len(t, membersChanged, 1)

	_, err = r.Join(player, created.ID, "")
	require.NoError(t, err)
	require.Len(t, membersChanged, 2)
	require.Len(t, membersChanged[1].Members, 2)

	_, err = r.Leave(player)
	require.NoError(t, err)
	require.Len(t, membersChanged, 3)
	require.Len(t, membersChanged[2].Members, 1)

	require.NotZero(t, listChanged)
}

package group

import (
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matthewhartstonge/argon2"
)

const (
	defaultMaxGroups  = 100
	defaultMaxMembers = 32
)

type grp struct {
	id           uuid.UUID
	name         string
	creator      uuid.UUID
	settings     Settings
	passwordHash []byte
	members      map[uuid.UUID]struct{}
}

func (g *grp) info() *Info {
	members := make([]uuid.UUID, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].String() < members[j].String()
	})

	return &Info{
		ID:          g.id,
		Name:        g.name,
		Creator:     g.creator,
		Settings:    g.settings,
		Members:     members,
		HasPassword: len(g.passwordHash) != 0,
	}
}

// Registry is the authoritative set of voice groups.
// All mutations serialize through one mutex; change callbacks
// run after the mutex is released.
type Registry struct {
	// global group cap; zero picks the default (100).
	MaxGroups int
	// per-group member cap applied when group settings omit one.
	MaxMembers int

	// called after a membership or settings change, outside the lock.
	OnMembersChanged func(Info)
	// called after the set of groups or their settings changed, outside the lock.
	OnListChanged func()

	mutex    sync.Mutex
	groups   map[uuid.UUID]*grp
	memberOf map[uuid.UUID]uuid.UUID
}

// Initialize initializes a Registry.
func (r *Registry) Initialize() {
	if r.MaxGroups == 0 {
		r.MaxGroups = defaultMaxGroups
	}
	if r.MaxMembers == 0 {
		r.MaxMembers = defaultMaxMembers
	}
	r.groups = make(map[uuid.UUID]*grp)
	r.memberOf = make(map[uuid.UUID]uuid.UUID)
}

// ReloadLimits applies new caps without touching existing groups;
// groups above a lowered cap keep their members until they shrink.
func (r *Registry) ReloadLimits(maxGroups int, maxMembers int) {
	if maxGroups == 0 {
		maxGroups = defaultMaxGroups
	}
	if maxMembers == 0 {
		maxMembers = defaultMaxMembers
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.MaxGroups = maxGroups
	r.MaxMembers = maxMembers
}

func clampMaxMembers(v int, def int) int {
	switch {
	case v == 0:
		return def
	case v < 1:
		return 1
	case v > 200:
		return 200
	}
	return v
}

// Create creates a group with the creator as first member,
// leaving any group the creator was in.
func (r *Registry) Create(creator uuid.UUID, name string, settings Settings, password string) (*Info, error) {
	if name == "" {
		return nil, errEmptyName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, ErrNameTooLong
	}

	var passwordHash []byte
	if password != "" {
		cfg := argon2.DefaultConfig()
		var err error
		passwordHash, err = cfg.HashEncoded([]byte(password))
		if err != nil {
			return nil, err
		}
	}

	r.mutex.Lock()

	// leaving a doomed group frees a slot; account for it before
	// rejecting, but do not mutate anything on failure.
	free := 0
	if prevID, ok := r.memberOf[creator]; ok {
		prev := r.groups[prevID]
		if !prev.settings.Permanent && len(prev.members) == 1 {
			free = 1
		}
	}
	if len(r.groups)-free >= r.MaxGroups {
		r.mutex.Unlock()
		return nil, ErrGroupLimitReached
	}

	left := r.leaveLocked(creator)

	settings.MaxMembers = clampMaxMembers(settings.MaxMembers, r.MaxMembers)

	g := &grp{
		id:           uuid.New(),
		name:         name,
		creator:      creator,
		settings:     settings,
		passwordHash: passwordHash,
		members:      map[uuid.UUID]struct{}{creator: {}},
	}
	r.groups[g.id] = g
	r.memberOf[creator] = g.id

	info := g.info()
	r.mutex.Unlock()

	r.notify(left)
	r.notify(info)

	return info, nil
}

// CreateDetached creates a group with no members, for groups the game
// defines rather than a player. There is no creator to seat, so the
// group is forced permanent; it would otherwise be destroyed as soon
// as its first member left. Detached groups are keyed by name: creating
// an existing name returns the existing group unchanged.
func (r *Registry) CreateDetached(name string, settings Settings, password string) (*Info, error) {
	if name == "" {
		return nil, errEmptyName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, ErrNameTooLong
	}

	var passwordHash []byte
	if password != "" {
		cfg := argon2.DefaultConfig()
		var err error
		passwordHash, err = cfg.HashEncoded([]byte(password))
		if err != nil {
			return nil, err
		}
	}

	settings.Permanent = true

	r.mutex.Lock()

	for _, g := range r.groups {
		if g.creator == uuid.Nil && g.name == name {
			info := g.info()
			r.mutex.Unlock()
			return info, nil
		}
	}

	if len(r.groups) >= r.MaxGroups {
		r.mutex.Unlock()
		return nil, ErrGroupLimitReached
	}

	settings.MaxMembers = clampMaxMembers(settings.MaxMembers, r.MaxMembers)

	g := &grp{
		id:           uuid.New(),
		name:         name,
		settings:     settings,
		passwordHash: passwordHash,
		members:      map[uuid.UUID]struct{}{},
	}
	r.groups[g.id] = g

	info := g.info()
	r.mutex.Unlock()

	r.notify(info)

	return info, nil
}

// Join adds a player to a group, leaving any group they were in.
func (r *Registry) Join(playerID uuid.UUID, groupID uuid.UUID, password string) (*Info, error) {
	r.mutex.Lock()

	g, ok := r.groups[groupID]
	if !ok {
		r.mutex.Unlock()
		return nil, ErrNotFound
	}

	if r.memberOf[playerID] == groupID {
		info := g.info()
		r.mutex.Unlock()
		return info, nil
	}

	if len(g.passwordHash) != 0 {
		match, err := argon2.VerifyEncoded([]byte(password), g.passwordHash)
		if err != nil || !match {
			r.mutex.Unlock()
			return nil, ErrWrongPassword
		}
	}

	if len(g.members) >= g.settings.MaxMembers {
		r.mutex.Unlock()
		return nil, ErrGroupFull
	}

	left := r.leaveLocked(playerID)

	g.members[playerID] = struct{}{}
	r.memberOf[playerID] = groupID

	info := g.info()
	r.mutex.Unlock()

	r.notify(left)
	r.notify(info)

	return info, nil
}

// Leave removes a player from their group. The returned Info describes
// the group after removal.
func (r *Registry) Leave(playerID uuid.UUID) (*Info, error) {
	r.mutex.Lock()

	info := r.leaveLocked(playerID)
	if info == nil {
		r.mutex.Unlock()
		return nil, ErrNotMember
	}

	r.mutex.Unlock()

	r.notify(info)

	return info, nil
}

// ForceLeave removes a player from their group, if any. Idempotent.
func (r *Registry) ForceLeave(playerID uuid.UUID) *Info {
	r.mutex.Lock()
	info := r.leaveLocked(playerID)
	r.mutex.Unlock()

	r.notify(info)

	return info
}

// leaveLocked removes a player from their group and destroys the group
// when it empties, unless permanent. Returns nil when the player was not
// in a group.
func (r *Registry) leaveLocked(playerID uuid.UUID) *Info {
	groupID, ok := r.memberOf[playerID]
	if !ok {
		return nil
	}

	g := r.groups[groupID]
	delete(g.members, playerID)
	delete(r.memberOf, playerID)

	if len(g.members) == 0 && !g.settings.Permanent {
		delete(r.groups, groupID)
	}

	return g.info()
}

// Update replaces the settings of a group. Only the creator may update.
func (r *Registry) Update(playerID uuid.UUID, groupID uuid.UUID, settings Settings) (*Info, error) {
	r.mutex.Lock()

	g, ok := r.groups[groupID]
	if !ok {
		r.mutex.Unlock()
		return nil, ErrNotFound
	}

	if g.creator != playerID {
		r.mutex.Unlock()
		return nil, ErrNotMember
	}

	settings.MaxMembers = clampMaxMembers(settings.MaxMembers, r.MaxMembers)
	g.settings = settings

	info := g.info()
	r.mutex.Unlock()

	r.notify(info)

	return info, nil
}

// DestroyIfEmpty destroys a group when it has no members,
// permanent groups included.
func (r *Registry) DestroyIfEmpty(groupID uuid.UUID) bool {
	r.mutex.Lock()

	g, ok := r.groups[groupID]
	if !ok || len(g.members) != 0 {
		r.mutex.Unlock()
		return false
	}

	delete(r.groups, groupID)
	r.mutex.Unlock()

	if r.OnListChanged != nil {
		r.OnListChanged()
	}

	return true
}

// List returns a snapshot of all groups, sorted by name.
func (r *Registry) List() []Info {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]Info, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	return out
}

// GroupOf returns the group a player is a member of.
func (r *Registry) GroupOf(playerID uuid.UUID) (*Info, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	groupID, ok := r.memberOf[playerID]
	if !ok {
		return nil, false
	}

	return r.groups[groupID].info(), true
}

// MembersOf returns the members of the group a player is in,
// the player included; nil when the player is not in a group.
func (r *Registry) MembersOf(playerID uuid.UUID) []uuid.UUID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	groupID, ok := r.memberOf[playerID]
	if !ok {
		return nil
	}

	return r.groups[groupID].info().Members
}

// Count returns the number of groups.
func (r *Registry) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.groups)
}

func (r *Registry) notify(info *Info) {
	if info == nil {
		return
	}
	if r.OnMembersChanged != nil {
		r.OnMembersChanged(*info)
	}
	if r.OnListChanged != nil {
		r.OnListChanged()
	}
}

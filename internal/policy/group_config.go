package policy

import "time"

// Visibility controls discoverability of a group.
type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
	VisibilityHidden
)

// JoinMode controls how new members are admitted.
type JoinMode int

const (
	JoinModeOpen JoinMode = iota
	JoinModeInviteOnly
	JoinModeRequestToJoin
)

// GroupConfig is the full configuration replicated into every member's
// GroupConfigExtension. Structural invariants (members ⊇ {creator_id},
// admins ⊆ members, banned ∩ members = ∅, at least one admin) are the
// caller's responsibility to preserve across mutation helpers; this type
// does not self-validate on every setter, matching the teacher's
// pattern of thin mutators plus a separate validate_changes gate.
type GroupConfig struct {
	ID        uint64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time

	Visibility Visibility
	JoinMode   JoinMode
	InviteLink *string
	MaxMembers *uint32

	CreatorID uint64
	Members   []uint64
	Admins    []uint64
	Banned    []uint64
	Muted     map[uint64]time.Time

	Permissions        map[uint64]Permissions
	DefaultPermissions Permissions

	Description *string
	Avatar      []byte
	Banner      []byte

	PinnedMessageID *uint64
	SlowModeDelay   *uint32

	AllowStickers      bool
	AllowGifs          bool
	AllowVoiceMessages bool
	AllowVideoMessages bool
	AllowLinks         bool
}

// NewGroupConfig builds a fresh config for a just-created group: the
// creator is the sole member and sole admin, holding AdminPermissions.
func NewGroupConfig(id uint64, name string, creatorID uint64) *GroupConfig {
	now := time.Now()
	return &GroupConfig{
		ID:                 id,
		Name:               name,
		CreatedAt:          now,
		UpdatedAt:          now,
		Visibility:         VisibilityPrivate,
		JoinMode:           JoinModeInviteOnly,
		CreatorID:          creatorID,
		Members:            []uint64{creatorID},
		Admins:             []uint64{creatorID},
		Banned:             nil,
		Muted:              map[uint64]time.Time{},
		Permissions:        map[uint64]Permissions{creatorID: AdminPermissions()},
		DefaultPermissions: MemberPermissions(),
		AllowStickers:      true,
		AllowGifs:          true,
		AllowVoiceMessages: true,
		AllowVideoMessages: true,
		AllowLinks:         true,
	}
}

func (c *GroupConfig) updateTimestamp() {
	c.UpdatedAt = time.Now()
}

func containsU64(xs []uint64, v uint64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func removeU64(xs []uint64, v uint64) []uint64 {
	out := xs[:0:0]
	for _, x := range xs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (c *GroupConfig) IsMember(userID uint64) bool { return containsU64(c.Members, userID) }
func (c *GroupConfig) IsAdmin(userID uint64) bool  { return containsU64(c.Admins, userID) }
func (c *GroupConfig) IsBanned(userID uint64) bool { return containsU64(c.Banned, userID) }
func (c *GroupConfig) IsMuted(userID uint64) bool {
	_, ok := c.Muted[userID]
	return ok
}

func (c *GroupConfig) IsFull() bool {
	if c.MaxMembers == nil {
		return false
	}
	return uint32(len(c.Members)) >= *c.MaxMembers
}

func (c *GroupConfig) GetMemberPermissions(userID uint64) (Permissions, bool) {
	p, ok := c.Permissions[userID]
	return p, ok
}

// HasPermission returns true iff userID is an admin, or has an explicit
// per-user permission entry with the named bit set. Unlike a plain map
// lookup, it deliberately does NOT fall back to DefaultPermissions when no
// per-user entry exists — every member is expected to carry an explicit
// entry (seeded at AddMember time), matching the teacher's original
// lookup semantics.
func (c *GroupConfig) HasPermission(userID uint64, name PermissionName) bool {
	if c.IsAdmin(userID) {
		return true
	}
	if p, ok := c.GetMemberPermissions(userID); ok {
		return p.Has(name)
	}
	return false
}

func (c *GroupConfig) AddMember(userID uint64) {
	if !containsU64(c.Members, userID) {
		c.Members = append(c.Members, userID)
		c.Permissions[userID] = c.DefaultPermissions
	}
	c.updateTimestamp()
}

func (c *GroupConfig) RemoveMember(userID uint64) {
	c.Members = removeU64(c.Members, userID)
	c.Admins = removeU64(c.Admins, userID)
	delete(c.Permissions, userID)
	c.updateTimestamp()
}

func (c *GroupConfig) AddAdmin(userID uint64) {
	if !containsU64(c.Admins, userID) {
		c.Admins = append(c.Admins, userID)
	}
	c.updateTimestamp()
}

func (c *GroupConfig) RemoveAdmin(userID uint64) {
	c.Admins = removeU64(c.Admins, userID)
	c.updateTimestamp()
}

func (c *GroupConfig) AddBanned(userID uint64) {
	if !containsU64(c.Banned, userID) {
		c.Banned = append(c.Banned, userID)
	}
	c.updateTimestamp()
}

func (c *GroupConfig) RemoveBanned(userID uint64) {
	c.Banned = removeU64(c.Banned, userID)
	c.updateTimestamp()
}

func (c *GroupConfig) Mute(userID uint64, until time.Time) {
	c.Muted[userID] = until
	c.updateTimestamp()
}

func (c *GroupConfig) Unmute(userID uint64) {
	delete(c.Muted, userID)
	c.updateTimestamp()
}

// SetMemberRole assigns one of the convenience presets and keeps the
// Admins list in sync with whether the role is "admin".
func (c *GroupConfig) SetMemberRole(userID uint64, role string) {
	c.Permissions[userID] = PermissionsForRole(role)
	if role == "admin" {
		c.AddAdmin(userID)
	} else if c.IsAdmin(userID) {
		c.RemoveAdmin(userID)
	}
	c.updateTimestamp()
}

func (c *GroupConfig) UpdatePermissions(userID uint64, f func(*Permissions)) {
	p, ok := c.Permissions[userID]
	if !ok {
		return
	}
	f(&p)
	c.Permissions[userID] = p
	c.updateTimestamp()
}

// RegularMembers returns members whose permissions equal the group's
// default, i.e. no individual override has been applied.
func (c *GroupConfig) RegularMembers() []uint64 {
	var out []uint64
	for userID, p := range c.Permissions {
		if p == c.DefaultPermissions {
			out = append(out, userID)
		}
	}
	return out
}

// SetAllowMessages flips the default send_messages bit and propagates it
// to every member still on the default preset.
func (c *GroupConfig) SetAllowMessages(allow bool) {
	c.DefaultPermissions.SendMessages = allow
	for _, userID := range c.RegularMembers() {
		c.Permissions[userID] = c.DefaultPermissions
	}
	c.updateTimestamp()
}

func (c *GroupConfig) SetVisibility(v Visibility)    { c.Visibility = v; c.updateTimestamp() }
func (c *GroupConfig) SetJoinMode(m JoinMode)         { c.JoinMode = m; c.updateTimestamp() }
func (c *GroupConfig) SetInviteLink(link *string)     { c.InviteLink = link; c.updateTimestamp() }
func (c *GroupConfig) SetMaxMembers(max *uint32)      { c.MaxMembers = max; c.updateTimestamp() }
func (c *GroupConfig) SetName(name string)            { c.Name = name; c.updateTimestamp() }
func (c *GroupConfig) SetDescription(desc *string)    { c.Description = desc; c.updateTimestamp() }
func (c *GroupConfig) SetAvatar(b []byte)             { c.Avatar = b; c.updateTimestamp() }
func (c *GroupConfig) SetBanner(b []byte)             { c.Banner = b; c.updateTimestamp() }
func (c *GroupConfig) SetPinnedMessageID(id *uint64)  { c.PinnedMessageID = id; c.updateTimestamp() }
func (c *GroupConfig) SetSlowModeDelay(d *uint32)     { c.SlowModeDelay = d; c.updateTimestamp() }

// Clone returns a deep-enough copy for building a candidate new config to
// pass through ValidateChanges without mutating the original.
func (c *GroupConfig) Clone() *GroupConfig {
	clone := *c
	clone.Members = append([]uint64{}, c.Members...)
	clone.Admins = append([]uint64{}, c.Admins...)
	clone.Banned = append([]uint64{}, c.Banned...)
	clone.Muted = make(map[uint64]time.Time, len(c.Muted))
	for k, v := range c.Muted {
		clone.Muted[k] = v
	}
	clone.Permissions = make(map[uint64]Permissions, len(c.Permissions))
	for k, v := range c.Permissions {
		clone.Permissions[k] = v
	}
	return &clone
}

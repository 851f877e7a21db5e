package grouphandler

import "github.com/shipcore/groupcore/internal/policy"

// EventKind discriminates the Event sum type's concrete payload. The UI
// bridge switches on this instead of a string tag, replacing the
// dynamic-dispatch-by-tag pattern the original command surface used.
type EventKind int

const (
	EventJoinGroup EventKind = iota
	EventNewGroupMessage
	EventGroupConfigUpdated
	EventGroupRemoved
)

// Event is emitted on the Device Controller's event channel for every
// inbound happening a UI layer needs to react to.
type Event struct {
	Kind EventKind

	JoinGroup          *JoinGroupEvent
	NewGroupMessage    *NewGroupMessageEvent
	GroupConfigUpdated *GroupConfigUpdatedEvent
	GroupRemoved       *GroupRemovedEvent
}

// JoinGroupEvent fires once a welcome has been applied and the group is
// locally usable.
type JoinGroupEvent struct {
	GroupID             []byte
	Config              *policy.GroupConfig
	Members             []uint64
	EffectivePermission policy.Permissions
}

// NewGroupMessageEvent fires for each accepted inbound application
// message.
type NewGroupMessageEvent struct {
	GroupID []byte
	Message TextMessage
}

// GroupConfigUpdatedEvent fires after every applied commit that leaves
// this device a member, carrying the config as it stands after the
// commit. It is emitted whether or not the commit carried an
// UpdateGroupConfigProposal; the handler does not inspect which
// proposals a commit contained.
type GroupConfigUpdatedEvent struct {
	GroupID   []byte
	NewConfig *policy.GroupConfig
}

// GroupRemovedEvent fires when this device is no longer a member of a
// group, whether by self-removal or by a RemoveUserProposal.
type GroupRemovedEvent struct {
	GroupID []byte
}

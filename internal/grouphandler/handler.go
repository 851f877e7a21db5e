package grouphandler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shipcore/groupcore/internal/identity"
	"github.com/shipcore/groupcore/internal/metrics"
	"github.com/shipcore/groupcore/internal/mlsadapter"
	"github.com/shipcore/groupcore/internal/policy"
)

const (
	senderCredentialCacheTTL  = 10 * time.Minute
	senderCredentialCacheSize = 10_000
)

// GroupStore is the set of operations the Handler needs against the
// set of locally joined groups, kept abstract so this package doesn't
// depend on how groups are persisted.
type GroupStore interface {
	Group(groupID string) (*mlsadapter.Group, bool)
	PutGroup(groupID string, group *mlsadapter.Group)
	DropGroup(groupID string)
}

// Acker sends an AckDelivery stream message for a processed item.
type Acker interface {
	AckDelivery(messageID uint64, userID uint64, deviceID string, groupID []byte) error
}

// VoiceRekeyer is notified on every applied commit so an active voice
// channel bound to the group can re-key its ratchets.
type VoiceRekeyer interface {
	RekeyGroup(groupID string, group *mlsadapter.Group) error
}

// Handler implements the inbound processing loop described for group
// traffic: one call per StreamResponse item, dispatched by variant.
// MLS processing for any one group is strictly serial — callers must
// not invoke the GroupMessage/WelcomeMessage handlers for the same
// group_id concurrently; the Delivery Client's single reader goroutine
// guarantees this naturally.
type Handler struct {
	logger   *slog.Logger
	identity *identity.Provider
	store    GroupStore
	acker    Acker
	rekeyer  VoiceRekeyer

	selfUserID   uint64
	selfDeviceID string

	events chan Event

	credentialCache *lru.LRU[string, identity.DeviceCredential]
}

// New constructs a Handler. events should be buffered by the caller to
// the depth it's comfortable draining at.
func New(logger *slog.Logger, idProvider *identity.Provider, store GroupStore, acker Acker, rekeyer VoiceRekeyer, selfUserID uint64, selfDeviceID string, events chan Event) *Handler {
	return &Handler{
		logger:          logger,
		identity:        idProvider,
		store:           store,
		acker:           acker,
		rekeyer:         rekeyer,
		selfUserID:      selfUserID,
		selfDeviceID:    selfDeviceID,
		events:          events,
		credentialCache: lru.NewLRU[string, identity.DeviceCredential](senderCredentialCacheSize, nil, senderCredentialCacheTTL),
	}
}

// Events returns the channel UI events are delivered on.
func (h *Handler) Events() <-chan Event {
	return h.events
}

func (h *Handler) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("dropping UI event, channel full", slog.Int("kind", int(ev.Kind)))
	}
}

// HandleGroupMessage processes one inbound GroupMessage item: an MLS
// application message or commit addressed to groupID.
func (h *Handler) HandleGroupMessage(ctx context.Context, messageID uint64, groupID []byte, isCommit bool, payload []byte) {
	groupKey := string(groupID)
	group, ok := h.store.Group(groupKey)
	if !ok {
		h.logger.Warn("group message for unknown group", slog.String("group_id", groupKey))
		return
	}

	if isCommit {
		h.handleCommit(groupKey, group, payload)
		h.ack(messageID, groupID)
		return
	}

	h.handleApplicationMessage(groupKey, group, payload)
	h.ack(messageID, groupID)
}

func (h *Handler) handleCommit(groupKey string, group *mlsadapter.Group, payload []byte) {
	commitState, err := mlsadapter.DecodeCommit(payload)
	if err != nil {
		h.logger.Error("decode commit", slog.String("error", err.Error()))
		return
	}

	if err := group.ApplyCommit(commitState); err != nil {
		h.logger.Error("apply commit", slog.String("error", err.Error()))
		return
	}

	metrics.CommitsAppliedTotal.Inc()

	if !group.Roster().Contains(h.selfUserID) {
		h.store.DropGroup(groupKey)
		h.emit(Event{Kind: EventGroupRemoved, GroupRemoved: &GroupRemovedEvent{GroupID: []byte(groupKey)}})
		return
	}

	h.emit(Event{
		Kind: EventGroupConfigUpdated,
		GroupConfigUpdated: &GroupConfigUpdatedEvent{
			GroupID:   []byte(groupKey),
			NewConfig: group.Config(),
		},
	})

	if h.rekeyer != nil {
		if err := h.rekeyer.RekeyGroup(groupKey, group); err != nil {
			h.logger.Error("rekey voice ratchet", slog.String("group_id", groupKey), slog.String("error", err.Error()))
		}
	}
}

func (h *Handler) handleApplicationMessage(groupKey string, group *mlsadapter.Group, payload []byte) {
	envelope, err := DecodeApplicationEnvelope(payload)
	if err != nil {
		h.logger.Error("decode application envelope", slog.String("error", err.Error()))
		return
	}

	if _, err := h.senderCredential(groupKey, group, envelope.SenderUserID); err != nil {
		h.logger.Warn("dropping message from unresolvable sender device", slog.String("error", err.Error()))
		return
	}

	cfg := group.Config()
	if !cfg.HasPermission(envelope.SenderUserID, policy.PermSendMessages) {
		h.logger.Warn("dropping message from sender without send_messages", slog.Uint64("sender_id", envelope.SenderUserID))
		metrics.RecordMessageRejected("permission")
		return
	}
	if cfg.IsMuted(envelope.SenderUserID) {
		h.logger.Warn("dropping message from muted sender", slog.Uint64("sender_id", envelope.SenderUserID))
		metrics.RecordMessageRejected("muted")
		return
	}

	plaintext, err := group.OpenApplicationMessage(envelope.SenderUserID, envelope.Epoch, envelope.Nonce, envelope.Ciphertext)
	if err != nil {
		h.logger.Error("open application message", slog.String("error", err.Error()))
		return
	}

	msg, err := DecodeApplicationPayload(plaintext)
	if err != nil {
		h.logger.Error("decode application payload", slog.String("error", err.Error()))
		return
	}

	metrics.MessagesReceivedTotal.Inc()
	h.emit(Event{
		Kind:            EventNewGroupMessage,
		NewGroupMessage: &NewGroupMessageEvent{GroupID: []byte(groupKey), Message: msg},
	})
}

// HandleWelcomeMessage processes an inbound WelcomeMessage item: joins
// the group and emits a join event.
func (h *Handler) HandleWelcomeMessage(client *mlsadapter.Client, payload []byte) {
	welcome, err := mlsadapter.DecodeWelcome(payload)
	if err != nil {
		h.logger.Error("decode welcome", slog.String("error", err.Error()))
		return
	}

	group, err := mlsadapter.JoinFromWelcome(client, welcome)
	if err != nil {
		h.logger.Error("join from welcome", slog.String("error", err.Error()))
		return
	}

	h.store.PutGroup(string(group.GroupID()), group)

	cfg := group.Config()
	perms, _ := cfg.GetMemberPermissions(h.selfUserID)
	members := make([]uint64, 0, len(group.Roster().Accounts()))
	for _, acc := range group.Roster().Accounts() {
		members = append(members, acc.AccountID.UserID)
	}

	h.emit(Event{
		Kind: EventJoinGroup,
		JoinGroup: &JoinGroupEvent{
			GroupID:             group.GroupID(),
			Config:              cfg,
			Members:             members,
			EffectivePermission: perms,
		},
	})
}

// senderCredential resolves a message sender's DeviceCredential among a
// group's active leaves, caching the result per (group, user) pair for
// senderCredentialCacheTTL so repeated sends from the same device don't
// re-scan the leaf list.
func (h *Handler) senderCredential(groupKey string, group *mlsadapter.Group, senderUserID uint64) (identity.DeviceCredential, error) {
	cacheKey := fmt.Sprintf("%s:%d", groupKey, senderUserID)
	if cred, ok := h.credentialCache.Get(cacheKey); ok {
		return cred, nil
	}

	for _, cred := range group.ActiveDeviceCredentials() {
		if cred.DeviceID.UserID == senderUserID {
			h.credentialCache.Add(cacheKey, cred)
			return cred, nil
		}
	}
	return identity.DeviceCredential{}, fmt.Errorf("no active device credential for user %d", senderUserID)
}

func (h *Handler) ack(messageID uint64, groupID []byte) {
	if h.acker == nil {
		return
	}
	if err := h.acker.AckDelivery(messageID, h.selfUserID, h.selfDeviceID, groupID); err != nil {
		h.logger.Error("ack delivery", slog.String("error", err.Error()))
	}
}

// bookkeepingGuard protects the no-op handlers below from concurrent
// invocation; they only log, but the lock keeps the pattern consistent
// with the rest of the handler's serial-per-group discipline.
var bookkeepingGuard sync.Mutex

// HandleBookkeeping logs the server-perspective acknowledgement and
// subscription-management stream items, which carry no local state
// change for a client.
func (h *Handler) HandleBookkeeping(kind string, detail string) {
	bookkeepingGuard.Lock()
	defer bookkeepingGuard.Unlock()
	h.logger.Debug("stream bookkeeping", slog.String("kind", kind), slog.String("detail", detail))
}

// HandleStreamError logs a stream-level error without dropping the
// connection; the outer read loop continues to the next item.
func (h *Handler) HandleStreamError(err error) {
	h.logger.Error("stream error", slog.String("error", err.Error()))
}

package voice

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/mlsadapter"
	"github.com/shipcore/groupcore/internal/ratchet"
)

// VoiceChannel is one device's view of an active voice channel: the
// transient LiveKit room identity it joined under, the MLS group its
// membership and key schedule are bound to, and the Group Ratchet
// Manager encrypting every frame published into that room.
type VoiceChannel struct {
	VoiceID string
	GroupID []byte
	Manager *ratchet.GroupRatchetManager
}

// Registry owns every voice channel this device currently has open and
// implements grouphandler.VoiceRekeyer, so an MLS commit applied to a
// group with an active channel re-keys that channel's ratchets in the
// same call that applies the commit. At most one active channel exists
// per MLS group, matching SPEC_FULL.md §3's invariant.
type Registry struct {
	crypto        crypto.Provider
	service       *Service
	selfUserID    uint64
	selfPublicKey []byte
	logger        *slog.Logger

	mu       sync.Mutex
	channels map[string]*VoiceChannel
}

// NewRegistry builds a Registry for one device's voice sessions.
// selfPublicKey is the device's long-term signature public key, the
// same one used in signed MLS credentials, reused here as the voice
// ratchet's local identity key.
func NewRegistry(cp crypto.Provider, service *Service, selfUserID uint64, selfPublicKey []byte, logger *slog.Logger) *Registry {
	return &Registry{
		crypto:        cp,
		service:       service,
		selfUserID:    selfUserID,
		selfPublicKey: selfPublicKey,
		logger:        logger,
		channels:      make(map[string]*VoiceChannel),
	}
}

// basicVoiceIdentity encodes userID as the little-endian basic
// credential voice channels authorize by, per SPEC_FULL.md's note that
// voice uses MLS membership alone rather than the device credential.
func basicVoiceIdentity(userID uint64) string {
	return string(leUint64(userID))
}

// Join creates (or reuses) the LiveKit room for voiceID, seeds a fresh
// Group Ratchet Manager from group's current epoch, and returns a join
// token for this device plus the channel handle. group must be the MLS
// group voiceID is bound to.
func (r *Registry) Join(ctx context.Context, voiceID string, groupID []byte, group *mlsadapter.Group, canPublish, canSubscribe bool) (*VoiceChannel, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.service.EnsureRoom(ctx, voiceID); err != nil {
		return nil, "", fmt.Errorf("join voice channel: %w", err)
	}

	selfSecret, err := group.ExportSecret(ratchet.ExportSecretLabel, leUint64(r.selfUserID), ratchet.ExportSecretLength)
	if err != nil {
		return nil, "", fmt.Errorf("join voice channel: export self secret: %w", err)
	}
	manager, err := ratchet.NewGroupRatchetManager(r.crypto, selfSecret, r.selfPublicKey, r.selfUserID, group.Epoch())
	if err != nil {
		return nil, "", fmt.Errorf("join voice channel: %w", err)
	}
	if err := manager.UpdateVoiceRatchet(group, r.selfUserID); err != nil {
		return nil, "", fmt.Errorf("join voice channel: seed receivers: %w", err)
	}

	channel := &VoiceChannel{VoiceID: voiceID, GroupID: groupID, Manager: manager}
	r.channels[string(groupID)] = channel

	token, err := r.service.GenerateToken(basicVoiceIdentity(r.selfUserID), voiceID, canPublish, canSubscribe)
	if err != nil {
		return nil, "", fmt.Errorf("join voice channel: %w", err)
	}
	return channel, token, nil
}

// Leave tears down the channel bound to groupID, if any, and deletes its
// LiveKit room. A failure to delete the remote room is logged, not
// returned: the local channel state is already removed by the time the
// room deletion runs, and a stale LiveKit room times out on its own
// EmptyTimeout.
func (r *Registry) Leave(ctx context.Context, groupID []byte) error {
	r.mu.Lock()
	channel, ok := r.channels[string(groupID)]
	if ok {
		delete(r.channels, string(groupID))
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.service.DeleteRoom(ctx, channel.VoiceID); err != nil {
		r.logger.Warn("delete voice room", slog.String("voice_id", channel.VoiceID), slog.String("error", err.Error()))
	}
	return nil
}

// Channel returns the active channel bound to groupID, if any.
func (r *Registry) Channel(groupID []byte) (*VoiceChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[string(groupID)]
	return c, ok
}

// RekeyGroup implements grouphandler.VoiceRekeyer: it re-derives every
// ratchet bound to group's channel, if one is active, from the group's
// post-commit epoch secret.
func (r *Registry) RekeyGroup(groupID string, group *mlsadapter.Group) error {
	r.mu.Lock()
	channel, ok := r.channels[groupID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := channel.Manager.UpdateVoiceRatchet(group, r.selfUserID); err != nil {
		return fmt.Errorf("rekey group %x: %w", groupID, err)
	}
	return nil
}

func leUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

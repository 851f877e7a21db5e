package ratchet

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/shipcore/groupcore/internal/crypto"
)

// GroupSource is the narrow view of an MLS group the ratchet manager
// needs: its current epoch, its roster of (user_id, signature_key)
// pairs, and export_secret. internal/mlsadapter.Group satisfies this;
// the interface exists so this package doesn't import mlsadapter and
// create a cycle (mlsadapter never needs to know about voice ratchets).
type GroupSource interface {
	Epoch() uint64
	ExportSecret(label string, context []byte, length int) ([]byte, error)
	RosterMembers() []RosterMember
}

// RosterMember is the minimal roster entry the manager needs to seed or
// refresh a participant's receiver ratchet.
type RosterMember struct {
	UserID       uint64
	SignatureKey []byte
}

// GroupRatchetManager owns the local sender ratchet and one receiver
// ratchet per remote participant, and re-keys all of them whenever the
// MLS group advances an epoch.
type GroupRatchetManager struct {
	crypto crypto.Provider

	mu         sync.RWMutex
	sender     *SenderRatchet
	receivers  map[uint64]*ReceiverRatchet
	groupEpoch uint64
}

// NewGroupRatchetManager seeds the manager's sender ratchet for this
// device's own voice identity at the group's current epoch.
func NewGroupRatchetManager(cp crypto.Provider, sharedSecret []byte, publicKey []byte, userID uint64, groupEpoch uint64) (*GroupRatchetManager, error) {
	sender, err := NewSenderRatchet(cp, sharedSecret, publicKey, userID, groupEpoch)
	if err != nil {
		return nil, fmt.Errorf("new group ratchet manager: %w", err)
	}
	return &GroupRatchetManager{
		crypto:     cp,
		sender:     sender,
		receivers:  make(map[uint64]*ReceiverRatchet),
		groupEpoch: groupEpoch,
	}, nil
}

// Encrypt seals plaintext under the local sender ratchet and returns the
// wire-ready frame bytes.
func (m *GroupRatchetManager) Encrypt(plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frame, err := m.sender.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return frame.Encode(), nil
}

// Decrypt looks up the receiver ratchet for the frame's claimed sender
// and opens it. Different senders can decrypt concurrently; frames from
// the same sender are processed one at a time by that sender's own
// ratchet, which owns no lock of its own and relies on the caller (the
// group handler's per-group serial dispatch) to avoid concurrent calls
// for one sender.
func (m *GroupRatchetManager) Decrypt(data []byte) ([]byte, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	receiver, ok := m.receivers[frame.SenderID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ratchet: no receiver ratchet for sender %d", frame.SenderID)
	}
	return receiver.Decrypt(data)
}

// AddParticipant installs or refreshes a remote participant's receiver
// ratchet. A brand-new participant requires initialSecret; an existing
// one simply has the new epoch's secret recorded for lazy installation.
func (m *GroupRatchetManager) AddParticipant(userID uint64, publicKey []byte, initialSecret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.receivers[userID]; ok {
		if initialSecret != nil {
			existing.AddEpochSecret(uint32(m.groupEpoch), initialSecret)
		}
		return nil
	}

	if initialSecret == nil {
		return ErrMissingSharedSecret
	}
	receiver, err := NewReceiverRatchet(m.crypto, initialSecret, publicKey, userID, m.groupEpoch)
	if err != nil {
		return err
	}
	m.receivers[userID] = receiver
	return nil
}

// UpdateSenderEpoch replaces the sending chain for a new epoch.
func (m *GroupRatchetManager) UpdateSenderEpoch(sharedSecret []byte, groupEpoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupEpoch = groupEpoch
	return m.sender.UpdateEpoch(sharedSecret, groupEpoch)
}

// UpdateVoiceRatchet is called on every MLS epoch transition: it exports
// a fresh seed for the local device and every roster member from the
// group's current epoch secret, rekeys the sender, and installs or
// refreshes each participant's receiver.
func (m *GroupRatchetManager) UpdateVoiceRatchet(group GroupSource, selfUserID uint64) error {
	epoch := group.Epoch()

	selfSecret, err := group.ExportSecret(ExportSecretLabel, leUint64(selfUserID), ExportSecretLength)
	if err != nil {
		return fmt.Errorf("export sender voice secret: %w", err)
	}
	if err := m.UpdateSenderEpoch(selfSecret, epoch); err != nil {
		return err
	}

	for _, member := range group.RosterMembers() {
		secret, err := group.ExportSecret(ExportSecretLabel, leUint64(member.UserID), ExportSecretLength)
		if err != nil {
			return fmt.Errorf("export receiver voice secret for user %d: %w", member.UserID, err)
		}
		if err := m.AddParticipant(member.UserID, member.SignatureKey, secret); err != nil {
			return fmt.Errorf("add voice participant %d: %w", member.UserID, err)
		}
	}
	return nil
}

func leUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

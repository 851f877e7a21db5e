// Package mlsadapter implements a self-contained MLS-equivalent group
// state machine: epoch-keyed membership, commit building and
// application, welcome issuance and join, and group application-message
// encryption, gated by the custom identity provider and rules engine in
// internal/identity and internal/policy.
package mlsadapter

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/shipcore/groupcore/internal/identity"
	"github.com/shipcore/groupcore/internal/policy"
	"github.com/shipcore/groupcore/internal/ratchet"
)

const groupApplicationSecretLabel = "Group Application Secret"
const displayKeyLabel = "Display Key"

// Group is one device's view of one MLS group: its current epoch secret,
// membership, and replicated config/roster, guarded by a single
// read/write lock. Readers (encrypt/decrypt/export) take the read lock;
// commit application and building take the write lock, so one group's
// epoch transition can never interleave with another read of the same
// epoch's secret.
type Group struct {
	mu     sync.RWMutex
	client *Client
	state  groupState
}

// CreateGroup creates a brand-new group with client's device as the sole
// member, installing the given initial config and a roster containing
// only the creator's account. This mirrors device.rs's create_group:
// context extensions (config + roster) are set atomically at group
// creation, before any other device is invited.
func CreateGroup(client *Client, groupID []byte, config *policy.GroupConfig, creatorAccount identity.AccountCredential) (*Group, error) {
	secret, err := client.Crypto.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	g := &Group{
		client: client,
		state: groupState{
			GroupID:     groupID,
			Epoch:       0,
			EpochSecret: secret,
			Leaves:      []groupLeaf{{Credential: client.Credential, Active: true}},
			Config:      config,
			Roster:      policy.RosterExtension{Roster: []identity.AccountCredential{creatorAccount}},
		},
	}
	return g, nil
}

// Welcome is the join material sent to a newly-added device: it carries
// the post-commit epoch secret and full membership/config snapshot, so
// the joiner starts in lockstep with every existing member.
type Welcome struct {
	State groupState
}

func (w Welcome) Encode() ([]byte, error) { return marshalState(w.State) }

func DecodeWelcome(data []byte) (Welcome, error) {
	s, err := unmarshalState(data)
	if err != nil {
		return Welcome{}, fmt.Errorf("decode welcome: %w", err)
	}
	return Welcome{State: s}, nil
}

// JoinFromWelcome bootstraps a Group from a received Welcome. It returns
// ErrNotAMember unless client's own device credential appears among the
// welcome's active leaves; it does not re-verify the other leaves.
func JoinFromWelcome(client *Client, welcome Welcome) (*Group, error) {
	if _, ok := welcome.State.activeLeafIndex(client.Credential.DeviceID); !ok {
		return nil, ErrNotAMember
	}
	return &Group{client: client, state: welcome.State}, nil
}

// Epoch returns the group's current epoch number.
func (g *Group) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Epoch
}

// GroupID returns the group's stable identifier.
func (g *Group) GroupID() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.GroupID
}

// Config returns a clone of the current replicated group config, safe for
// the caller to read without holding the group's lock.
func (g *Group) Config() *policy.GroupConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Config.Clone()
}

// Roster returns the current account-level membership list.
func (g *Group) Roster() policy.RosterExtension {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Roster
}

// MemberCount returns the number of active device leaves.
func (g *Group) MemberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.activeMemberCount()
}

// ActiveDeviceCredentials returns the DeviceCredential of every active
// leaf, letting a caller resolve a message sender's device identity
// without this package exposing its internal leaf-index bookkeeping.
func (g *Group) ActiveDeviceCredentials() []identity.DeviceCredential {
	g.mu.RLock()
	defer g.mu.RUnlock()
	creds := make([]identity.DeviceCredential, 0, len(g.state.Leaves))
	for _, l := range g.state.Leaves {
		if l.Active {
			creds = append(creds, l.Credential)
		}
	}
	return creds
}

// RosterMembers returns one entry per account in the current roster,
// keyed by account user id with that account's pinned signature key.
// This satisfies internal/ratchet.GroupSource so the voice ratchet
// manager can re-key every participant on an epoch transition without
// internal/mlsadapter importing internal/ratchet.
func (g *Group) RosterMembers() []ratchet.RosterMember {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := make([]ratchet.RosterMember, 0, len(g.state.Roster.Roster))
	for _, acc := range g.state.Roster.Roster {
		members = append(members, ratchet.RosterMember{UserID: acc.AccountID.UserID, SignatureKey: acc.PublicKey})
	}
	return members
}

// advanceEpoch derives the next epoch secret from the current one via
// HKDF, salted with the big-endian epoch counter so two consecutive
// epochs can never collide even under secret reuse. Must be called with
// the write lock held.
func (g *Group) advanceEpoch() error {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, g.state.Epoch)
	next, err := g.client.Crypto.HKDF(g.state.EpochSecret, epochBytes, []byte("groupcore-epoch-advance"), 32)
	if err != nil {
		return fmt.Errorf("advance epoch: %w", err)
	}
	g.state.EpochSecret = next
	g.state.Epoch++
	return nil
}

// CommitProposals bundles the custom proposals a single commit carries,
// mirroring build_invite_commit / remove_user / update_group_config in
// device.rs, each of which builds exactly one or two of these at a time.
type CommitProposals struct {
	AddUsers      []policy.AddUserProposal
	RemoveUsers   []policy.RemoveUserProposal
	UpdateConfigs []policy.UpdateGroupConfigProposal
	// NewLeaves carries the device credential + consumed key package for
	// every new member leaf this commit adds, keyed in the same order as
	// the corresponding AddUsers entries touch the roster, but leaves may
	// outnumber roster adds (one account can register multiple devices).
	NewLeaves []KeyPackage
}

// CommitResult is what BuildCommit returns once it has applied the new
// state locally: whether the config/roster extensions changed and, when
// at least one new leaf was added, a Welcome to deliver to each of them.
type CommitResult struct {
	Welcome           *Welcome
	ExtensionsChanged bool
}

// BuildCommit runs the proposal bundle through policy.FilterProposals,
// then — only if every proposal is authorized — advances the epoch, adds
// any new leaves, and applies the roster/config changes. The caller
// (internal/device) is responsible for identifying the effective sender;
// SenderExistingMember is assumed to be this device's own account unless
// told otherwise.
func (g *Group) BuildCommit(senderUserID uint64, proposals CommitProposals) (*CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	filterResult, err := policy.FilterProposals(policy.CommitContext{
		Sender:                policy.SenderExistingMember,
		SenderUserID:          senderUserID,
		Config:                g.state.Config,
		Roster:                g.state.Roster,
		AddUserProposals:      proposals.AddUsers,
		RemoveUserProposals:   proposals.RemoveUsers,
		UpdateConfigProposals: proposals.UpdateConfigs,
	})
	if err != nil {
		return nil, err
	}

	if err := g.advanceEpoch(); err != nil {
		return nil, err
	}

	for _, leaf := range proposals.NewLeaves {
		g.state.Leaves = append(g.state.Leaves, groupLeaf{Credential: leaf.Credential, Active: true})
	}
	for _, remove := range proposals.RemoveUsers {
		g.deactivateLeavesForUser(remove.UserID)
	}

	g.state.Config = filterResult.Config
	g.state.Roster = filterResult.Roster

	result := &CommitResult{ExtensionsChanged: filterResult.ExtensionsChanged}
	if len(proposals.NewLeaves) > 0 {
		w := Welcome{State: g.state}
		result.Welcome = &w
	}
	return result, nil
}

func (g *Group) deactivateLeavesForUser(userID uint64) {
	for i, leaf := range g.state.Leaves {
		if leaf.Credential.DeviceID.UserID == userID {
			g.state.Leaves[i].Active = false
		}
	}
}

// ApplyCommit installs a commit produced by another member's BuildCommit.
// The commit is carried as the resulting group state snapshot (see
// state.go's doc comment for why this is JSON, not a custom transcript
// format): unlike a real MLS transcript, there is nothing to replay here
// beyond accepting the new epoch, since FilterProposals already ran on
// the committer's side and this device independently trusts it only if
// the resulting epoch is exactly one ahead of its own.
func (g *Group) ApplyCommit(commitState groupState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if commitState.Epoch != g.state.Epoch+1 {
		return ErrStaleCommit
	}
	ownDeviceID := g.client.Credential.DeviceID
	if _, ok := commitState.activeLeafIndex(ownDeviceID); !ok {
		// This device was removed by the commit; the caller (group
		// handler) is responsible for tearing down local subscriptions.
		g.state = commitState
		return nil
	}
	g.state = commitState
	return nil
}

// ExportState snapshots the group's full state for local persistence,
// the same encoding a Welcome uses for a new joiner. A Group reloaded
// from this snapshot via LoadGroupState is indistinguishable from one
// that never left memory.
func (g *Group) ExportState() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return marshalState(g.state)
}

// LoadGroupState reconstructs a Group from a snapshot produced by
// ExportState, binding it to client the same way CreateGroup and
// JoinFromWelcome do.
func LoadGroupState(client *Client, data []byte) (*Group, error) {
	s, err := unmarshalState(data)
	if err != nil {
		return nil, fmt.Errorf("load group state: %w", err)
	}
	return &Group{client: client, state: s}, nil
}

// EncodeCommit serializes the post-commit state for transport to other
// existing members (as opposed to Welcome, which targets new joiners).
func (g *Group) EncodeCommit() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return marshalState(g.state)
}

func DecodeCommit(data []byte) (groupState, error) {
	return unmarshalState(data)
}

// exportSecret derives an arbitrary-length secret from the current epoch
// secret, matching MLS's export_secret(label, context, length) primitive.
func (g *Group) exportSecret(label string, context []byte, length int) ([]byte, error) {
	info := append([]byte(label), context...)
	return g.client.Crypto.HKDF(g.state.EpochSecret, nil, info, length)
}

// ExportSecret is the public, lock-safe form of exportSecret.
func (g *Group) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.exportSecret(label, context, length)
}

// GetGroupDisplayKey exports the group's 32-byte display key, keyed by
// the group id rather than any member id so every active member derives
// the same key. It is a non-confidentiality key for UI preview coloring;
// nothing in this module encrypts with it.
func (g *Group) GetGroupDisplayKey() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.exportSecret(displayKeyLabel, g.state.GroupID, 32)
}

// applicationKey derives the symmetric key used to seal/open group text
// messages in the current epoch.
func (g *Group) applicationKey() ([]byte, error) {
	return g.exportSecret(groupApplicationSecretLabel, g.state.GroupID, 16)
}

// SealApplicationMessage encrypts plaintext as an MLS application message
// under the current epoch's application key, AEAD-binding the group id,
// the sender's user id and the epoch so a replayed ciphertext can't be
// attributed to another account.
func (g *Group) SealApplicationMessage(plaintext []byte) (ciphertext, nonce []byte, epoch uint64, err error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	key, err := g.applicationKey()
	if err != nil {
		return nil, nil, 0, err
	}
	nonce, err = g.client.Crypto.RandomBytes(12)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("seal application message: %w", err)
	}
	aad := aeadBinding(g.state.GroupID, g.client.Credential.DeviceID.UserID, g.state.Epoch)
	ciphertext, err = g.client.Crypto.Seal(key, nonce, plaintext, aad)
	if err != nil {
		return nil, nil, 0, err
	}
	return ciphertext, nonce, g.state.Epoch, nil
}

// OpenApplicationMessage decrypts a message sent at the given epoch by
// the given sender under this Group's current epoch secret. A message
// sent under any other epoch, including one epoch behind (a commit race:
// a peer sent before observing our latest commit), is rejected: the
// forward-only HKDF chain cannot be run backward and no earlier epoch's
// secret is kept, so such a message cannot be opened.
func (g *Group) OpenApplicationMessage(senderUserID uint64, epoch uint64, nonce, ciphertext []byte) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if epoch != g.state.Epoch {
		return nil, fmt.Errorf("mlsadapter: message epoch %d does not match current epoch %d", epoch, g.state.Epoch)
	}
	key, err := g.applicationKey()
	if err != nil {
		return nil, err
	}
	aad := aeadBinding(g.state.GroupID, senderUserID, epoch)
	plaintext, err := g.client.Crypto.Open(key, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("open application message: %w", err)
	}
	return plaintext, nil
}

func aeadBinding(groupID []byte, senderUserID, epoch uint64) []byte {
	h := sha256.New()
	h.Write(groupID)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], senderUserID)
	binary.LittleEndian.PutUint64(buf[8:], epoch)
	h.Write(buf[:])
	return h.Sum(nil)
}

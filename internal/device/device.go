// Package device implements the Device Controller: the group operations
// a client exposes to its own UI (create_group, invite, remove_user,
// leave_group, update_group_config, send_message,
// get_group_display_key), composing the MLS adapter, the policy engine,
// the ratchet manager's delivery-facing counterpart, and the Delivery
// Client into one call surface.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/grouphandler"
	"github.com/shipcore/groupcore/internal/identity"
	"github.com/shipcore/groupcore/internal/mlsadapter"
	"github.com/shipcore/groupcore/internal/policy"
)

const (
	accountCredentialCacheTTL  = 10 * time.Minute
	accountCredentialCacheSize = 10_000
)

// MessageStore persists one local copy of every sent or received text
// message, independent of the MLS group state GroupStore tracks.
type MessageStore interface {
	PersistMessage(groupID []byte, msg grouphandler.TextMessage) error
}

// DeliveryClient is the subset of *delivery.Client the Device Controller
// drives, declared narrowly so device_test.go can exercise every
// operation against a fake without a live stream or backend.
type DeliveryClient interface {
	Subscribe(groupID []byte)
	Unsubscribe(groupID []byte)
	SendApplicationMessage(messageID uint64, groupID []byte, members []uint64, envelope []byte)
	SendCommit(messageID uint64, groupID []byte, members []uint64, commit []byte)
	SendWelcome(messageID uint64, userID uint64, welcome []byte)
	AckDelivery(messageID uint64, userID uint64, deviceID string, groupID []byte) error
	UploadKeyPackages(ctx context.Context, keyPackages [][]byte) error
	GetUserCredential(ctx context.Context, target uint64) ([]byte, error)
	GetUserKeyPackages(ctx context.Context, target uint64) ([][]byte, error)
}

var (
	// ErrAlreadyMember is returned by Invite when the target is already
	// on the group's member list.
	ErrAlreadyMember = fmt.Errorf("device: user is already a member")
	// ErrBanned is returned by Invite when the target is on the group's
	// ban list.
	ErrBanned = fmt.Errorf("device: user is banned")
	// ErrNotPermitted is returned by SendMessage when self lacks the
	// send_messages permission in the target group.
	ErrNotPermitted = fmt.Errorf("device: send_messages not permitted")
	// ErrUnknownGroup is returned by any operation addressing a group_id
	// this device has no local state for.
	ErrUnknownGroup = fmt.Errorf("device: unknown group")
)

// Device is the top-level composition: one mlsadapter.Client identity,
// one Delivery Client connection, and the local group/message stores
// backing every group operation.
type Device struct {
	logger   *slog.Logger
	crypto   crypto.Provider
	mls      *mlsadapter.Client
	store    grouphandler.GroupStore
	messages MessageStore
	delivery DeliveryClient

	selfUserID     uint64
	selfDeviceID   string
	selfAccount    identity.AccountCredential
	accountCache   *lru.LRU[uint64, identity.AccountCredential]
}

// Config bundles every collaborator a Device needs.
type Config struct {
	Logger      *slog.Logger
	Crypto      crypto.Provider
	MLSClient   *mlsadapter.Client
	Store       grouphandler.GroupStore
	Messages    MessageStore
	Delivery    DeliveryClient
	SelfUserID  uint64
	SelfDevice  string
	SelfAccount identity.AccountCredential
}

// New constructs a Device ready for use.
func New(cfg Config) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		logger:       logger,
		crypto:       cfg.Crypto,
		mls:          cfg.MLSClient,
		store:        cfg.Store,
		messages:     cfg.Messages,
		delivery:     cfg.Delivery,
		selfUserID:   cfg.SelfUserID,
		selfDeviceID: cfg.SelfDevice,
		selfAccount:  cfg.SelfAccount,
		accountCache: lru.NewLRU[uint64, identity.AccountCredential](accountCredentialCacheSize, nil, accountCredentialCacheTTL),
	}
}

// newMessageID samples a random 64-bit message id, the identifier every
// outbound group send carries so its eventual ack_delivery can be
// matched back to it.
func (d *Device) newMessageID() (uint64, error) {
	b, err := d.crypto.RandomBytes(8)
	if err != nil {
		return 0, fmt.Errorf("sample message id: %w", err)
	}
	return binary.BigEndian.Uint64(b), nil
}

func memberUserIDs(g *mlsadapter.Group) []uint64 {
	accounts := g.Roster().Accounts()
	out := make([]uint64, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc.AccountID.UserID)
	}
	return out
}

func keyPackagesToLeaves(packages [][]byte) ([]mlsadapter.KeyPackage, error) {
	leaves := make([]mlsadapter.KeyPackage, 0, len(packages))
	for _, raw := range packages {
		kp, err := mlsadapter.DecodeKeyPackage(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key package: %w", err)
		}
		leaves = append(leaves, kp)
	}
	return leaves, nil
}

// CreateGroup creates a fresh group owned by this device's account,
// folds in every other device the account already has registered, and
// subscribes the Delivery Client to the new group_id.
func (d *Device) CreateGroup(ctx context.Context, groupID []byte, name string) (*mlsadapter.Group, error) {
	sum := d.crypto.Hash(groupID)
	cfg := policy.NewGroupConfig(binary.BigEndian.Uint64(sum[:8]), name, d.selfUserID)

	group, err := mlsadapter.CreateGroup(d.mls, groupID, cfg, d.selfAccount)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	d.store.PutGroup(string(groupID), group)

	otherPackages, err := d.delivery.GetUserKeyPackages(ctx, d.selfUserID)
	if err != nil {
		return nil, fmt.Errorf("fetch own device key packages: %w", err)
	}
	messageID, err := d.newMessageID()
	if err != nil {
		return nil, err
	}

	if len(otherPackages) > 0 {
		leaves, err := keyPackagesToLeaves(otherPackages)
		if err != nil {
			return nil, err
		}
		result, err := group.BuildCommit(d.selfUserID, mlsadapter.CommitProposals{NewLeaves: leaves})
		if err != nil {
			return nil, fmt.Errorf("build create_group commit: %w", err)
		}
		commitBytes, err := group.EncodeCommit()
		if err != nil {
			return nil, fmt.Errorf("encode commit: %w", err)
		}
		d.delivery.SendCommit(messageID, groupID, []uint64{d.selfUserID}, commitBytes)
		if result.Welcome != nil {
			welcomeBytes, err := result.Welcome.Encode()
			if err != nil {
				return nil, fmt.Errorf("encode welcome: %w", err)
			}
			welcomeID, err := d.newMessageID()
			if err != nil {
				return nil, err
			}
			d.delivery.SendWelcome(welcomeID, d.selfUserID, welcomeBytes)
		}
	}

	d.delivery.Subscribe(groupID)
	return group, nil
}

// Invite adds userID's account, and one new leaf per registered device,
// to groupID's membership.
func (d *Device) Invite(ctx context.Context, groupID []byte, userID uint64) error {
	group, ok := d.store.Group(string(groupID))
	if !ok {
		return ErrUnknownGroup
	}
	cfg := group.Config()
	if cfg.IsBanned(userID) {
		return ErrBanned
	}
	if cfg.IsMember(userID) {
		return ErrAlreadyMember
	}

	account, err := d.resolveAccountCredential(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve invitee credential: %w", err)
	}
	packages, err := d.delivery.GetUserKeyPackages(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch invitee key packages: %w", err)
	}
	leaves, err := keyPackagesToLeaves(packages)
	if err != nil {
		return err
	}

	newConfig := cfg.Clone()
	newConfig.AddMember(userID)

	result, err := group.BuildCommit(d.selfUserID, mlsadapter.CommitProposals{
		AddUsers:      []policy.AddUserProposal{{NewUser: account}},
		UpdateConfigs: []policy.UpdateGroupConfigProposal{{NewConfig: newConfig}},
		NewLeaves:     leaves,
	})
	if err != nil {
		return fmt.Errorf("build invite commit: %w", err)
	}

	members := memberUserIDs(group)
	commitBytes, err := group.EncodeCommit()
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	messageID, err := d.newMessageID()
	if err != nil {
		return err
	}
	d.delivery.SendCommit(messageID, groupID, members, commitBytes)

	if result.Welcome != nil {
		welcomeBytes, err := result.Welcome.Encode()
		if err != nil {
			return fmt.Errorf("encode welcome: %w", err)
		}
		welcomeID, err := d.newMessageID()
		if err != nil {
			return err
		}
		d.delivery.SendWelcome(welcomeID, userID, welcomeBytes)
	}
	return nil
}

// resolveAccountCredential fetches userID's AccountCredential, caching
// hits for accountCredentialCacheTTL so repeated invites of the same
// account don't re-fetch.
func (d *Device) resolveAccountCredential(ctx context.Context, userID uint64) (identity.AccountCredential, error) {
	if account, ok := d.accountCache.Get(userID); ok {
		return account, nil
	}
	raw, err := d.delivery.GetUserCredential(ctx, userID)
	if err != nil {
		return identity.AccountCredential{}, err
	}
	account, err := identity.DecodeAccountCredential(raw)
	if err != nil {
		return identity.AccountCredential{}, fmt.Errorf("decode account credential: %w", err)
	}
	d.accountCache.Add(userID, account)
	return account, nil
}

// RemoveUser drops every device leaf belonging to userID's account from
// groupID, and sends the resulting commit to the members that remain.
func (d *Device) RemoveUser(ctx context.Context, groupID []byte, userID uint64) error {
	group, ok := d.store.Group(string(groupID))
	if !ok {
		return ErrUnknownGroup
	}
	cfg := group.Config()
	newConfig := cfg.Clone()
	newConfig.RemoveMember(userID)

	_, err := group.BuildCommit(d.selfUserID, mlsadapter.CommitProposals{
		RemoveUsers:   []policy.RemoveUserProposal{{UserID: userID}},
		UpdateConfigs: []policy.UpdateGroupConfigProposal{{NewConfig: newConfig}},
	})
	if err != nil {
		return fmt.Errorf("build remove_user commit: %w", err)
	}

	return d.sendCommitToMembers(ctx, group, groupID)
}

// LeaveGroup removes every one of this device's account's leaves from
// groupID, sends the commit, and drops the local group state once the
// send succeeds.
func (d *Device) LeaveGroup(ctx context.Context, groupID []byte) error {
	group, ok := d.store.Group(string(groupID))
	if !ok {
		return ErrUnknownGroup
	}
	cfg := group.Config()
	newConfig := cfg.Clone()
	newConfig.RemoveMember(d.selfUserID)

	_, err := group.BuildCommit(d.selfUserID, mlsadapter.CommitProposals{
		RemoveUsers:   []policy.RemoveUserProposal{{UserID: d.selfUserID}},
		UpdateConfigs: []policy.UpdateGroupConfigProposal{{NewConfig: newConfig}},
	})
	if err != nil {
		return fmt.Errorf("build leave_group commit: %w", err)
	}

	if err := d.sendCommitToMembers(ctx, group, groupID); err != nil {
		return err
	}

	d.store.DropGroup(string(groupID))
	d.delivery.Unsubscribe(groupID)
	return nil
}

func (d *Device) sendCommitToMembers(ctx context.Context, group *mlsadapter.Group, groupID []byte) error {
	members := memberUserIDs(group)
	commitBytes, err := group.EncodeCommit()
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	messageID, err := d.newMessageID()
	if err != nil {
		return err
	}
	d.delivery.SendCommit(messageID, groupID, members, commitBytes)
	return nil
}

// UpdateGroupConfig submits newConfig as an UpdateGroupConfigProposal;
// the rules engine validates it during BuildCommit's FilterProposals
// pass, rejecting a change to any field the sender lacks the permission
// for. Structural invariants (such as at least one admin) are not checked.
func (d *Device) UpdateGroupConfig(ctx context.Context, groupID []byte, newConfig *policy.GroupConfig) error {
	group, ok := d.store.Group(string(groupID))
	if !ok {
		return ErrUnknownGroup
	}

	_, err := group.BuildCommit(d.selfUserID, mlsadapter.CommitProposals{
		UpdateConfigs: []policy.UpdateGroupConfigProposal{{NewConfig: newConfig}},
	})
	if err != nil {
		return fmt.Errorf("build update_group_config commit: %w", err)
	}

	return d.sendCommitToMembers(ctx, group, groupID)
}

// SendMessage seals text as an MLS application message and hands it to
// the Delivery Client addressed to every current member, persisting a
// local copy and self-acknowledging once it has processed its own send.
func (d *Device) SendMessage(ctx context.Context, groupID []byte, text []byte) error {
	group, ok := d.store.Group(string(groupID))
	if !ok {
		return ErrUnknownGroup
	}
	if !group.Config().HasPermission(d.selfUserID, policy.PermSendMessages) {
		return ErrNotPermitted
	}

	messageID, err := d.newMessageID()
	if err != nil {
		return err
	}

	textMsg := grouphandler.TextMessage{
		MessageID: int64(messageID),
		SenderID:  int64(d.selfUserID),
		GroupID:   groupID,
		Text:      text,
		ReplyID:   -1,
		Expires:   -1,
		EditDate:  -1,
	}
	plaintext := grouphandler.EncodeTextMessage(textMsg)

	ciphertext, nonce, epoch, err := group.SealApplicationMessage(plaintext)
	if err != nil {
		return fmt.Errorf("seal application message: %w", err)
	}
	envelope := grouphandler.EncodeApplicationEnvelope(grouphandler.ApplicationEnvelope{
		SenderUserID: d.selfUserID,
		Epoch:        epoch,
		Nonce:        nonce,
		Ciphertext:   ciphertext,
	})

	members := memberUserIDs(group)
	d.delivery.SendApplicationMessage(messageID, groupID, members, envelope)

	if d.messages != nil {
		if err := d.messages.PersistMessage(groupID, textMsg); err != nil {
			d.logger.Error("persist sent message", slog.String("error", err.Error()))
		}
	}

	if err := d.delivery.AckDelivery(messageID, d.selfUserID, d.selfDeviceID, groupID); err != nil {
		d.logger.Error("ack own send", slog.String("error", err.Error()))
	}
	return nil
}

// GetGroupDisplayKey exports groupID's non-confidentiality display key,
// used for UI preview coloring only.
func (d *Device) GetGroupDisplayKey(groupID []byte) ([]byte, error) {
	group, ok := d.store.Group(string(groupID))
	if !ok {
		return nil, ErrUnknownGroup
	}
	return group.GetGroupDisplayKey()
}

// ReplenishKeyPackage mints and uploads one fresh key package, replacing
// the one a just-consumed Welcome used up.
func (d *Device) ReplenishKeyPackage(ctx context.Context) error {
	kp, _, err := d.mls.GenerateKeyPackage()
	if err != nil {
		return fmt.Errorf("generate key package: %w", err)
	}
	encoded, err := kp.Encode()
	if err != nil {
		return fmt.Errorf("encode key package: %w", err)
	}
	return d.delivery.UploadKeyPackages(ctx, [][]byte{encoded})
}

// RunEventLoop reacts to the Group Handler's UI events with the
// delivery-facing bookkeeping the handler itself deliberately stays out
// of: subscribing to a newly joined group and replenishing the key
// package a Welcome just consumed. It returns when events is closed.
func (d *Device) RunEventLoop(ctx context.Context, events <-chan grouphandler.Event) {
	for ev := range events {
		switch ev.Kind {
		case grouphandler.EventJoinGroup:
			d.delivery.Subscribe(ev.JoinGroup.GroupID)
			if err := d.ReplenishKeyPackage(ctx); err != nil {
				d.logger.Error("replenish key package", slog.String("error", err.Error()))
			}
		case grouphandler.EventNewGroupMessage:
			if d.messages != nil {
				if err := d.messages.PersistMessage(ev.NewGroupMessage.GroupID, ev.NewGroupMessage.Message); err != nil {
					d.logger.Error("persist received message", slog.String("error", err.Error()))
				}
			}
		case grouphandler.EventGroupRemoved:
			d.delivery.Unsubscribe(ev.GroupRemoved.GroupID)
		}
	}
}

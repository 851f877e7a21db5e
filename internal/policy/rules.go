package policy

import (
	"errors"
	"fmt"
)

// SenderKind distinguishes an existing-member commit sender (whose
// identity and permissions we can resolve) from an external/new-member
// commit.
type SenderKind int

const (
	SenderExistingMember SenderKind = iota
	SenderExternalCommit
)

var (
	// ErrPermissionDenied is returned when a proposal's sender lacks the
	// permission required by the field or operation it touches.
	ErrPermissionDenied = errors.New("policy: permission denied")
	// ErrUserBanned is returned when an AddUserProposal targets a banned
	// account.
	ErrUserBanned = errors.New("policy: user is banned")
	// ErrGroupFull is returned when an AddUserProposal would exceed
	// max_members.
	ErrGroupFull = errors.New("policy: group is full")
)

// CommitContext is everything the rules engine needs to filter one
// commit's proposal bundle. The MLS adapter is responsible for resolving
// the sender and decoding the current extensions before calling
// FilterProposals; this keeps the policy engine free of any dependency on
// the underlying MLS library's proposal-bundle types.
type CommitContext struct {
	Sender       SenderKind
	SenderUserID uint64 // meaningful only when Sender == SenderExistingMember

	Config *GroupConfig
	Roster RosterExtension

	AddUserProposals      []AddUserProposal
	RemoveUserProposals   []RemoveUserProposal
	UpdateConfigProposals []UpdateGroupConfigProposal
}

// FilterResult carries the roster and config as they stand after applying
// every accepted proposal, and whether either extension actually changed
// (which tells the caller whether to emit a synthetic GroupContextExtensions
// proposal so MLS installs them atomically at the epoch transition).
type FilterResult struct {
	Config            *GroupConfig
	Roster            RosterExtension
	ExtensionsChanged bool
}

// FilterProposals implements the ordered algorithm from SPEC_FULL.md §4.3:
// resolve the sender (already done by the caller via CommitContext.Sender),
// then apply add/remove/config-update proposals in turn, rejecting the
// whole commit on the first unauthorized change.
//
// External (new-member) commits are passed through without policy checks,
// mirroring a TODO in the reference implementation; this is a deliberate,
// documented gap (see DESIGN.md) rather than a silent one.
func FilterProposals(ctx CommitContext) (FilterResult, error) {
	roster := ctx.Roster
	config := ctx.Config
	changed := false

	checkPermission := func(perm PermissionName) error {
		if ctx.Sender == SenderExternalCommit {
			return nil
		}
		if !config.HasPermission(ctx.SenderUserID, perm) {
			return fmt.Errorf("%w: requires %s", ErrPermissionDenied, perm)
		}
		return nil
	}

	for _, add := range ctx.AddUserProposals {
		if err := checkPermission(PermManageMembers); err != nil {
			return FilterResult{}, err
		}
		if config.IsBanned(add.NewUser.AccountID.UserID) {
			return FilterResult{}, fmt.Errorf("%w: user %d", ErrUserBanned, add.NewUser.AccountID.UserID)
		}
		if config.IsFull() {
			return FilterResult{}, ErrGroupFull
		}
		roster.Roster = append(roster.Roster, add.NewUser)
		changed = true
	}

	for _, remove := range ctx.RemoveUserProposals {
		removingSelf := ctx.Sender == SenderExistingMember && ctx.SenderUserID == remove.UserID
		if !removingSelf {
			if err := checkPermission(PermManageMembers); err != nil {
				return FilterResult{}, err
			}
		}
		roster = roster.Remove(remove.UserID)
		changed = true
	}

	for _, update := range ctx.UpdateConfigProposals {
		senderForValidation := ctx.SenderUserID
		if ctx.Sender == SenderExternalCommit {
			// No sender identity to validate against; accept the change
			// as-is, matching the same pass-through applied to add/remove.
			config = update.NewConfig
			changed = true
			continue
		}
		result := config.ValidateChanges(update.NewConfig, senderForValidation)
		if !result.Valid {
			return FilterResult{}, fmt.Errorf("%w: unauthorized config change", ErrPermissionDenied)
		}
		config = update.NewConfig
		changed = true
	}

	return FilterResult{Config: config, Roster: roster, ExtensionsChanged: changed}, nil
}

// CommitOptions mirrors the reference rules engine's commit_options: no
// overrides, defaults throughout.
type CommitOptions struct{}

// EncryptionOptions forces no padding, matching the reference
// implementation's deterministic ciphertext sizing.
type EncryptionOptions struct {
	Padding bool
}

func DefaultEncryptionOptions() EncryptionOptions {
	return EncryptionOptions{Padding: false}
}

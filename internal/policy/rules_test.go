package policy

import (
	"errors"
	"testing"

	"github.com/shipcore/groupcore/internal/identity"
)

func baseContext(cfg *GroupConfig, roster RosterExtension, sender uint64) CommitContext {
	return CommitContext{
		Sender:       SenderExistingMember,
		SenderUserID: sender,
		Config:       cfg,
		Roster:       roster,
	}
}

func TestFilterProposalsAddUserRequiresManageMembers(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	cfg.AddMember(2)
	cfg.Permissions[2] = MemberPermissions()
	roster := RosterExtension{Roster: []identity.AccountCredential{{AccountID: identity.AccountID{UserID: 1}}}}

	ctx := baseContext(cfg, roster, 2)
	ctx.AddUserProposals = []AddUserProposal{{NewUser: identity.AccountCredential{AccountID: identity.AccountID{UserID: 3}}}}

	_, err := FilterProposals(ctx)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
}

func TestFilterProposalsAddUserRejectsBanned(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	cfg.AddBanned(3)
	roster := RosterExtension{}

	ctx := baseContext(cfg, roster, 1)
	ctx.AddUserProposals = []AddUserProposal{{NewUser: identity.AccountCredential{AccountID: identity.AccountID{UserID: 3}}}}

	_, err := FilterProposals(ctx)
	if !errors.Is(err, ErrUserBanned) {
		t.Fatalf("got %v, want ErrUserBanned", err)
	}
}

func TestFilterProposalsAddUserRejectsWhenFull(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	max := uint32(1)
	cfg.MaxMembers = &max
	roster := RosterExtension{}

	ctx := baseContext(cfg, roster, 1)
	ctx.AddUserProposals = []AddUserProposal{{NewUser: identity.AccountCredential{AccountID: identity.AccountID{UserID: 3}}}}

	_, err := FilterProposals(ctx)
	if !errors.Is(err, ErrGroupFull) {
		t.Fatalf("got %v, want ErrGroupFull", err)
	}
}

func TestFilterProposalsAddUserAcceptedAppendsToRoster(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	roster := RosterExtension{Roster: []identity.AccountCredential{{AccountID: identity.AccountID{UserID: 1}}}}

	ctx := baseContext(cfg, roster, 1)
	ctx.AddUserProposals = []AddUserProposal{{NewUser: identity.AccountCredential{AccountID: identity.AccountID{UserID: 3}}}}

	result, err := FilterProposals(ctx)
	if err != nil {
		t.Fatalf("FilterProposals: %v", err)
	}
	if !result.Roster.Contains(3) {
		t.Fatal("expected new user to be present in resulting roster")
	}
	if !result.ExtensionsChanged {
		t.Fatal("expected ExtensionsChanged to be true")
	}
}

func TestFilterProposalsRemoveSelfAllowedWithoutManageMembers(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	cfg.AddMember(2)
	cfg.Permissions[2] = Permissions{} // no permissions at all
	roster := RosterExtension{Roster: []identity.AccountCredential{
		{AccountID: identity.AccountID{UserID: 1}},
		{AccountID: identity.AccountID{UserID: 2}},
	}}

	ctx := baseContext(cfg, roster, 2)
	ctx.RemoveUserProposals = []RemoveUserProposal{{UserID: 2}}

	result, err := FilterProposals(ctx)
	if err != nil {
		t.Fatalf("FilterProposals: %v", err)
	}
	if result.Roster.Contains(2) {
		t.Fatal("expected self to be removed from roster")
	}
}

func TestFilterProposalsRemoveOtherRequiresManageMembers(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	cfg.AddMember(2)
	cfg.Permissions[2] = Permissions{}
	roster := RosterExtension{Roster: []identity.AccountCredential{
		{AccountID: identity.AccountID{UserID: 1}},
		{AccountID: identity.AccountID{UserID: 2}},
	}}

	ctx := baseContext(cfg, roster, 2)
	ctx.RemoveUserProposals = []RemoveUserProposal{{UserID: 1}}

	_, err := FilterProposals(ctx)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
}

func TestFilterProposalsExternalCommitBypassesChecks(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	roster := RosterExtension{}

	ctx := CommitContext{
		Sender: SenderExternalCommit,
		Config: cfg,
		Roster: roster,
		AddUserProposals: []AddUserProposal{
			{NewUser: identity.AccountCredential{AccountID: identity.AccountID{UserID: 3}}},
		},
	}

	result, err := FilterProposals(ctx)
	if err != nil {
		t.Fatalf("expected external commit to bypass policy checks, got %v", err)
	}
	if !result.Roster.Contains(3) {
		t.Fatal("expected the proposal to still apply")
	}
}

func TestFilterProposalsUpdateConfigRejectsUnauthorized(t *testing.T) {
	cfg := NewGroupConfig(1, "g", 1)
	cfg.AddMember(2)
	cfg.Permissions[2] = MemberPermissions()
	roster := RosterExtension{}

	newCfg := cfg.Clone()
	newCfg.Name = "new name"

	ctx := baseContext(cfg, roster, 2)
	ctx.UpdateConfigProposals = []UpdateGroupConfigProposal{{NewConfig: newCfg}}

	_, err := FilterProposals(ctx)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
}

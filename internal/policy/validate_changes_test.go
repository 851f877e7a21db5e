package policy

import "testing"

func TestValidateChangesSelfRemovalAlwaysAllowed(t *testing.T) {
	cfg := NewGroupConfig(1, "group", 1)
	cfg.AddMember(2)
	cfg.Permissions[2] = MemberPermissions() // only send_messages

	newCfg := cfg.Clone()
	newCfg.RemoveMember(2)

	result := cfg.ValidateChanges(newCfg, 2)
	if !result.Valid {
		t.Fatalf("expected self-removal to be valid, changes=%+v", result.Changes)
	}
	if len(result.Changes) == 0 {
		t.Fatal("expected at least one diff for the members field")
	}
}

func TestValidateChangesRejectsUnauthorizedRename(t *testing.T) {
	cfg := NewGroupConfig(1, "group", 1)
	cfg.AddMember(2)
	cfg.Permissions[2] = MemberPermissions()

	newCfg := cfg.Clone()
	newCfg.Name = "renamed"

	result := cfg.ValidateChanges(newCfg, 2)
	if result.Valid {
		t.Fatal("expected rename without rename_group permission to be invalid")
	}
}

func TestValidateChangesAllowsAdminToDoAnything(t *testing.T) {
	cfg := NewGroupConfig(1, "group", 1)
	newCfg := cfg.Clone()
	newCfg.Name = "renamed"
	newCfg.Visibility = VisibilityPublic
	newCfg.AddAdmin(99)

	result := cfg.ValidateChanges(newCfg, 1)
	if !result.Valid {
		t.Fatalf("expected admin changes to be valid, changes=%+v", result.Changes)
	}
}

func TestValidateChangesNoDiffIsValid(t *testing.T) {
	cfg := NewGroupConfig(1, "group", 1)
	newCfg := cfg.Clone()

	result := cfg.ValidateChanges(newCfg, 1)
	if !result.Valid || len(result.Changes) != 0 {
		t.Fatalf("expected no diffs for identical config, got %+v", result)
	}
}

func TestValidateChangesMonotoneRestrictedToSameDiffs(t *testing.T) {
	cfg := NewGroupConfig(1, "group", 1)
	cfg.AddMember(2)
	cfg.Permissions[2] = Permissions{RenameGroup: true}

	bigChange := cfg.Clone()
	bigChange.Name = "new name"

	result := cfg.ValidateChanges(bigChange, 2)
	if !result.Valid {
		t.Fatalf("expected rename_group holder to rename successfully: %+v", result.Changes)
	}
}

func TestHasPermissionFallsThroughToFalseWithoutOverride(t *testing.T) {
	cfg := NewGroupConfig(1, "group", 1)
	if cfg.HasPermission(404, PermSendMessages) {
		t.Fatal("expected unknown user to have no permissions")
	}
}

func TestIsFullRespectsMaxMembers(t *testing.T) {
	cfg := NewGroupConfig(1, "group", 1)
	max := uint32(1)
	cfg.MaxMembers = &max
	if !cfg.IsFull() {
		t.Fatal("expected group at capacity to report full")
	}
}

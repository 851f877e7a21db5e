package policy

import (
	"bytes"
	"fmt"
)

// ConfigChange records one field that differs between an old and a
// candidate GroupConfig.
type ConfigChange struct {
	Field    string
	OldValue string
	NewValue string
}

// ConfigValidationResult is the outcome of ValidateChanges: every detected
// diff, plus whether the whole set of diffs is authorized for the acting
// user.
type ConfigValidationResult struct {
	Changes []ConfigChange
	Valid   bool
}

func optionalString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalUint32(v *uint32) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprintf("%d", *v)
}

func optionalUint64(v *uint64) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprintf("%d", *v)
}

func u64SliceEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uint64]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

func permissionsMapEqual(a, b map[uint64]Permissions) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// ValidateChanges diffs c against newConfig field by field and, for every
// field that changed, checks that userID holds the permission required to
// change it (see SPEC_FULL.md §4.4's field table). Every diff is recorded
// regardless of authorization; Valid is the conjunction across all diffs.
// Self-removal from Members is always authorized.
func (c *GroupConfig) ValidateChanges(newConfig *GroupConfig, userID uint64) ConfigValidationResult {
	var changes []ConfigChange
	valid := true

	require := func(perm PermissionName) bool {
		return c.HasPermission(userID, perm)
	}

	if c.Name != newConfig.Name {
		changes = append(changes, ConfigChange{"name", c.Name, newConfig.Name})
		if !require(PermRenameGroup) {
			valid = false
		}
	}

	if c.Visibility != newConfig.Visibility {
		changes = append(changes, ConfigChange{"visibility", fmt.Sprint(c.Visibility), fmt.Sprint(newConfig.Visibility)})
		if !require(PermManagePermissions) {
			valid = false
		}
	}

	if c.JoinMode != newConfig.JoinMode {
		changes = append(changes, ConfigChange{"join_mode", fmt.Sprint(c.JoinMode), fmt.Sprint(newConfig.JoinMode)})
		if !require(PermManagePermissions) {
			valid = false
		}
	}

	if optionalString(c.InviteLink) != optionalString(newConfig.InviteLink) {
		changes = append(changes, ConfigChange{"invite_link", optionalString(c.InviteLink), optionalString(newConfig.InviteLink)})
		if !require(PermManageMembers) {
			valid = false
		}
	}

	if optionalUint32(c.MaxMembers) != optionalUint32(newConfig.MaxMembers) {
		changes = append(changes, ConfigChange{"max_members", optionalUint32(c.MaxMembers), optionalUint32(newConfig.MaxMembers)})
		if !require(PermManagePermissions) {
			valid = false
		}
	}

	if !u64SliceEqual(c.Members, newConfig.Members) {
		changes = append(changes, ConfigChange{"members", fmt.Sprint(c.Members), fmt.Sprint(newConfig.Members)})
		removingSelf := c.IsMember(userID) && !newConfig.IsMember(userID)
		if !removingSelf && !require(PermManageMembers) {
			valid = false
		}
	}

	if !u64SliceEqual(c.Admins, newConfig.Admins) {
		changes = append(changes, ConfigChange{"admins", fmt.Sprint(c.Admins), fmt.Sprint(newConfig.Admins)})
		if !require(PermManageAdmins) {
			valid = false
		}
	}

	if !permissionsMapEqual(c.Permissions, newConfig.Permissions) {
		changes = append(changes, ConfigChange{"permissions", "...", "..."})
		if !require(PermManagePermissions) {
			valid = false
		}
	}

	if optionalString(c.Description) != optionalString(newConfig.Description) {
		changes = append(changes, ConfigChange{"description", optionalString(c.Description), optionalString(newConfig.Description)})
		if !require(PermRenameGroup) {
			valid = false
		}
	}

	if !bytes.Equal(c.Avatar, newConfig.Avatar) {
		changes = append(changes, ConfigChange{"avatar", "...", "..."})
		if !require(PermRenameGroup) {
			valid = false
		}
	}

	if !bytes.Equal(c.Banner, newConfig.Banner) {
		changes = append(changes, ConfigChange{"banner", "...", "..."})
		if !require(PermRenameGroup) {
			valid = false
		}
	}

	if optionalUint64(c.PinnedMessageID) != optionalUint64(newConfig.PinnedMessageID) {
		changes = append(changes, ConfigChange{"pinned_message_id", optionalUint64(c.PinnedMessageID), optionalUint64(newConfig.PinnedMessageID)})
		if !require(PermPinMessages) {
			valid = false
		}
	}

	if optionalUint32(c.SlowModeDelay) != optionalUint32(newConfig.SlowModeDelay) {
		changes = append(changes, ConfigChange{"slow_mode_delay", optionalUint32(c.SlowModeDelay), optionalUint32(newConfig.SlowModeDelay)})
		if !require(PermManagePermissions) {
			valid = false
		}
	}

	boolFields := []struct {
		name     string
		old, new bool
	}{
		{"allow_stickers", c.AllowStickers, newConfig.AllowStickers},
		{"allow_gifs", c.AllowGifs, newConfig.AllowGifs},
		{"allow_voice_messages", c.AllowVoiceMessages, newConfig.AllowVoiceMessages},
		{"allow_video_messages", c.AllowVideoMessages, newConfig.AllowVideoMessages},
		{"allow_links", c.AllowLinks, newConfig.AllowLinks},
	}
	for _, f := range boolFields {
		if f.old != f.new {
			changes = append(changes, ConfigChange{f.name, fmt.Sprint(f.old), fmt.Sprint(f.new)})
			if !require(PermManagePermissions) {
				valid = false
			}
		}
	}

	return ConfigValidationResult{Changes: changes, Valid: valid}
}

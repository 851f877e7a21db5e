package storage

import (
	"path/filepath"
	"testing"
)

func TestDirPathsAreRootedUnderDotAnongram(t *testing.T) {
	d := NewDir("/home/alice")

	cases := map[string]string{
		"AccountsDB":    d.AccountsDB(),
		"GroupDB":       d.GroupDB(1),
		"MLSStateDB":    d.MLSStateDB(1, "alice-phone"),
		"ContactsDB":    d.ContactsDB(1),
		"VoiceUserFile": d.VoiceUserFile(1),
	}
	for name, got := range cases {
		want := filepath.Join("/home/alice", ".anongram")
		if filepath.Dir(got) != want && filepath.Dir(filepath.Dir(got)) != want {
			t.Errorf("%s = %q, want rooted under %q", name, got, want)
		}
	}

	if got, want := d.GroupDB(7), filepath.Join("/home/alice", ".anongram", "group_7.db"); got != want {
		t.Errorf("GroupDB(7) = %q, want %q", got, want)
	}
	if got, want := d.MLSStateDB(7, "dev-1"), filepath.Join("/home/alice", ".anongram", "group", "group_7_dev-1.db"); got != want {
		t.Errorf("MLSStateDB(7, dev-1) = %q, want %q", got, want)
	}
}

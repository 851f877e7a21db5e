package storage

import (
	"fmt"
	"path/filepath"
)

// Dir resolves the file paths for every local database this client
// keeps, all rooted at <data-dir>/.anongram per the stored-state
// layout: one shared accounts.db, and one group/MLS-state/contacts set
// per locally logged-in account (and, for MLS state, per device of that
// account).
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at filepath.Join(dataDir, ".anongram").
func NewDir(dataDir string) Dir {
	return Dir{root: filepath.Join(dataDir, ".anongram")}
}

func (d Dir) AccountsDB() string {
	return filepath.Join(d.root, "accounts.db")
}

func (d Dir) GroupDB(userID uint64) string {
	return filepath.Join(d.root, fmt.Sprintf("group_%d.db", userID))
}

func (d Dir) MLSStateDB(userID uint64, deviceID string) string {
	return filepath.Join(d.root, "group", fmt.Sprintf("group_%d_%s.db", userID, deviceID))
}

func (d Dir) ContactsDB(userID uint64) string {
	return filepath.Join(d.root, fmt.Sprintf("contacts_%d.db", userID))
}

func (d Dir) VoiceUserFile(userID uint64) string {
	return filepath.Join(d.root, fmt.Sprintf("voice_%d.json", userID))
}

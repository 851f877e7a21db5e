package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// VoiceUserState is the small piece of voice state worth keeping across
// restarts: which channel, if any, this device was last in, so the UI
// can offer to rejoin.
type VoiceUserState struct {
	LastVoiceID string `json:"last_voice_id"`
	LastGroupID string `json:"last_group_id"`
}

// VoiceUserStore persists VoiceUserState as flat JSON at
// voice_<user_id>.json rather than SQLite, since it is a single small
// record with no query or index needs.
type VoiceUserStore struct {
	path string
}

// OpenVoiceUserStore returns a store backed by the file at path. The
// file is created lazily on first Save.
func OpenVoiceUserStore(path string) *VoiceUserStore {
	return &VoiceUserStore{path: path}
}

// Load reads the persisted state, returning the zero value if the file
// doesn't exist yet.
func (s *VoiceUserStore) Load() (VoiceUserState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return VoiceUserState{}, nil
		}
		return VoiceUserState{}, fmt.Errorf("load voice state: %w", err)
	}
	var state VoiceUserState
	if err := json.Unmarshal(data, &state); err != nil {
		return VoiceUserState{}, fmt.Errorf("decode voice state: %w", err)
	}
	return state, nil
}

// Save writes state to disk, replacing any prior contents. It writes to
// a temp file in the same directory first and renames over the target,
// so a crash mid-write never leaves a truncated file behind.
func (s *VoiceUserStore) Save(state VoiceUserState) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("save voice state: create directory: %w", err)
		}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("save voice state: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save voice state: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("save voice state: rename: %w", err)
	}
	return nil
}

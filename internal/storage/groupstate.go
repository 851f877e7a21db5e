package storage

import (
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shipcore/groupcore/internal/mlsadapter"
)

// MLSStateStore persists one device's MLS group state in
// group/group_<user_id>_<device_id>.db and implements
// grouphandler.GroupStore. Groups are kept decoded in memory once
// loaded, since mlsadapter.Group holds a lock and a live client
// reference that don't survive a round trip through SQL; the database
// is only consulted on first touch after process start and written back
// on every PutGroup.
type MLSStateStore struct {
	db     *sql.DB
	client *mlsadapter.Client
	logger *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*mlsadapter.Group
}

// OpenMLSStateStore opens (creating if absent) the per-device group
// state database at path. client is the identity every loaded Group is
// bound to, matching how CreateGroup and JoinFromWelcome bind one.
func OpenMLSStateStore(path string, client *mlsadapter.Client, logger *slog.Logger) (*MLSStateStore, error) {
	db, err := openMigrated(path, "mlsstate")
	if err != nil {
		return nil, err
	}
	return &MLSStateStore{
		db:     db,
		client: client,
		logger: logger,
		loaded: make(map[string]*mlsadapter.Group),
	}, nil
}

func (s *MLSStateStore) Close() error { return s.db.Close() }

// Group implements grouphandler.GroupStore, lazily hydrating from disk
// on the first lookup of a group this process hasn't touched yet.
func (s *MLSStateStore) Group(groupID string) (*mlsadapter.Group, bool) {
	s.mu.RLock()
	if g, ok := s.loaded[groupID]; ok {
		s.mu.RUnlock()
		return g, true
	}
	s.mu.RUnlock()

	var state []byte
	if err := s.db.QueryRow(`SELECT state FROM group_state WHERE group_id = ?`, groupID).Scan(&state); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("load group state", slog.String("group_id", groupID), slog.String("error", err.Error()))
		}
		return nil, false
	}

	g, err := mlsadapter.LoadGroupState(s.client, state)
	if err != nil {
		s.logger.Error("decode group state", slog.String("group_id", groupID), slog.String("error", err.Error()))
		return nil, false
	}

	s.mu.Lock()
	s.loaded[groupID] = g
	s.mu.Unlock()
	return g, true
}

// PutGroup implements grouphandler.GroupStore: it both caches group in
// memory and persists its current snapshot, so a restart resumes from
// the last applied commit instead of needing a fresh welcome.
func (s *MLSStateStore) PutGroup(groupID string, group *mlsadapter.Group) {
	s.mu.Lock()
	s.loaded[groupID] = group
	s.mu.Unlock()

	state, err := group.ExportState()
	if err != nil {
		s.logger.Error("export group state", slog.String("group_id", groupID), slog.String("error", err.Error()))
		return
	}
	if _, err := s.db.Exec(
		`INSERT INTO group_state (group_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (group_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		groupID, state, time.Now().Unix(),
	); err != nil {
		s.logger.Error("persist group state", slog.String("group_id", groupID), slog.String("error", err.Error()))
	}
}

// DropGroup implements grouphandler.GroupStore.
func (s *MLSStateStore) DropGroup(groupID string) {
	s.mu.Lock()
	delete(s.loaded, groupID)
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM group_state WHERE group_id = ?`, groupID); err != nil {
		s.logger.Error("drop group state", slog.String("group_id", groupID), slog.String("error", err.Error()))
	}
}

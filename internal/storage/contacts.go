package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shipcore/groupcore/internal/identity"
)

const (
	contactCacheTTL  = 30 * time.Minute
	contactCacheSize = 5_000
)

// ContactStore caches the AccountCredential of every user this client
// has ever resolved a device list for, in contacts_<user_id>.db, so
// repeated group membership lookups don't re-fetch from the backend.
type ContactStore struct {
	db    *sql.DB
	cache *lru.LRU[uint64, identity.AccountCredential]
}

// OpenContactStore opens (creating if absent) the per-account contacts
// database at path.
func OpenContactStore(path string) (*ContactStore, error) {
	db, err := openMigrated(path, "contacts")
	if err != nil {
		return nil, err
	}
	return &ContactStore{
		db:    db,
		cache: lru.NewLRU[uint64, identity.AccountCredential](contactCacheSize, nil, contactCacheTTL),
	}, nil
}

func (s *ContactStore) Close() error { return s.db.Close() }

// Put records cred, keyed by its account id, replacing any prior entry.
func (s *ContactStore) Put(cred identity.AccountCredential) error {
	userID := cred.AccountID.UserID
	if _, err := s.db.Exec(
		`INSERT INTO contacts (user_id, credential, cached_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET credential = excluded.credential, cached_at = excluded.cached_at`,
		userID, cred.Encode(), time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("put contact: %w", err)
	}
	s.cache.Add(userID, cred)
	return nil
}

// Get returns the cached credential for userID, if any.
func (s *ContactStore) Get(userID uint64) (identity.AccountCredential, bool, error) {
	if cred, ok := s.cache.Get(userID); ok {
		return cred, true, nil
	}

	var raw []byte
	if err := s.db.QueryRow(`SELECT credential FROM contacts WHERE user_id = ?`, userID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.AccountCredential{}, false, nil
		}
		return identity.AccountCredential{}, false, fmt.Errorf("get contact: %w", err)
	}

	cred, err := identity.DecodeAccountCredential(raw)
	if err != nil {
		return identity.AccountCredential{}, false, fmt.Errorf("get contact: %w", err)
	}
	s.cache.Add(userID, cred)
	return cred, true, nil
}

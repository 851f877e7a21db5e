package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	mediaExistsCacheTTL  = 30 * time.Minute
	mediaExistsCacheSize = 10_000
	mediaDataCacheTTL    = 10 * time.Minute
	mediaDataCacheSize   = 256
)

// MediaStore serves media blobs out of the same group_<user_id>.db file
// a GroupMessageStore writes to, fronted by two caches sized for their
// very different costs: an existence check is cheap to recompute and
// checked often (attachment previews), a full blob fetch is expensive
// and rare, so it gets a shorter TTL and a much smaller capacity.
type MediaStore struct {
	db     *sql.DB
	exists *lru.LRU[string, bool]
	data   *lru.LRU[string, []byte]
}

// OpenMediaStore opens the group_<user_id>.db file at path, sharing its
// schema with GroupMessageStore.
func OpenMediaStore(path string) (*MediaStore, error) {
	db, err := openMigrated(path, "messages")
	if err != nil {
		return nil, err
	}
	return &MediaStore{
		db:     db,
		exists: lru.NewLRU[string, bool](mediaExistsCacheSize, nil, mediaExistsCacheTTL),
		data:   lru.NewLRU[string, []byte](mediaDataCacheSize, nil, mediaDataCacheTTL),
	}, nil
}

func (s *MediaStore) Close() error { return s.db.Close() }

// MediaID returns the content-addressed id data would be stored under.
func MediaID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data, keyed by its own content hash, and returns that id.
func (s *MediaStore) Put(data []byte) (string, error) {
	id := MediaID(data)
	if _, err := s.db.Exec(
		`INSERT INTO media_blobs (media_id, data, created_at) VALUES (?, ?, ?) ON CONFLICT (media_id) DO NOTHING`,
		id, data, time.Now().Unix(),
	); err != nil {
		return "", fmt.Errorf("put media: %w", err)
	}
	s.exists.Add(id, true)
	s.data.Add(id, data)
	return id, nil
}

// Exists reports whether mediaID is already stored locally.
func (s *MediaStore) Exists(mediaID string) (bool, error) {
	if ok, hit := s.exists.Get(mediaID); hit {
		return ok, nil
	}
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM media_blobs WHERE media_id = ?`, mediaID).Scan(&one)
	switch {
	case err == nil:
		s.exists.Add(mediaID, true)
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		s.exists.Add(mediaID, false)
		return false, nil
	default:
		return false, fmt.Errorf("media exists: %w", err)
	}
}

// Get returns the blob stored under mediaID.
func (s *MediaStore) Get(mediaID string) ([]byte, error) {
	if data, hit := s.data.Get(mediaID); hit {
		return data, nil
	}
	var data []byte
	if err := s.db.QueryRow(`SELECT data FROM media_blobs WHERE media_id = ?`, mediaID).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get media %s: %w", mediaID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("get media %s: %w", mediaID, err)
	}
	s.data.Add(mediaID, data)
	s.exists.Add(mediaID, true)
	return data, nil
}

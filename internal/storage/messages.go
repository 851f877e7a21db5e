package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shipcore/groupcore/internal/grouphandler"
)

const (
	lastMessageCacheTTL  = 10 * time.Minute
	lastMessageCacheSize = 2_000
)

// GroupMessageStore persists one user's group message history, in
// group_<user_id>.db, and implements device.MessageStore. A new message
// with attached media inserts the blob (if its content hash hasn't been
// seen before) and the message row in one transaction; resaving an
// existing message id is treated as an edit and only touches content
// and edit_date.
type GroupMessageStore struct {
	db           *sql.DB
	lastMessages *lru.LRU[string, grouphandler.TextMessage]
}

// OpenGroupMessageStore opens (creating if absent) the per-user message
// database at path.
func OpenGroupMessageStore(path string) (*GroupMessageStore, error) {
	db, err := openMigrated(path, "messages")
	if err != nil {
		return nil, err
	}
	return &GroupMessageStore{
		db:           db,
		lastMessages: lru.NewLRU[string, grouphandler.TextMessage](lastMessageCacheSize, nil, lastMessageCacheTTL),
	}, nil
}

func (s *GroupMessageStore) Close() error { return s.db.Close() }

// PersistMessage implements device.MessageStore. groupID is recorded
// verbatim alongside msg so group_messages can be indexed and filtered
// by it independent of whatever string form msg.GroupID itself carries.
func (s *GroupMessageStore) PersistMessage(groupID []byte, msg grouphandler.TextMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persist message: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing bool
	if err := tx.QueryRow(`SELECT 1 FROM group_messages WHERE message_id = ?`, msg.MessageID).Scan(new(int)); err == nil {
		existing = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("persist message: check existing: %w", err)
	}

	if existing {
		if _, err := tx.Exec(
			`UPDATE group_messages SET content = ?, edit_date = ? WHERE message_id = ?`,
			string(msg.Text), msg.EditDate, msg.MessageID,
		); err != nil {
			return fmt.Errorf("persist message: update: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("persist message: commit: %w", err)
		}
		s.lastMessages.Remove(string(groupID))
		return nil
	}

	var mediaID sql.NullString
	if len(msg.Media) > 0 {
		sum := sha256.Sum256(msg.Media)
		id := hex.EncodeToString(sum[:])
		if _, err := tx.Exec(
			`INSERT INTO media_blobs (media_id, data, created_at) VALUES (?, ?, ?) ON CONFLICT (media_id) DO NOTHING`,
			id, msg.Media, msg.Date,
		); err != nil {
			return fmt.Errorf("persist message: insert media: %w", err)
		}
		mediaID = sql.NullString{String: id, Valid: true}
	}

	if _, err := tx.Exec(
		`INSERT INTO group_messages (message_id, group_id, sender_id, content, media_id, media_name, timestamp, reply_to, expires, edit_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, string(groupID), msg.SenderID, string(msg.Text), mediaID, string(msg.MediaName),
		msg.Date, msg.ReplyID, msg.Expires, msg.EditDate,
	); err != nil {
		return fmt.Errorf("persist message: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist message: commit: %w", err)
	}
	s.lastMessages.Add(string(groupID), msg)
	return nil
}

// LastMessage returns the most recently persisted message for groupID,
// serving from the short-lived cache before falling back to the
// timestamp index.
func (s *GroupMessageStore) LastMessage(groupID []byte) (grouphandler.TextMessage, bool, error) {
	if msg, ok := s.lastMessages.Get(string(groupID)); ok {
		return msg, true, nil
	}

	row := s.db.QueryRow(
		`SELECT message_id, sender_id, content, media_name, timestamp, reply_to, expires, edit_date
		 FROM group_messages WHERE group_id = ? ORDER BY timestamp DESC LIMIT 1`, string(groupID))

	var msg grouphandler.TextMessage
	var content, mediaName string
	if err := row.Scan(&msg.MessageID, &msg.SenderID, &content, &mediaName, &msg.Date, &msg.ReplyID, &msg.Expires, &msg.EditDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grouphandler.TextMessage{}, false, nil
		}
		return grouphandler.TextMessage{}, false, fmt.Errorf("last message: %w", err)
	}
	msg.GroupID = groupID
	msg.Text = []byte(content)
	msg.MediaName = []byte(mediaName)
	s.lastMessages.Add(string(groupID), msg)
	return msg, true, nil
}

// Messages returns up to limit messages from groupID, most recent
// first, for scrollback.
func (s *GroupMessageStore) Messages(groupID []byte, limit int) ([]grouphandler.TextMessage, error) {
	rows, err := s.db.Query(
		`SELECT message_id, sender_id, content, media_name, timestamp, reply_to, expires, edit_date
		 FROM group_messages WHERE group_id = ? ORDER BY timestamp DESC LIMIT ?`, string(groupID), limit)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()

	var out []grouphandler.TextMessage
	for rows.Next() {
		var msg grouphandler.TextMessage
		var content, mediaName string
		if err := rows.Scan(&msg.MessageID, &msg.SenderID, &content, &mediaName, &msg.Date, &msg.ReplyID, &msg.Expires, &msg.EditDate); err != nil {
			return nil, fmt.Errorf("messages: scan: %w", err)
		}
		msg.GroupID = groupID
		msg.Text = []byte(content)
		msg.MediaName = []byte(mediaName)
		out = append(out, msg)
	}
	return out, rows.Err()
}

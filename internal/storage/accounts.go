package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/shipcore/groupcore/internal/identity"
)

// ErrAccountNotFound is returned when no row matches the requested key.
var ErrAccountNotFound = errors.New("storage: account not found")

// Account is one locally known identity: the account-level credential
// plus the long-term signing key the local client holds for it.
type Account struct {
	Username   string
	Credential identity.AccountCredential
	SigningKey []byte
	CreatedAt  int64
}

// AccountStore persists every account this client has ever logged in
// as, in accounts.db.
type AccountStore struct {
	db *sql.DB
}

// OpenAccountStore opens (creating if absent) the shared accounts.db at
// path.
func OpenAccountStore(path string) (*AccountStore, error) {
	db, err := openMigrated(path, "accounts")
	if err != nil {
		return nil, err
	}
	return &AccountStore{db: db}, nil
}

func (s *AccountStore) Close() error { return s.db.Close() }

// Put inserts or replaces the account keyed by its user id.
func (s *AccountStore) Put(a Account) error {
	_, err := s.db.Exec(
		`INSERT INTO accounts (user_id, username, public_address, public_key, server_certificate, signing_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			username = excluded.username,
			public_address = excluded.public_address,
			public_key = excluded.public_key,
			server_certificate = excluded.server_certificate,
			signing_key = excluded.signing_key`,
		a.Credential.AccountID.UserID,
		a.Username,
		a.Credential.AccountID.PublicAddress,
		a.Credential.PublicKey,
		a.Credential.ServerCertificate,
		a.SigningKey,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// ByUserID looks up an account by its numeric id.
func (s *AccountStore) ByUserID(userID uint64) (Account, error) {
	return s.scanOne(s.db.QueryRow(
		`SELECT username, user_id, public_address, public_key, server_certificate, signing_key, created_at
		 FROM accounts WHERE user_id = ?`, userID))
}

// ByUsername looks up an account by its unique username.
func (s *AccountStore) ByUsername(username string) (Account, error) {
	return s.scanOne(s.db.QueryRow(
		`SELECT username, user_id, public_address, public_key, server_certificate, signing_key, created_at
		 FROM accounts WHERE username = ?`, username))
}

func (s *AccountStore) scanOne(row *sql.Row) (Account, error) {
	var a Account
	var userID uint64
	var publicAddress string
	if err := row.Scan(&a.Username, &userID, &publicAddress, &a.Credential.PublicKey, &a.Credential.ServerCertificate, &a.SigningKey, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.Credential.AccountID = identity.AccountID{UserID: userID, PublicAddress: publicAddress}
	return a, nil
}

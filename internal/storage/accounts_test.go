package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/shipcore/groupcore/internal/identity"
)

func openTestAccountStore(t *testing.T) *AccountStore {
	t.Helper()
	s, err := OpenAccountStore(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("OpenAccountStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountStorePutAndGetByUserID(t *testing.T) {
	s := openTestAccountStore(t)
	a := Account{
		Username: "alice",
		Credential: identity.AccountCredential{
			AccountID: identity.AccountID{UserID: 1, PublicAddress: "alice@example.test"},
			PublicKey: []byte("pubkey"),
		},
		SigningKey: []byte("signing-key"),
		CreatedAt:  100,
	}
	if err := s.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.ByUserID(1)
	if err != nil {
		t.Fatalf("ByUserID: %v", err)
	}
	if got.Username != "alice" || string(got.SigningKey) != "signing-key" {
		t.Errorf("ByUserID = %+v, want username=alice signing_key=signing-key", got)
	}
	if got.Credential.AccountID.PublicAddress != "alice@example.test" {
		t.Errorf("PublicAddress = %q, want alice@example.test", got.Credential.AccountID.PublicAddress)
	}
}

func TestAccountStoreByUsername(t *testing.T) {
	s := openTestAccountStore(t)
	a := Account{
		Username:   "bob",
		Credential: identity.AccountCredential{AccountID: identity.AccountID{UserID: 2, PublicAddress: "bob@example.test"}},
	}
	if err := s.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.ByUsername("bob")
	if err != nil {
		t.Fatalf("ByUsername: %v", err)
	}
	if got.Credential.AccountID.UserID != 2 {
		t.Errorf("UserID = %d, want 2", got.Credential.AccountID.UserID)
	}
}

func TestAccountStoreByUserIDNotFound(t *testing.T) {
	s := openTestAccountStore(t)
	if _, err := s.ByUserID(999); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("ByUserID(999) err = %v, want ErrAccountNotFound", err)
	}
}

func TestAccountStorePutReplacesExisting(t *testing.T) {
	s := openTestAccountStore(t)
	cred := identity.AccountCredential{AccountID: identity.AccountID{UserID: 1, PublicAddress: "alice@example.test"}}
	if err := s.Put(Account{Username: "alice", Credential: cred}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(Account{Username: "alice2", Credential: cred}); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, err := s.ByUserID(1)
	if err != nil {
		t.Fatalf("ByUserID: %v", err)
	}
	if got.Username != "alice2" {
		t.Errorf("Username = %q, want alice2", got.Username)
	}
}

package storage

import (
	"path/filepath"
	"testing"

	"github.com/shipcore/groupcore/internal/identity"
)

func openTestContactStore(t *testing.T) *ContactStore {
	t.Helper()
	s, err := OpenContactStore(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("OpenContactStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContactStorePutAndGet(t *testing.T) {
	s := openTestContactStore(t)
	cred := identity.AccountCredential{
		AccountID: identity.AccountID{UserID: 42, PublicAddress: "carol@example.test"},
		PublicKey: []byte("carol-pubkey"),
	}
	if err := s.Put(cred); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(42)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.AccountID.PublicAddress != "carol@example.test" || string(got.PublicKey) != "carol-pubkey" {
		t.Errorf("Get = %+v, want public_address=carol@example.test public_key=carol-pubkey", got)
	}
}

func TestContactStoreGetMissingReturnsFalse(t *testing.T) {
	s := openTestContactStore(t)
	_, ok, err := s.Get(999)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Errorf("Get(999) ok = true, want false")
	}
}

func TestContactStoreGetServesFromCacheWithoutDB(t *testing.T) {
	s := openTestContactStore(t)
	cred := identity.AccountCredential{AccountID: identity.AccountID{UserID: 1, PublicAddress: "a"}}
	if err := s.Put(cred); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.db.Close()

	got, ok, err := s.Get(1)
	if err != nil || !ok {
		t.Fatalf("Get after closing db: ok=%v err=%v", ok, err)
	}
	if got.AccountID.UserID != 1 {
		t.Errorf("Get = %+v, want user_id=1", got)
	}
}

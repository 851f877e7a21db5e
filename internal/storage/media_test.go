package storage

import (
	"path/filepath"
	"testing"
)

func openTestMediaStore(t *testing.T) *MediaStore {
	t.Helper()
	s, err := OpenMediaStore(filepath.Join(t.TempDir(), "group.db"))
	if err != nil {
		t.Fatalf("OpenMediaStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMediaStorePutGetRoundTrip(t *testing.T) {
	s := openTestMediaStore(t)
	data := []byte("attachment bytes")

	id, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != MediaID(data) {
		t.Errorf("Put id = %q, want %q", id, MediaID(data))
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestMediaStoreExistsReflectsStorage(t *testing.T) {
	s := openTestMediaStore(t)
	missingID := MediaID([]byte("never stored"))

	ok, err := s.Exists(missingID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Errorf("Exists(%q) = true, want false", missingID)
	}

	data := []byte("stored bytes")
	id, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = s.Exists(id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Errorf("Exists(%q) = false, want true", id)
	}
}

func TestMediaStoreGetMissingReturnsError(t *testing.T) {
	s := openTestMediaStore(t)
	if _, err := s.Get(MediaID([]byte("absent"))); err == nil {
		t.Fatal("Get on missing id: err = nil, want error")
	}
}

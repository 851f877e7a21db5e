package crypto

import (
	"crypto/sha256"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	p := NewProvider()
	pub, priv, err := p.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	msg := []byte("device credential tbs bytes")
	sig, err := p.Sign(priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !p.Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if p.Verify(pub, []byte("tampered"), sig) {
		t.Fatal("expected verify to fail on tampered message")
	}
}

func TestHKDFDeterministic(t *testing.T) {
	p := NewProvider()
	secret := []byte("shared-secret-32-bytes-padding!!")

	a, err := p.HKDF(secret, nil, []byte("SenderRatchetInit"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	b, err := p.HKDF(secret, nil, []byte("SenderRatchetInit"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("expected HKDF to be deterministic for identical inputs")
	}

	c, err := p.HKDF(secret, nil, []byte("MessageKeyDerivation"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if string(a) == string(c) {
		t.Fatal("expected different labels to produce different output")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	p := NewProvider()
	key, err := p.RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	nonce, err := p.RandomBytes(12)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}

	plaintext := []byte("voice frame payload")
	ciphertext, err := p.Seal(key, nonce, plaintext, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := p.Open(key, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	if _, err := p.Open(key, nonce, append([]byte{}, ciphertext[:len(ciphertext)-1]...), nil); err == nil {
		t.Fatal("expected Open to fail on truncated ciphertext")
	}
}

func TestHashIsSHA256(t *testing.T) {
	p := NewProvider()
	h := p.Hash([]byte("media bytes"))
	if h != sha256.Sum256([]byte("media bytes")) {
		t.Fatalf("Hash = %x, want SHA-256 digest", h)
	}
}

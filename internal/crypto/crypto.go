// Package crypto provides the cryptographic primitives used throughout
// groupcore: signing, key derivation, and authenticated encryption. All
// higher layers go through the Provider interface rather than calling
// crypto/* packages directly, so the suite can be swapped without touching
// identity, policy, or ratchet code.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Provider is the cipher-suite abstraction. The configured suite is
// CURVE25519_AES128: Ed25519 signatures, HKDF-SHA256 key derivation, and
// AES-128-GCM authenticated encryption.
type Provider interface {
	GenerateSigningKey() (pub, priv []byte, err error)
	Sign(priv, message []byte) ([]byte, error)
	Verify(pub, message, signature []byte) bool
	HKDF(secret, salt, info []byte, length int) ([]byte, error)
	Seal(key, nonce, plaintext, aad []byte) ([]byte, error)
	Open(key, nonce, ciphertext, aad []byte) ([]byte, error)
	Hash(data []byte) [32]byte
	RandomBytes(n int) ([]byte, error)
}

// Curve25519AES128Provider implements Provider using Ed25519 signatures and
// AES-128-GCM, matching the CURVE25519_AES128 cipher suite.
type Curve25519AES128Provider struct{}

// NewProvider returns the default cipher-suite provider.
func NewProvider() Provider {
	return Curve25519AES128Provider{}
}

func (Curve25519AES128Provider) GenerateSigningKey() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	return []byte(pub), []byte(priv), nil
}

func (Curve25519AES128Provider) Sign(priv, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: invalid private key size %d", len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), message), nil
}

func (Curve25519AES128Provider) Verify(pub, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, signature)
}

func (Curve25519AES128Provider) HKDF(secret, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

func (Curve25519AES128Provider) Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (Curve25519AES128Provider) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

func (Curve25519AES128Provider) Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func (Curve25519AES128Provider) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("random bytes: %w", err)
	}
	return buf, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

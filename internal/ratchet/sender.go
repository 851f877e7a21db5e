package ratchet

import (
	"fmt"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/metrics"
)

// SenderRatchet holds this device's single current-epoch sending chain.
// Encrypt advances the chain by one generation per call; UpdateEpoch
// replaces the whole chain when the group's MLS epoch moves forward.
type SenderRatchet struct {
	crypto       crypto.Provider
	currentEpoch uint32
	keys         epochKeys
	publicKey    []byte
	userID       uint64
}

// NewSenderRatchet seeds a sender ratchet from the freshly MLS-exported
// shared secret for the given group epoch.
func NewSenderRatchet(cp crypto.Provider, sharedSecret []byte, publicKey []byte, userID uint64, groupEpoch uint64) (*SenderRatchet, error) {
	keys, err := deriveInitialKeys(cp, sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("new sender ratchet: %w", err)
	}
	return &SenderRatchet{
		crypto:       cp,
		currentEpoch: uint32(groupEpoch),
		keys:         keys,
		publicKey:    publicKey,
		userID:       userID,
	}, nil
}

// UpdateEpoch replaces the sending chain with one rooted on new_secret,
// resetting the generation counter to zero. Called whenever the MLS
// group epoch advances.
func (s *SenderRatchet) UpdateEpoch(sharedSecret []byte, groupEpoch uint64) error {
	keys, err := deriveInitialKeys(s.crypto, sharedSecret)
	if err != nil {
		return fmt.Errorf("update sender epoch: %w", err)
	}
	s.currentEpoch = uint32(groupEpoch)
	s.keys = keys
	return nil
}

// Encrypt derives the next message key, advances the chain, and returns
// the frame to put on the voice stream. The frame's Generation field is
// the chain's generation as it stood before this call, not after.
func (s *SenderRatchet) Encrypt(plaintext []byte) (Frame, error) {
	generation := s.keys.generation
	newChainKey, messageKey, err := advance(s.crypto, s.keys.rootKey, s.keys.chainKey)
	if err != nil {
		return Frame{}, err
	}
	s.keys.chainKey = newChainKey
	s.keys.generation++

	nonceBytes, err := s.crypto.RandomBytes(NonceSize)
	if err != nil {
		return Frame{}, fmt.Errorf("sample ratchet nonce: %w", err)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)

	ciphertext, err := s.crypto.Seal(messageKey, nonceBytes, plaintext, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("seal ratchet frame: %w", err)
	}

	metrics.RatchetFramesEncryptedTotal.Inc()
	return Frame{
		SenderPublicKey: s.publicKey,
		SenderID:        s.userID,
		Epoch:           s.currentEpoch,
		Generation:      generation,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

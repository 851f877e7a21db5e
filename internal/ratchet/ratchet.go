// Package ratchet implements the per-voice-channel symmetric key
// schedule layered on top of a group's MLS-exported secrets: one
// SenderRatchet per local device, one ReceiverRatchet per remote
// participant, coordinated by GroupRatchetManager across MLS epoch
// transitions.
package ratchet

import (
	"errors"
	"fmt"

	"github.com/shipcore/groupcore/internal/crypto"
)

const (
	// AESKeySize is the AES-128 key length used for both root/chain keys
	// and message keys.
	AESKeySize = 16
	// NonceSize is the AES-GCM nonce length, sampled fresh per frame.
	NonceSize = 12
	// MaxSkip bounds how far ahead of the current generation a receiver
	// will derive intermediate keys for, per epoch.
	MaxSkip = 1000
	// DefaultMaxEpochs bounds how many of a receiver's past epochs stay
	// installed before the oldest is evicted.
	DefaultMaxEpochs = 5

	senderRatchetInitLabel  = "SenderRatchetInit"
	messageKeyDerivationLbl = "MessageKeyDerivation"

	// ExportSecretLabel is the MLS export_secret label used to derive a
	// fresh ratchet seed for a member on every epoch transition.
	ExportSecretLabel = "SHIP Voice Channel"
	// ExportSecretLength is the length requested from export_secret.
	ExportSecretLength = 16
)

var (
	ErrInvalidFormat          = errors.New("ratchet: invalid frame format")
	ErrTooManySkippedMessages = errors.New("ratchet: too many skipped messages")
	ErrEpochNotFound          = errors.New("ratchet: epoch not found")
	ErrMissingSharedSecret    = errors.New("ratchet: missing shared secret for new participant")
	ErrSenderMismatch         = errors.New("ratchet: frame sender public key or id does not match")
)

// epochKeys is one epoch's ratchet chain state: the root key (fixed for
// the epoch) and the running chain key, plus every message key skipped
// past so far, so an out-of-order frame can still be decrypted.
type epochKeys struct {
	rootKey     []byte
	chainKey    []byte
	generation  uint32
	skippedKeys map[uint32][]byte
}

func deriveInitialKeys(cp crypto.Provider, sharedSecret []byte) (epochKeys, error) {
	derived, err := cp.HKDF(sharedSecret, nil, []byte(senderRatchetInitLabel), AESKeySize*2)
	if err != nil {
		return epochKeys{}, fmt.Errorf("derive initial ratchet keys: %w", err)
	}
	return epochKeys{
		rootKey:     derived[:AESKeySize],
		chainKey:    derived[AESKeySize:],
		generation:  0,
		skippedKeys: make(map[uint32][]byte),
	}, nil
}

// advance derives the next (chain_key, message_key) pair from the
// current chain_key, rooted on root_key, and advances the generation
// counter by one. It does not mutate ek's own fields — the caller
// decides whether and when to commit the advance, which is what lets
// ReceiverRatchet.Decrypt stage keys without poisoning state on AEAD
// failure.
func advance(cp crypto.Provider, rootKey, chainKey []byte) (newChainKey, messageKey []byte, err error) {
	out, err := cp.HKDF(chainKey, rootKey, []byte(messageKeyDerivationLbl), AESKeySize*2)
	if err != nil {
		return nil, nil, fmt.Errorf("advance ratchet chain: %w", err)
	}
	return out[:AESKeySize], out[AESKeySize:], nil
}

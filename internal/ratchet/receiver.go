package ratchet

import (
	"bytes"
	"fmt"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/metrics"
)

// ReceiverRatchet decrypts frames from one remote sender, keeping one
// epochKeys chain per epoch still within the retention window plus a
// cache of raw epoch secrets so a jump to a not-yet-installed epoch can
// be derived lazily on first use.
type ReceiverRatchet struct {
	crypto            crypto.Provider
	currentEpoch      uint32
	epochKeys         map[uint32]*epochKeys
	epochSecrets      map[uint32][]byte
	senderPublicKey   []byte
	senderID          uint64
	maxPreviousEpochs int
}

// NewReceiverRatchet seeds a receiver ratchet for one remote sender from
// their exported shared secret at the given group epoch.
func NewReceiverRatchet(cp crypto.Provider, sharedSecret []byte, senderPublicKey []byte, senderID uint64, groupEpoch uint64) (*ReceiverRatchet, error) {
	keys, err := deriveInitialKeys(cp, sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("new receiver ratchet: %w", err)
	}
	epoch := uint32(groupEpoch)
	r := &ReceiverRatchet{
		crypto:            cp,
		currentEpoch:      epoch,
		epochKeys:         map[uint32]*epochKeys{epoch: &keys},
		epochSecrets:      map[uint32][]byte{epoch: sharedSecret},
		senderPublicKey:   senderPublicKey,
		senderID:          senderID,
		maxPreviousEpochs: DefaultMaxEpochs,
	}
	return r, nil
}

// CurrentEpoch returns the highest epoch this receiver has installed.
func (r *ReceiverRatchet) CurrentEpoch() uint32 { return r.currentEpoch }

// AddEpochSecret records the shared secret for an epoch without
// necessarily installing its derived chain yet; installation happens
// lazily the first time a frame for that epoch needs decrypting.
func (r *ReceiverRatchet) AddEpochSecret(epoch uint32, secret []byte) {
	r.epochSecrets[epoch] = secret
}

// installEpoch derives and installs the chain for a not-yet-seen epoch
// from its recorded secret, evicting the oldest retained epoch once the
// retention window is exceeded.
func (r *ReceiverRatchet) installEpoch(epoch uint32, secret []byte) error {
	if _, ok := r.epochKeys[epoch]; ok {
		r.epochSecrets[epoch] = secret
		return nil
	}
	r.epochSecrets[epoch] = secret

	if len(r.epochKeys) >= r.maxPreviousEpochs {
		var minEpoch uint32
		first := true
		for e := range r.epochKeys {
			if first || e < minEpoch {
				minEpoch = e
				first = false
			}
		}
		if epoch > minEpoch+uint32(r.maxPreviousEpochs) {
			delete(r.epochKeys, minEpoch)
			delete(r.epochSecrets, minEpoch)
		}
	}

	keys, err := deriveInitialKeys(r.crypto, secret)
	if err != nil {
		return fmt.Errorf("install receiver epoch %d: %w", epoch, err)
	}
	r.epochKeys[epoch] = &keys
	if epoch > r.currentEpoch {
		r.currentEpoch = epoch
	}
	return nil
}

// stagedKey is a message key derived in service of one decrypt attempt,
// together with what committing it would mean for the epoch's chain
// state. Decrypt only calls commit after the AEAD open succeeds, so a
// bad frame never mutates generation or skipped_keys — a deliberate
// divergence from the reference implementation, which advances chain
// state before attempting to decrypt and so can desynchronize a
// receiver on a single corrupted or truncated frame.
type stagedKey struct {
	messageKey []byte
	commit     func(ek *epochKeys)
}

// deriveMessageKey stages (without committing) the message key for
// (epoch, targetGeneration), mirroring receiver.rs's derive_message_key
// but deferring every mutation to the returned stagedKey.commit.
func (r *ReceiverRatchet) deriveMessageKey(epoch uint32, targetGeneration uint32) (stagedKey, error) {
	ek, ok := r.epochKeys[epoch]
	if !ok {
		return stagedKey{}, ErrEpochNotFound
	}

	if targetGeneration < ek.generation {
		key, ok := ek.skippedKeys[targetGeneration]
		if !ok {
			return stagedKey{}, fmt.Errorf("ratchet: message key for generation %d not available", targetGeneration)
		}
		return stagedKey{
			messageKey: key,
			commit: func(ek *epochKeys) {
				delete(ek.skippedKeys, targetGeneration)
			},
		}, nil
	}

	if targetGeneration-ek.generation > MaxSkip {
		return stagedKey{}, ErrTooManySkippedMessages
	}

	// Walk the chain forward from the current generation up to and
	// including targetGeneration, staging every intermediate key for
	// skipped_keys and the final one as the message key to return.
	rootKey := ek.rootKey
	chainKey := ek.chainKey
	generation := ek.generation
	skipped := make(map[uint32][]byte)

	var messageKey []byte
	for generation <= targetGeneration {
		newChainKey, key, err := advance(r.crypto, rootKey, chainKey)
		if err != nil {
			return stagedKey{}, fmt.Errorf("derive message key: %w", err)
		}
		chainKey = newChainKey
		if generation == targetGeneration {
			messageKey = key
		} else {
			skipped[generation] = key
		}
		generation++
	}

	finalChainKey := chainKey
	finalGeneration := generation
	return stagedKey{
		messageKey: messageKey,
		commit: func(ek *epochKeys) {
			ek.chainKey = finalChainKey
			ek.generation = finalGeneration
			for gen, key := range skipped {
				ek.skippedKeys[gen] = key
			}
		},
	}, nil
}

// Decrypt parses, validates, and opens a RatchetFrame. It never advances
// a chain's generation or skipped keys unless the AEAD open succeeds; a
// frame for an epoch whose secret is recorded but not yet installed does
// install that epoch (possibly evicting the oldest) before the open is
// attempted.
func (r *ReceiverRatchet) Decrypt(data []byte) ([]byte, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(frame.SenderPublicKey, r.senderPublicKey) {
		return nil, fmt.Errorf("%w: public key", ErrSenderMismatch)
	}
	if frame.SenderID != r.senderID {
		return nil, fmt.Errorf("%w: sender id", ErrSenderMismatch)
	}

	if _, ok := r.epochKeys[frame.Epoch]; !ok {
		secret, ok := r.epochSecrets[frame.Epoch]
		if !ok {
			return nil, ErrEpochNotFound
		}
		if err := r.installEpoch(frame.Epoch, secret); err != nil {
			return nil, err
		}
	}

	staged, err := r.deriveMessageKey(frame.Epoch, frame.Generation)
	if err != nil {
		metrics.RatchetDecryptFailuresTotal.Inc()
		return nil, err
	}

	plaintext, err := r.crypto.Open(staged.messageKey, frame.Nonce[:], frame.Ciphertext, nil)
	if err != nil {
		metrics.RatchetDecryptFailuresTotal.Inc()
		return nil, fmt.Errorf("ratchet decrypt: %w", err)
	}

	staged.commit(r.epochKeys[frame.Epoch])
	metrics.RatchetFramesDecryptedTotal.Inc()
	return plaintext, nil
}

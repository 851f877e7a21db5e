package grouphandler

import (
	"fmt"

	"github.com/shipcore/groupcore/internal/wire"
)

// ApplicationEnvelope is the bytes carried as a GroupMessage's message
// payload for an application (non-commit) send: the epoch and sender
// the ciphertext was sealed under, plus the AEAD nonce, so the receiver
// can call Group.OpenApplicationMessage without out-of-band context.
// Commits travel as mlsadapter.Group.EncodeCommit output instead and
// are distinguished by the delivery layer's own isCommit flag.
type ApplicationEnvelope struct {
	SenderUserID uint64
	Epoch        uint64
	Nonce        []byte
	Ciphertext   []byte
}

// EncodeApplicationEnvelope serializes e for the wire.
func EncodeApplicationEnvelope(e ApplicationEnvelope) []byte {
	w := wire.NewWriter()
	w.PutUint64(e.SenderUserID)
	w.PutUint64(e.Epoch)
	w.PutBytes(e.Nonce)
	w.PutBytes(e.Ciphertext)
	return w.Bytes()
}

// DecodeApplicationEnvelope parses the bytes EncodeApplicationEnvelope
// produced.
func DecodeApplicationEnvelope(data []byte) (ApplicationEnvelope, error) {
	r := wire.NewReader(data)
	senderUserID, err := r.Uint64()
	if err != nil {
		return ApplicationEnvelope{}, fmt.Errorf("decode sender_user_id: %w", err)
	}
	epoch, err := r.Uint64()
	if err != nil {
		return ApplicationEnvelope{}, fmt.Errorf("decode epoch: %w", err)
	}
	nonce, err := r.Bytes()
	if err != nil {
		return ApplicationEnvelope{}, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := r.Bytes()
	if err != nil {
		return ApplicationEnvelope{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	return ApplicationEnvelope{SenderUserID: senderUserID, Epoch: epoch, Nonce: nonce, Ciphertext: ciphertext}, nil
}

package ratchet

import (
	"encoding/binary"
	"fmt"
)

// Frame is the decoded form of the on-wire RatchetFrame layout:
// [pub_key_len (4B LE)][pub_key][sender_id (8B LE)][epoch (4B LE)]
// [generation (4B LE)][nonce (12B)][AEAD ciphertext]. The layout is
// bit-exact; encode/decode never reorder or pad fields.
type Frame struct {
	SenderPublicKey []byte
	SenderID        uint64
	Epoch           uint32
	Generation      uint32
	Nonce           [NonceSize]byte
	Ciphertext      []byte
}

// Encode serializes f in the pinned wire order.
func (f Frame) Encode() []byte {
	buf := make([]byte, 0, 4+len(f.SenderPublicKey)+8+4+4+NonceSize+len(f.Ciphertext))

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f.SenderPublicKey)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, f.SenderPublicKey...)

	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], f.SenderID)
	buf = append(buf, idBuf[:]...)

	var epochBuf [4]byte
	binary.LittleEndian.PutUint32(epochBuf[:], f.Epoch)
	buf = append(buf, epochBuf[:]...)

	var genBuf [4]byte
	binary.LittleEndian.PutUint32(genBuf[:], f.Generation)
	buf = append(buf, genBuf[:]...)

	buf = append(buf, f.Nonce[:]...)
	buf = append(buf, f.Ciphertext...)
	return buf
}

// DecodeFrame parses the wire layout, checking the minimum length at
// every field boundary before reading past it.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < 4 {
		return Frame{}, ErrInvalidFormat
	}
	keyLen := int(binary.LittleEndian.Uint32(data[0:4]))

	minLen := 4 + keyLen + 8 + 4 + 4 + NonceSize
	if len(data) < minLen {
		return Frame{}, frameTooShort(len(data), minLen)
	}

	offset := 4
	pubKey := append([]byte(nil), data[offset:offset+keyLen]...)
	offset += keyLen

	senderID := binary.LittleEndian.Uint64(data[offset : offset+8])
	offset += 8

	epoch := binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4

	generation := binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4

	var nonce [NonceSize]byte
	copy(nonce[:], data[offset:offset+NonceSize])
	offset += NonceSize

	ciphertext := append([]byte(nil), data[offset:]...)

	return Frame{
		SenderPublicKey: pubKey,
		SenderID:        senderID,
		Epoch:           epoch,
		Generation:      generation,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

func frameTooShort(got, want int) error {
	return fmt.Errorf("%w: have %d bytes, need at least %d", ErrInvalidFormat, got, want)
}

// Package voiceframe implements the codec-aware split/merge used to
// encrypt voice media frames before they hit the Group Ratchet Manager.
// For VP8, only the payload suffix is encrypted so a downstream jitter
// buffer or SFU can still read frame boundaries and key-frame flags
// from the plaintext header; every other codec is encrypted end to end.
package voiceframe

import "errors"

// ErrEmptyFrame is returned when a codec-aware split is attempted on an
// empty frame.
var ErrEmptyFrame = errors.New("voiceframe: empty frame")

// vp8StartCode is the fixed three-byte marker that opens the uncompressed
// data chunk of a VP8 key frame, per RFC 6386 section 9.1.
var vp8StartCode = [3]byte{0x9d, 0x01, 0x2a}

// SplitVP8Header returns the length of the plaintext header at the front
// of a VP8-encoded frame: 1 byte for an inter frame (just enough to carry
// the frame tag's key-frame bit), 10 bytes for a key frame whose
// uncompressed chunk (3-byte frame tag, 3-byte start code, 4-byte
// dimensions) is fully present and well-formed, and 4 bytes for any other
// key frame (shorter than 10 bytes, or without the start code) — the
// frame tag plus one byte of slack, still leaving the rest for the AEAD
// suffix. A key frame shorter than 4 bytes is returned whole.
func SplitVP8Header(frame []byte) (int, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyFrame
	}

	keyFrame := frame[0]&0x01 == 0
	if !keyFrame {
		return 1, nil
	}

	const keyFrameHeaderLen = 10
	if len(frame) >= keyFrameHeaderLen &&
		frame[3] == vp8StartCode[0] && frame[4] == vp8StartCode[1] && frame[5] == vp8StartCode[2] {
		return keyFrameHeaderLen, nil
	}

	const fallbackHeaderLen = 4
	if len(frame) < fallbackHeaderLen {
		return len(frame), nil
	}
	return fallbackHeaderLen, nil
}

// Split divides frame into its plaintext header and the suffix that
// should be passed to the ratchet for encryption. headerLen is clamped
// to len(frame) so callers never index out of range.
func Split(frame []byte, headerLen int) (header, payload []byte) {
	if headerLen > len(frame) {
		headerLen = len(frame)
	}
	return frame[:headerLen], frame[headerLen:]
}

// Merge reassembles a frame from its plaintext header and its encrypted
// or decrypted payload suffix.
func Merge(header, payload []byte) []byte {
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

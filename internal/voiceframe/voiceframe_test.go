package voiceframe

import (
	"bytes"
	"errors"
	"testing"
)

func TestSplitVP8HeaderInterFrame(t *testing.T) {
	frame := []byte{0x01, 0xaa, 0xbb, 0xcc}
	got, err := SplitVP8Header(frame)
	if err != nil {
		t.Fatalf("SplitVP8Header: %v", err)
	}
	if got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

func TestSplitVP8HeaderKeyFrameWithStartCode(t *testing.T) {
	frame := make([]byte, 16)
	frame[0] = 0x10 // key_frame bit clear
	frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
	got, err := SplitVP8Header(frame)
	if err != nil {
		t.Fatalf("SplitVP8Header: %v", err)
	}
	if got != 10 {
		t.Errorf("got %d, want 10", got)
	}
}

func TestSplitVP8HeaderKeyFrameWithoutStartCode(t *testing.T) {
	frame := make([]byte, 16)
	frame[0] = 0x10
	frame[3], frame[4], frame[5] = 0x00, 0x00, 0x00
	got, err := SplitVP8Header(frame)
	if err != nil {
		t.Fatalf("SplitVP8Header: %v", err)
	}
	if got != 4 {
		t.Errorf("got %d, want 4", got)
	}
}

func TestSplitVP8HeaderEmptyFrame(t *testing.T) {
	if _, err := SplitVP8Header(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("got %v, want ErrEmptyFrame", err)
	}
}

func TestSplitMergeRoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	header, payload := Split(frame, 2)
	merged := Merge(header, payload)
	if !bytes.Equal(merged, frame) {
		t.Errorf("merged = %v, want %v", merged, frame)
	}
}

type fakeSealer struct {
	encryptCalls [][]byte
	decryptCalls [][]byte
}

func (f *fakeSealer) Encrypt(plaintext []byte) ([]byte, error) {
	f.encryptCalls = append(f.encryptCalls, plaintext)
	out := append([]byte{0xEE}, plaintext...)
	return out, nil
}

func (f *fakeSealer) Decrypt(data []byte) ([]byte, error) {
	f.decryptCalls = append(f.decryptCalls, data)
	return data[1:], nil
}

func TestEncryptFrameVP8LeavesHeaderPlain(t *testing.T) {
	sealer := &fakeSealer{}
	frame := make([]byte, 16)
	frame[0] = 0x10
	frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
	for i := 10; i < len(frame); i++ {
		frame[i] = byte(i)
	}

	out, err := EncryptFrame(sealer, CodecVP8, frame)
	if err != nil {
		t.Fatalf("EncryptFrame: %v", err)
	}
	if !bytes.Equal(out[:10], frame[:10]) {
		t.Errorf("header not preserved: got %v, want %v", out[:10], frame[:10])
	}
	if len(sealer.encryptCalls) != 1 || !bytes.Equal(sealer.encryptCalls[0], frame[10:]) {
		t.Errorf("expected encrypt to be called with payload suffix only")
	}
}

func TestEncryptDecryptFrameVP8RoundTrip(t *testing.T) {
	sealer := &fakeSealer{}
	frame := make([]byte, 16)
	frame[0] = 0x10
	frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
	for i := 10; i < len(frame); i++ {
		frame[i] = byte(i)
	}

	encrypted, err := EncryptFrame(sealer, CodecVP8, frame)
	if err != nil {
		t.Fatalf("EncryptFrame: %v", err)
	}
	decrypted, err := DecryptFrame(sealer, CodecVP8, encrypted)
	if err != nil {
		t.Fatalf("DecryptFrame: %v", err)
	}
	if !bytes.Equal(decrypted, frame) {
		t.Errorf("decrypted = %v, want %v", decrypted, frame)
	}
}

func TestEncryptFrameOpusEncryptsWholeFrame(t *testing.T) {
	sealer := &fakeSealer{}
	frame := []byte{0x01, 0x02, 0x03}
	out, err := EncryptFrame(sealer, CodecOpus, frame)
	if err != nil {
		t.Fatalf("EncryptFrame: %v", err)
	}
	if len(sealer.encryptCalls) != 1 || !bytes.Equal(sealer.encryptCalls[0], frame) {
		t.Errorf("expected whole frame to be passed to Encrypt")
	}
	if out[0] != 0xEE {
		t.Errorf("unexpected output marker")
	}
}

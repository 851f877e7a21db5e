package identity

import (
	"errors"
	"testing"

	"github.com/shipcore/groupcore/internal/crypto"
)

type fakeRoster struct {
	accounts []AccountCredential
}

func (f fakeRoster) Accounts() []AccountCredential { return f.accounts }

func newTestDevice(t *testing.T, userID uint64) (DeviceCredential, []byte, []byte) {
	t.Helper()
	p := crypto.NewProvider()
	userPub, userPriv, err := p.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	devicePub, _, err := p.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	cred, err := SignDeviceCredential(p, userID, "device-1", userPub, userPriv, devicePub)
	if err != nil {
		t.Fatalf("SignDeviceCredential: %v", err)
	}
	return cred, userPub, userPriv
}

func TestDeviceCredentialEncodeDecodeRoundTrip(t *testing.T) {
	cred, _, _ := newTestDevice(t, 42)

	encoded := cred.Encode()
	decoded, err := DecodeDeviceCredential(encoded)
	if err != nil {
		t.Fatalf("DecodeDeviceCredential: %v", err)
	}
	if decoded.DeviceID != cred.DeviceID {
		t.Fatalf("got device id %+v, want %+v", decoded.DeviceID, cred.DeviceID)
	}

	p := crypto.NewProvider()
	if err := decoded.Verify(p); err != nil {
		t.Fatalf("expected decoded credential to verify: %v", err)
	}
}

func TestValidateMemberAcceptsRosterMember(t *testing.T) {
	p := crypto.NewProvider()
	cred, userPub, _ := newTestDevice(t, 7)
	roster := fakeRoster{accounts: []AccountCredential{
		{AccountID: AccountID{UserID: 7, PublicAddress: "7@example"}, PublicKey: userPub},
	}}

	provider := NewProvider(p)
	got, err := provider.ValidateMember(CredentialTypeV1, cred.Encode(), roster)
	if err != nil {
		t.Fatalf("ValidateMember: %v", err)
	}
	if got.DeviceID.UserID != 7 {
		t.Fatalf("got user id %d, want 7", got.DeviceID.UserID)
	}
}

func TestValidateMemberRejectsMissingRosterEntry(t *testing.T) {
	p := crypto.NewProvider()
	cred, _, _ := newTestDevice(t, 7)
	roster := fakeRoster{}

	provider := NewProvider(p)
	_, err := provider.ValidateMember(CredentialTypeV1, cred.Encode(), roster)
	if !errors.Is(err, ErrUserNotInRoster) {
		t.Fatalf("got err %v, want ErrUserNotInRoster", err)
	}
}

func TestValidateMemberRejectsWrongCredentialType(t *testing.T) {
	p := crypto.NewProvider()
	cred, _, _ := newTestDevice(t, 7)
	provider := NewProvider(p)
	_, err := provider.ValidateMember(99, cred.Encode(), fakeRoster{})
	if !errors.Is(err, ErrCredentialMismatch) {
		t.Fatalf("got err %v, want ErrCredentialMismatch", err)
	}
}

func TestValidateMemberRejectsTamperedSignature(t *testing.T) {
	p := crypto.NewProvider()
	cred, userPub, _ := newTestDevice(t, 7)
	cred.Signature[0] ^= 0xFF
	roster := fakeRoster{accounts: []AccountCredential{
		{AccountID: AccountID{UserID: 7}, PublicKey: userPub},
	}}

	provider := NewProvider(p)
	_, err := provider.ValidateMember(CredentialTypeV1, cred.Encode(), roster)
	if !errors.Is(err, ErrCryptoVerification) {
		t.Fatalf("got err %v, want ErrCryptoVerification", err)
	}
}

func TestAccountCredentialEncodeDecodeRoundTrip(t *testing.T) {
	ac := AccountCredential{
		AccountID:         AccountID{UserID: 99, PublicAddress: "99@example.org"},
		PublicKey:         []byte{1, 2, 3, 4},
		ServerCertificate: []byte{9, 9, 9},
	}
	decoded, err := DecodeAccountCredential(ac.Encode())
	if err != nil {
		t.Fatalf("DecodeAccountCredential: %v", err)
	}
	if decoded.AccountID != ac.AccountID {
		t.Fatalf("got %+v, want %+v", decoded.AccountID, ac.AccountID)
	}
}

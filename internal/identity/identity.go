// Package identity implements the account and device credential types and
// the custom MLS identity provider that binds device-level group
// membership to account-level identity. A device is only considered a
// valid group member if its DeviceCredential carries a signature, made by
// the owning account's long-term key, and that account appears in the
// group roster.
package identity

import (
	"errors"
	"fmt"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/wire"
)

// CredentialTypeV1 is the custom MLS CredentialType id for DeviceCredential.
const CredentialTypeV1 = 65002

var (
	ErrCredentialMismatch = errors.New("identity: credential type mismatch")
	ErrUserNotInRoster    = errors.New("identity: account not present in roster")
	ErrCryptoVerification = errors.New("identity: signature verification failed")
)

// AccountID names an account by its user id and the server-qualified
// address it was registered under.
type AccountID struct {
	UserID        uint64
	PublicAddress string
}

// AccountCredential is the account-level identity: a signature public key
// pinned by the server at registration time, plus any server-issued
// certificate bytes. It is immutable once minted.
type AccountCredential struct {
	AccountID         AccountID
	PublicKey         []byte
	ServerCertificate []byte
}

// Encode produces the deterministic binary form used both on the wire and
// as roster entries inside RosterExtension.
func (a AccountCredential) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint64(a.AccountID.UserID)
	w.PutBytes([]byte(a.AccountID.PublicAddress))
	w.PutBytes(a.PublicKey)
	w.PutBytes(a.ServerCertificate)
	return w.Bytes()
}

// DecodeAccountCredential parses bytes produced by Encode.
func DecodeAccountCredential(data []byte) (AccountCredential, error) {
	r := wire.NewReader(data)
	userID, err := r.Uint64()
	if err != nil {
		return AccountCredential{}, fmt.Errorf("decode account credential: %w", err)
	}
	addr, err := r.Bytes()
	if err != nil {
		return AccountCredential{}, fmt.Errorf("decode account credential: %w", err)
	}
	pub, err := r.Bytes()
	if err != nil {
		return AccountCredential{}, fmt.Errorf("decode account credential: %w", err)
	}
	cert, err := r.Bytes()
	if err != nil {
		return AccountCredential{}, fmt.Errorf("decode account credential: %w", err)
	}
	return AccountCredential{
		AccountID:         AccountID{UserID: userID, PublicAddress: string(addr)},
		PublicKey:         pub,
		ServerCertificate: cert,
	}, nil
}

// DeviceID names one device belonging to a user account.
type DeviceID struct {
	UserID   uint64
	DeviceID string
}

// DeviceCredentialTBS is the to-be-signed tuple for a device credential:
// (user_id, user_public_key, device_public_key), MLS-encoded.
type DeviceCredentialTBS struct {
	UserID          uint64
	UserPublicKey   []byte
	DevicePublicKey []byte
}

func (tbs DeviceCredentialTBS) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint64(tbs.UserID)
	w.PutBytes(tbs.UserPublicKey)
	w.PutBytes(tbs.DevicePublicKey)
	return w.Bytes()
}

// DeviceCredential is the MLS leaf credential: a device's signature public
// key, the account's signature over the device's binding TBS bytes, and
// the identifying DeviceID. The CredentialType is CredentialTypeV1.
type DeviceCredential struct {
	DeviceID        DeviceID
	UserPublicKey   []byte
	DevicePublicKey []byte
	Signature       []byte
}

// CredentialType implements the custom-credential marker expected by the
// MLS adapter's credential registration.
func (DeviceCredential) CredentialType() uint16 { return CredentialTypeV1 }

// Encode produces the deterministic binary form carried as the MLS custom
// credential payload.
func (d DeviceCredential) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint64(d.DeviceID.UserID)
	w.PutBytes([]byte(d.DeviceID.DeviceID))
	w.PutBytes(d.UserPublicKey)
	w.PutBytes(d.DevicePublicKey)
	w.PutBytes(d.Signature)
	return w.Bytes()
}

// DecodeDeviceCredential parses bytes produced by Encode.
func DecodeDeviceCredential(data []byte) (DeviceCredential, error) {
	r := wire.NewReader(data)
	userID, err := r.Uint64()
	if err != nil {
		return DeviceCredential{}, fmt.Errorf("decode device credential: %w", err)
	}
	deviceID, err := r.Bytes()
	if err != nil {
		return DeviceCredential{}, fmt.Errorf("decode device credential: %w", err)
	}
	userPub, err := r.Bytes()
	if err != nil {
		return DeviceCredential{}, fmt.Errorf("decode device credential: %w", err)
	}
	devicePub, err := r.Bytes()
	if err != nil {
		return DeviceCredential{}, fmt.Errorf("decode device credential: %w", err)
	}
	sig, err := r.Bytes()
	if err != nil {
		return DeviceCredential{}, fmt.Errorf("decode device credential: %w", err)
	}
	return DeviceCredential{
		DeviceID:        DeviceID{UserID: userID, DeviceID: string(deviceID)},
		UserPublicKey:   userPub,
		DevicePublicKey: devicePub,
		Signature:       sig,
	}, nil
}

// SignDeviceCredential signs the device binding TBS with the account's
// long-term private key and returns the completed DeviceCredential.
func SignDeviceCredential(provider crypto.Provider, userID uint64, deviceIDStr string, userPub, userPriv, devicePub []byte) (DeviceCredential, error) {
	tbs := DeviceCredentialTBS{UserID: userID, UserPublicKey: userPub, DevicePublicKey: devicePub}
	sig, err := provider.Sign(userPriv, tbs.Encode())
	if err != nil {
		return DeviceCredential{}, fmt.Errorf("sign device credential: %w", err)
	}
	return DeviceCredential{
		DeviceID:        DeviceID{UserID: userID, DeviceID: deviceIDStr},
		UserPublicKey:   userPub,
		DevicePublicKey: devicePub,
		Signature:       sig,
	}, nil
}

// Verify checks the device credential's signature against its own claimed
// UserPublicKey. Roster membership of that key is checked separately by
// the identity provider, since that requires group context.
func (d DeviceCredential) Verify(provider crypto.Provider) error {
	tbs := DeviceCredentialTBS{UserID: d.DeviceID.UserID, UserPublicKey: d.UserPublicKey, DevicePublicKey: d.DevicePublicKey}
	if !provider.Verify(d.UserPublicKey, tbs.Encode(), d.Signature) {
		return ErrCryptoVerification
	}
	return nil
}

// Roster is the minimal view of RosterExtension this package needs: the
// set of account credentials currently recognized by the group.
type Roster interface {
	Accounts() []AccountCredential
}

// Provider implements the custom MLS identity provider described in
// SPEC_FULL.md §4.1. It is injected into the MLS adapter's client
// configuration.
type Provider struct {
	crypto crypto.Provider
}

// NewProvider constructs the identity provider bound to the given cipher
// suite provider.
func NewProvider(cryptoProvider crypto.Provider) *Provider {
	return &Provider{crypto: cryptoProvider}
}

// SupportedCredentialTypes returns the exactly-one type this provider
// accepts.
func (p *Provider) SupportedCredentialTypes() []uint16 {
	return []uint16{CredentialTypeV1}
}

// ValidateMember decodes a custom credential payload, verifies its
// signature, and confirms the account it claims appears in the roster.
func (p *Provider) ValidateMember(credentialType uint16, credentialData []byte, roster Roster) (DeviceCredential, error) {
	if credentialType != CredentialTypeV1 {
		return DeviceCredential{}, ErrCredentialMismatch
	}
	cred, err := DecodeDeviceCredential(credentialData)
	if err != nil {
		return DeviceCredential{}, fmt.Errorf("validate member: %w", err)
	}
	if err := cred.Verify(p.crypto); err != nil {
		return DeviceCredential{}, err
	}
	for _, acc := range roster.Accounts() {
		if acc.AccountID.UserID == cred.DeviceID.UserID && bytesEqual(acc.PublicKey, cred.UserPublicKey) {
			return cred, nil
		}
	}
	return DeviceCredential{}, ErrUserNotInRoster
}

// Identity returns the MLS-opaque stable identity used for member lookup
// and duplicate detection: the encoded DeviceID.
func (p *Provider) Identity(cred DeviceCredential) []byte {
	w := wire.NewWriter()
	w.PutUint64(cred.DeviceID.UserID)
	w.PutBytes([]byte(cred.DeviceID.DeviceID))
	return w.Bytes()
}

// ValidSuccessor always permits credential rotation.
func (p *Provider) ValidSuccessor(DeviceCredential, DeviceCredential) bool {
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

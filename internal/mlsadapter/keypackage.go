package mlsadapter

import (
	"encoding/json"
	"fmt"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/identity"
)

// KeyPackage is the published, single-use join material for one device: a
// device credential plus an ephemeral init key that the inviter uses to
// derive the new leaf's entry into the group's epoch secret chain.
type KeyPackage struct {
	Credential identity.DeviceCredential
	InitPub    []byte
}

// Encode serializes a key package for upload to or download from the
// delivery service's key-package store.
func (kp KeyPackage) Encode() ([]byte, error) {
	b, err := json.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("encode key package: %w", err)
	}
	return b, nil
}

func DecodeKeyPackage(data []byte) (KeyPackage, error) {
	var kp KeyPackage
	if err := json.Unmarshal(data, &kp); err != nil {
		return KeyPackage{}, fmt.Errorf("decode key package: %w", err)
	}
	return kp, nil
}

// Client holds one device's long-term signing identity and the identity
// provider used to validate other members' credentials. One Client is
// shared across every Group the device participates in.
type Client struct {
	Crypto     crypto.Provider
	Identity   *identity.Provider
	Credential identity.DeviceCredential
	SigPriv    []byte
}

// NewClient builds a device's MLS client state around an already-signed
// device credential. create_client (device.rs) is the Rust analogue:
// wire the crypto provider, the custom identity provider, and this
// device's long-term signing key together once at bootstrap.
func NewClient(cryptoProvider crypto.Provider, credential identity.DeviceCredential, sigPriv []byte) *Client {
	return &Client{
		Crypto:     cryptoProvider,
		Identity:   identity.NewProvider(cryptoProvider),
		Credential: credential,
		SigPriv:    sigPriv,
	}
}

// GenerateKeyPackage mints a fresh init key pair and returns the key
// package to publish plus the private init key, which the caller must
// keep (e.g. in local device storage) until it is consumed by an invite.
func (c *Client) GenerateKeyPackage() (KeyPackage, []byte, error) {
	initPriv, err := c.Crypto.RandomBytes(32)
	if err != nil {
		return KeyPackage{}, nil, fmt.Errorf("generate key package: %w", err)
	}
	sum := c.Crypto.Hash(initPriv)
	kp := KeyPackage{Credential: c.Credential, InitPub: sum[:]}
	return kp, initPriv, nil
}

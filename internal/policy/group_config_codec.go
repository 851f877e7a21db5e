package policy

import (
	"encoding/json"
	"fmt"
)

// Encode serializes the config as the opaque payload carried inside
// GroupConfigExtension / UpdateGroupConfigProposal. JSON is used rather
// than the fixed-field wire codec because GroupConfig's shape (optional
// fields, maps, growable lists) is exactly what a schema-carrying codec is
// for; the binary wire format is reserved for the fixed-layout formats
// that the spec pins bit-exactly (messages, ratchet frames).
func (c *GroupConfig) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode group config: %w", err)
	}
	return b, nil
}

func DecodeGroupConfig(data []byte) (*GroupConfig, error) {
	var c GroupConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode group config: %w", err)
	}
	return &c, nil
}

func (e GroupConfigExtension) Encode() ([]byte, error) {
	return e.Config.Encode()
}

func DecodeGroupConfigExtension(data []byte) (GroupConfigExtension, error) {
	cfg, err := DecodeGroupConfig(data)
	if err != nil {
		return GroupConfigExtension{}, err
	}
	return GroupConfigExtension{Config: cfg}, nil
}

func (p UpdateGroupConfigProposal) Encode() ([]byte, error) {
	return p.NewConfig.Encode()
}

func DecodeUpdateGroupConfigProposal(data []byte) (UpdateGroupConfigProposal, error) {
	cfg, err := DecodeGroupConfig(data)
	if err != nil {
		return UpdateGroupConfigProposal{}, err
	}
	return UpdateGroupConfigProposal{NewConfig: cfg}, nil
}

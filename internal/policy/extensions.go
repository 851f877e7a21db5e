package policy

import (
	"fmt"

	"github.com/shipcore/groupcore/internal/identity"
	"github.com/shipcore/groupcore/internal/wire"
)

// Custom MLS extension and proposal type identifiers. Extension types and
// proposal types occupy distinct MLS namespaces, so RemoveUserProposalV1
// and identity.CredentialTypeV1 sharing the numeric value 65002 is not a
// collision.
const (
	RosterExtensionV1           = 65000
	AddUserProposalV1           = 65001
	RemoveUserProposalV1        = 65002
	GroupConfigExtensionV1      = 65003
	UpdateGroupConfigProposalV1 = 65004
)

// RosterExtension carries the authoritative list of account-level members,
// independent of which MLS leaf (device) represents them. All members
// observe an identical roster because it rides inside the MLS group
// context, committed atomically with every epoch change.
type RosterExtension struct {
	Roster []identity.AccountCredential
}

// Accounts implements identity.Roster.
func (r RosterExtension) Accounts() []identity.AccountCredential {
	return r.Roster
}

func (r RosterExtension) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint32(uint32(len(r.Roster)))
	for _, acc := range r.Roster {
		w.PutBytes(acc.Encode())
	}
	return w.Bytes()
}

func DecodeRosterExtension(data []byte) (RosterExtension, error) {
	r := wire.NewReader(data)
	count, err := r.Uint32()
	if err != nil {
		return RosterExtension{}, fmt.Errorf("decode roster extension: %w", err)
	}
	roster := make([]identity.AccountCredential, 0, count)
	for i := uint32(0); i < count; i++ {
		entryBytes, err := r.Bytes()
		if err != nil {
			return RosterExtension{}, fmt.Errorf("decode roster extension: %w", err)
		}
		entry, err := identity.DecodeAccountCredential(entryBytes)
		if err != nil {
			return RosterExtension{}, fmt.Errorf("decode roster extension: %w", err)
		}
		roster = append(roster, entry)
	}
	return RosterExtension{Roster: roster}, nil
}

func (r RosterExtension) Contains(accountID uint64) bool {
	for _, acc := range r.Roster {
		if acc.AccountID.UserID == accountID {
			return true
		}
	}
	return false
}

func (r RosterExtension) Remove(accountID uint64) RosterExtension {
	out := make([]identity.AccountCredential, 0, len(r.Roster))
	for _, acc := range r.Roster {
		if acc.AccountID.UserID != accountID {
			out = append(out, acc)
		}
	}
	return RosterExtension{Roster: out}
}

// GroupConfigExtension wraps the full replicated GroupConfig.
type GroupConfigExtension struct {
	Config *GroupConfig
}

// AddUserProposal requests adding an account-level member to the roster.
type AddUserProposal struct {
	NewUser identity.AccountCredential
}

func (p AddUserProposal) Encode() []byte {
	return p.NewUser.Encode()
}

func DecodeAddUserProposal(data []byte) (AddUserProposal, error) {
	acc, err := identity.DecodeAccountCredential(data)
	if err != nil {
		return AddUserProposal{}, fmt.Errorf("decode add user proposal: %w", err)
	}
	return AddUserProposal{NewUser: acc}, nil
}

// RemoveUserProposal requests dropping an account-level member from the
// roster.
type RemoveUserProposal struct {
	UserID uint64
}

func (p RemoveUserProposal) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint64(p.UserID)
	return w.Bytes()
}

func DecodeRemoveUserProposal(data []byte) (RemoveUserProposal, error) {
	r := wire.NewReader(data)
	userID, err := r.Uint64()
	if err != nil {
		return RemoveUserProposal{}, fmt.Errorf("decode remove user proposal: %w", err)
	}
	return RemoveUserProposal{UserID: userID}, nil
}

// UpdateGroupConfigProposal replaces the group's entire configuration.
type UpdateGroupConfigProposal struct {
	NewConfig *GroupConfig
}

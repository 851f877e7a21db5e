package mlsadapter

import (
	"encoding/json"
	"fmt"

	"github.com/shipcore/groupcore/internal/identity"
	"github.com/shipcore/groupcore/internal/policy"
)

// groupLeaf is one device's slot in the membership list. Leaves are never
// compacted on removal, matching the teacher MLS analogue's tombstone-leaf
// approach, so leaf indices stay stable across the group's lifetime.
type groupLeaf struct {
	Credential identity.DeviceCredential
	Active     bool
}

// groupState is the full serializable group state: everything needed to
// either apply a commit to an existing member or bootstrap a brand-new
// joiner from a welcome. It is marshaled as JSON rather than the fixed
// wire codec for the same reason policy.GroupConfig is: shape varies with
// membership and config size, not a pinned bit layout.
type groupState struct {
	GroupID     []byte
	Epoch       uint64
	EpochSecret []byte
	Leaves      []groupLeaf
	Config      *policy.GroupConfig
	Roster      policy.RosterExtension
}

func (s groupState) activeLeafIndex(deviceID identity.DeviceID) (int, bool) {
	for i, l := range s.Leaves {
		if l.Active && l.Credential.DeviceID == deviceID {
			return i, true
		}
	}
	return 0, false
}

func (s groupState) activeMemberCount() int {
	n := 0
	for _, l := range s.Leaves {
		if l.Active {
			n++
		}
	}
	return n
}

func marshalState(s groupState) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal group state: %w", err)
	}
	return b, nil
}

func unmarshalState(data []byte) (groupState, error) {
	var s groupState
	if err := json.Unmarshal(data, &s); err != nil {
		return groupState{}, fmt.Errorf("unmarshal group state: %w", err)
	}
	return s, nil
}

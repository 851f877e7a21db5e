package mlsadapter

import "errors"

var (
	ErrUnknownMember     = errors.New("mlsadapter: unknown member")
	ErrRemovedSelf       = errors.New("mlsadapter: cannot remove self via commit, use leave")
	ErrStaleCommit       = errors.New("mlsadapter: commit epoch is not the next epoch")
	ErrNotAMember        = errors.New("mlsadapter: local device is not an active member of this epoch")
	ErrInvalidKeyPackage = errors.New("mlsadapter: key package credential rejected")
)

package model

import (
	"strings"
)

// PathState is the lifecycle of the storage_path column.
type PathState int

const (
	// PathUnclaimed means the column is NULL: no worker owns the call and the
	// audio has not been vaulted.
	PathUnclaimed PathState = iota
	// PathClaimed means a vault worker holds the call; the column carries the
	// worker's claim token.
	PathClaimed
	// PathFinalized means the audio lives in object storage at the stored path.
	PathFinalized
)

func (s PathState) String() string {
	switch s {
	case PathUnclaimed:
		return "unclaimed"
	case PathClaimed:
		return "claimed"
	case PathFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ClaimPrefix marks a storage_path value as a claim token rather than a real
// object key. Real keys start with a four digit year, so they never collide.
const ClaimPrefix = "processing:"

// StoragePath is the decoded form of the storage_path column. The column
// doubles as advisory lock and final value; this type keeps the two apart.
type StoragePath struct {
	state PathState
	value string
}

// Unclaimed returns the NULL storage path.
func Unclaimed() StoragePath {
	return StoragePath{state: PathUnclaimed}
}

// Claimed returns a storage path holding the given claim token.
func Claimed(token string) StoragePath {
	return StoragePath{state: PathClaimed, value: token}
}

// Finalized returns a storage path pointing at a vaulted object.
func Finalized(path string) StoragePath {
	return StoragePath{state: PathFinalized, value: path}
}

// ParseStoragePath decodes a raw column value. A nil or empty value is
// Unclaimed.
func ParseStoragePath(raw *string) StoragePath {
	if raw == nil || *raw == "" {
		return Unclaimed()
	}
	if token, ok := strings.CutPrefix(*raw, ClaimPrefix); ok {
		return Claimed(token)
	}
	return Finalized(*raw)
}

// State reports which of the three states the path is in.
func (p StoragePath) State() PathState {
	return p.state
}

// Token returns the claim token when the path is Claimed.
func (p StoragePath) Token() (string, bool) {
	if p.state != PathClaimed {
		return "", false
	}
	return p.value, true
}

// Path returns the object key when the path is Finalized.
func (p StoragePath) Path() (string, bool) {
	if p.state != PathFinalized {
		return "", false
	}
	return p.value, true
}

// Column encodes the path for the storage_path column. Unclaimed encodes as
// nil so the driver writes NULL.
func (p StoragePath) Column() *string {
	switch p.state {
	case PathClaimed:
		v := ClaimPrefix + p.value
		return &v
	case PathFinalized:
		v := p.value
		return &v
	default:
		return nil
	}
}

func (p StoragePath) String() string {
	if col := p.Column(); col != nil {
		return *col
	}
	return "<null>"
}

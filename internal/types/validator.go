package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidThreshold is returned when a threshold is zero or exceeds the member count.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInvalidMembers is returned when the member list is empty or contains duplicates.
	ErrInvalidMembers = errors.New("invalid members")
)

// ValidatorSet is an immutable, versioned snapshot of the ordered validator membership.
// Member order defines the signer index used in witnesses and proofs.
type ValidatorSet struct {
	id        uint64   // id is the monotonic set identifier
	members   [][]byte // members are the validator public keys in canonical order
	threshold uint32   // threshold is the minimum distinct signer count
}

// NewValidatorSet creates a validator set, copying members so the result cannot be mutated.
func NewValidatorSet(id uint64, members [][]byte, threshold uint32) (*ValidatorSet, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: empty set", ErrInvalidMembers)
	}

	if threshold == 0 || int(threshold) > len(members) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, threshold, len(members))
	}

	seen := make(map[string]struct{}, len(members))
	copied := make([][]byte, len(members))

	for i, m := range members {
		if len(m) == 0 {
			return nil, fmt.Errorf("%w: empty key at index %d", ErrInvalidMembers, i)
		}

		key := string(m)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate key at index %d", ErrInvalidMembers, i)
		}
		seen[key] = struct{}{}

		copied[i] = bytes.Clone(m)
	}

	return &ValidatorSet{
		id:        id,
		members:   copied,
		threshold: threshold,
	}, nil
}

// ID returns the set identifier.
func (vs *ValidatorSet) ID() uint64 {
	return vs.id
}

// Threshold returns the minimum number of distinct signers for a proof.
func (vs *ValidatorSet) Threshold() uint32 {
	return vs.threshold
}

// Len returns the number of members.
func (vs *ValidatorSet) Len() int {
	return len(vs.members)
}

// Member returns the public key at index i, or nil if out of range.
func (vs *ValidatorSet) Member(i uint32) []byte {
	if int64(i) >= int64(len(vs.members)) {
		return nil
	}

	return vs.members[i]
}

// Members returns a copy of the ordered member list.
func (vs *ValidatorSet) Members() [][]byte {
	out := make([][]byte, len(vs.members))
	for i, m := range vs.members {
		out[i] = bytes.Clone(m)
	}

	return out
}

// IndexOf returns the signer index of pub, or -1 if pub is not a member.
func (vs *ValidatorSet) IndexOf(pub []byte) int {
	for i, m := range vs.members {
		if bytes.Equal(m, pub) {
			return i
		}
	}

	return -1
}

// Contains reports whether pub is a member.
func (vs *ValidatorSet) Contains(pub []byte) bool {
	return vs.IndexOf(pub) >= 0
}

// InRange reports whether idx addresses a member.
func (vs *ValidatorSet) InRange(idx uint32) bool {
	return int64(idx) < int64(len(vs.members))
}

// Equal reports whether two sets have the same id, members and threshold.
func (vs *ValidatorSet) Equal(other *ValidatorSet) bool {
	if other == nil || vs.id != other.id || vs.threshold != other.threshold {
		return false
	}

	if len(vs.members) != len(other.members) {
		return false
	}

	for i := range vs.members {
		if !bytes.Equal(vs.members[i], other.members[i]) {
			return false
		}
	}

	return true
}

// IsUnsafe reports whether the threshold is at or below half the set,
// which lets two disjoint signer groups produce proofs.
func (vs *ValidatorSet) IsUnsafe() bool {
	return int(vs.threshold) < MinSafeThreshold(len(vs.members))
}

// String returns a short description for logging.
func (vs *ValidatorSet) String() string {
	return fmt.Sprintf("set#%d(%d/%d)", vs.id, vs.threshold, len(vs.members))
}

// MinSafeThreshold returns the smallest strict-majority threshold for n members.
func MinSafeThreshold(n int) int {
	return n/2 + 1
}

// ShortKey returns a hex prefix of a public key for logging.
func ShortKey(pub []byte) string {
	if len(pub) > 8 {
		pub = pub[:8]
	}

	return hex.EncodeToString(pub)
}

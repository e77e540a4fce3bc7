package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"Witnet/internal/types"
)

// setFile is the on-disk validator set list.
type setFile struct {
	Sets []setEntry `json:"sets"`
}

// setEntry is one validator set in the file.
type setEntry struct {
	SetID     uint64   `json:"set_id"`
	Threshold uint32   `json:"threshold"`
	Members   []string `json:"members"`
}

// LoadFile reads validator sets from a JSON file, sorted by id.
func LoadFile(path string) ([]*types.ValidatorSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validator file:\n%w", err)
	}

	var f setFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse validator file %s:\n%w", path, err)
	}

	sets := make([]*types.ValidatorSet, 0, len(f.Sets))

	for _, e := range f.Sets {
		members := make([][]byte, len(e.Members))

		for i, m := range e.Members {
			if members[i], err = hex.DecodeString(m); err != nil {
				return nil, fmt.Errorf("set %d member %d:\n%w", e.SetID, i, err)
			}
		}

		set, err := types.NewValidatorSet(e.SetID, members, e.Threshold)
		if err != nil {
			return nil, fmt.Errorf("set %d:\n%w", e.SetID, err)
		}

		sets = append(sets, set)
	}

	sort.Slice(sets, func(i, j int) bool { return sets[i].ID() < sets[j].ID() })

	return sets, nil
}

// WriteFile writes validator sets in the format LoadFile reads.
func WriteFile(path string, sets []*types.ValidatorSet) error {
	f := setFile{Sets: make([]setEntry, len(sets))}

	for i, set := range sets {
		members := make([]string, set.Len())
		for j := range members {
			members[j] = hex.EncodeToString(set.Member(uint32(j)))
		}

		f.Sets[i] = setEntry{SetID: set.ID(), Threshold: set.Threshold(), Members: members}
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal validator file:\n%w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write validator file %s:\n%w", path, err)
	}

	return nil
}

// LoadStatic builds a Static provider from a validator file.
func LoadStatic(path string, signer Signer) (*Static, error) {
	sets, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	s := NewStatic(signer)

	for _, set := range sets {
		if err := s.AddSet(set); err != nil {
			return nil, err
		}
	}

	return s, nil
}

//go:build ignore

// compare_proofs diffs the finalized proofs held by two stopped nodes.
//
//	go run scripts/compare_proofs.go <data_dir1> <data_dir2>
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"Witnet/internal/store"
	"Witnet/internal/storage"
	"Witnet/internal/types"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <data_dir1> <data_dir2>\n", os.Args[0])
		os.Exit(1)
	}

	proofs1, err := collectProofs(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	proofs2, err := collectProofs(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", os.Args[2], err)
		os.Exit(1)
	}

	fmt.Printf("node 1 (%s): %d proofs\n", os.Args[1], len(proofs1))
	fmt.Printf("node 2 (%s): %d proofs\n", os.Args[2], len(proofs2))

	only1, only2, different := compare(proofs1, proofs2)

	if len(only1) == 0 && len(only2) == 0 && len(different) == 0 {
		fmt.Println("\nproofs are identical")
		os.Exit(0)
	}

	fmt.Println("\nproofs differ:")
	report("only on node 1", only1)
	report("only on node 2", only2)

	// Two valid proofs may carry different signer subsets; only the message
	// and set id must agree.
	report("conflicting message or set", different)

	os.Exit(1)
}

func collectProofs(dataDir string) (map[uint64]*types.Proof, error) {
	db, err := storage.Open(filepath.Join(dataDir, "db"), storage.DefaultOptions())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	s := store.New(db, store.DefaultConfig(), nil)
	defer s.Close()

	proofs := make(map[uint64]*types.Proof)

	err = s.ListProofs(func(p *types.Proof) error {
		proofs[p.RequestID] = p
		return nil
	})

	return proofs, err
}

func compare(a, b map[uint64]*types.Proof) (only1, only2, different []uint64) {
	for id, pa := range a {
		pb, ok := b[id]
		if !ok {
			only1 = append(only1, id)
			continue
		}

		if pa.SetID != pb.SetID || string(pa.Message) != string(pb.Message) {
			different = append(different, id)
		}
	}

	for id := range b {
		if _, ok := a[id]; !ok {
			only2 = append(only2, id)
		}
	}

	slices.Sort(only1)
	slices.Sort(only2)
	slices.Sort(different)

	return only1, only2, different
}

func report(label string, ids []uint64) {
	if len(ids) == 0 {
		return
	}

	fmt.Printf("  - %s: %d\n", label, len(ids))

	for _, id := range ids {
		fmt.Printf("      %d\n", id)
	}
}

// Package testutil builds validator fixtures shared by package tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"Witnet/internal/identity"
	"Witnet/internal/types"
)

// Validators is a validator set with every member's signing key.
type Validators struct {
	Keys []*identity.Ed25519Key // Keys are indexed like the set members
	Set  *types.ValidatorSet    // Set is registered in every provider built here
}

// NewValidators creates n ed25519 validators forming set id with the given threshold.
func NewValidators(t testing.TB, id uint64, n int, threshold uint32) *Validators {
	t.Helper()

	v := &Validators{}
	members := make([][]byte, n)

	for i := range n {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		v.Keys = append(v.Keys, identity.NewEd25519Key(priv))
		members[i] = v.Keys[i].PublicKey()
	}

	set, err := types.NewValidatorSet(id, members, threshold)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	v.Set = set

	return v
}

// Provider returns a provider holding the set whose local signer is member local.
// A negative local gives a provider without a signer.
func (v *Validators) Provider(t testing.TB, local int) *identity.Static {
	t.Helper()

	var signer identity.Signer
	if local >= 0 {
		signer = v.Keys[local]
	}

	p := identity.NewStatic(signer)

	if err := p.AddSet(v.Set); err != nil {
		t.Fatalf("add set: %v", err)
	}

	return p
}

// Witness signs req with member idx.
func (v *Validators) Witness(req *types.ProofRequest, idx uint32) *types.Witness {
	sig, _ := v.Keys[idx].Sign(req.Message)

	return &types.Witness{RequestID: req.RequestID, SignerIndex: idx, Signature: sig}
}

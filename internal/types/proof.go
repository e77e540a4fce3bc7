package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrProofOrder is returned when proof signatures are unsorted or repeat an index.
	ErrProofOrder = errors.New("proof signatures not strictly ascending")

	// ErrProofSigner is returned when a proof references an index outside its set.
	ErrProofSigner = errors.New("proof signer out of range")

	// ErrProofThreshold is returned when a proof carries fewer signatures than the threshold.
	ErrProofThreshold = errors.New("proof below threshold")

	// ErrProofSet is returned when a proof is checked against the wrong validator set.
	ErrProofSet = errors.New("proof set mismatch")

	// ErrProofSignature is returned when a proof signature does not verify.
	ErrProofSignature = errors.New("proof signature invalid")
)

// SignatureVerifier checks one signature against a public key and message.
type SignatureVerifier interface {
	Verify(publicKey, message, signature []byte) bool
}

// Proof is a threshold multi-signature over a request message.
// Signatures are sorted ascending by signer index with no repeats.
type Proof struct {
	RequestID  uint64           // RequestID identifies the attested request
	SetID      uint64           // SetID is the validator set the signer indices resolve against
	Message    []byte           // Message is the attested payload
	Signatures []SignatureEntry // Signatures are the collected witnesses in index order
}

// NewProof assembles a proof from a collected signature map.
// Every collected signature is included, even beyond the threshold.
func NewProof(req *ProofRequest, collected map[uint32][]byte) *Proof {
	return &Proof{
		RequestID:  req.RequestID,
		SetID:      req.SetID,
		Message:    bytes.Clone(req.Message),
		Signatures: SortedEntries(collected),
	}
}

// SortedEntries copies a signature map into an index-ordered slice.
func SortedEntries(collected map[uint32][]byte) []SignatureEntry {
	entries := make([]SignatureEntry, 0, len(collected))
	for idx, sig := range collected {
		entries = append(entries, SignatureEntry{Index: idx, Signature: bytes.Clone(sig)})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Index < entries[j].Index
	})

	return entries
}

// SignerIndices returns the signer indices in proof order.
func (p *Proof) SignerIndices() []uint32 {
	out := make([]uint32, len(p.Signatures))
	for i, e := range p.Signatures {
		out[i] = e.Index
	}

	return out
}

// Validate checks the structural invariants of the proof against its validator set.
// It does not verify signatures; see Verify.
func (p *Proof) Validate(set *ValidatorSet) error {
	if set == nil || set.ID() != p.SetID {
		return ErrProofSet
	}

	for i, e := range p.Signatures {
		if i > 0 && e.Index <= p.Signatures[i-1].Index {
			return fmt.Errorf("%w: position %d", ErrProofOrder, i)
		}

		if !set.InRange(e.Index) {
			return fmt.Errorf("%w: index %d of %d", ErrProofSigner, e.Index, set.Len())
		}
	}

	if len(p.Signatures) < int(set.Threshold()) {
		return fmt.Errorf("%w: %d < %d", ErrProofThreshold, len(p.Signatures), set.Threshold())
	}

	return nil
}

// Verify validates the proof structure and every signature, as an external verifier would.
func (p *Proof) Verify(set *ValidatorSet, v SignatureVerifier) error {
	if err := p.Validate(set); err != nil {
		return err
	}

	for _, e := range p.Signatures {
		if !v.Verify(set.Member(e.Index), p.Message, e.Signature) {
			return fmt.Errorf("%w: signer %d", ErrProofSignature, e.Index)
		}
	}

	return nil
}

// Expanded returns n signature slots indexed by signer, empty where a signer is absent.
// Destination-chain verifiers consume this positional form.
func (p *Proof) Expanded(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{}
	}

	for _, e := range p.Signatures {
		if int64(e.Index) < int64(n) {
			out[e.Index] = bytes.Clone(e.Signature)
		}
	}

	return out
}

// Equal reports whether two proofs are identical.
func (p *Proof) Equal(o *Proof) bool {
	if p.RequestID != o.RequestID || p.SetID != o.SetID || !bytes.Equal(p.Message, o.Message) {
		return false
	}

	if len(p.Signatures) != len(o.Signatures) {
		return false
	}

	for i := range p.Signatures {
		if p.Signatures[i].Index != o.Signatures[i].Index ||
			!bytes.Equal(p.Signatures[i].Signature, o.Signatures[i].Signature) {
			return false
		}
	}

	return true
}

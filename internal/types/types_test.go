package types

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// concatVerifier accepts signatures equal to publicKey || message.
type concatVerifier struct{}

func (concatVerifier) Verify(pub, msg, sig []byte) bool {
	return bytes.Equal(sig, append(bytes.Clone(pub), msg...))
}

// testMembers returns n distinct fake public keys.
func testMembers(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("validator-%d", i))
	}

	return out
}

func TestNewValidatorSetRejectsBadInput(t *testing.T) {
	members := testMembers(3)

	if _, err := NewValidatorSet(1, members, 0); !errors.Is(err, ErrInvalidThreshold) {
		t.Errorf("threshold 0: got %v, want ErrInvalidThreshold", err)
	}

	if _, err := NewValidatorSet(1, members, 4); !errors.Is(err, ErrInvalidThreshold) {
		t.Errorf("threshold 4 of 3: got %v, want ErrInvalidThreshold", err)
	}

	if _, err := NewValidatorSet(1, nil, 1); !errors.Is(err, ErrInvalidMembers) {
		t.Errorf("empty set: got %v, want ErrInvalidMembers", err)
	}

	dup := [][]byte{[]byte("a"), []byte("b"), []byte("a")}
	if _, err := NewValidatorSet(1, dup, 2); !errors.Is(err, ErrInvalidMembers) {
		t.Errorf("duplicate member: got %v, want ErrInvalidMembers", err)
	}
}

func TestValidatorSetIsImmutable(t *testing.T) {
	members := testMembers(3)

	vs, err := NewValidatorSet(7, members, 2)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	members[0][0] = 'X'

	if vs.Member(0)[0] == 'X' {
		t.Error("set shares member storage with caller")
	}

	out := vs.Members()
	out[1][0] = 'Y'

	if vs.Member(1)[0] == 'Y' {
		t.Error("Members() exposes internal storage")
	}
}

func TestValidatorSetLookup(t *testing.T) {
	vs, _ := NewValidatorSet(1, testMembers(4), 3)

	if vs.IndexOf([]byte("validator-2")) != 2 {
		t.Errorf("IndexOf = %d, want 2", vs.IndexOf([]byte("validator-2")))
	}

	if vs.Contains([]byte("stranger")) {
		t.Error("Contains returned true for non-member")
	}

	if vs.Member(4) != nil {
		t.Error("Member(4) should be nil for a 4-member set")
	}

	if vs.IsUnsafe() {
		t.Error("3 of 4 should be a safe threshold")
	}

	low, _ := NewValidatorSet(2, testMembers(4), 2)
	if !low.IsUnsafe() {
		t.Error("2 of 4 should be flagged unsafe")
	}
}

func TestNewProofSortsAndIncludesAll(t *testing.T) {
	req := &ProofRequest{RequestID: 42, SetID: 1, Message: []byte{0xab, 0xc0}}
	collected := map[uint32][]byte{
		5: []byte("s5"),
		1: []byte("s1"),
		3: []byte("s3"),
		0: []byte("s0"),
		2: []byte("s2"),
	}

	p := NewProof(req, collected)

	want := []uint32{0, 1, 2, 3, 5}
	got := p.SignerIndices()

	if len(got) != len(want) {
		t.Fatalf("signers = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signers = %v, want %v", got, want)
		}
	}
}

func TestProofValidate(t *testing.T) {
	vs, _ := NewValidatorSet(1, testMembers(6), 4)

	good := &Proof{RequestID: 1, SetID: 1, Signatures: []SignatureEntry{
		{Index: 0}, {Index: 1}, {Index: 3}, {Index: 5},
	}}
	if err := good.Validate(vs); err != nil {
		t.Fatalf("valid proof rejected: %v", err)
	}

	tests := []struct {
		name  string
		proof *Proof
		want  error
	}{
		{"wrong set", &Proof{SetID: 2, Signatures: good.Signatures}, ErrProofSet},
		{"below threshold", &Proof{SetID: 1, Signatures: good.Signatures[:3]}, ErrProofThreshold},
		{"duplicate", &Proof{SetID: 1, Signatures: []SignatureEntry{{Index: 0}, {Index: 1}, {Index: 1}, {Index: 3}}}, ErrProofOrder},
		{"unsorted", &Proof{SetID: 1, Signatures: []SignatureEntry{{Index: 1}, {Index: 0}, {Index: 2}, {Index: 3}}}, ErrProofOrder},
		{"out of range", &Proof{SetID: 1, Signatures: []SignatureEntry{{Index: 0}, {Index: 1}, {Index: 2}, {Index: 6}}}, ErrProofSigner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.proof.Validate(vs); !errors.Is(err, tt.want) {
				t.Errorf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProofVerify(t *testing.T) {
	members := testMembers(3)
	vs, _ := NewValidatorSet(1, members, 2)
	msg := []byte("event")

	sign := func(i int) []byte {
		return append(bytes.Clone(members[i]), msg...)
	}

	p := &Proof{RequestID: 9, SetID: 1, Message: msg, Signatures: []SignatureEntry{
		{Index: 0, Signature: sign(0)},
		{Index: 2, Signature: sign(2)},
	}}

	if err := p.Verify(vs, concatVerifier{}); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	p.Signatures[1].Signature = sign(1)

	if err := p.Verify(vs, concatVerifier{}); !errors.Is(err, ErrProofSignature) {
		t.Errorf("tampered proof: got %v, want ErrProofSignature", err)
	}
}

func TestProofExpanded(t *testing.T) {
	p := &Proof{Signatures: []SignatureEntry{
		{Index: 1, Signature: []byte("b")},
		{Index: 3, Signature: []byte("d")},
	}}

	out := p.Expanded(4)

	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}

	if len(out[0]) != 0 || len(out[2]) != 0 {
		t.Error("absent signers should be empty")
	}

	if string(out[1]) != "b" || string(out[3]) != "d" {
		t.Errorf("expanded = %q", out)
	}
}

func TestStatusString(t *testing.T) {
	if StatusCollecting.String() != "collecting" {
		t.Errorf("String() = %q", StatusCollecting.String())
	}

	if Status(9).String() != "unknown" {
		t.Errorf("String() = %q", Status(9).String())
	}
}

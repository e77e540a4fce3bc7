package tracker

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Witnet/internal/identity"
	"Witnet/internal/testutil"
	"Witnet/internal/types"
)

// fixture is the shared validator set with a provider that has no local signer.
type fixture struct {
	*testutil.Validators
	provider *identity.Static
}

func newFixture(t *testing.T, setID uint64, n int, threshold uint32) *fixture {
	t.Helper()

	vals := testutil.NewValidators(t, setID, n, threshold)

	return &fixture{Validators: vals, provider: vals.Provider(t, -1)}
}

func newTracker(t *testing.T, f *fixture) *Tracker {
	t.Helper()

	tr, err := New(Config{Shards: 4, CompletedCacheSize: 16}, f.provider, identity.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	return tr
}

// Scenario A: four of six witnesses arrive out of order and finalize once, sorted.
func TestFinalizeSortedOnThreshold(t *testing.T) {
	f := newFixture(t, 1, 6, 4)
	tr := newTracker(t, f)

	var proofs []*types.Proof
	tr.OnFinalized(func(p *types.Proof) { proofs = append(proofs, p) })

	req := &types.ProofRequest{RequestID: 42, SetID: 1, Message: []byte{0x0a, 0xbc}}
	if _, err := tr.ObserveRequest(req, true); err != nil {
		t.Fatalf("observe: %v", err)
	}

	for i, idx := range []uint32{1, 3, 0, 5} {
		out, err := tr.IngestWitness(f.Witness(req, idx))
		if err != nil || out != Accepted {
			t.Fatalf("witness %d: %s, %v", idx, out, err)
		}

		if i < 3 && len(proofs) != 0 {
			t.Fatalf("finalized after %d witnesses", i+1)
		}
	}

	if len(proofs) != 1 {
		t.Fatalf("finalized %d times, want 1", len(proofs))
	}

	got := proofs[0].SignerIndices()
	want := []uint32{0, 1, 3, 5}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signers = %v, want %v", got, want)
		}
	}

	if err := proofs[0].Verify(f.Set, identity.Ed25519Verifier{}); err != nil {
		t.Errorf("proof does not verify: %v", err)
	}
}

// Scenario B: a witness after finalization does not fire again.
func TestLateWitnessDoesNotRefire(t *testing.T) {
	f := newFixture(t, 1, 6, 4)
	tr := newTracker(t, f)

	var count atomic.Int32
	tr.OnFinalized(func(*types.Proof) { count.Add(1) })

	req := &types.ProofRequest{RequestID: 42, SetID: 1, Message: []byte("m")}
	_, _ = tr.ObserveRequest(req, true)

	for _, idx := range []uint32{1, 3, 0, 5} {
		_, _ = tr.IngestWitness(f.Witness(req, idx))
	}

	out, err := tr.IngestWitness(f.Witness(req, 2))
	if err != nil || out != Late {
		t.Errorf("5th witness = %s, %v, want late", out, err)
	}

	// Still late once forgotten from live memory.
	tr.Forget(42)

	out, err = tr.IngestWitness(f.Witness(req, 4))
	if err != nil || out != Late {
		t.Errorf("after forget = %s, %v, want late", out, err)
	}

	if count.Load() != 1 {
		t.Errorf("finalized %d times, want 1", count.Load())
	}
}

// Scenario C: a second, different signature from the same signer is surfaced and ignored.
func TestConflictingWitnessKeepsOriginal(t *testing.T) {
	f := newFixture(t, 1, 6, 4)
	tr := newTracker(t, f)

	var evidence []types.EquivocationEvidence
	tr.OnEquivocation(func(e types.EquivocationEvidence) { evidence = append(evidence, e) })

	req := &types.ProofRequest{RequestID: 42, SetID: 1, Message: []byte("m")}
	_, _ = tr.ObserveRequest(req, true)

	first := f.Witness(req, 3)
	if out, err := tr.IngestWitness(first); err != nil || out != Accepted {
		t.Fatalf("first = %s, %v", out, err)
	}

	// ed25519 signatures are deterministic; accept anything so the signer can equivocate.
	second := &types.Witness{RequestID: 42, SignerIndex: 3, Signature: []byte("other")}
	tr.verifier = acceptAll{}

	out, err := tr.IngestWitness(second)
	if err != nil || out != Conflicting {
		t.Fatalf("second = %s, %v, want conflicting", out, err)
	}

	snap, _ := tr.Snapshot(42)
	if len(snap.Collected) != 1 || string(snap.Collected[3]) != string(first.Signature) {
		t.Error("original signature was not kept")
	}

	if len(evidence) != 1 || evidence[0].SignerIndex != 3 {
		t.Errorf("evidence = %+v", evidence)
	}
}

type acceptAll struct{}

func (acceptAll) Verify(_, _, _ []byte) bool { return true }

func TestIngestIdempotent(t *testing.T) {
	f := newFixture(t, 1, 4, 3)
	tr := newTracker(t, f)

	req := &types.ProofRequest{RequestID: 1, SetID: 1, Message: []byte("m")}
	_, _ = tr.ObserveRequest(req, true)

	w := f.Witness(req, 0)

	if out, _ := tr.IngestWitness(w); out != Accepted {
		t.Fatalf("first = %s, want accepted", out)
	}

	if out, _ := tr.IngestWitness(w); out != Duplicate {
		t.Fatalf("second = %s, want duplicate", out)
	}

	snap, _ := tr.Snapshot(1)
	if len(snap.Collected) != 1 {
		t.Errorf("collected = %d, want 1", len(snap.Collected))
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	f := newFixture(t, 1, 4, 3)
	tr := newTracker(t, f)

	req := &types.ProofRequest{RequestID: 1, SetID: 1, Message: []byte("m")}
	_, _ = tr.ObserveRequest(req, true)

	if _, err := tr.IngestWitness(&types.Witness{RequestID: 99, Signature: []byte("s")}); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("unknown request: %v", err)
	}

	if _, err := tr.IngestWitness(&types.Witness{RequestID: 1, SignerIndex: 4, Signature: []byte("s")}); !errors.Is(err, ErrInvalidSignerIndex) {
		t.Errorf("bad index: %v", err)
	}

	other := &types.ProofRequest{RequestID: 1, Message: []byte("different")}
	if _, err := tr.IngestWitness(f.Witness(other, 2)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("bad signature: %v", err)
	}

	// A signer's valid signature placed at another index fails verification.
	w := f.Witness(req, 1)
	w.SignerIndex = 2

	if _, err := tr.IngestWitness(w); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("misattributed signature: %v", err)
	}

	snap, _ := tr.Snapshot(1)
	if len(snap.Collected) != 0 || snap.Status != types.StatusPending {
		t.Errorf("state changed on rejected input: %+v", snap)
	}
}

func TestObserveRequest(t *testing.T) {
	f := newFixture(t, 1, 4, 3)
	tr := newTracker(t, f)

	req := &types.ProofRequest{RequestID: 5, SetID: 1, Message: []byte("m")}

	created, err := tr.ObserveRequest(req, true)
	if err != nil || !created {
		t.Fatalf("first observe = %v, %v", created, err)
	}

	if created, _ := tr.ObserveRequest(req, true); created {
		t.Error("second observe created a new state")
	}

	if _, err := tr.ObserveRequest(&types.ProofRequest{RequestID: 6, SetID: 9}, true); !errors.Is(err, ErrUnknownSet) {
		t.Errorf("unknown set: %v", err)
	}

	conflict := &types.ProofRequest{RequestID: 5, SetID: 1, Message: []byte("forged")}
	if _, err := tr.ObserveRequest(conflict, false); !errors.Is(err, ErrRequestConflict) {
		t.Errorf("conflicting content: %v", err)
	}
}

func TestTrustedRequestReplacesUntrusted(t *testing.T) {
	f := newFixture(t, 1, 4, 3)
	tr := newTracker(t, f)

	forged := &types.ProofRequest{RequestID: 5, SetID: 1, Message: []byte("forged")}
	genuine := &types.ProofRequest{RequestID: 5, SetID: 1, Message: []byte("real")}

	_, _ = tr.ObserveRequest(forged, false)

	// Honest witnesses do not match the forged message; the sender is not blamed.
	if _, err := tr.IngestWitness(f.Witness(genuine, 0)); !errors.Is(err, ErrUntrustedMismatch) {
		t.Fatalf("witness against untrusted: %v", err)
	}

	created, err := tr.ObserveRequest(genuine, true)
	if err != nil || !created {
		t.Fatalf("trusted observe = %v, %v", created, err)
	}

	if out, err := tr.IngestWitness(f.Witness(genuine, 0)); err != nil || out != Accepted {
		t.Errorf("witness after replacement = %s, %v", out, err)
	}

	got, trusted, _ := tr.Request(5)
	if !trusted || string(got.Message) != "real" {
		t.Errorf("request = %q trusted=%v", got.Message, trusted)
	}
}

// Set pinning: a rotation after creation does not change the signer set of a request.
func TestSetPinnedAcrossRotation(t *testing.T) {
	f := newFixture(t, 1, 3, 2)
	tr := newTracker(t, f)

	req := &types.ProofRequest{RequestID: 7, SetID: 1, Message: []byte("m")}
	_, _ = tr.ObserveRequest(req, true)

	_, newPriv, _ := ed25519.GenerateKey(rand.Reader)
	newcomer := identity.NewEd25519Key(newPriv)

	next, _ := types.NewValidatorSet(2, [][]byte{newcomer.PublicKey(), f.Set.Member(1), f.Set.Member(2), f.Set.Member(0)}, 3)
	if err := f.provider.AddSet(next); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Index 0 in set 2 is the newcomer; for request 7 it still resolves to set 1.
	sig, _ := newcomer.Sign(req.Message)

	if _, err := tr.IngestWitness(&types.Witness{RequestID: 7, SignerIndex: 0, Signature: sig}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("newcomer witness: %v", err)
	}

	if _, err := tr.IngestWitness(&types.Witness{RequestID: 7, SignerIndex: 3, Signature: sig}); !errors.Is(err, ErrInvalidSignerIndex) {
		t.Errorf("index valid only in set 2: %v", err)
	}

	if out, err := tr.IngestWitness(f.Witness(req, 0)); err != nil || out != Accepted {
		t.Errorf("set 1 witness = %s, %v", out, err)
	}
}

// Scenario D: restart with 2 of 4, finalize after 2 more without double counting.
func TestRestoreThenFinalize(t *testing.T) {
	f := newFixture(t, 1, 6, 4)
	tr := newTracker(t, f)

	req := &types.ProofRequest{RequestID: 42, SetID: 1, Message: []byte("m")}
	own := f.Witness(req, 0)
	peer := f.Witness(req, 1)

	state := &types.RequestState{
		Request:   req,
		Collected: map[uint32][]byte{0: own.Signature, 1: peer.Signature, 2: []byte("corrupt")},
		Trusted:   true,
		FirstSeen: time.Now().Add(-time.Minute),
	}

	if err := tr.Restore(state); err != nil {
		t.Fatalf("restore: %v", err)
	}

	snap, _ := tr.Snapshot(42)
	if len(snap.Collected) != 2 || snap.Status != types.StatusCollecting {
		t.Fatalf("restored = %d witnesses, %s", len(snap.Collected), snap.Status)
	}

	var proofs []*types.Proof
	tr.OnFinalized(func(p *types.Proof) { proofs = append(proofs, p) })

	if out, _ := tr.IngestWitness(own); out != Duplicate {
		t.Errorf("own witness after restore = %s, want duplicate", out)
	}

	_, _ = tr.IngestWitness(f.Witness(req, 3))
	_, _ = tr.IngestWitness(f.Witness(req, 4))

	if len(proofs) != 1 || len(proofs[0].Signatures) != 4 {
		t.Fatalf("proofs = %d", len(proofs))
	}
}

func TestConcurrentIngestFinalizesOnce(t *testing.T) {
	f := newFixture(t, 1, 8, 5)
	tr := newTracker(t, f)

	var count atomic.Int32
	tr.OnFinalized(func(*types.Proof) { count.Add(1) })

	req := &types.ProofRequest{RequestID: 11, SetID: 1, Message: []byte("m")}
	_, _ = tr.ObserveRequest(req, true)

	var wg sync.WaitGroup

	for round := 0; round < 3; round++ {
		for idx := uint32(0); idx < 8; idx++ {
			wg.Add(1)

			go func(idx uint32) {
				defer wg.Done()
				_, _ = tr.IngestWitness(f.Witness(req, idx))
			}(idx)
		}
	}

	wg.Wait()

	if count.Load() != 1 {
		t.Errorf("finalized %d times, want 1", count.Load())
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t, 1, 4, 3)
	tr := newTracker(t, f)

	base := time.Now()
	tr.now = func() time.Time { return base }

	_, _ = tr.ObserveRequest(&types.ProofRequest{RequestID: 1, SetID: 1, Message: []byte("a")}, true)

	tr.now = func() time.Time { return base.Add(30 * time.Minute) }
	_, _ = tr.ObserveRequest(&types.ProofRequest{RequestID: 2, SetID: 1, Message: []byte("b")}, true)

	tr.now = func() time.Time { return base.Add(time.Hour) }

	res := tr.Sweep(10*time.Minute, 0)
	if res.Pending != 2 || res.Stuck != 2 || res.Oldest != time.Hour {
		t.Errorf("sweep = %+v", res.Stats)
	}

	res = tr.Sweep(10*time.Minute, 45*time.Minute)
	if len(res.ExpiredIDs) != 1 || res.ExpiredIDs[0] != 1 {
		t.Errorf("expired = %v, want [1]", res.ExpiredIDs)
	}

	if _, ok := tr.Snapshot(1); ok {
		t.Error("expired request still tracked")
	}

	if res.Pending != 1 {
		t.Errorf("pending after expire = %d", res.Pending)
	}
}

// proofSet is an in-memory ProofIndex.
type proofSet struct {
	mu  sync.Mutex
	ids map[uint64]bool
}

func (p *proofSet) HasProof(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ids[id]
}

func (p *proofSet) add(id uint64) {
	p.mu.Lock()
	p.ids[id] = true
	p.mu.Unlock()
}

func TestEvictedRequestNotFinalizedTwice(t *testing.T) {
	f := newFixture(t, 1, 4, 3)

	tr, err := New(Config{Shards: 4, CompletedCacheSize: 2}, f.provider, identity.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	stored := &proofSet{ids: make(map[uint64]bool)}
	tr.SetProofIndex(stored)

	finalized := make(map[uint64]int)
	tr.OnFinalized(func(p *types.Proof) {
		finalized[p.RequestID]++
		stored.add(p.RequestID)
		tr.Forget(p.RequestID)
	})

	requests := make([]*types.ProofRequest, 0, 3)

	for id := uint64(1); id <= 3; id++ {
		req := &types.ProofRequest{RequestID: id, SetID: 1, Message: []byte{byte(id)}}
		requests = append(requests, req)

		_, _ = tr.ObserveRequest(req, true)
		for idx := range uint32(3) {
			_, _ = tr.IngestWitness(f.Witness(req, idx))
		}
	}

	// Request 1 is out of the two-entry cache; only the proof index knows it.
	created, err := tr.ObserveRequest(requests[0], false)
	if err != nil || created {
		t.Fatalf("re-observe of proven request = %v, %v", created, err)
	}

	for idx := range uint32(4) {
		out, err := tr.IngestWitness(f.Witness(requests[0], idx))
		if err != nil || out != Late {
			t.Fatalf("witness %d for proven request = %s, %v", idx, out, err)
		}
	}

	if finalized[1] != 1 {
		t.Errorf("request 1 finalized %d times, want 1", finalized[1])
	}

	if !tr.IsCompleted(1) {
		t.Error("proven request not reported completed")
	}
}

func TestCompletedWithoutProofIndex(t *testing.T) {
	f := newFixture(t, 1, 4, 3)
	tr := newTracker(t, f)

	req := &types.ProofRequest{RequestID: 8, SetID: 1, Message: []byte("m")}
	_, _ = tr.ObserveRequest(req, true)

	if tr.IsCompleted(8) {
		t.Fatal("pending request reported completed")
	}

	tr.MarkCompleted(9)

	if _, err := tr.ObserveRequest(&types.ProofRequest{RequestID: 9, SetID: 1, Message: []byte("m")}, true); err != nil {
		t.Fatalf("observe: %v", err)
	}

	if _, ok := tr.Snapshot(9); ok {
		t.Error("request marked completed was tracked again")
	}
}

func TestObserveRacingFinalizeDoesNotRetrack(t *testing.T) {
	f := newFixture(t, 1, 4, 3)

	tr, err := New(Config{Shards: 4, CompletedCacheSize: 1024}, f.provider, identity.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	tr.OnFinalized(func(p *types.Proof) { tr.Forget(p.RequestID) })

	for id := uint64(1); id <= 200; id++ {
		req := &types.ProofRequest{RequestID: id, SetID: 1, Message: []byte{byte(id)}}

		_, _ = tr.ObserveRequest(req, true)
		_, _ = tr.IngestWitness(f.Witness(req, 0))
		_, _ = tr.IngestWitness(f.Witness(req, 1))

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			_, _ = tr.IngestWitness(f.Witness(req, 2))
		}()

		go func() {
			defer wg.Done()
			_, _ = tr.ObserveRequest(req, false)
		}()

		wg.Wait()

		if _, ok := tr.Snapshot(id); ok {
			t.Fatalf("request %d tracked again after finalizing", id)
		}
	}
}

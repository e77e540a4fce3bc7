package signer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Witnet/internal/identity"
	"Witnet/internal/store"
	"Witnet/internal/testutil"
	"Witnet/internal/tracker"
	"Witnet/internal/types"
)

// countingSigner counts signing operations.
type countingSigner struct {
	identity.Signer
	calls atomic.Int32
}

func (c *countingSigner) Sign(msg []byte) ([]byte, error) {
	c.calls.Add(1)
	return c.Signer.Sign(msg)
}

// recorder collects published witnesses and can hold publication.
type recorder struct {
	mu    sync.Mutex
	got   []*types.Witness
	block chan struct{}
}

func (r *recorder) Publish(w *types.Witness) error {
	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.got = append(r.got, w)

	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.got)
}

// memStore is an in-memory WitnessStore.
type memStore struct {
	mu   sync.Mutex
	sigs map[[2]uint64][]byte
	puts int
}

func newMemStore() *memStore {
	return &memStore{sigs: make(map[[2]uint64][]byte)}
}

func (m *memStore) GetWitness(id uint64, idx uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.sigs[[2]uint64{id, uint64(idx)}]
	if !ok {
		return nil, store.ErrNotFound
	}

	return sig, nil
}

func (m *memStore) PutWitness(_ context.Context, w *types.Witness) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sigs[[2]uint64{w.RequestID, uint64(w.SignerIndex)}] = w.Signature
	m.puts++

	return nil
}

type harness struct {
	vals    *testutil.Validators
	signer  *countingSigner
	tracker *tracker.Tracker
	store   *memStore
	out     *recorder
	s       *Signer
}

func newHarness(t *testing.T, cfg Config, local int) *harness {
	t.Helper()

	vals := testutil.NewValidators(t, 1, 4, 3)

	h := &harness{vals: vals, store: newMemStore(), out: &recorder{}}

	var provider *identity.Static
	if local >= 0 {
		h.signer = &countingSigner{Signer: vals.Keys[local]}
		provider = identity.NewStatic(h.signer)

		if err := provider.AddSet(vals.Set); err != nil {
			t.Fatalf("add set: %v", err)
		}
	} else {
		provider = vals.Provider(t, -1)
	}

	tr, err := tracker.New(tracker.DefaultConfig(), provider, identity.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	h.tracker = tr
	h.s = New(cfg, tr, provider, h.store, h.out, nil)

	return h
}

func (h *harness) observe(t *testing.T, id uint64) *types.ProofRequest {
	t.Helper()

	req := &types.ProofRequest{RequestID: id, SetID: 1, Message: []byte("event")}
	if _, err := h.tracker.ObserveRequest(req, true); err != nil {
		t.Fatalf("observe: %v", err)
	}

	return req
}

func TestWitnessSignsOnce(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, 2)
	defer h.s.Close()

	req := h.observe(t, 42)

	w, err := h.s.Witness(req)
	if err != nil {
		t.Fatalf("witness: %v", err)
	}

	valid := identity.Ed25519Verifier{}.Verify(h.vals.Set.Member(2), req.Message, w.Signature)
	if w.SignerIndex != 2 || !valid {
		t.Fatalf("bad own witness %+v", w)
	}

	if _, err := h.s.Witness(req); err != nil {
		t.Fatalf("second witness: %v", err)
	}

	if n := h.signer.calls.Load(); n != 1 {
		t.Errorf("signed %d times, want 1", n)
	}

	if h.store.puts != 1 {
		t.Errorf("persisted %d times, want 1", h.store.puts)
	}

	if h.out.count() != 2 {
		t.Errorf("published %d times, want 2", h.out.count())
	}

	if sig, ok := h.tracker.LocalWitness(42, 2); !ok || string(sig) != string(w.Signature) {
		t.Error("own witness not ingested locally")
	}
}

// After a restart the persisted own witness is reused and not signed again.
func TestWitnessReusesStoredSignature(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, 0)
	defer h.s.Close()

	req := h.observe(t, 8)
	prior := h.vals.Witness(req, 0)
	_ = h.store.PutWitness(context.Background(), prior)
	h.store.puts = 0

	w, err := h.s.Witness(req)
	if err != nil {
		t.Fatalf("witness: %v", err)
	}

	if !w.Equal(prior) || h.signer.calls.Load() != 0 || h.store.puts != 0 {
		t.Errorf("reuse failed: equal=%v signs=%d puts=%d", w.Equal(prior), h.signer.calls.Load(), h.store.puts)
	}
}

func TestNotEligible(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, -1)
	defer h.s.Close()

	req := h.observe(t, 1)

	if err := h.s.Submit(context.Background(), req); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Submit = %v, want ErrNotEligible", err)
	}

	if _, err := h.s.Witness(req); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Witness = %v, want ErrNotEligible", err)
	}
}

func TestSubmitDedupAndBackpressure(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, MaxQueued: 1}, 1)
	h.out.block = make(chan struct{})

	r1 := h.observe(t, 1)
	r2 := h.observe(t, 2)

	if err := h.s.Submit(context.Background(), r1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A second job for the same request is not admitted.
	if err := h.s.Submit(context.Background(), r1); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := h.s.Submit(ctx, r2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("saturated submit = %v, want deadline exceeded", err)
	}

	close(h.out.block)
	h.s.Close()

	if h.out.count() != 1 || h.signer.calls.Load() != 1 {
		t.Errorf("published %d, signed %d, want 1 and 1", h.out.count(), h.signer.calls.Load())
	}

	if err := h.s.Submit(context.Background(), r2); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close = %v, want ErrClosed", err)
	}
}

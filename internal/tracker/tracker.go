// Package tracker holds the authoritative per-request witness state machine.
//
// Requests are sharded by id. Every mutation of a request, including the
// signature check that precedes it, happens under its shard lock, so the
// duplicate and finalize-once rules hold under concurrent ingestion.
// Events are delivered after the lock is released.
package tracker

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"Witnet/internal/identity"
	"Witnet/internal/logger"
	"Witnet/internal/types"
)

var (
	// ErrUnknownRequest is returned for witnesses of untracked requests.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrInvalidSignerIndex is returned when the signer index is outside the request's set.
	ErrInvalidSignerIndex = errors.New("invalid signer index")

	// ErrInvalidSignature is returned when a witness does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUnknownSet is returned when a request names a set the provider does not know.
	ErrUnknownSet = errors.New("unknown validator set")

	// ErrRequestConflict is returned when a request id is observed with different content.
	ErrRequestConflict = errors.New("conflicting request content")

	// ErrUntrustedMismatch is returned when a witness fails against a request learned from a peer.
	// The sender is not at fault: the peer-supplied message may be the wrong one.
	ErrUntrustedMismatch = errors.New("witness does not match untrusted request")
)

// Outcome is the result of a successful witness ingestion.
type Outcome int

const (
	// Accepted means the witness was new and was added.
	Accepted Outcome = iota

	// Duplicate means the identical witness was already held.
	Duplicate

	// Conflicting means the signer already has a different signature; the original is kept.
	Conflicting

	// Late means a valid witness arrived after finalization and was not added.
	Late
)

// String returns the outcome label.
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Conflicting:
		return "conflicting"
	case Late:
		return "late"
	default:
		return "unknown"
	}
}

// Config tunes the tracker.
type Config struct {
	Shards             int // Shards is the number of independent lock domains
	CompletedCacheSize int // CompletedCacheSize bounds the finalized-id cache
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{Shards: 16, CompletedCacheSize: 500}
}

// ProofIndex reports proofs held outside the tracker; the Proof Store implements it.
type ProofIndex interface {
	HasProof(id uint64) bool
}

// requestState is the live state of one request.
type requestState struct {
	req       *types.ProofRequest // req is the request being witnessed
	set       *types.ValidatorSet // set is resolved once at creation and never changes
	collected map[uint32][]byte   // collected maps signer index to signature
	status    types.Status        // status is the lifecycle stage
	trusted   bool                // trusted is set for requests from the local ingestion source
	firstSeen time.Time           // firstSeen is when the request was created locally
	proof     *types.Proof        // proof is set once finalized
}

// shard owns a disjoint subset of requests.
type shard struct {
	mu       sync.Mutex
	requests map[uint64]*requestState
}

// Tracker is the per-request state machine.
type Tracker struct {
	shards    []*shard
	provider  identity.Provider                 // provider resolves set ids
	verifier  identity.Verifier                 // verifier checks witness signatures
	completed *lru.Cache[uint64, struct{}]      // completed remembers finalized ids after Forget
	proofs    ProofIndex                        // proofs backs completed once an id is evicted
	now       func() time.Time                  // now is replaceable in tests

	hmu            sync.RWMutex
	onFinalized    []func(*types.Proof)
	onEquivocation []func(types.EquivocationEvidence)
}

// New creates a tracker.
func New(cfg Config, provider identity.Provider, verifier identity.Verifier) (*Tracker, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}

	if cfg.CompletedCacheSize <= 0 {
		cfg.CompletedCacheSize = DefaultConfig().CompletedCacheSize
	}

	completed, err := lru.New[uint64, struct{}](cfg.CompletedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create completed cache:\n%w", err)
	}

	t := &Tracker{
		shards:    make([]*shard, cfg.Shards),
		provider:  provider,
		verifier:  verifier,
		completed: completed,
		now:       time.Now,
	}

	for i := range t.shards {
		t.shards[i] = &shard{requests: make(map[uint64]*requestState)}
	}

	return t, nil
}

// SetProofIndex makes finalized ids evicted from the completed cache, or finalized
// before a restart, still count as completed. Call it before the tracker is shared.
func (t *Tracker) SetProofIndex(p ProofIndex) {
	t.proofs = p
}

// OnFinalized registers a callback invoked exactly once per finalized request.
func (t *Tracker) OnFinalized(fn func(*types.Proof)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()

	t.onFinalized = append(t.onFinalized, fn)
}

// OnEquivocation registers a callback invoked for each conflicting witness.
func (t *Tracker) OnEquivocation(fn func(types.EquivocationEvidence)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()

	t.onEquivocation = append(t.onEquivocation, fn)
}

// ShardCount returns the number of shards.
func (t *Tracker) ShardCount() int {
	return len(t.shards)
}

// ShardOf returns the shard index that owns a request id.
func (t *Tracker) ShardOf(id uint64) int {
	return int(id % uint64(len(t.shards)))
}

func (t *Tracker) shardFor(id uint64) *shard {
	return t.shards[t.ShardOf(id)]
}

// ObserveRequest starts tracking a request. It returns true if a new state was created.
// Observing a tracked or finalized request is a no-op. A trusted observation replaces
// an untrusted state whose content differs, discarding its witnesses.
func (t *Tracker) ObserveRequest(req *types.ProofRequest, trusted bool) (bool, error) {
	if t.IsCompleted(req.RequestID) {
		return false, nil
	}

	set, ok := t.provider.SetByID(req.SetID)
	if !ok {
		return false, fmt.Errorf("%w: request %d set %d", ErrUnknownSet, req.RequestID, req.SetID)
	}

	s := t.shardFor(req.RequestID)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.requests[req.RequestID]
	if ok {
		return t.reobserve(s, existing, req, set, trusted)
	}

	// Finalized and forgotten since the check above.
	if t.completed.Contains(req.RequestID) {
		return false, nil
	}

	s.requests[req.RequestID] = t.newState(req, set, trusted, t.now())

	return true, nil
}

// reobserve handles a request id that is already tracked. Caller holds the shard lock.
func (t *Tracker) reobserve(s *shard, existing *requestState, req *types.ProofRequest, set *types.ValidatorSet, trusted bool) (bool, error) {
	if existing.req.Equal(req) {
		if trusted && !existing.trusted {
			existing.trusted = true
		}

		return false, nil
	}

	if existing.status == types.StatusFinalized || existing.trusted || !trusted {
		logger.Warn("conflicting request content ignored",
			"request_id", req.RequestID,
			"tracked_trusted", existing.trusted,
			"status", existing.status.String(),
		)

		return false, fmt.Errorf("%w: request %d", ErrRequestConflict, req.RequestID)
	}

	logger.Warn("untrusted request replaced by trusted content",
		"request_id", req.RequestID,
		"discarded", len(existing.collected),
	)

	s.requests[req.RequestID] = t.newState(req, set, true, existing.firstSeen)

	return true, nil
}

func (t *Tracker) newState(req *types.ProofRequest, set *types.ValidatorSet, trusted bool, firstSeen time.Time) *requestState {
	return &requestState{
		req:       req.Clone(),
		set:       set,
		collected: make(map[uint32][]byte),
		status:    types.StatusPending,
		trusted:   trusted,
		firstSeen: firstSeen,
	}
}

// IngestWitness validates a witness against its request and records it.
// Errors are input errors for the caller to log or penalize; state is unchanged on error.
func (t *Tracker) IngestWitness(w *types.Witness) (Outcome, error) {
	s := t.shardFor(w.RequestID)
	s.mu.Lock()

	outcome, proof, evidence, err := t.ingestLocked(s, w)

	s.mu.Unlock()

	if errors.Is(err, ErrUnknownRequest) && t.IsCompleted(w.RequestID) {
		return Late, nil
	}

	if err != nil {
		return outcome, err
	}

	if evidence != nil {
		t.emitEquivocation(*evidence)
	}

	if proof != nil {
		t.completed.Add(proof.RequestID, struct{}{})
		t.emitFinalized(proof)
	}

	return outcome, nil
}

// ingestLocked applies a witness. Caller holds the shard lock.
func (t *Tracker) ingestLocked(s *shard, w *types.Witness) (Outcome, *types.Proof, *types.EquivocationEvidence, error) {
	st, ok := s.requests[w.RequestID]
	if !ok {
		if t.completed.Contains(w.RequestID) {
			return Late, nil, nil, nil
		}

		return 0, nil, nil, fmt.Errorf("%w: %d", ErrUnknownRequest, w.RequestID)
	}

	if !st.set.InRange(w.SignerIndex) {
		return 0, nil, nil, fmt.Errorf("%w: %d of %d", ErrInvalidSignerIndex, w.SignerIndex, st.set.Len())
	}

	existing, have := st.collected[w.SignerIndex]
	if have && bytes.Equal(existing, w.Signature) {
		return Duplicate, nil, nil, nil
	}

	if !t.verifier.Verify(st.set.Member(w.SignerIndex), st.req.Message, w.Signature) {
		if !st.trusted {
			return 0, nil, nil, fmt.Errorf("%w: request %d signer %d", ErrUntrustedMismatch, w.RequestID, w.SignerIndex)
		}

		return 0, nil, nil, fmt.Errorf("%w: request %d signer %d", ErrInvalidSignature, w.RequestID, w.SignerIndex)
	}

	if have {
		evidence := &types.EquivocationEvidence{
			RequestID:   w.RequestID,
			SetID:       st.req.SetID,
			SignerIndex: w.SignerIndex,
			First:       bytes.Clone(existing),
			Second:      bytes.Clone(w.Signature),
		}

		return Conflicting, nil, evidence, nil
	}

	if st.status == types.StatusFinalized {
		return Late, nil, nil, nil
	}

	st.collected[w.SignerIndex] = bytes.Clone(w.Signature)
	st.status = types.StatusCollecting

	if len(st.collected) < int(st.set.Threshold()) {
		return Accepted, nil, nil, nil
	}

	st.proof = types.NewProof(st.req, st.collected)
	st.status = types.StatusFinalized

	return Accepted, st.proof, nil, nil
}

func (t *Tracker) emitFinalized(p *types.Proof) {
	t.hmu.RLock()
	handlers := t.onFinalized
	t.hmu.RUnlock()

	logger.Info("proof finalized",
		"request_id", p.RequestID,
		"set_id", p.SetID,
		"signers", len(p.Signatures),
	)

	for _, fn := range handlers {
		fn(p)
	}
}

func (t *Tracker) emitEquivocation(e types.EquivocationEvidence) {
	t.hmu.RLock()
	handlers := t.onEquivocation
	t.hmu.RUnlock()

	logger.Warn("equivocating witness",
		"request_id", e.RequestID,
		"set_id", e.SetID,
		"signer", e.SignerIndex,
	)

	for _, fn := range handlers {
		fn(e)
	}
}

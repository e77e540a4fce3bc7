package tracker

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"Witnet/internal/logger"
	"Witnet/internal/types"
)

// Restore reloads a persisted pending request. Persisted signatures are verified
// again and dropped if they fail. A restored state that already meets its
// threshold finalizes immediately.
func (t *Tracker) Restore(state *types.RequestState) error {
	req := state.Request

	set, ok := t.provider.SetByID(req.SetID)
	if !ok {
		return fmt.Errorf("%w: request %d set %d", ErrUnknownSet, req.RequestID, req.SetID)
	}

	firstSeen := state.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = t.now()
	}

	st := t.newState(req, set, state.Trusted, firstSeen)

	for idx, sig := range state.Collected {
		if !set.InRange(idx) || !t.verifier.Verify(set.Member(idx), req.Message, sig) {
			logger.Warn("dropping invalid persisted witness", "request_id", req.RequestID, "signer", idx)
			continue
		}

		st.collected[idx] = bytes.Clone(sig)
	}

	if len(st.collected) > 0 {
		st.status = types.StatusCollecting
	}

	var proof *types.Proof
	if len(st.collected) >= int(set.Threshold()) {
		st.proof = types.NewProof(st.req, st.collected)
		st.status = types.StatusFinalized
		proof = st.proof
	}

	s := t.shardFor(req.RequestID)
	s.mu.Lock()

	if _, exists := s.requests[req.RequestID]; exists {
		s.mu.Unlock()
		return nil
	}

	s.requests[req.RequestID] = st
	s.mu.Unlock()

	if proof != nil {
		t.completed.Add(proof.RequestID, struct{}{})
		t.emitFinalized(proof)
	}

	return nil
}

// snapshot copies a state. Caller holds the shard lock.
func (st *requestState) snapshot() *types.RequestState {
	collected := make(map[uint32][]byte, len(st.collected))
	for idx, sig := range st.collected {
		collected[idx] = bytes.Clone(sig)
	}

	return &types.RequestState{
		Request:   st.req.Clone(),
		Collected: collected,
		Status:    st.status,
		Trusted:   st.trusted,
		FirstSeen: st.firstSeen,
	}
}

// Snapshot returns a copy of a request's state.
func (t *Tracker) Snapshot(id uint64) (*types.RequestState, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.requests[id]
	if !ok {
		return nil, false
	}

	return st.snapshot(), true
}

// Request returns the tracked request and whether it came from a trusted source.
func (t *Tracker) Request(id uint64) (*types.ProofRequest, bool, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.requests[id]
	if !ok {
		return nil, false, false
	}

	return st.req.Clone(), st.trusted, true
}

// Proof returns the proof of a finalized request still held in memory.
func (t *Tracker) Proof(id uint64) (*types.Proof, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.requests[id]
	if !ok || st.proof == nil {
		return nil, false
	}

	return st.proof, true
}

// LocalWitness returns the signature held for signer idx on request id.
func (t *Tracker) LocalWitness(id uint64, idx uint32) ([]byte, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.requests[id]
	if !ok {
		return nil, false
	}

	sig, ok := st.collected[idx]
	if !ok {
		return nil, false
	}

	return bytes.Clone(sig), true
}

// Pending returns snapshots of every unfinalized request ordered by id.
func (t *Tracker) Pending() []*types.RequestState {
	return t.collect(func(st *requestState) bool {
		return st.status != types.StatusFinalized
	})
}

// Collecting returns snapshots of requests with at least one witness and no proof.
func (t *Tracker) Collecting() []*types.RequestState {
	return t.collect(func(st *requestState) bool {
		return st.status == types.StatusCollecting
	})
}

func (t *Tracker) collect(keep func(*requestState) bool) []*types.RequestState {
	var out []*types.RequestState

	for _, s := range t.shards {
		s.mu.Lock()

		for _, st := range s.requests {
			if keep(st) {
				out = append(out, st.snapshot())
			}
		}

		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.RequestID < out[j].Request.RequestID
	})

	return out
}

// Forget drops a finalized request from live memory.
// Its id stays in the completed cache so late gossip is recognized.
func (t *Tracker) Forget(id uint64) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.requests[id]; ok && st.status == types.StatusFinalized {
		delete(s.requests, id)
	}
}

// Expire drops an unfinalized request. It returns false if the request is unknown or finalized.
func (t *Tracker) Expire(id uint64) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.requests[id]
	if !ok || st.status == types.StatusFinalized {
		return false
	}

	delete(s.requests, id)

	return true
}

// IsCompleted reports whether the request finalized on this node. Ids missing
// from the completed cache are looked up in the proof index unless still live.
func (t *Tracker) IsCompleted(id uint64) bool {
	if t.completed.Contains(id) {
		return true
	}

	if t.proofs == nil {
		return false
	}

	s := t.shardFor(id)
	s.mu.Lock()
	_, live := s.requests[id]
	s.mu.Unlock()

	if live || !t.proofs.HasProof(id) {
		return false
	}

	t.completed.Add(id, struct{}{})

	return true
}

// MarkCompleted records a request finalized elsewhere, such as a proof loaded from the store.
func (t *Tracker) MarkCompleted(id uint64) {
	t.completed.Add(id, struct{}{})
}

// Stats summarizes liveness of unfinalized requests.
type Stats struct {
	Pending int           // Pending counts unfinalized requests
	Stuck   int           // Stuck counts pending requests older than the stuck threshold
	Oldest  time.Duration // Oldest is the age of the oldest pending request
}

// SweepResult lists requests found by Sweep.
type SweepResult struct {
	Stats
	StuckIDs   []uint64 // StuckIDs are pending longer than stuckAfter
	ExpiredIDs []uint64 // ExpiredIDs were removed for exceeding expireAfter
}

// Sweep computes liveness stats and removes requests pending longer than expireAfter.
// A zero expireAfter keeps pending requests indefinitely.
func (t *Tracker) Sweep(stuckAfter, expireAfter time.Duration) SweepResult {
	now := t.now()

	var res SweepResult

	for _, s := range t.shards {
		s.mu.Lock()

		for id, st := range s.requests {
			if st.status == types.StatusFinalized {
				continue
			}

			age := now.Sub(st.firstSeen)

			if expireAfter > 0 && age > expireAfter {
				delete(s.requests, id)
				res.ExpiredIDs = append(res.ExpiredIDs, id)
				continue
			}

			res.Pending++

			if age > res.Oldest {
				res.Oldest = age
			}

			if stuckAfter > 0 && age > stuckAfter {
				res.Stuck++
				res.StuckIDs = append(res.StuckIDs, id)
			}
		}

		s.mu.Unlock()
	}

	return res
}

// Stats returns liveness stats without expiring anything.
func (t *Tracker) Stats(stuckAfter time.Duration) Stats {
	return t.Sweep(stuckAfter, 0).Stats
}

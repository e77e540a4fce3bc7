package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"Witnet/internal/api"
	"Witnet/internal/identity"
	"Witnet/internal/logger"
	"Witnet/internal/network"
	"Witnet/internal/signer"
	"Witnet/internal/types"
)

const (
	// persistTimeout bounds a store write that must survive shutdown.
	persistTimeout = 10 * time.Second

	// dialBase and dialCap shape the backoff when dialing configured peers.
	dialBase = 500 * time.Millisecond
	dialCap  = 10 * time.Second
)

// admit handles a request from a trusted source: the API or the request topic.
// The request is tracked, persisted, and signed when this node is in its set.
func (n *Node) admit(ctx context.Context, req *types.ProofRequest) error {
	if n.store.HasProof(req.RequestID) {
		n.tracker.MarkCompleted(req.RequestID)
		logger.Debug("request already proven", "request_id", req.RequestID)

		return nil
	}

	created, err := n.tracker.ObserveRequest(req, true)
	if err != nil {
		return fmt.Errorf("observe request %d:\n%w", req.RequestID, err)
	}

	if n.tracker.IsCompleted(req.RequestID) {
		return nil
	}

	// A request first learned from peers is upgraded in place; persist it
	// again so a restart still treats it as trusted.
	firstSeen := time.Now()
	if st, ok := n.tracker.Snapshot(req.RequestID); ok {
		firstSeen = st.FirstSeen
	}

	if err := n.store.PutRequest(ctx, req, true, firstSeen); err != nil {
		logger.Warn("failed to persist request", "request_id", req.RequestID, "error", err)
	}

	logger.Debug("request admitted", "request_id", req.RequestID, "set_id", req.SetID, "new", created)

	n.gossip.RequestObserved(req.RequestID)

	err = n.signer.Submit(ctx, req)
	if errors.Is(err, signer.ErrNotEligible) {
		return nil
	}

	return err
}

// onLearned persists a request first heard of through backfill.
// It stays untrusted, so this node never signs it.
func (n *Node) onLearned(id uint64) {
	n.gossip.RequestObserved(id)

	req, trusted, ok := n.tracker.Request(id)
	if !ok || n.tracker.IsCompleted(id) {
		return
	}

	st, ok := n.tracker.Snapshot(id)
	firstSeen := time.Now()
	if ok {
		firstSeen = st.FirstSeen
	}

	// Shutdown cancels n.ctx before the store drains; this write must still land.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := n.store.PutRequest(ctx, req, trusted, firstSeen); err != nil {
		logger.Warn("failed to persist learned request", "request_id", id, "error", err)
	}
}

// enqueueProof hands a finalized proof to the finalizer.
func (n *Node) enqueueProof(p *types.Proof) {
	n.finalMu.RLock()
	defer n.finalMu.RUnlock()

	if n.finalClosed {
		logger.Warn("proof finalized during shutdown, not persisted", "request_id", p.RequestID)
		return
	}

	n.finalized <- p
}

// finalizer persists and publishes proofs in finalization order.
func (n *Node) finalizer() {
	defer close(n.finalDone)

	for p := range n.finalized {
		n.finalize(p)
	}
}

func (n *Node) finalize(p *types.Proof) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := n.store.PutProof(ctx, p); err != nil {
		logger.Error("failed to persist proof, serving it from memory",
			"request_id", p.RequestID,
			"error", err,
		)
	}

	n.gossip.Completed(p.RequestID)
	n.tracker.Forget(p.RequestID)
	n.metrics.ProofFinalized()

	delivered := n.proofs.Publish(p)

	if n.sink != nil {
		if err := n.sink.Emit(p); err != nil {
			logger.Warn("proof not queued for kafka", "request_id", p.RequestID, "error", err)
		}
	}

	logger.Debug("proof published", "request_id", p.RequestID, "subscribers", delivered)
}

// closeFinalizer stops accepting proofs and drains the queue.
func (n *Node) closeFinalizer() {
	n.finalMu.Lock()
	if n.finalClosed {
		n.finalMu.Unlock()
		return
	}

	n.finalClosed = true
	close(n.finalized)
	n.finalMu.Unlock()

	if n.finalStarted.Load() {
		<-n.finalDone
	}
}

// onEquivocation records a validator that signed one request twice.
func (n *Node) onEquivocation(e types.EquivocationEvidence) {
	n.metrics.Equivocation()

	validator := ""
	if set, ok := n.provider.SetByID(e.SetID); ok && set.InRange(e.SignerIndex) {
		validator = hex.EncodeToString(set.Member(e.SignerIndex))
	}

	logger.Warn("validator equivocated",
		"request_id", e.RequestID,
		"set_id", e.SetID,
		"index", e.SignerIndex,
		"validator", validator,
	)
}

// restore reloads pending requests and resumes signing the trusted ones.
// Own signatures found in the store are reused, never produced twice.
func (n *Node) restore() error {
	start := time.Now()

	states, err := n.store.ListPending()
	if err != nil {
		return fmt.Errorf("list pending requests:\n%w", err)
	}

	restored, resumed := 0, 0

	for _, st := range states {
		if err := n.tracker.Restore(st); err != nil {
			logger.Warn("skipping persisted request", "request_id", st.Request.RequestID, "error", err)
			continue
		}

		restored++

		if !st.Trusted || n.tracker.IsCompleted(st.Request.RequestID) {
			continue
		}

		err := n.signer.Submit(n.ctx, st.Request)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, signer.ErrNotEligible):
		default:
			logger.Warn("failed to resume signing", "request_id", st.Request.RequestID, "error", err)
		}
	}

	if restored > 0 {
		logger.Info("pending requests restored", "count", restored, "signing", resumed, logger.Timed(start))
	}

	return nil
}

// connectPeers dials every configured peer, then asks them for missing witnesses.
func (n *Node) connectPeers(ctx context.Context) {
	var wg sync.WaitGroup

	for _, addr := range n.cfg.Node.Peers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			n.dial(ctx, addr)
		}()
	}

	wg.Wait()

	if ctx.Err() != nil || len(n.network.Peers()) == 0 {
		return
	}

	if asked := n.bfClient.CatchUp(ctx); asked > 0 {
		logger.Info("catch-up requested", "requests", asked)
	}
}

// dial connects to addr with capped exponential backoff until DialTimeout.
func (n *Node) dial(ctx context.Context, addr string) {
	b := retry.NewExponential(dialBase)
	b = retry.WithCappedDuration(dialCap, b)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithMaxDuration(n.cfg.Node.DialTimeout, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		p, err := n.network.Connect(addr)
		if errors.Is(err, network.ErrBanned) {
			return err
		}

		if err != nil {
			logger.Debug("dial failed", "addr", addr, "error", err)
			return retry.RetryableError(err)
		}

		logger.Info("connected to peer", "addr", addr, "peer", p.ID())

		return nil
	})

	if err != nil && ctx.Err() == nil {
		logger.Warn("giving up on peer", "addr", addr, "error", err)
	}
}

// Status implements api.StatusProvider.
func (n *Node) Status() api.Status {
	st := api.Status{
		Peers:         len(n.network.Peers()),
		StoreDegraded: n.store.Degraded(),
	}

	if set := n.provider.CurrentSet(); set != nil {
		st.SetID = set.ID()
		st.Threshold = set.Threshold()
		st.Validators = set.Len()
		st.SignerIndex, st.Signer = identity.LocalIndex(n.provider, set.ID())
	}

	stats := n.tracker.Stats(n.cfg.Tracker.StuckAfter)
	st.Pending = stats.Pending
	st.Stuck = stats.Stuck
	st.OldestPending = stats.Oldest.Round(time.Millisecond).String()

	return st
}

// proofReader serves proofs still held by the tracker before asking the store.
type proofReader struct {
	n *Node
}

func (r proofReader) GetProof(id uint64) (*types.Proof, error) {
	if p, ok := r.n.tracker.Proof(id); ok {
		return p, nil
	}

	return r.n.store.GetProof(id)
}

// Package signer produces the local node's witness for each request it must sign.
//
// Jobs run on a bounded worker pool, one per request. Submit blocks once
// MaxQueued jobs are admitted, which is the backpressure on ingestion.
// A witness found in the tracker or the store is reused instead of signing again.
package signer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/gammazero/workerpool"

	"Witnet/internal/identity"
	"Witnet/internal/logger"
	"Witnet/internal/metrics"
	"Witnet/internal/tracker"
	"Witnet/internal/types"
)

var (
	// ErrNotEligible is returned when the local node is not a member of the request's set.
	ErrNotEligible = errors.New("local node is not a signer of the request's set")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("signer closed")
)

// Broadcaster sends a local witness to peers.
type Broadcaster interface {
	Publish(w *types.Witness) error
}

// WitnessStore persists and reloads local witnesses.
type WitnessStore interface {
	GetWitness(id uint64, idx uint32) ([]byte, error)
	PutWitness(ctx context.Context, w *types.Witness) error
}

// Config sizes the pool.
type Config struct {
	Workers   int // Workers is the number of concurrent signing jobs
	MaxQueued int // MaxQueued bounds admitted jobs, running or waiting
}

// DefaultConfig sizes the pool to the available cores.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), MaxQueued: 4 * runtime.NumCPU()}
}

// Signer runs signing jobs.
type Signer struct {
	pool     *workerpool.WorkerPool
	slots    chan struct{} // slots admits at most MaxQueued jobs
	tracker  *tracker.Tracker
	provider identity.Provider
	store    WitnessStore
	out      Broadcaster
	metrics  *metrics.Metrics

	gate   sync.RWMutex // gate orders Submit against Close
	closed bool

	mu       sync.Mutex
	inflight map[uint64]struct{} // inflight holds request ids with an admitted job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a signer. store and m may be nil.
func New(cfg Config, tr *tracker.Tracker, provider identity.Provider, store WitnessStore, out Broadcaster, m *metrics.Metrics) *Signer {
	def := DefaultConfig()

	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	if cfg.MaxQueued < cfg.Workers {
		cfg.MaxQueued = cfg.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Signer{
		pool:     workerpool.New(cfg.Workers),
		slots:    make(chan struct{}, cfg.MaxQueued),
		tracker:  tr,
		provider: provider,
		store:    store,
		out:      out,
		metrics:  m,
		inflight: make(map[uint64]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit schedules the local witness of req. A request with a job already
// admitted is ignored. It blocks while the pool is saturated.
func (s *Signer) Submit(ctx context.Context, req *types.ProofRequest) error {
	if _, ok := identity.LocalIndex(s.provider, req.SetID); !ok {
		return ErrNotEligible
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.closed {
		return ErrClosed
	}

	s.mu.Lock()
	if _, busy := s.inflight[req.RequestID]; busy {
		s.mu.Unlock()
		return nil
	}

	s.inflight[req.RequestID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.finish(req.RequestID)
		return ctx.Err()
	}

	s.metrics.SetSigningQueue(len(s.slots))

	s.pool.Submit(func() {
		defer s.finish(req.RequestID)
		defer func() { <-s.slots }()

		if _, err := s.Witness(req); err != nil {
			logger.Warn("signing job failed", "request_id", req.RequestID, "error", err)
		}
	})

	return nil
}

func (s *Signer) finish(id uint64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()

	s.metrics.SetSigningQueue(len(s.slots))
}

// Witness produces, records and broadcasts the local witness of req synchronously.
func (s *Signer) Witness(req *types.ProofRequest) (*types.Witness, error) {
	idx, ok := identity.LocalIndex(s.provider, req.SetID)
	if !ok {
		return nil, ErrNotEligible
	}

	local, _ := s.provider.LocalSigner()

	w := &types.Witness{RequestID: req.RequestID, SignerIndex: idx}
	fresh := false

	if sig, ok := s.reuse(req.RequestID, idx); ok {
		w.Signature = sig
	} else {
		sig, err := local.Sign(req.Message)
		if err != nil {
			return nil, fmt.Errorf("sign request %d:\n%w", req.RequestID, err)
		}

		w.Signature = sig
		fresh = true
	}

	if fresh && s.store != nil {
		if err := s.store.PutWitness(s.ctx, w); err != nil {
			logger.Warn("failed to persist own witness", "request_id", req.RequestID, "error", err)
		}
	}

	outcome, err := s.tracker.IngestWitness(w)
	if err != nil {
		return nil, fmt.Errorf("ingest own witness %d:\n%w", req.RequestID, err)
	}

	if outcome == tracker.Conflicting {
		logger.Error("own witness conflicts with a recorded one", "request_id", req.RequestID, "signer", idx)
	}

	if err := s.out.Publish(w); err != nil {
		logger.Debug("own witness not broadcast", "request_id", req.RequestID, "error", err)
	}

	logger.Debug("own witness ready", "request_id", req.RequestID, "signer", idx, "fresh", fresh)

	return w, nil
}

// reuse looks up an earlier local witness in the tracker, then in the store.
func (s *Signer) reuse(id uint64, idx uint32) ([]byte, bool) {
	if sig, ok := s.tracker.LocalWitness(id, idx); ok {
		return sig, true
	}

	if s.store == nil {
		return nil, false
	}

	sig, err := s.store.GetWitness(id, idx)
	if err != nil {
		return nil, false
	}

	return sig, true
}

// Close stops admitting jobs and waits for admitted ones.
func (s *Signer) Close() {
	s.gate.Lock()
	s.closed = true
	s.gate.Unlock()

	s.pool.StopWait()
	s.cancel()
}

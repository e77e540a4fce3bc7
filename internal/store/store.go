// Package store is the durable record of finalized proofs and pending request state.
//
// Writes retry with capped exponential backoff. When persistence keeps failing
// for longer than the degrade window the store switches to memory-only mode:
// proofs are still served from memory and witnessing continues. The next
// successful write leaves degraded mode.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"Witnet/internal/codec"
	"Witnet/internal/logger"
	"Witnet/internal/metrics"
	"Witnet/internal/storage"
	"Witnet/internal/types"
)

var (
	// ErrNotFound is returned when a proof or witness is not stored.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned for writes after Close.
	ErrClosed = errors.New("store closed")
)

// Config tunes retries, degradation and retention.
type Config struct {
	RetryBase    time.Duration // RetryBase is the first backoff delay
	RetryMax     time.Duration // RetryMax caps a single backoff delay
	MaxRetries   uint64        // MaxRetries bounds attempts per write
	DegradeAfter time.Duration // DegradeAfter is how long writes may fail before memory-only mode
	RetainCount  int           // RetainCount keeps at most this many proofs; 0 is unbounded
	RetainAge    time.Duration // RetainAge prunes proofs older than this; 0 keeps forever
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		RetryBase:    50 * time.Millisecond,
		RetryMax:     2 * time.Second,
		MaxRetries:   5,
		DegradeAfter: 30 * time.Second,
		RetainCount:  100_000,
		RetainAge:    7 * 24 * time.Hour,
	}
}

// KV is the key-value engine under the store; *storage.Storage implements it.
type KV interface {
	Get(key []byte) ([]byte, error)
	Apply(ops []storage.Op) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
}

// Store persists proofs and pending request state over a KV.
type Store struct {
	db      KV // db is the underlying key-value store
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	inflight sync.WaitGroup // inflight tracks writes for a graceful drain

	mu           sync.Mutex
	closed       bool                    // closed rejects new writes
	degraded     bool                    // degraded is set in memory-only mode
	failingSince time.Time               // failingSince is the first failure of the current streak
	memProofs    map[uint64]*types.Proof // memProofs holds proofs that could not be persisted
}

// New creates a store.
func New(db KV, cfg Config, m *metrics.Metrics) *Store {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}

	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}

	return &Store{
		db:        db,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
		memProofs: make(map[uint64]*types.Proof),
	}
}

// Degraded reports whether the store is running memory-only.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.degraded
}

// PutRequest persists a pending request record.
func (s *Store) PutRequest(ctx context.Context, req *types.ProofRequest, trusted bool, firstSeen time.Time) error {
	rec := codec.EncodeStateRecord(&codec.StateRecord{Request: req, Trusted: trusted, FirstSeen: firstSeen})

	return s.write(ctx, "put request", func() ([]storage.Op, error) {
		return []storage.Op{storage.Put(requestKey(req.RequestID), rec)}, nil
	})
}

// PutWitness persists one collected signature of a pending request.
func (s *Store) PutWitness(ctx context.Context, w *types.Witness) error {
	return s.write(ctx, "put witness", func() ([]storage.Op, error) {
		return []storage.Op{storage.Put(witnessKey(w.RequestID, w.SignerIndex), bytes.Clone(w.Signature))}, nil
	})
}

// PutProof persists a finalized proof and, in the same batch, removes the
// request's pending record and signatures.
func (s *Store) PutProof(ctx context.Context, p *types.Proof) error {
	at := s.now()

	value := binary.BigEndian.AppendUint64(nil, uint64(at.UnixNano()))
	value = append(value, codec.EncodeProof(p)...)

	err := s.write(ctx, "put proof", func() ([]storage.Op, error) {
		ops := []storage.Op{
			storage.Put(proofKey(p.RequestID), value),
			storage.Put(timeKey(at, p.RequestID), []byte{}),
			storage.Del(requestKey(p.RequestID)),
		}

		err := s.db.IteratePrefix(witnessPrefix(p.RequestID), func(k, _ []byte) error {
			ops = append(ops, storage.Del(bytes.Clone(k)))
			return nil
		})

		return ops, err
	})

	s.mu.Lock()
	if err != nil {
		s.memProofs[p.RequestID] = p
	} else {
		delete(s.memProofs, p.RequestID)
	}
	s.mu.Unlock()

	return err
}

// write applies a batch with retries and tracks the failure streak.
// In degraded mode a single attempt is made.
func (s *Store) write(ctx context.Context, op string, build func() ([]storage.Op, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	s.inflight.Add(1)
	degraded := s.degraded
	s.mu.Unlock()

	defer s.inflight.Done()

	attempt := func(context.Context) error {
		ops, err := build()
		if err == nil {
			err = s.db.Apply(ops)
		}

		if err != nil && !errors.Is(err, storage.ErrClosed) {
			return retry.RetryableError(err)
		}

		return err
	}

	var err error
	if degraded {
		err = attempt(ctx)
	} else {
		err = retry.Do(ctx, s.backoff(), attempt)
	}

	s.recordResult(op, err)

	if err != nil {
		return fmt.Errorf("%s:\n%w", op, err)
	}

	return nil
}

// backoff returns a fresh capped exponential backoff with jitter.
func (s *Store) backoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.RetryBase)
	b = retry.WithCappedDuration(s.cfg.RetryMax, b)
	b = retry.WithJitterPercent(10, b)

	return retry.WithMaxRetries(s.cfg.MaxRetries, b)
}

// recordResult updates the failure streak and degraded state.
func (s *Store) recordResult(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		if s.degraded {
			logger.Info("proof store recovered, persistence resumed")
			s.metrics.SetStoreDegraded(false)
		}

		s.degraded = false
		s.failingSince = time.Time{}

		return
	}

	s.metrics.StoreWriteFailure()

	now := s.now()
	if s.failingSince.IsZero() {
		s.failingSince = now
	}

	logger.Warn("proof store write failed", "op", op, "error", err)

	if !s.degraded && now.Sub(s.failingSince) >= s.cfg.DegradeAfter {
		s.degraded = true
		s.metrics.SetStoreDegraded(true)

		logger.Error("PROOF STORE DEGRADED: persistence unavailable, continuing memory-only",
			"failing_for", now.Sub(s.failingSince),
			"error", err,
		)
	}
}

// Close rejects new writes and waits for in-flight ones.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()
}

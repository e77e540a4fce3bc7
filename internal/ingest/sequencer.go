// Package ingest admits proof requests from the host chain or a broker.
//
// Sources may deliver out of order, with gaps, or more than once. The
// sequencer only observes ordering; deduplication belongs to the tracker.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"Witnet/internal/logger"
	"Witnet/internal/types"
)

// ErrInvalidRequest is returned for requests that cannot be tracked at all.
var ErrInvalidRequest = errors.New("invalid proof request")

// Handler takes ownership of an admitted request.
type Handler func(ctx context.Context, req *types.ProofRequest) error

// Sequencer forwards requests from every source to one handler and logs
// id gaps and origin block regressions.
type Sequencer struct {
	handler Handler

	mu        sync.Mutex
	started   bool
	lastID    uint64 // lastID is the highest request id seen
	lastBlock uint64 // lastBlock is the highest origin block seen
	gaps      uint64
	regressed uint64
}

// NewSequencer creates a sequencer delivering to h.
func NewSequencer(h Handler) *Sequencer {
	return &Sequencer{handler: h}
}

// Submit records the request's position and forwards it.
func (s *Sequencer) Submit(ctx context.Context, req *types.ProofRequest) error {
	if req == nil || len(req.Message) == 0 {
		return ErrInvalidRequest
	}

	s.observe(req)

	if err := s.handler(ctx, req); err != nil {
		return fmt.Errorf("handle request %d:\n%w", req.RequestID, err)
	}

	return nil
}

func (s *Sequencer) observe(req *types.ProofRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		s.lastID = req.RequestID
		s.lastBlock = req.OriginBlock

		return
	}

	if req.RequestID > s.lastID+1 {
		s.gaps++
		logger.Info("request id gap", "from", s.lastID, "to", req.RequestID)
	}

	if req.OriginBlock < s.lastBlock {
		s.regressed++
		logger.Warn("origin block went backwards",
			"request_id", req.RequestID,
			"origin_block", req.OriginBlock,
			"highest", s.lastBlock,
		)
	}

	s.lastID = max(s.lastID, req.RequestID)
	s.lastBlock = max(s.lastBlock, req.OriginBlock)
}

// Position reports the highest request id and origin block seen.
func (s *Sequencer) Position() (id, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastID, s.lastBlock
}

// Anomalies reports the number of id gaps and block regressions seen.
func (s *Sequencer) Anomalies() (gaps, regressions uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gaps, s.regressed
}

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"Witnet/internal/codec"
	"Witnet/internal/logger"
	"Witnet/internal/storage"
	"Witnet/internal/types"
)

// GetProof returns a finalized proof.
func (s *Store) GetProof(id uint64) (*types.Proof, error) {
	s.mu.Lock()
	p, ok := s.memProofs[id]
	s.mu.Unlock()

	if ok {
		return p, nil
	}

	_, p, err := s.readProof(id)

	return p, err
}

// readProof loads a proof and its finalization time.
func (s *Store) readProof(id uint64) (time.Time, *types.Proof, error) {
	value, err := s.db.Get(proofKey(id))
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("get proof %d:\n%w", id, err)
	}

	if value == nil {
		return time.Time{}, nil, ErrNotFound
	}

	if len(value) < 8 {
		return time.Time{}, nil, fmt.Errorf("proof %d: short record", id)
	}

	at := time.Unix(0, int64(binary.BigEndian.Uint64(value[:8])))

	p, err := codec.DecodeProof(value[8:])
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("decode proof %d:\n%w", id, err)
	}

	return at, p, nil
}

// HasProof reports whether a proof is held, in memory or on disk.
func (s *Store) HasProof(id uint64) bool {
	s.mu.Lock()
	_, ok := s.memProofs[id]
	s.mu.Unlock()

	if ok {
		return true
	}

	v, err := s.db.Get(proofKey(id))

	return err == nil && v != nil
}

// ListProofs calls fn for every proof on disk, in request id order.
func (s *Store) ListProofs(fn func(p *types.Proof) error) error {
	return s.db.IteratePrefix(prefixProof, func(k, v []byte) error {
		if len(v) < 8 {
			return fmt.Errorf("proof %x: short record", k)
		}

		p, err := codec.DecodeProof(v[8:])
		if err != nil {
			return fmt.Errorf("decode proof %x:\n%w", k, err)
		}

		return fn(p)
	})
}

// GetWitness returns a persisted signature of a pending request.
func (s *Store) GetWitness(id uint64, idx uint32) ([]byte, error) {
	v, err := s.db.Get(witnessKey(id, idx))
	if err != nil {
		return nil, fmt.Errorf("get witness %d/%d:\n%w", id, idx, err)
	}

	if v == nil {
		return nil, ErrNotFound
	}

	return v, nil
}

// ListPending loads every persisted unfinalized request with its signatures.
// Unreadable records are logged and skipped.
func (s *Store) ListPending() ([]*types.RequestState, error) {
	var states []*types.RequestState

	err := s.db.IteratePrefix(prefixRequest, func(k, v []byte) error {
		rec, err := codec.DecodeStateRecord(v)
		if err != nil {
			logger.Warn("skipping unreadable request record", "key", fmt.Sprintf("%x", k), "error", err)
			return nil
		}

		states = append(states, &types.RequestState{
			Request:   rec.Request,
			Collected: make(map[uint32][]byte),
			Status:    types.StatusPending,
			Trusted:   rec.Trusted,
			FirstSeen: rec.FirstSeen,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending requests:\n%w", err)
	}

	// A request record written after its proof is stale.
	states = slices.DeleteFunc(states, func(st *types.RequestState) bool {
		return s.HasProof(st.Request.RequestID)
	})

	for _, st := range states {
		err := s.db.IteratePrefix(witnessPrefix(st.Request.RequestID), func(k, v []byte) error {
			idx, ok := parseWitnessKey(k)
			if ok {
				st.Collected[idx] = bytes.Clone(v)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list witnesses of %d:\n%w", st.Request.RequestID, err)
		}

		if len(st.Collected) > 0 {
			st.Status = types.StatusCollecting
		}
	}

	return states, nil
}

// Ack prunes a proof after an external consumer acknowledged it.
func (s *Store) Ack(ctx context.Context, id uint64) error {
	s.mu.Lock()
	_, inMemory := s.memProofs[id]
	delete(s.memProofs, id)
	s.mu.Unlock()

	at, _, err := s.readProof(id)
	if errors.Is(err, ErrNotFound) && inMemory {
		return nil
	}

	if err != nil {
		return err
	}

	return s.write(ctx, "ack proof", func() ([]storage.Op, error) {
		return []storage.Op{storage.Del(proofKey(id)), storage.Del(timeKey(at, id))}, nil
	})
}

// Expire drops a pending request and its signatures.
func (s *Store) Expire(ctx context.Context, id uint64) error {
	return s.write(ctx, "expire request", func() ([]storage.Op, error) {
		ops := []storage.Op{storage.Del(requestKey(id))}

		err := s.db.IteratePrefix(witnessPrefix(id), func(k, _ []byte) error {
			ops = append(ops, storage.Del(bytes.Clone(k)))
			return nil
		})

		return ops, err
	})
}

// Prune removes proofs beyond the retention count or older than the retention age,
// oldest first. It returns the number of proofs removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	type entry struct {
		key []byte
		id  uint64
		at  time.Time
	}

	var entries []entry

	err := s.db.IteratePrefix(prefixTime, func(k, _ []byte) error {
		at, id, ok := parseTimeKey(k)
		if ok {
			entries = append(entries, entry{key: bytes.Clone(k), id: id, at: at})
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan proof index:\n%w", err)
	}

	excess := 0
	if s.cfg.RetainCount > 0 && len(entries) > s.cfg.RetainCount {
		excess = len(entries) - s.cfg.RetainCount
	}

	cutoff := time.Time{}
	if s.cfg.RetainAge > 0 {
		cutoff = s.now().Add(-s.cfg.RetainAge)
	}

	var ops []storage.Op

	for i, e := range entries {
		if i >= excess && (cutoff.IsZero() || !e.at.Before(cutoff)) {
			break
		}

		ops = append(ops, storage.Del(proofKey(e.id)), storage.Del(e.key))
	}

	if len(ops) == 0 {
		return 0, nil
	}

	if err := s.write(ctx, "prune proofs", func() ([]storage.Op, error) { return ops, nil }); err != nil {
		return 0, err
	}

	logger.Debug("pruned proofs", "count", len(ops)/2)

	return len(ops) / 2, nil
}

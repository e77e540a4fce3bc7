package gossip

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"Witnet/internal/types"
)

// orphan is a witness that arrived before its request could be checked.
type orphan struct {
	witness *types.Witness
	from    ed25519.PublicKey
}

// orphanBuffer parks witnesses of unknown requests until the request is observed.
// The least recently touched requests are evicted first.
type orphanBuffer struct {
	mu         sync.Mutex
	byRequest  *lru.Cache[uint64, []orphan]
	perRequest int
}

func newOrphanBuffer(requests, perRequest int) (*orphanBuffer, error) {
	cache, err := lru.New[uint64, []orphan](requests)
	if err != nil {
		return nil, fmt.Errorf("create orphan cache:\n%w", err)
	}

	return &orphanBuffer{byRequest: cache, perRequest: perRequest}, nil
}

// park stores a witness. It reports false when the request's slot is full
// or already holds a witness for the same signer and signature.
func (b *orphanBuffer) park(w *types.Witness, from ed25519.PublicKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, _ := b.byRequest.Get(w.RequestID)
	if len(list) >= b.perRequest {
		return false
	}

	for _, o := range list {
		if o.witness.Equal(w) {
			return false
		}
	}

	b.byRequest.Add(w.RequestID, append(list, orphan{witness: w, from: from}))

	return true
}

// take removes and returns the witnesses parked for a request.
func (b *orphanBuffer) take(id uint64) []orphan {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.byRequest.Peek(id)
	if !ok {
		return nil
	}

	b.byRequest.Remove(id)

	return list
}

// drop discards the witnesses parked for a request.
func (b *orphanBuffer) drop(id uint64) {
	b.mu.Lock()
	b.byRequest.Remove(id)
	b.mu.Unlock()
}

// len returns the number of requests with parked witnesses.
func (b *orphanBuffer) len() int {
	return b.byRequest.Len()
}

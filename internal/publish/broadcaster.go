// Package publish delivers finalized proofs to consumers.
package publish

import (
	"sync"

	"Witnet/internal/logger"
	"Witnet/internal/types"
)

// Broadcaster fans finalized proofs out to in-process subscribers.
// A subscriber whose buffer is full misses the proof; Publish never blocks.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan *types.Proof
	next   uint64
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan *types.Proof)}
}

// Subscribe registers a subscriber with the given buffer size.
// The returned cancel function unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan *types.Proof, func()) {
	if buffer <= 0 {
		buffer = 1
	}

	ch := make(chan *types.Proof, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}

	return ch, cancel
}

// Publish hands p to every subscriber with room for it and returns the number reached.
func (b *Broadcaster) Publish(p *types.Proof) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sent := 0

	for id, ch := range b.subs {
		select {
		case ch <- p:
			sent++
		default:
			logger.Debug("slow proof subscriber skipped", "subscriber", id, "request_id", p.RequestID)
		}
	}

	return sent
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

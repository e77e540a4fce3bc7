package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a seen frame suppresses identical copies.
	defaultDedupTTL = 30 * time.Second

	// cleanupInterval is the interval between expiry sweeps.
	cleanupInterval = time.Second
)

// Dedup suppresses identical gossip frames for a TTL.
// Frames are keyed by BLAKE3(topic || payload).
type Dedup struct {
	seen map[[32]byte]int64 // seen maps frame hash to first-seen unix nanos
	mu   sync.Mutex         // mu protects seen
	ttl  int64              // ttl in nanoseconds
	stop chan struct{}      // stop ends the cleanup goroutine
	wg   sync.WaitGroup     // wg waits for the cleanup goroutine
}

// NewDedup creates a tracker; a non-positive ttl uses the default.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// frameHash hashes a routed frame.
func frameHash(topic Topic, data []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte{byte(topic)})
	h.Write(data)

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// Check records the frame and reports whether it was unseen within the TTL.
func (d *Dedup) Check(topic Topic, data []byte) bool {
	hash := frameHash(topic, data)
	now := time.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered frames.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries.
func (d *Dedup) cleanup() {
	now := time.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}

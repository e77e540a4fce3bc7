package gossip

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// signerKey identifies a validator within a set.
type signerKey struct {
	setID uint64
	index uint32
}

// conflictLimiter bounds how often conflicting witnesses of one signer are relayed.
type conflictLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[signerKey, *rate.Limiter]
}

// newConflictLimiter creates a limiter allowing perSecond relays per signer with burst.
func newConflictLimiter(perSecond float64, burst, signers int) (*conflictLimiter, error) {
	cache, err := lru.New[signerKey, *rate.Limiter](signers)
	if err != nil {
		return nil, fmt.Errorf("create conflict limiter cache:\n%w", err)
	}

	return &conflictLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: cache}, nil
}

// allow reports whether a conflicting witness of the signer may be relayed now.
func (c *conflictLimiter) allow(setID uint64, index uint32) bool {
	key := signerKey{setID: setID, index: index}

	l, ok := c.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)

		if prev, found, _ := c.limiters.PeekOrAdd(key, l); found {
			l = prev
		}
	}

	return l.Allow()
}

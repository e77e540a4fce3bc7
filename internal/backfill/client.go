package backfill

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"Witnet/internal/codec"
	"Witnet/internal/logger"
	"Witnet/internal/metrics"
	"Witnet/internal/tracker"
	"Witnet/internal/types"
)

// Config tunes backfill on both sides.
type Config struct {
	Timeout       time.Duration // Timeout bounds one attempt against one peer
	MaxAttempts   int           // MaxAttempts bounds peers tried per lookup; 0 tries every peer
	MaxSignatures int           // MaxSignatures caps signatures per response, lowest indices first
	CompressAbove int           // CompressAbove compresses responses larger than this many bytes
	RetryAfter    time.Duration // RetryAfter is the minimum interval between lookups of one request
	SweepInterval time.Duration // SweepInterval is the period of the stale-request sweep
	MaxConcurrent int           // MaxConcurrent bounds triggered lookups in flight
}

// DefaultConfig returns the default backfill configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		MaxAttempts:   3,
		MaxSignatures: 1024,
		CompressAbove: 4096,
		RetryAfter:    30 * time.Second,
		SweepInterval: 30 * time.Second,
		MaxConcurrent: 8,
	}
}

// Result summarizes one successful lookup.
type Result struct {
	Peer      string               // Peer is the id of the peer that answered
	Status    codec.BackfillStatus // Status is the peer's view of the request
	Accepted  int                  // Accepted counts signatures added to the tracker
	Duplicate int                  // Duplicate counts signatures already held
	Rejected  int                  // Rejected counts signatures that failed verification or range checks
}

// Client looks up missed witnesses and feeds them to the tracker.
type Client struct {
	cfg     Config
	peers   func() []Requester
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	dec     *zstd.Decoder

	onLearned func(id uint64) // onLearned is called when a lookup starts tracking a request

	mu   sync.Mutex
	last map[uint64]time.Time // last is the time of the latest triggered lookup per request
	sem  chan struct{}        // sem bounds triggered lookups in flight

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. m may be nil.
func NewClient(cfg Config, peers func() []Requester, tr *tracker.Tracker, m *metrics.Metrics) (*Client, error) {
	def := DefaultConfig()

	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:     cfg,
		peers:   peers,
		tracker: tr,
		metrics: m,
		dec:     dec,
		last:    make(map[uint64]time.Time),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// OnLearned sets the callback for requests first learned through backfill.
func (c *Client) OnLearned(fn func(id uint64)) {
	c.onLearned = fn
}

// RequestWitnesses asks peers in random order for a request until one answers
// with something. A failed or timed out attempt moves on to the next peer.
func (c *Client) RequestWitnesses(ctx context.Context, id uint64) (*Result, error) {
	peers := c.peers()
	if len(peers) == 0 {
		c.metrics.Backfill("no_peers")
		return nil, ErrNoPeers
	}

	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	if c.cfg.MaxAttempts > 0 && len(peers) > c.cfg.MaxAttempts {
		peers = peers[:c.cfg.MaxAttempts]
	}

	query := codec.EncodeBackfillRequest(&codec.BackfillRequest{RequestID: id})

	for _, p := range peers {
		resp, err := c.ask(ctx, p, query, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			logger.Debug("backfill attempt failed", "request_id", id, "peer", p.ID(), "error", err)
			c.metrics.Backfill("error")

			continue
		}

		if resp.Status == codec.BackfillNone {
			c.metrics.Backfill("empty")
			continue
		}

		res := c.apply(resp)
		res.Peer = p.ID()

		c.metrics.Backfill("ok")

		logger.Debug("backfill applied",
			"request_id", id,
			"status", res.Status.String(),
			"accepted", res.Accepted,
			"rejected", res.Rejected,
		)

		return res, nil
	}

	return nil, fmt.Errorf("%w: request %d", ErrUnavailable, id)
}

// ask runs one attempt against one peer.
func (c *Client) ask(ctx context.Context, p Requester, query []byte, id uint64) (*codec.BackfillResponse, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := p.Request(actx, ProtocolBackfill, query)
	if err != nil {
		return nil, err
	}

	data, err := unframe(c.dec, raw)
	if err != nil {
		return nil, err
	}

	resp, err := codec.DecodeBackfillResponse(data)
	if err != nil {
		return nil, fmt.Errorf("decode response:\n%w", err)
	}

	if resp.RequestID != id {
		return nil, fmt.Errorf("response for request %d, want %d", resp.RequestID, id)
	}

	return resp, nil
}

// apply feeds a response to the tracker as untrusted input.
func (c *Client) apply(resp *codec.BackfillResponse) *Result {
	res := &Result{Status: resp.Status}

	created, err := c.tracker.ObserveRequest(resp.Request, false)
	if err != nil && !errors.Is(err, tracker.ErrRequestConflict) {
		logger.Debug("backfilled request not tracked", "request_id", resp.RequestID, "error", err)
		res.Rejected = len(resp.Signatures)

		return res
	}

	if created && c.onLearned != nil {
		c.onLearned(resp.RequestID)
	}

	for _, e := range resp.Signatures {
		outcome, err := c.tracker.IngestWitness(&types.Witness{
			RequestID:   resp.RequestID,
			SignerIndex: e.Index,
			Signature:   e.Signature,
		})

		switch {
		case err != nil:
			res.Rejected++
			logger.Debug("backfilled witness rejected", "request_id", resp.RequestID, "signer", e.Index, "error", err)
		case outcome == tracker.Accepted:
			res.Accepted++
		default:
			res.Duplicate++
		}
	}

	return res
}

// Trigger starts a background lookup unless one ran for the request within RetryAfter
// or too many are already in flight.
func (c *Client) Trigger(id uint64) {
	now := time.Now()

	c.mu.Lock()
	if last, ok := c.last[id]; ok && now.Sub(last) < c.cfg.RetryAfter {
		c.mu.Unlock()
		return
	}

	c.last[id] = now
	c.mu.Unlock()

	select {
	case c.sem <- struct{}{}:
	default:
		c.mu.Lock()
		delete(c.last, id)
		c.mu.Unlock()

		logger.Debug("backfill saturated, lookup skipped", "request_id", id)

		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()

		if _, err := c.RequestWitnesses(c.ctx, id); err != nil {
			logger.Debug("triggered backfill failed", "request_id", id, "error", err)
		}
	}()
}

// CatchUp looks up every pending request once, typically after a restart.
// It returns the number of requests for which a peer answered.
func (c *Client) CatchUp(ctx context.Context) int {
	pending := c.tracker.Pending()
	answered := 0

	for _, st := range pending {
		if _, err := c.RequestWitnesses(ctx, st.Request.RequestID); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrNoPeers) {
				break
			}

			continue
		}

		answered++
	}

	if len(pending) > 0 {
		logger.Info("catch-up finished", "pending", len(pending), "answered", answered)
	}

	return answered
}

// Start launches the periodic sweep that backfills requests collecting for
// longer than RetryAfter.
func (c *Client) Start() {
	if c.cfg.SweepInterval <= 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// sweep triggers lookups for stale pending requests and forgets old debounce entries.
func (c *Client) sweep() {
	now := time.Now()

	for _, st := range c.tracker.Pending() {
		if now.Sub(st.FirstSeen) >= c.cfg.RetryAfter {
			c.Trigger(st.Request.RequestID)
		}
	}

	c.mu.Lock()
	for id, at := range c.last {
		if now.Sub(at) > 2*c.cfg.RetryAfter {
			delete(c.last, id)
		}
	}
	c.mu.Unlock()
}

// Close stops background lookups.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
	c.dec.Close()
}

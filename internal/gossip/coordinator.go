// Package gossip moves witnesses between validators.
//
// Inbound frames pass cheap structural checks before they reach the tracker:
// size, decoding, the completed cache, and the signer index range of the
// request's set. Candidates are then queued to a worker owning the request's
// tracker shard, so each request is mutated by one worker at a time.
package gossip

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"Witnet/internal/codec"
	"Witnet/internal/identity"
	"Witnet/internal/logger"
	"Witnet/internal/metrics"
	"Witnet/internal/network"
	"Witnet/internal/tracker"
	"Witnet/internal/types"
)

// TopicWitness is the network topic carrying encoded witnesses.
const TopicWitness network.Topic = 1

// maxWitnessFrame bounds an inbound frame before it is decoded.
const maxWitnessFrame = 4096

// persistTimeout bounds the store write of one accepted witness.
const persistTimeout = 10 * time.Second

// Transport sends frames to peers; *network.Node implements it.
type Transport interface {
	Gossip(topic network.Topic, data []byte, fanout int, exclude ed25519.PublicKey) error
	Ban(pub ed25519.PublicKey, d time.Duration)
}

// Backfiller fetches the state of a request this node does not know yet.
type Backfiller interface {
	Trigger(id uint64)
}

// WitnessStore persists accepted witnesses of pending requests.
type WitnessStore interface {
	PutWitness(ctx context.Context, w *types.Witness) error
}

// Config tunes the coordinator.
type Config struct {
	Fanout              int           // Fanout is the number of peers a relayed witness is sent to
	QueueSize           int           // QueueSize bounds each shard queue
	RebroadcastInterval time.Duration // RebroadcastInterval is the period of own-witness rebroadcast
	MaxRebroadcastAge   time.Duration // MaxRebroadcastAge stops rebroadcasting requests older than this
	ConflictRate        float64       // ConflictRate is relayed conflicting witnesses per second per signer
	ConflictBurst       int           // ConflictBurst is the conflict relay burst per signer
	OrphanRequests      int           // OrphanRequests bounds requests with parked witnesses
	OrphansPerRequest   int           // OrphansPerRequest bounds parked witnesses per request
	Score               ScoreConfig   // Score is the peer scoring curve
}

// DefaultConfig returns the default gossip configuration.
func DefaultConfig() Config {
	return Config{
		Fanout:              6,
		QueueSize:           1024,
		RebroadcastInterval: time.Minute,
		MaxRebroadcastAge:   time.Hour,
		ConflictRate:        0.1,
		ConflictBurst:       1,
		OrphanRequests:      1024,
		OrphansPerRequest:   64,
		Score:               DefaultScoreConfig(),
	}
}

// inbound is a structurally valid witness waiting for its shard worker.
type inbound struct {
	witness *types.Witness
	frame   []byte
	from    ed25519.PublicKey
}

// Coordinator is the only component that sends or receives witnesses.
type Coordinator struct {
	cfg       Config
	transport Transport
	tracker   *tracker.Tracker
	provider  identity.Provider
	store     WitnessStore
	metrics   *metrics.Metrics

	scorer    *Scorer
	orphans   *orphanBuffer
	conflicts *conflictLimiter
	queues    []chan inbound // queues has one bounded queue per tracker shard

	bfMu     sync.RWMutex
	backfill Backfiller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. store and m may be nil.
func New(cfg Config, transport Transport, tr *tracker.Tracker, provider identity.Provider, store WitnessStore, m *metrics.Metrics) (*Coordinator, error) {
	def := DefaultConfig()

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	if cfg.OrphanRequests <= 0 {
		cfg.OrphanRequests = def.OrphanRequests
	}

	if cfg.OrphansPerRequest <= 0 {
		cfg.OrphansPerRequest = def.OrphansPerRequest
	}

	if cfg.ConflictBurst <= 0 {
		cfg.ConflictBurst = def.ConflictBurst
	}

	orphans, err := newOrphanBuffer(cfg.OrphanRequests, cfg.OrphansPerRequest)
	if err != nil {
		return nil, err
	}

	conflicts, err := newConflictLimiter(cfg.ConflictRate, cfg.ConflictBurst, 4096)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:       cfg,
		transport: transport,
		tracker:   tr,
		provider:  provider,
		store:     store,
		metrics:   m,
		scorer:    NewScorer(cfg.Score, transport.Ban, m),
		orphans:   orphans,
		conflicts: conflicts,
		queues:    make([]chan inbound, tr.ShardCount()),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := range c.queues {
		c.queues[i] = make(chan inbound, cfg.QueueSize)
	}

	return c, nil
}

// SetBackfiller wires the catch-up client used for unknown requests.
func (c *Coordinator) SetBackfiller(b Backfiller) {
	c.bfMu.Lock()
	c.backfill = b
	c.bfMu.Unlock()
}

// Attach registers the witness topic on a network node.
func (c *Coordinator) Attach(node *network.Node) {
	node.Handle(TopicWitness, func(p *network.Peer, data []byte) {
		c.Receive(p.PublicKey(), data)
	})
}

// Scorer returns the peer scorer.
func (c *Coordinator) Scorer() *Scorer {
	return c.scorer
}

// Start launches the shard workers and the rebroadcast timer.
func (c *Coordinator) Start() {
	for _, q := range c.queues {
		c.wg.Add(1)
		go c.worker(q)
	}

	if c.cfg.RebroadcastInterval > 0 {
		c.wg.Add(1)
		go c.rebroadcastLoop()
	}
}

// Close stops the workers. A witness being processed finishes, including its
// store write; queued witnesses are dropped and can be backfilled.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Publish sends a locally produced witness to every peer.
func (c *Coordinator) Publish(w *types.Witness) error {
	if err := c.transport.Gossip(TopicWitness, codec.EncodeWitness(w), 0, nil); err != nil {
		return fmt.Errorf("publish witness %d:\n%w", w.RequestID, err)
	}

	c.metrics.WitnessSent()

	return nil
}

// Receive runs the structural checks on a frame from a peer and queues it for ingestion.
func (c *Coordinator) Receive(from ed25519.PublicKey, frame []byte) {
	if len(frame) > maxWitnessFrame {
		c.reject(from, ReasonMalformed, fmt.Errorf("frame of %d bytes", len(frame)))
		return
	}

	w, err := codec.DecodeWitness(frame)
	if err != nil {
		c.reject(from, ReasonMalformed, err)
		return
	}

	if c.tracker.IsCompleted(w.RequestID) {
		c.metrics.WitnessReceived(tracker.Late.String())
		return
	}

	req, _, ok := c.tracker.Request(w.RequestID)
	if !ok {
		c.park(w, from)
		return
	}

	set, ok := c.provider.SetByID(req.SetID)
	if !ok || !set.InRange(w.SignerIndex) {
		c.reject(from, ReasonInvalidIndex, fmt.Errorf("signer %d outside set %d", w.SignerIndex, req.SetID))
		return
	}

	c.enqueue(inbound{witness: w, frame: frame, from: from})
}

// RequestObserved replays witnesses parked for a newly tracked request.
func (c *Coordinator) RequestObserved(id uint64) {
	for _, o := range c.orphans.take(id) {
		c.enqueue(inbound{witness: o.witness, frame: codec.EncodeWitness(o.witness), from: o.from})
	}
}

// Completed drops witnesses parked for a finished request.
func (c *Coordinator) Completed(id uint64) {
	c.orphans.drop(id)
}

func (c *Coordinator) enqueue(in inbound) {
	q := c.queues[c.tracker.ShardOf(in.witness.RequestID)]

	select {
	case q <- in:
	default:
		c.metrics.ShardDropped()
		logger.Debug("shard queue full, witness dropped", "request_id", in.witness.RequestID)
	}
}

func (c *Coordinator) worker(q chan inbound) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-q:
			c.process(in)
		}
	}
}

// process ingests one witness and decides whether to relay it.
func (c *Coordinator) process(in inbound) {
	w := in.witness

	outcome, err := c.tracker.IngestWitness(w)

	switch {
	case err == nil:
	case errors.Is(err, tracker.ErrUnknownRequest):
		c.park(w, in.from)
		return
	case errors.Is(err, tracker.ErrUntrustedMismatch):
		c.metrics.WitnessReceived("untrusted_mismatch")
		c.orphans.park(w, in.from)
		return
	case errors.Is(err, tracker.ErrInvalidSignerIndex):
		c.reject(in.from, ReasonInvalidIndex, err)
		return
	case errors.Is(err, tracker.ErrInvalidSignature):
		c.reject(in.from, ReasonInvalidSignature, err)
		return
	default:
		logger.Debug("witness not ingested", "request_id", w.RequestID, "error", err)
		return
	}

	c.metrics.WitnessReceived(outcome.String())

	switch outcome {
	case tracker.Accepted:
		c.scorer.Reward(in.from)
		c.persist(w)
		c.relay(in)

	case tracker.Duplicate:
		c.scorer.Reward(in.from)
		c.relay(in)

	case tracker.Conflicting:
		req, _, ok := c.tracker.Request(w.RequestID)
		if ok && c.conflicts.allow(req.SetID, w.SignerIndex) {
			c.relay(in)
			return
		}

		c.metrics.ConflictLimited()
	}
}

// persist stores an accepted witness while its request is still pending.
func (c *Coordinator) persist(w *types.Witness) {
	if c.store == nil || c.tracker.IsCompleted(w.RequestID) {
		return
	}

	// Not tied to c.ctx: Close waits for this write instead of aborting it.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.store.PutWitness(ctx, w); err != nil {
		logger.Warn("failed to persist witness", "request_id", w.RequestID, "signer", w.SignerIndex, "error", err)
	}
}

func (c *Coordinator) relay(in inbound) {
	if err := c.transport.Gossip(TopicWitness, in.frame, c.cfg.Fanout, in.from); err != nil {
		logger.Debug("relay failed", "request_id", in.witness.RequestID, "error", err)
	}
}

// park buffers a witness of an unknown request and asks for a backfill.
func (c *Coordinator) park(w *types.Witness, from ed25519.PublicKey) {
	if !c.orphans.park(w, from) {
		return
	}

	c.metrics.WitnessReceived("orphaned")

	c.bfMu.RLock()
	b := c.backfill
	c.bfMu.RUnlock()

	if b != nil {
		b.Trigger(w.RequestID)
	}
}

func (c *Coordinator) reject(from ed25519.PublicKey, reason string, err error) {
	logger.Debug("witness rejected", "reason", reason, "error", err)

	c.metrics.WitnessReceived(reason)
	c.scorer.Penalize(from, reason)
}

func (c *Coordinator) rebroadcastLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RebroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.RebroadcastOwn()
		}
	}
}

// RebroadcastOwn resends the local witness of every request still collecting
// and younger than the rebroadcast age. It returns the number sent.
func (c *Coordinator) RebroadcastOwn() int {
	now := time.Now()
	sent := 0

	for _, st := range c.tracker.Collecting() {
		if c.cfg.MaxRebroadcastAge > 0 && now.Sub(st.FirstSeen) > c.cfg.MaxRebroadcastAge {
			continue
		}

		idx, ok := identity.LocalIndex(c.provider, st.Request.SetID)
		if !ok {
			continue
		}

		sig, ok := st.Collected[idx]
		if !ok {
			continue
		}

		frame := codec.EncodeWitness(&types.Witness{RequestID: st.Request.RequestID, SignerIndex: idx, Signature: sig})

		if err := c.transport.Gossip(TopicWitness, frame, c.cfg.Fanout, nil); err != nil {
			logger.Debug("rebroadcast failed", "request_id", st.Request.RequestID, "error", err)
			continue
		}

		sent++
	}

	if sent > 0 {
		logger.Debug("rebroadcast own witnesses", "count", sent)
	}

	return sent
}

package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"Witnet/internal/api"
	"Witnet/internal/backfill"
	"Witnet/internal/gossip"
	"Witnet/internal/identity"
	"Witnet/internal/ingest"
	"Witnet/internal/logger"
	"Witnet/internal/metrics"
	"Witnet/internal/network"
	"Witnet/internal/publish"
	"Witnet/internal/signer"
	"Witnet/internal/storage"
	"Witnet/internal/store"
	"Witnet/internal/tracker"
	"Witnet/internal/types"
)

// finalizeQueue bounds proofs waiting to be persisted and published.
const finalizeQueue = 1024

// Node represents a running witnet validator.
type Node struct {
	cfg        *Config
	privateKey ed25519.PrivateKey

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	storage  *storage.Storage
	store    *store.Store
	scheme   *identity.Scheme
	provider *identity.Static
	tracker  *tracker.Tracker

	network  *network.Node
	gossip   *gossip.Coordinator
	bfServer *backfill.Server
	bfClient *backfill.Client
	signer   *signer.Signer

	proofs    *publish.Broadcaster
	sink      *publish.KafkaSink // sink is nil without brokers
	kafka     *kgo.Client        // kafka is nil without brokers
	source    *ingest.KafkaSource
	sequencer *ingest.Sequencer
	api       *api.Server

	finalized    chan *types.Proof // finalized feeds the finalizer goroutine
	finalMu      sync.RWMutex      // finalMu guards finalClosed against late sends
	finalClosed  bool
	finalStarted atomic.Bool
	finalDone    chan struct{}

	closeOnce sync.Once
	closeErr  error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates and initializes a new node. Nothing listens until Run.
func NewNode(cfg *Config, priv ed25519.PrivateKey) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:        cfg,
		privateKey: priv,
		finalized:  make(chan *types.Proof, finalizeQueue),
		finalDone:  make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	steps := []func() error{
		n.initMetrics,
		n.initStorage,
		n.initIdentity,
		n.initTracker,
		n.initNetwork,
		n.initGossip,
		n.initBackfill,
		n.initSigner,
		n.initPublish,
		n.initIngest,
		n.initAPI,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// Run restores pending work, joins the network and serves until a shutdown signal.
func (n *Node) Run() error {
	n.finalStarted.Store(true)
	go n.finalizer()

	n.gossip.Start()
	n.bfClient.Start()

	if err := n.restore(); err != nil {
		n.Close()
		return err
	}

	if err := n.network.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start network:\n%w", err)
	}

	if _, err := n.api.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	g, ctx := errgroup.WithContext(n.ctx)

	g.Go(func() error { n.connectPeers(ctx); return nil })
	g.Go(func() error { n.sweepLoop(ctx); return nil })
	g.Go(func() error { n.pruneLoop(ctx); return nil })

	if n.source != nil {
		g.Go(func() error { return n.source.Run(ctx) })
	}

	errc := make(chan error, 1)
	go func() { errc <- g.Wait() }()

	return n.waitForShutdown(errc)
}

// waitForShutdown blocks until a signal arrives or a background loop fails.
func (n *Node) waitForShutdown(errc <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case runErr = <-errc:
		if runErr != nil {
			logger.Error("background loop failed", "error", runErr)
		}
	}

	if err := n.Close(); err != nil {
		return err
	}

	return runErr
}

// sweepLoop reports liveness and expires abandoned requests.
func (n *Node) sweepLoop(ctx context.Context) {
	interval := n.cfg.Tracker.SweepInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sweep(ctx)
		}
	}
}

func (n *Node) sweep(ctx context.Context) {
	res := n.tracker.Sweep(n.cfg.Tracker.StuckAfter, n.cfg.Tracker.ExpireAfter)

	n.metrics.SetPending(res.Pending, res.Stuck, res.Oldest)

	if len(res.StuckIDs) > 0 {
		logger.Warn("requests stuck below threshold",
			"count", len(res.StuckIDs),
			"oldest", res.Oldest.Round(time.Second),
			"first", res.StuckIDs[0],
		)
	}

	for _, id := range res.ExpiredIDs {
		n.gossip.Completed(id)

		if err := n.store.Expire(ctx, id); err != nil {
			logger.Warn("expire request failed", "request_id", id, "error", err)
		}
	}
}

// pruneLoop drops old acknowledged and unacknowledged proofs from the store.
func (n *Node) pruneLoop(ctx context.Context) {
	interval := n.cfg.Store.PruneInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()

			pruned, err := n.store.Prune(ctx)
			if err != nil {
				logger.Warn("prune failed", "error", err)
				continue
			}

			if pruned > 0 {
				logger.Info("pruned proofs", "count", pruned, logger.Timed(start))
			}
		}
	}
}

// Close shuts down all node components gracefully. It is safe to call twice.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.shutdown()
	})

	return n.closeErr
}

// shutdown stops inbound traffic first so the store sees every last write.
func (n *Node) shutdown() error {
	n.cancel()

	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.gossip != nil {
		n.gossip.Close()
	}

	if n.bfClient != nil {
		n.bfClient.Close()
	}

	if n.bfServer != nil {
		n.bfServer.Close()
	}

	if n.signer != nil {
		n.signer.Close()
	}

	n.closeFinalizer()

	if n.sink != nil {
		n.sink.Close()
	}

	if n.proofs != nil {
		n.proofs.Close()
	}

	if n.kafka != nil {
		n.kafka.Close()
	}

	if n.store != nil {
		n.store.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

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

// initMetrics creates the node's private Prometheus registry.
func (n *Node) initMetrics() error {
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	n.metrics = metrics.New(n.registry, n.cfg.Metrics.Namespace)

	return nil
}

// initStorage opens the Pebble database and the proof store on top of it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(filepath.Join(n.cfg.Node.DataDir, "db"), storage.DefaultOptions())
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.store = store.New(db, n.cfg.storeConfig(), n.metrics)

	return nil
}

// initIdentity loads the validator sets and derives the local signing key.
func (n *Node) initIdentity() error {
	scheme, err := identity.SchemeByName(n.cfg.Node.Scheme)
	if err != nil {
		return err
	}

	local, err := scheme.NewSigner(n.privateKey)
	if err != nil {
		return fmt.Errorf("derive %s key:\n%w", scheme.Name, err)
	}

	provider, err := identity.LoadStatic(n.cfg.Node.ValidatorFile, local)
	if err != nil {
		return fmt.Errorf("load validator sets:\n%w", err)
	}

	current := provider.CurrentSet()
	if current == nil {
		return fmt.Errorf("no validator set in %s", n.cfg.Node.ValidatorFile)
	}

	provider.OnRotate(func(set *types.ValidatorSet) {
		n.metrics.SetValidatorSet(set.ID())
	})

	n.metrics.SetValidatorSet(current.ID())

	if idx, ok := identity.LocalIndex(provider, current.ID()); ok {
		logger.Info("signing as validator", "set", current.String(), "index", idx)
	} else {
		logger.Warn("local key is not in the current validator set, witnesses will not be produced",
			"set", current.String(),
			"signer", hex.EncodeToString(local.PublicKey()),
		)
	}

	n.scheme = scheme
	n.provider = provider

	return nil
}

// initTracker creates the request tracker and hooks its events.
func (n *Node) initTracker() error {
	tr, err := tracker.New(n.cfg.trackerConfig(), n.provider, n.scheme.Verifier)
	if err != nil {
		return fmt.Errorf("init tracker:\n%w", err)
	}

	tr.SetProofIndex(n.store)
	tr.OnFinalized(n.enqueueProof)
	tr.OnEquivocation(n.onEquivocation)

	n.tracker = tr

	return nil
}

// initNetwork initializes the P2P network node.
func (n *Node) initNetwork() error {
	netCfg := network.Config{
		PrivateKey: n.privateKey,
		ListenAddr: n.cfg.Node.QUICAddr,
		DedupTTL:   n.cfg.Gossip.DedupTTL,
	}

	node, err := network.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	node.OnConnect(func(p *network.Peer) {
		logger.Info("peer connected", "peer", p.ID(), "peers", len(node.Peers()))
	})

	node.OnDisconnect(func(p *network.Peer) {
		logger.Info("peer disconnected", "peer", p.ID(), "peers", len(node.Peers()))
	})

	n.network = node

	return nil
}

// initGossip creates the witness gossip coordinator on the witness topic.
func (n *Node) initGossip() error {
	c, err := gossip.New(n.cfg.gossipConfig(), n.network, n.tracker, n.provider, n.store, n.metrics)
	if err != nil {
		return fmt.Errorf("init gossip:\n%w", err)
	}

	c.Attach(n.network)
	n.gossip = c

	return nil
}

// initBackfill registers the backfill protocol and creates the catch-up client.
func (n *Node) initBackfill() error {
	cfg := n.cfg.backfillConfig()

	server, err := backfill.NewServer(cfg, n.tracker, n.store)
	if err != nil {
		return fmt.Errorf("init backfill server:\n%w", err)
	}

	server.Attach(n.network)
	n.bfServer = server

	client, err := backfill.NewClient(cfg, backfill.NodePeers(n.network), n.tracker, n.metrics)
	if err != nil {
		return fmt.Errorf("init backfill client:\n%w", err)
	}

	client.OnLearned(n.onLearned)
	n.gossip.SetBackfiller(client)
	n.bfClient = client

	return nil
}

// initSigner creates the signing worker; its witnesses go out through gossip.
func (n *Node) initSigner() error {
	n.signer = signer.New(n.cfg.signerConfig(), n.tracker, n.provider, n.store, n.gossip, n.metrics)
	return nil
}

// initPublish creates the proof broadcaster and, with brokers configured,
// the Kafka client shared by the proof sink and the request source.
func (n *Node) initPublish() error {
	n.proofs = publish.NewBroadcaster()

	if len(n.cfg.Broker.Seeds) == 0 {
		return nil
	}

	client, err := kgo.NewClient(
		kgo.WithHooks(kprom.NewMetrics(n.cfg.Metrics.Namespace,
			kprom.Registerer(n.registry),
			kprom.Gatherer(n.registry),
		)),
		kgo.SeedBrokers(n.cfg.Broker.Seeds...),
		kgo.DefaultProduceTopic(n.cfg.Broker.ProofTopic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		kgo.ConsumeTopics(n.cfg.Broker.RequestTopic),
		kgo.ConsumerGroup(n.cfg.Broker.ConsumerGroup),
		kgo.BlockRebalanceOnPoll(),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("create kafka client:\n%w", err)
	}

	n.kafka = client
	n.sink = publish.NewKafkaSink(client, publish.SinkConfig{Topic: n.cfg.Broker.ProofTopic})

	logger.Info("kafka enabled",
		"seeds", n.cfg.Broker.Seeds,
		"requests", n.cfg.Broker.RequestTopic,
		"proofs", n.cfg.Broker.ProofTopic,
	)

	return nil
}

// initIngest creates the request sequencer, fed by the API and by Kafka.
func (n *Node) initIngest() error {
	n.sequencer = ingest.NewSequencer(n.admit)

	if n.kafka != nil {
		n.source = ingest.NewKafkaSource(n.kafka, n.sequencer, 0)
	}

	return nil
}

// initAPI creates the HTTP API server.
func (n *Node) initAPI() error {
	n.api = api.New(n.cfg.Node.HTTPAddr, api.Options{
		Submitter: n.sequencer,
		Proofs:    proofReader{n},
		Acker:     n.store,
		Sets:      n.provider,
		Stream:    n.proofs,
		Status:    n,
		Metrics:   promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{Registry: n.registry}),
	})

	return nil
}

package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/ardanlabs/conf/v3"

	"Witnet/internal/backfill"
	"Witnet/internal/gossip"
	"Witnet/internal/signer"
	"Witnet/internal/store"
	"Witnet/internal/tracker"
)

// envPrefix prefixes every environment variable, e.g. WITNET_NODE_QUIC_ADDR.
const envPrefix = "WITNET"

// Config holds the node configuration.
type Config struct {
	conf.Version

	Node struct {
		DataDir       string        `conf:"default:./data,help:directory for persistent storage"`
		KeyPath       string        `conf:"default:node.key,help:ed25519 key file (generated if missing)"`
		QUICAddr      string        `conf:"default::9000,help:QUIC listen address"`
		HTTPAddr      string        `conf:"default::8080,help:HTTP API listen address"`
		Peers         []string      `conf:"help:QUIC addresses of peers to dial"`
		LogLevel      string        `conf:"default:info"`
		Scheme        string        `conf:"default:bls,help:signature scheme (bls or ed25519)"`
		ValidatorFile string        `conf:"default:validators.json,help:validator set file"`
		DialTimeout   time.Duration `conf:"default:2m,help:how long to keep dialing a configured peer"`
	}
	Tracker struct {
		Shards         int           `conf:"default:16"`
		CompletedCache int           `conf:"default:500"`
		StuckAfter     time.Duration `conf:"default:5m"`
		ExpireAfter    time.Duration `conf:"default:0s,help:drop unfinalized requests older than this (0 keeps them)"`
		SweepInterval  time.Duration `conf:"default:10s"`
	}
	Signer struct {
		Workers   int `conf:"help:signing workers (0 uses every core)"`
		MaxQueued int `conf:"help:admitted signing jobs before ingestion blocks"`
	}
	Gossip struct {
		Fanout              int           `conf:"default:6"`
		QueueSize           int           `conf:"default:1024"`
		RebroadcastInterval time.Duration `conf:"default:1m"`
		MaxRebroadcastAge   time.Duration `conf:"default:1h"`
		DedupTTL            time.Duration `conf:"default:30s"`
		ConflictRate        float64       `conf:"default:0.1"`
		ConflictBurst       int           `conf:"default:1"`
		OrphanRequests      int           `conf:"default:1024"`
		OrphansPerRequest   int           `conf:"default:64"`
		PenaltyMalformed    float64       `conf:"default:10"`
		PenaltyInvalidSig   float64       `conf:"default:20"`
		PenaltyInvalidIndex float64       `conf:"default:10"`
		Reward              float64       `conf:"default:1"`
		MaxScore            float64       `conf:"default:50"`
		BanBelow            float64       `conf:"default:-100"`
		BanDuration         time.Duration `conf:"default:10m"`
	}
	Backfill struct {
		Timeout       time.Duration `conf:"default:5s"`
		MaxAttempts   int           `conf:"default:3"`
		MaxSignatures int           `conf:"default:1024"`
		CompressAbove int           `conf:"default:4096"`
		RetryAfter    time.Duration `conf:"default:30s"`
		SweepInterval time.Duration `conf:"default:30s"`
		MaxConcurrent int           `conf:"default:8"`
	}
	Store struct {
		RetryBase     time.Duration `conf:"default:50ms"`
		RetryMax      time.Duration `conf:"default:2s"`
		MaxRetries    uint64        `conf:"default:5"`
		DegradeAfter  time.Duration `conf:"default:30s"`
		RetainCount   int           `conf:"default:100000"`
		RetainAge     time.Duration `conf:"default:168h"`
		PruneInterval time.Duration `conf:"default:10m"`
	}
	Broker struct {
		Seeds         []string `conf:"help:Kafka seed brokers (empty disables Kafka)"`
		RequestTopic  string   `conf:"default:witnet-requests"`
		ProofTopic    string   `conf:"default:witnet-proofs"`
		ConsumerGroup string   `conf:"default:witnet"`
	}
	Metrics struct {
		Namespace string `conf:"default:witnet"`
	}
}

// parseConfig parses command-line flags and WITNET_* environment variables.
// It returns the help text when --help was requested.
func parseConfig() (*Config, string, error) {
	cfg := &Config{}
	cfg.Version.Desc = "witnet validator node"

	help, err := conf.Parse(envPrefix, cfg)
	if err != nil {
		return nil, help, err
	}

	return cfg, "", nil
}

func (c *Config) trackerConfig() tracker.Config {
	return tracker.Config{Shards: c.Tracker.Shards, CompletedCacheSize: c.Tracker.CompletedCache}
}

func (c *Config) signerConfig() signer.Config {
	return signer.Config{Workers: c.Signer.Workers, MaxQueued: c.Signer.MaxQueued}
}

func (c *Config) gossipConfig() gossip.Config {
	return gossip.Config{
		Fanout:              c.Gossip.Fanout,
		QueueSize:           c.Gossip.QueueSize,
		RebroadcastInterval: c.Gossip.RebroadcastInterval,
		MaxRebroadcastAge:   c.Gossip.MaxRebroadcastAge,
		ConflictRate:        c.Gossip.ConflictRate,
		ConflictBurst:       c.Gossip.ConflictBurst,
		OrphanRequests:      c.Gossip.OrphanRequests,
		OrphansPerRequest:   c.Gossip.OrphansPerRequest,
		Score: gossip.ScoreConfig{
			Malformed:        c.Gossip.PenaltyMalformed,
			InvalidSignature: c.Gossip.PenaltyInvalidSig,
			InvalidIndex:     c.Gossip.PenaltyInvalidIndex,
			Reward:           c.Gossip.Reward,
			Max:              c.Gossip.MaxScore,
			BanBelow:         c.Gossip.BanBelow,
			BanDuration:      c.Gossip.BanDuration,
		},
	}
}

func (c *Config) backfillConfig() backfill.Config {
	return backfill.Config{
		Timeout:       c.Backfill.Timeout,
		MaxAttempts:   c.Backfill.MaxAttempts,
		MaxSignatures: c.Backfill.MaxSignatures,
		CompressAbove: c.Backfill.CompressAbove,
		RetryAfter:    c.Backfill.RetryAfter,
		SweepInterval: c.Backfill.SweepInterval,
		MaxConcurrent: c.Backfill.MaxConcurrent,
	}
}

func (c *Config) storeConfig() store.Config {
	return store.Config{
		RetryBase:    c.Store.RetryBase,
		RetryMax:     c.Store.RetryMax,
		MaxRetries:   c.Store.MaxRetries,
		DegradeAfter: c.Store.DegradeAfter,
		RetainCount:  c.Store.RetainCount,
		RetainAge:    c.Store.RetainAge,
	}
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}

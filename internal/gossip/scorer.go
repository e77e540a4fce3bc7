package gossip

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"time"

	"Witnet/internal/logger"
	"Witnet/internal/metrics"
)

// Penalty reasons.
const (
	ReasonMalformed        = "malformed"
	ReasonInvalidSignature = "invalid_signature"
	ReasonInvalidIndex     = "invalid_index"
)

// ScoreConfig is the peer scoring curve.
type ScoreConfig struct {
	Malformed        float64       // Malformed is subtracted for undecodable frames
	InvalidSignature float64       // InvalidSignature is subtracted for witnesses that fail verification
	InvalidIndex     float64       // InvalidIndex is subtracted for out-of-range signer indices
	Reward           float64       // Reward is added per accepted or duplicate witness
	Max              float64       // Max caps accumulated good behaviour
	BanBelow         float64       // BanBelow bans a peer whose score falls to or below it
	BanDuration      time.Duration // BanDuration is how long a banned peer is refused
}

// DefaultScoreConfig returns the default scoring curve.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		Malformed:        10,
		InvalidSignature: 20,
		InvalidIndex:     10,
		Reward:           1,
		Max:              50,
		BanBelow:         -100,
		BanDuration:      10 * time.Minute,
	}
}

// BanFunc disconnects and refuses a peer.
type BanFunc func(pub ed25519.PublicKey, d time.Duration)

// Scorer keeps a score per peer and bans peers that misbehave repeatedly.
type Scorer struct {
	cfg     ScoreConfig
	ban     BanFunc
	metrics *metrics.Metrics

	mu     sync.Mutex
	scores map[string]float64 // scores maps peer key hex to its score
}

// NewScorer creates a scorer. ban may be nil.
func NewScorer(cfg ScoreConfig, ban BanFunc, m *metrics.Metrics) *Scorer {
	return &Scorer{
		cfg:     cfg,
		ban:     ban,
		metrics: m,
		scores:  make(map[string]float64),
	}
}

// Penalize lowers a peer's score and bans it at the threshold.
// It reports whether the peer was banned.
func (s *Scorer) Penalize(pub ed25519.PublicKey, reason string) bool {
	if pub == nil {
		return false
	}

	key := hex.EncodeToString(pub)

	s.mu.Lock()
	score := s.scores[key] - s.penalty(reason)
	banned := score <= s.cfg.BanBelow

	if banned {
		delete(s.scores, key)
	} else {
		s.scores[key] = score
	}
	s.mu.Unlock()

	s.metrics.PeerPenalty(reason)

	logger.Debug("peer penalized", "peer", key[:16], "reason", reason, "score", score)

	if banned {
		logger.Warn("banning misbehaving peer", "peer", key[:16], "last_reason", reason)
		s.metrics.PeerBanned()

		if s.ban != nil {
			s.ban(pub, s.cfg.BanDuration)
		}
	}

	return banned
}

// Reward raises a peer's score up to the cap.
func (s *Scorer) Reward(pub ed25519.PublicKey) {
	if pub == nil {
		return
	}

	key := hex.EncodeToString(pub)

	s.mu.Lock()
	s.scores[key] = min(s.scores[key]+s.cfg.Reward, s.cfg.Max)
	s.mu.Unlock()
}

// Score returns a peer's current score.
func (s *Scorer) Score(pub ed25519.PublicKey) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scores[hex.EncodeToString(pub)]
}

func (s *Scorer) penalty(reason string) float64 {
	switch reason {
	case ReasonMalformed:
		return s.cfg.Malformed
	case ReasonInvalidSignature:
		return s.cfg.InvalidSignature
	case ReasonInvalidIndex:
		return s.cfg.InvalidIndex
	default:
		return 0
	}
}

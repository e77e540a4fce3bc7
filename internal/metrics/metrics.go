// Package metrics exposes the node's Prometheus instruments.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every instrument of a node.
type Metrics struct {
	validatorSetID    prometheus.Gauge
	witnessSent       prometheus.Counter
	witnessReceived   *prometheus.CounterVec
	proofsFinalized   prometheus.Counter
	equivocations     prometheus.Counter
	pendingRequests   prometheus.Gauge
	stuckRequests     prometheus.Gauge
	oldestPendingAge  prometheus.Gauge
	peerPenalties     *prometheus.CounterVec
	peersBanned       prometheus.Counter
	backfillRequests  *prometheus.CounterVec
	storeDegraded     prometheus.Gauge
	storeWriteFailure prometheus.Counter
	signingQueueDepth prometheus.Gauge
	shardQueueDropped prometheus.Counter
	conflictsLimited  prometheus.Counter
}

// New registers the instruments on reg under namespace.
// Each call needs its own registerer; tests use prometheus.NewRegistry().
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		validatorSetID: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validator_set_id",
			Help:      "The id of the current validator set",
		}),
		witnessSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "witness_sent_total",
			Help:      "Local witnesses broadcast",
		}),
		witnessReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "witness_received_total",
			Help:      "Inbound witnesses by ingestion outcome",
		}, []string{"outcome"}),
		proofsFinalized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proofs_finalized_total",
			Help:      "Proofs assembled by this node",
		}),
		equivocations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "equivocations_total",
			Help:      "Conflicting witnesses observed",
		}),
		pendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Tracked requests not yet finalized",
		}),
		stuckRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_requests",
			Help:      "Pending requests older than the stuck threshold",
		}),
		oldestPendingAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest pending request",
		}),
		peerPenalties: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_penalties_total",
			Help:      "Peer score penalties by reason",
		}, []string{"reason"}),
		peersBanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_banned_total",
			Help:      "Peers disconnected for misbehaviour",
		}),
		backfillRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_requests_total",
			Help:      "Outbound backfill attempts by result",
		}, []string{"result"}),
		storeDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_degraded",
			Help:      "1 while the proof store runs memory-only",
		}),
		storeWriteFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_failures_total",
			Help:      "Proof store writes that failed after retries",
		}),
		signingQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signing_queue_depth",
			Help:      "Signing jobs waiting for a worker",
		}),
		shardQueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_queue_dropped_total",
			Help:      "Inbound witnesses dropped on a full shard queue",
		}),
		conflictsLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_rate_limited_total",
			Help:      "Conflicting witnesses not rebroadcast due to rate limiting",
		}),
	}
}

// SetValidatorSet records the current validator set id.
func (m *Metrics) SetValidatorSet(id uint64) {
	if m == nil {
		return
	}

	m.validatorSetID.Set(float64(id))
}

// WitnessSent counts a broadcast local witness.
func (m *Metrics) WitnessSent() {
	if m == nil {
		return
	}

	m.witnessSent.Inc()
}

// WitnessReceived counts an inbound witness by outcome label.
func (m *Metrics) WitnessReceived(outcome string) {
	if m == nil {
		return
	}

	m.witnessReceived.WithLabelValues(outcome).Inc()
}

// ProofFinalized counts an assembled proof.
func (m *Metrics) ProofFinalized() {
	if m == nil {
		return
	}

	m.proofsFinalized.Inc()
}

// Equivocation counts a conflicting witness.
func (m *Metrics) Equivocation() {
	if m == nil {
		return
	}

	m.equivocations.Inc()
}

// SetPending records the tracker's liveness gauges.
func (m *Metrics) SetPending(pending, stuck int, oldest time.Duration) {
	if m == nil {
		return
	}

	m.pendingRequests.Set(float64(pending))
	m.stuckRequests.Set(float64(stuck))
	m.oldestPendingAge.Set(oldest.Seconds())
}

// PeerPenalty counts a score penalty.
func (m *Metrics) PeerPenalty(reason string) {
	if m == nil {
		return
	}

	m.peerPenalties.WithLabelValues(reason).Inc()
}

// PeerBanned counts a ban.
func (m *Metrics) PeerBanned() {
	if m == nil {
		return
	}

	m.peersBanned.Inc()
}

// Backfill counts a backfill attempt by result.
func (m *Metrics) Backfill(result string) {
	if m == nil {
		return
	}

	m.backfillRequests.WithLabelValues(result).Inc()
}

// SetStoreDegraded records whether the store is memory-only.
func (m *Metrics) SetStoreDegraded(degraded bool) {
	if m == nil {
		return
	}

	v := 0.0
	if degraded {
		v = 1
	}

	m.storeDegraded.Set(v)
}

// StoreWriteFailure counts a write that exhausted its retries.
func (m *Metrics) StoreWriteFailure() {
	if m == nil {
		return
	}

	m.storeWriteFailure.Inc()
}

// SetSigningQueue records the signing backlog.
func (m *Metrics) SetSigningQueue(n int) {
	if m == nil {
		return
	}

	m.signingQueueDepth.Set(float64(n))
}

// ShardDropped counts a witness dropped on a full shard queue.
func (m *Metrics) ShardDropped() {
	if m == nil {
		return
	}

	m.shardQueueDropped.Inc()
}

// ConflictLimited counts a conflicting witness held back by the rate limiter.
func (m *Metrics) ConflictLimited() {
	if m == nil {
		return
	}

	m.conflictsLimited.Inc()
}

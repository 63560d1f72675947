// Package metrics exposes Prometheus instrumentation for the fabric node,
// adapted from the teacher's pkg/metrics package: HTTP/analysis gauges are
// replaced with consensus round, view-change, SMR conflict, voting, and
// optimizer counters/gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the fabric node reports.
type Metrics struct {
	// API metrics
	requestsTotal    prometheus.Counter
	requestDuration  prometheus.Histogram
	requestsInFlight prometheus.Gauge

	// Consensus metrics
	consensusRoundsTotal    *prometheus.CounterVec
	consensusRoundDuration  prometheus.Histogram
	viewChangesTotal        prometheus.Counter
	byzantineEvidenceTotal  *prometheus.CounterVec
	currentView             prometheus.Gauge

	// SMR metrics
	smrOperationsTotal prometheus.Counter
	smrConflictsTotal  *prometheus.CounterVec
	smrSnapshotsTotal  prometheus.Counter

	// Voting metrics
	votesCastTotal      prometheus.Counter
	proposalsFinalized  *prometheus.CounterVec

	// Optimizer metrics
	cacheHitRatio     prometheus.Gauge
	breakerOpenTotal  prometheus.Counter
	predictedLatency  prometheus.Histogram
}

// NewMetrics registers and returns the fabric's metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_http_requests_total",
			Help: "Total number of HTTP requests",
		}),
		requestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		requestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		}),

		consensusRoundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_consensus_rounds_total",
				Help: "Total number of consensus rounds by algorithm and outcome",
			},
			[]string{"algorithm", "outcome"},
		),
		consensusRoundDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_consensus_round_duration_seconds",
			Help:    "Time from proposal to commit",
			Buckets: prometheus.DefBuckets,
		}),
		viewChangesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_view_changes_total",
			Help: "Total number of completed view changes",
		}),
		byzantineEvidenceTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_byzantine_evidence_total",
				Help: "Total recorded malicious-behavior evidence by kind",
			},
			[]string{"kind"},
		),
		currentView: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_consensus_current_view",
			Help: "Current consensus view number",
		}),

		smrOperationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_smr_operations_total",
			Help: "Total state-machine operations applied",
		}),
		smrConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_smr_conflicts_total",
				Help: "Total detected operation conflicts by resolution strategy",
			},
			[]string{"strategy"},
		),
		smrSnapshotsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_smr_snapshots_total",
			Help: "Total state snapshots taken",
		}),

		votesCastTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_votes_cast_total",
			Help: "Total votes cast across all proposals",
		}),
		proposalsFinalized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_proposals_finalized_total",
				Help: "Total proposals finalized by outcome",
			},
			[]string{"outcome"},
		),

		cacheHitRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_optimizer_cache_hit_ratio",
			Help: "Current intelligent-cache hit ratio",
		}),
		breakerOpenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_circuit_breaker_open_total",
			Help: "Total times a circuit breaker tripped open",
		}),
		predictedLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_optimizer_predicted_latency_ms",
			Help:    "Distribution of predicted tool latencies",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordRequest records a new HTTP request.
func (m *Metrics) RecordRequest() { m.requestsTotal.Inc() }

// RecordRequestDuration records the duration of an HTTP request.
func (m *Metrics) RecordRequestDuration(duration time.Duration) {
	m.requestDuration.Observe(duration.Seconds())
}

// IncRequestsInFlight increments the in-flight requests counter.
func (m *Metrics) IncRequestsInFlight() { m.requestsInFlight.Inc() }

// DecRequestsInFlight decrements the in-flight requests counter.
func (m *Metrics) DecRequestsInFlight() { m.requestsInFlight.Dec() }

// RecordConsensusRound records the outcome and latency of one round.
func (m *Metrics) RecordConsensusRound(algorithm, outcome string, duration time.Duration) {
	m.consensusRoundsTotal.WithLabelValues(algorithm, outcome).Inc()
	m.consensusRoundDuration.Observe(duration.Seconds())
}

// RecordViewChange records a completed view change.
func (m *Metrics) RecordViewChange() { m.viewChangesTotal.Inc() }

// RecordByzantineEvidence records one piece of malicious-behavior evidence.
func (m *Metrics) RecordByzantineEvidence(kind string) {
	m.byzantineEvidenceTotal.WithLabelValues(kind).Inc()
}

// SetCurrentView updates the current-view gauge.
func (m *Metrics) SetCurrentView(view float64) { m.currentView.Set(view) }

// RecordSMROperation records one applied state-machine operation.
func (m *Metrics) RecordSMROperation() { m.smrOperationsTotal.Inc() }

// RecordSMRConflict records one conflict resolved under strategy.
func (m *Metrics) RecordSMRConflict(strategy string) {
	m.smrConflictsTotal.WithLabelValues(strategy).Inc()
}

// RecordSMRSnapshot records one snapshot taken.
func (m *Metrics) RecordSMRSnapshot() { m.smrSnapshotsTotal.Inc() }

// RecordVoteCast records one cast vote.
func (m *Metrics) RecordVoteCast() { m.votesCastTotal.Inc() }

// RecordProposalFinalized records one finalized proposal by outcome
// ("passed" or "failed").
func (m *Metrics) RecordProposalFinalized(outcome string) {
	m.proposalsFinalized.WithLabelValues(outcome).Inc()
}

// SetCacheHitRatio updates the intelligent-cache hit ratio gauge.
func (m *Metrics) SetCacheHitRatio(ratio float64) { m.cacheHitRatio.Set(ratio) }

// RecordBreakerOpen records a circuit breaker trip.
func (m *Metrics) RecordBreakerOpen() { m.breakerOpenTotal.Inc() }

// RecordPredictedLatency records one predictive-model latency estimate.
func (m *Metrics) RecordPredictedLatency(ms float64) { m.predictedLatency.Observe(ms) }

// GetRegistry returns the Prometheus registry backing these metrics.
func (m *Metrics) GetRegistry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}

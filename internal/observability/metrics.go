package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
type Metrics struct {
	// --- Engine ---
	CallsCommitted  *prometheus.CounterVec
	CallsRejected   *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	Requests        *prometheus.CounterVec
	JournalsPosted  *prometheus.CounterVec
	StateHashDur    prometheus.Histogram
	EngineSequence  prometheus.Gauge
	PositionsLive   *prometheus.GaugeVec
	OverflowsCaught prometheus.Counter

	// --- Markets ---
	FundingAccruals  *prometheus.CounterVec
	FundingIndex     *prometheus.GaugeVec
	MarketNotional   *prometheus.GaugeVec
	Liquidations     *prometheus.CounterVec
	PriceRejects     *prometheus.CounterVec
	VaultNetTransfer *prometheus.CounterVec

	// --- Ingestion & idempotency ---
	IngestToCommit        *prometheus.HistogramVec
	NATSPullLatency       *prometheus.HistogramVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	SourceSequenceGap     *prometheus.CounterVec
	ClockSkew             prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// --- RPC ---
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.NewRegistry
// so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Engine
		CallsCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_calls_committed_total",
			Help: "Engine calls committed",
		}, []string{"method"}),

		CallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_calls_rejected_total",
			Help: "Engine calls rolled back, by error code",
		}, []string{"method", "code"}),

		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_call_duration_seconds",
			Help:    "Time to apply and commit one engine call",
			Buckets: latencyBuckets,
		}, []string{"method"}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_requests_total",
			Help: "Submit requests processed, by action and result code",
		}, []string{"action", "result"}),

		JournalsPosted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_journals_posted_total",
			Help: "Transfer journal entries posted",
		}, []string{"journal_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_settle_state_hash_duration_seconds",
			Help:    "Time to compute the state digest and chain hash",
			Buckets: latencyBuckets,
		}),

		EngineSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_sequence",
			Help: "Sequence of the last committed call",
		}),

		PositionsLive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_positions_live",
			Help: "Live positions per market and side",
		}, []string{"market", "side"}),

		OverflowsCaught: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_overflows_total",
			Help: "Arithmetic overflows converted to BadRequest",
		}),

		// Markets
		FundingAccruals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_funding_accruals_total",
			Help: "Accruals that moved the interest indices",
		}, []string{"market"}),

		FundingIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_funding_index",
			Help: "Interest index per market and side (Scalar18 as float)",
		}, []string{"market", "side"}),

		MarketNotional: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_market_notional",
			Help: "Aggregate notional per market and side",
		}, []string{"market", "side"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"market"}),

		PriceRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_price_rejects_total",
			Help: "Quotes refused by the staleness guard",
		}, []string{"market", "reason"}),

		VaultNetTransfer: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_vault_transfer_total",
			Help: "Absolute vault transfer volume by direction",
		}, []string{"direction"}),

		// Ingestion & idempotency
		IngestToCommit: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_ingest_to_commit_seconds",
			Help:    "NATS receive to engine commit",
			Buckets: latencyBuckets,
		}, []string{"source"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_nats_pull_latency_seconds",
			Help:    "NATS fetch latency",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_idempotency_duplicates_total",
			Help: "Duplicate batches caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		SourceSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_source_sequence_gap_total",
			Help: "Gaps or regressions in ingested batch sequences",
		}, []string{"source", "kind"}),

		ClockSkew: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_clock_skew_total",
			Help: "Calls whose wall clock was behind the last committed timestamp",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_settle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_settle_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		// RPC
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_rpc_requests_total",
			Help: "Settlement RPCs by method and gRPC code",
		}, []string{"method", "code"}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_rpc_duration_seconds",
			Help:    "Settlement RPC latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

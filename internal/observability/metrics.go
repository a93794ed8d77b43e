package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for OptionsLedger. A nil *Metrics is
// accepted by every component.
type Metrics struct {
	// --- Engine ---
	EngineOpsApplied      *prometheus.CounterVec
	EngineOpsRejected     *prometheus.CounterVec
	EngineOpDuration      *prometheus.HistogramVec
	EngineSequence        prometheus.Gauge
	EngineCompensations   prometheus.Counter
	BestEffortSyncFailure *prometheus.CounterVec

	// --- Trading & intake ---
	TradesApplied   prometheus.Counter
	NoncesAdvanced  *prometheus.CounterVec
	IntakeRejected  *prometheus.CounterVec
	IntakeBatchSize prometheus.Histogram

	// --- Settlement ---
	SettlementsProcessed *prometheus.CounterVec
	SettlementBadDebt    *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationsExecuted prometheus.Counter
	LiquidatedContracts  prometheus.Counter
	PenaltyForgone       prometheus.Counter

	// --- Ingestion ---
	IngestToApply         *prometheus.HistogramVec
	NATSPullLatency       *prometheus.HistogramVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram
	PublishDrops          prometheus.Counter
	ChannelSize           *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	PersistBackpressure  prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Engine
		EngineOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_engine_ops_applied_total",
			Help: "Engine operations committed",
		}, []string{"op"}),

		EngineOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_engine_ops_rejected_total",
			Help: "Engine operations rolled back",
		}, []string{"op", "reason"}),

		EngineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_engine_op_duration_seconds",
			Help:    "Time to run one engine operation under the lock",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optl_engine_sequence",
			Help: "Last committed event sequence",
		}),

		EngineCompensations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_engine_compensating_transfers_total",
			Help: "Custodian transfers reversed during rollback",
		}),

		BestEffortSyncFailure: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_best_effort_sync_failures_total",
			Help: "Ignored yield-balance refresh failures",
		}, []string{"asset"}),

		// Trading & intake
		TradesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_trades_applied_total",
			Help: "Matched trades applied",
		}),

		NoncesAdvanced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_nonces_advanced_total",
			Help: "Signed-order nonce advances",
		}, []string{"reason"}),

		IntakeRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_intake_rejected_total",
			Help: "Signed orders rejected by the intake",
		}, []string{"reason"}),

		IntakeBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_intake_batch_size",
			Help:    "Orders per submitted batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),

		// Settlement
		SettlementsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_settlements_processed_total",
			Help: "Settled (instrument, trader) pairs by outcome",
		}, []string{"outcome"}),

		SettlementBadDebt: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_settlement_bad_debt_events_total",
			Help: "Settlements that recorded bad debt",
		}, []string{"settlement_asset"}),

		// Liquidation
		LiquidationsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_liquidations_executed_total",
			Help: "Committed liquidation calls",
		}),

		LiquidatedContracts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_liquidated_contracts_total",
			Help: "Short contracts transferred to liquidators",
		}),

		PenaltyForgone: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_liquidation_penalty_forgone_total",
			Help: "Liquidations whose penalty was not fully seized",
		}),

		// Ingestion
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_ingest_to_apply_seconds",
			Help:    "NATS receive to engine commit",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: latencyBuckets,
		}, []string{"consumer"}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optl_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optl_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_persist_batch_size",
			Help:    "Envelopes per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_retries_total",
			Help: "Batch write retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optl_persist_last_sequence",
			Help: "Highest persisted sequence",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optl_snapshots_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optl_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optl_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: latencyBuckets,
		}, []string{"method"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "code"}),
	}
}

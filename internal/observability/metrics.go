package observability

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the ledger service.
type Metrics struct {
	// --- Core processing ---
	CommandsApplied   *prometheus.CounterVec
	CommandsRejected  *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	RecordsEmitted    *prometheus.CounterVec
	JournalsGenerated *prometheus.CounterVec
	CoreSequence      prometheus.Gauge
	IngestToApply     *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Gauge
	SequenceGaps          *prometheus.CounterVec
	SequenceOutOfOrder    *prometheus.CounterVec

	// --- Pool ---
	PoolCollateral    prometheus.Gauge
	PoolShares        prometheus.Gauge
	PoolLockedAmount  prometheus.Gauge
	PoolLockedPremium prometheus.Gauge
	PoolRound         prometheus.Gauge
	PoolQueueLength   prometheus.Gauge

	// --- Options ---
	OptionsCreated   *prometheus.CounterVec
	OptionsExercised *prometheus.CounterVec
	OptionsExpired   *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistRecordsWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
}

// NewMetrics creates every collector on reg. The service passes
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_core_commands_applied_total",
			Help: "Commands applied by the core",
		}, []string{"command"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, sequence, domain error)",
		}, []string{"command", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_core_command_duration_seconds",
			Help:    "Time to apply one command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		RecordsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_core_records_emitted_total",
			Help: "Typed records emitted by applied commands",
		}, []string{"record"}),

		JournalsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_core_journals_generated_total",
			Help: "Token journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_core_sequence",
			Help: "Next global sequence number",
		}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optl_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optl_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optl_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_dedup_lru_evictions",
			Help: "LRU evictions since start",
		}),

		SequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_source_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		SequenceOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_source_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PoolCollateral: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_pool_total_collateral",
			Help: "Pool collateral net of locked premium (token units)",
		}),

		PoolShares: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_pool_total_shares",
			Help: "LP share supply",
		}),

		PoolLockedAmount: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_pool_locked_amount",
			Help: "Collateral locked against open options",
		}),

		PoolLockedPremium: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_pool_locked_premium",
			Help: "Premium held until options settle",
		}),

		PoolRound: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_pool_round",
			Help: "Current pool round",
		}),

		PoolQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_pool_withdraw_queue_length",
			Help: "Pending withdrawal requests",
		}),

		OptionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_options_created_total",
			Help: "Options written",
		}, []string{"style"}),

		OptionsExercised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_options_exercised_total",
			Help: "Options settled in the money",
		}, []string{"style"}),

		OptionsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_options_expired_total",
			Help: "Options settled out of the money",
		}, []string{"style"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_records_written_total",
			Help: "Records written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),
	}
}

// SetChannelMetrics updates channel utilisation metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// PoolGauges is a point-in-time view of the pool aggregates.
type PoolGauges struct {
	Collateral    *uint256.Int
	Shares        *uint256.Int
	LockedAmount  *uint256.Int
	LockedPremium *uint256.Int
	Round         uint64
	QueueLength   uint64
}

// SetPoolGauges publishes pool aggregates. Token amounts lose precision
// beyond 2^53, which is fine for dashboards.
func (m *Metrics) SetPoolGauges(g PoolGauges) {
	m.PoolCollateral.Set(toFloat(g.Collateral))
	m.PoolShares.Set(toFloat(g.Shares))
	m.PoolLockedAmount.Set(toFloat(g.LockedAmount))
	m.PoolLockedPremium.Set(toFloat(g.LockedPremium))
	m.PoolRound.Set(float64(g.Round))
	m.PoolQueueLength.Set(float64(g.QueueLength))
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

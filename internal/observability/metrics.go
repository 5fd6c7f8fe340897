package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CandleLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Game ---
	VotesCast          *prometheus.CounterVec
	CandlesReleased    *prometheus.CounterVec
	PrizePoolTotal     prometheus.Counter
	PrizesPaidTotal    prometheus.Counter
	BeneficiaryTotal   prometheus.Counter
	WithdrawalsTotal   prometheus.Counter
	WithdrawnAmount    prometheus.Counter
	ParamUpdates       *prometheus.CounterVec
	Paused             prometheus.Gauge
	TotalFunds         prometheus.Gauge
	CurrentCandleStart prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Messaging ---
	NATSPublished       *prometheus.CounterVec
	SettlementsReceived *prometheus.CounterVec
	CustodyRequests     *prometheus.CounterVec
	StreamClients       prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers every metric on reg. Pass prometheus.DefaultRegisterer
// in the binary and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_core_events_rejected_total",
			Help: "Operations rejected by validation",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candle_core_event_apply_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_core_sequence",
			Help: "Current global sequence number",
		}),

		// Game
		VotesCast: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_votes_cast_total",
			Help: "Votes registered",
		}, []string{"vote"}),

		CandlesReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_candles_released_total",
			Help: "Candles settled",
		}, []string{"winning_vote"}),

		PrizePoolTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_prize_pool_units_total",
			Help: "Sum of losing pools settled, smallest units",
		}),

		PrizesPaidTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_prizes_paid_units_total",
			Help: "Sum of ranked winner payouts, smallest units",
		}),

		BeneficiaryTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_beneficiary_units_total",
			Help: "Sum of beneficiary remainders, smallest units",
		}),

		WithdrawalsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_withdrawals_total",
			Help: "Completed withdrawals",
		}),

		WithdrawnAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_withdrawn_units_total",
			Help: "Amount released to custody, smallest units",
		}),

		ParamUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_param_updates_total",
			Help: "Successful configuration changes",
		}, []string{"field"}),

		Paused: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_paused",
			Help: "1 while the system is paused",
		}),

		TotalFunds: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_total_funds_units",
			Help: "Sum of stakes ever paid in, smallest units",
		}),

		CurrentCandleStart: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_current_candle_start_seconds",
			Help: "Start timestamp of the open candle",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_channel_utilization_ratio",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_persist_events_written_total",
			Help: "Events written to event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "candle_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "candle_persist_batch_duration_seconds",
			Help:    "Batch commit latency",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "candle_snapshot_duration_seconds",
			Help:    "Time to capture and store a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "candle_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// Messaging
		NATSPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_nats_published_total",
			Help: "Outbound events published",
		}, []string{"event_type", "status"}),

		SettlementsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_settlements_received_total",
			Help: "Inbound settlement commands",
		}, []string{"status"}),

		CustodyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_custody_requests_total",
			Help: "Custody transfer requests",
		}, []string{"status"}),

		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "candle_stream_clients",
			Help: "Connected websocket clients",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candle_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
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

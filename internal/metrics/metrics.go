package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay counters and histograms, partitioned by source ("batch" or "watch")
// where the same code path serves both entry points.

var (
	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain JSON-RPC calls by method and status",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times an RPC call waited on the rate limiter",
	}, []string{"chain"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "claimrelay",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Chain JSON-RPC call duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "method"})

	// Event source
	EventsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "source",
		Name:      "events_total",
		Help:      "Total TokensClaimed events decoded",
	}, []string{"source"})

	EventDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "source",
		Name:      "decode_errors_total",
		Help:      "Total logs that could not be decoded as TokensClaimed",
	}, []string{"source"})

	SubscriptionPollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "source",
		Name:      "poll_errors_total",
		Help:      "Total live subscription poll failures",
	}, []string{"source"})

	SubscriptionHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "source",
		Name:      "head_block",
		Help:      "Last chain head observed by the live subscription",
	}, []string{"source"})

	// Credential API
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "credential",
		Name:      "verifications_total",
		Help:      "Total credential submissions by outcome",
	}, []string{"outcome", "class"})

	VerificationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "claimrelay",
		Subsystem: "credential",
		Name:      "verification_duration_seconds",
		Help:      "Credential submission duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "credential",
		Name:      "circuit_breaker_state",
		Help:      "Credential API circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"endpoint"})

	// Batch orchestrator
	BatchRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "batch",
		Name:      "runs_total",
		Help:      "Total batch runs by result",
	}, []string{"result"})

	BatchRunLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "claimrelay",
		Subsystem: "batch",
		Name:      "run_duration_seconds",
		Help:      "Batch run duration",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	WatermarkBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "batch",
		Name:      "watermark_block",
		Help:      "Last persisted watermark block",
	})

	WatermarkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "batch",
		Name:      "watermark_errors_total",
		Help:      "Total watermark load/save failures",
	}, []string{"op"})

	TriggerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "batch",
		Name:      "trigger_requests_total",
		Help:      "Total HTTP trigger requests by response status",
	}, []string{"status"})

	// Watch orchestrator
	WatchBatchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "watch",
		Name:      "batches_processed_total",
		Help:      "Total live event batches processed",
	})

	WatchEventErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "watch",
		Name:      "event_errors_total",
		Help:      "Total live events whose processing raised an error or panic",
	})

	// Replay
	ClaimsParked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "replay",
		Name:      "claims_parked_total",
		Help:      "Total failed claims parked for replay",
	}, []string{"source", "sink"})

	ClaimsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "replay",
		Name:      "claims_replayed_total",
		Help:      "Total parked claims resubmitted by outcome",
	}, []string{"outcome"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimrelay",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// DB pool
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open connections in the watermark database pool",
	}, []string{"pool"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "db_pool",
		Name:      "in_use",
		Help:      "Connections currently in use",
	}, []string{"pool"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "db_pool",
		Name:      "idle",
		Help:      "Idle connections",
	}, []string{"pool"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total connections waited for",
	}, []string{"pool"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimrelay",
		Subsystem: "db_pool",
		Name:      "wait_duration_seconds",
		Help:      "Total time blocked waiting for a connection",
	}, []string{"pool"})
)

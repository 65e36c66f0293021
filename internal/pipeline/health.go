package pipeline

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of an orchestrator.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failures
	// before an orchestrator is considered unhealthy.
	DefaultUnhealthyThreshold = 3

	// DefaultDegradedLatencyThreshold is the P95 latency above which a
	// healthy orchestrator is reported degraded.
	DefaultDegradedLatencyThreshold = 30 * time.Second

	latencyWindowSize = 10
)

// Health tracks the health of one orchestrator ("batch" or "watch") for one
// contract.
type Health struct {
	mu                       sync.RWMutex
	source                   string
	contract                 string
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastBatchAt              *time.Time
	lastError                string
	eventsProcessed          int64
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	now                      func() time.Time
}

// NewHealth creates a tracker. A threshold <= 0 uses DefaultUnhealthyThreshold.
func NewHealth(source, contract string, unhealthyThreshold int) *Health {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &Health{
		source:                   source,
		contract:                 contract,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       unhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		now:                      time.Now,
	}
}

// RecordSuccess records a successful run or poll and returns true if it
// recovers from an unhealthy state.
func (h *Health) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return wasUnhealthy
}

// RecordFailure records a failure. Returns true if the tracker transitioned
// to unhealthy on this call.
func (h *Health) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// RecordBatch records a processed batch of n events and how long it took.
func (h *Health) RecordBatch(n int, elapsed time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.lastBatchAt = &now
	h.eventsProcessed += int64(n)

	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, elapsed)

	switch {
	case h.status == HealthStatusHealthy && h.isLatencyDegraded():
		h.status = HealthStatusDegraded
	case h.status == HealthStatusDegraded && !h.isLatencyDegraded() && h.consecutiveFailures == 0:
		h.status = HealthStatusHealthy
	}
}

// isLatencyDegraded must be called with mu held.
func (h *Health) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

// percentileLatency must be called with mu held.
func (h *Health) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.recentLatencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Snapshot returns the current health state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Source:              h.source,
		Contract:            h.contract,
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		EventsProcessed:     h.eventsProcessed,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastBatchAt:         h.lastBatchAt,
		LastError:           h.lastError,
	}
}

// HealthSnapshot is a point-in-time view of orchestrator health.
type HealthSnapshot struct {
	Source              string     `json:"source"`
	Contract            string     `json:"contract"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	EventsProcessed     int64      `json:"events_processed"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastBatchAt         *time.Time `json:"last_batch_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// HealthHandler serves the snapshots of trackers as JSON. It responds 503
// when any tracker is unhealthy.
func HealthHandler(trackers ...*Health) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snapshots := make([]HealthSnapshot, 0, len(trackers))
		status := http.StatusOK
		for _, t := range trackers {
			snap := t.Snapshot()
			if snap.Status == string(HealthStatusUnhealthy) {
				status = http.StatusServiceUnavailable
			}
			snapshots = append(snapshots, snap)
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    overall,
			"pipelines": snapshots,
		})
	})
}

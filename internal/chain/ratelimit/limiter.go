package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter for chain RPC calls.
// A nil *Limiter never blocks.
type Limiter struct {
	limiter *rate.Limiter
	chain   string
}

// NewLimiter creates a rate limiter that allows rps requests per second
// with a burst capacity of burst tokens. rps <= 0 disables limiting and
// returns nil.
func NewLimiter(rps float64, burst int, chain string) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		chain:   chain,
	}
}

// Wait blocks until the limiter allows one call, or ctx is done.
// Reserve() guarantees exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.RPCRateLimitWaits.WithLabelValues(l.chain).Inc()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// RecordRPCCall records call count and latency with status classification.
func RecordRPCCall(chain, method string, elapsed time.Duration, err error) {
	status := ClassifyRPCError(err)
	metrics.RPCCallsTotal.WithLabelValues(chain, method, status).Inc()
	metrics.RPCLatency.WithLabelValues(chain, method).Observe(elapsed.Seconds())
}

// ClassifyRPCError classifies an RPC error into a metrics label.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "eof"):
		return "network_error"
	case strings.Contains(lower, "block range") || strings.Contains(lower, "query returned more than"):
		return "range_too_large"
	default:
		return "client_error"
	}
}

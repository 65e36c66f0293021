package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/circuitbreaker"
	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/cosmasemerah/verify-nft-claim/internal/retry"
)

// BreakerVerifier short-circuits verifications while the credential API is
// failing with transient errors.
type BreakerVerifier struct {
	inner   Verifier
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ Verifier = (*BreakerVerifier)(nil)

// NewBreaker builds a breaker that trips on transient failures only and
// exports its state for endpoint.
func NewBreaker(endpoint string, failureThreshold int, openTimeout time.Duration, logger *slog.Logger) *circuitbreaker.Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	gauge := metrics.CircuitBreakerState.WithLabelValues(endpoint)
	gauge.Set(float64(circuitbreaker.StateClosed))

	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: failureThreshold,
		OpenTimeout:      openTimeout,
		IsFailure: func(err error) bool {
			return retry.Classify(err).IsTransient()
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			gauge.Set(float64(to))
			logger.Warn("credential circuit breaker state changed",
				"endpoint", endpoint,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func NewBreakerVerifier(inner Verifier, breaker *circuitbreaker.Breaker, logger *slog.Logger) *BreakerVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerVerifier{
		inner:   inner,
		breaker: breaker,
		logger:  logger.With("component", "credential_breaker"),
	}
}

func (v *BreakerVerifier) VerifyClaim(ctx context.Context, claimer string) model.VerifyResult {
	var result model.VerifyResult
	err := v.breaker.Execute(func() error {
		result = v.inner.VerifyClaim(ctx, claimer)
		if result.OK() {
			return nil
		}
		if result.Err != nil {
			return result.Err
		}
		if result.FailureClass == model.FailureTransient {
			return retry.Transient(errVerifyFailed)
		}
		return retry.Terminal(errVerifyFailed)
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		v.logger.Warn("verification rejected, circuit open", "claimer", claimer)
		metrics.VerificationsTotal.WithLabelValues(string(model.VerifyRejected), string(model.FailureTransient)).Inc()
		return model.VerifyResult{
			Claimer:      claimer,
			Outcome:      model.VerifyRejected,
			FailureClass: model.FailureTransient,
			Reason:       "circuit_open",
			Err:          err,
		}
	}
	return result
}

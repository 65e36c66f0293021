package replay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	redisstore "github.com/cosmasemerah/verify-nft-claim/internal/store/redis"
)

// StreamPrefix prefixes the per-contract replay stream key.
const StreamPrefix = "claims:replay:"

// Sink records claims whose verification did not succeed so they can be
// resubmitted later.
type Sink interface {
	Park(ctx context.Context, claim model.ParkedClaim) error
}

// StreamName returns the replay stream key for contract.
func StreamName(contract string) string {
	return StreamPrefix + strings.ToLower(contract)
}

// LogSink writes parked claims to the log only.
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "replay_sink")}
}

func (s *LogSink) Park(_ context.Context, claim model.ParkedClaim) error {
	attrs := append(claim.Event.LogAttrs(),
		"source", claim.Source,
		"reason", claim.Result.Reason,
		"class", string(claim.Result.FailureClass),
		"outcome", string(claim.Result.Outcome),
	)
	s.logger.Warn("claim parked for replay", attrs...)
	metrics.ClaimsParked.WithLabelValues(claim.Source, "log").Inc()
	return nil
}

// RedisSink appends parked claims to a Redis stream per contract.
type RedisSink struct {
	stream *redisstore.Stream
	logger *slog.Logger
}

var _ Sink = (*RedisSink)(nil)

func NewRedisSink(stream *redisstore.Stream, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{stream: stream, logger: logger.With("component", "replay_sink")}
}

func (s *RedisSink) Park(ctx context.Context, claim model.ParkedClaim) error {
	parkedAt := claim.ParkedAt
	if parkedAt.IsZero() {
		parkedAt = time.Now()
	}

	errText := ""
	if claim.Result.Err != nil {
		errText = claim.Result.Err.Error()
	}

	name := StreamName(claim.Event.Contract.Hex())
	id, err := s.stream.Append(ctx, name, map[string]any{
		"claimer":   claim.Event.Claimer.Hex(),
		"receiver":  claim.Event.Receiver.Hex(),
		"block":     claim.Event.BlockNumber.String(),
		"tx_hash":   claim.Event.TxHash.Hex(),
		"log_index": claim.Event.LogIndex,
		"source":    claim.Source,
		"outcome":   string(claim.Result.Outcome),
		"class":     string(claim.Result.FailureClass),
		"reason":    claim.Result.Reason,
		"status":    claim.Result.StatusCode,
		"error":     errText,
		"parked_at": parkedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	metrics.ClaimsParked.WithLabelValues(claim.Source, "redis").Inc()
	s.logger.Info("claim parked for replay",
		"stream", name,
		"entry_id", id,
		"claimer", claim.Event.Claimer.Hex(),
		"block", uint64(claim.Event.BlockNumber),
	)
	return nil
}

// ParkOrLog parks claim and logs instead of failing when the sink errors.
func ParkOrLog(ctx context.Context, sink Sink, claim model.ParkedClaim, logger *slog.Logger) {
	if err := sink.Park(ctx, claim); err != nil {
		attrs := append(claim.Event.LogAttrs(), "error", err)
		logger.Error("failed to park claim", attrs...)
	}
}

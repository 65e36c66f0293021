package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/alert"
	"github.com/cosmasemerah/verify-nft-claim/internal/chain"
	"github.com/cosmasemerah/verify-nft-claim/internal/credential"
	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline"
	"github.com/cosmasemerah/verify-nft-claim/internal/replay"
	"github.com/cosmasemerah/verify-nft-claim/internal/tracing"
	"github.com/cosmasemerah/verify-nft-claim/internal/watermark"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SourceName labels batch metrics, parked claims and alerts.
const SourceName = "batch"

// ErrRunInProgress is returned when a run is already executing in this process.
var ErrRunInProgress = errors.New("batch run already in progress")

// AdvancePolicy decides the watermark saved after a run.
type AdvancePolicy string

const (
	// AdvanceContiguous stops the watermark at the block of the first claim
	// that failed transiently or was rejected, so it is fetched again on the
	// next run. Terminal failures are parked and do not hold the watermark.
	AdvanceContiguous AdvancePolicy = "contiguous"
	// AdvanceMax moves the watermark to the highest fetched block regardless
	// of verification failures.
	AdvanceMax AdvancePolicy = "max"
)

func ParseAdvancePolicy(s string) (AdvancePolicy, error) {
	switch AdvancePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case AdvanceContiguous, "":
		return AdvanceContiguous, nil
	case AdvanceMax:
		return AdvanceMax, nil
	default:
		return "", fmt.Errorf("unknown advance policy %q", s)
	}
}

type Config struct {
	Contract string
	Genesis  model.BlockNumber
	Policy   AdvancePolicy
}

// Result summarizes one run.
type Result struct {
	RunID        string
	From         model.BlockNumber
	Fetched      int
	Succeeded    int
	Failed       int
	Rejected     int
	Skipped      int
	// Deferred counts failed claims left for the next run instead of parked.
	Deferred     int
	NewWatermark model.BlockNumber
	Saved        bool
	Duration     time.Duration
}

// Runner executes on-demand batch passes: load watermark, fetch claims,
// verify each claimer in order, save the new watermark.
type Runner struct {
	cfg      Config
	source   chain.ClaimSource
	verifier credential.Verifier
	store    watermark.Store
	locker   watermark.Locker
	sink     replay.Sink
	alerter  alert.Alerter
	health   *pipeline.Health
	tracer   trace.Tracer
	logger   *slog.Logger

	running sync.Mutex
}

type Option func(*Runner)

// WithLocker overrides the locker. By default the store is used when it
// implements watermark.Locker.
func WithLocker(l watermark.Locker) Option {
	return func(r *Runner) { r.locker = l }
}

func WithReplaySink(s replay.Sink) Option {
	return func(r *Runner) {
		if s != nil {
			r.sink = s
		}
	}
}

func WithAlerter(a alert.Alerter) Option {
	return func(r *Runner) {
		if a != nil {
			r.alerter = a
		}
	}
}

func WithHealth(h *pipeline.Health) Option {
	return func(r *Runner) {
		if h != nil {
			r.health = h
		}
	}
}

func New(cfg Config, source chain.ClaimSource, verifier credential.Verifier, store watermark.Store, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == "" {
		cfg.Policy = AdvanceContiguous
	}
	r := &Runner{
		cfg:      cfg,
		source:   source,
		verifier: verifier,
		store:    store,
		alerter:  &alert.NoopAlerter{},
		health:   pipeline.NewHealth(SourceName, cfg.Contract, 0),
		tracer:   tracing.Tracer("pipeline/batch"),
		logger:   logger.With("component", "batch_runner", "contract", cfg.Contract),
	}
	if l, ok := store.(watermark.Locker); ok {
		r.locker = l
	}
	r.sink = replay.NewLogSink(logger)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Health() *pipeline.Health {
	return r.health
}

// Run performs one batch pass. Verification failures never fail the run;
// lock contention and fetch errors do.
func (r *Runner) Run(ctx context.Context) (result Result, err error) {
	result.RunID = uuid.NewString()
	start := time.Now()
	logger := r.logger.With("run_id", result.RunID)

	if !r.running.TryLock() {
		metrics.BatchRunsTotal.WithLabelValues("locked").Inc()
		return result, ErrRunInProgress
	}
	defer r.running.Unlock()

	ctx, span := r.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("run_id", result.RunID),
		attribute.String("contract", r.cfg.Contract),
		attribute.String("policy", string(r.cfg.Policy)),
	))
	defer func() {
		result.Duration = time.Since(start)
		metrics.BatchRunLatency.Observe(result.Duration.Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if r.locker != nil {
		release, lockErr := r.locker.Acquire(ctx)
		if lockErr != nil {
			metrics.BatchRunsTotal.WithLabelValues("locked").Inc()
			logger.Warn("batch run skipped, watermark lock unavailable", "error", lockErr)
			return result, fmt.Errorf("acquire watermark lock: %w", lockErr)
		}
		defer release()
	}

	result.From = watermark.LoadOrDefault(ctx, r.store, r.cfg.Genesis, logger)
	result.NewWatermark = result.From
	logger.Info("batch run started", "from_block", uint64(result.From), "policy", string(r.cfg.Policy))

	events, err := r.source.FetchEvents(ctx, result.From)
	if err != nil {
		r.fail(ctx, logger, result, err)
		return result, fmt.Errorf("fetch claim events from %d: %w", result.From, err)
	}
	result.Fetched = len(events)
	span.SetAttributes(attribute.Int("events", len(events)))

	if len(events) == 0 {
		logger.Info("no new claim events", "from_block", uint64(result.From))
		r.succeed(ctx, logger, result)
		return result, nil
	}

	advance := r.verifyAll(ctx, logger, events, &result)

	switch {
	case advance < result.From:
		logger.Warn("computed watermark below loaded watermark, not saving",
			"loaded", uint64(result.From),
			"computed", uint64(advance),
		)
	default:
		result.NewWatermark = advance
		result.Saved = watermark.SaveOrLog(ctx, r.store, advance, logger)
	}

	r.health.RecordBatch(result.Fetched, time.Since(start))
	r.succeed(ctx, logger, result)
	return result, nil
}

// verifyAll submits each claimer in order and returns the watermark the
// configured policy allows.
func (r *Runner) verifyAll(ctx context.Context, logger *slog.Logger, events []model.ClaimEvent, result *Result) model.BlockNumber {
	var (
		maxProcessed model.BlockNumber
		firstGap     *model.BlockNumber
	)
	markGap := func(b model.BlockNumber) {
		if firstGap == nil || b < *firstGap {
			firstGap = &b
		}
	}

	for i, ev := range events {
		if ctx.Err() != nil {
			result.Skipped = len(events) - i
			logger.Warn("batch run interrupted, remaining claims not submitted",
				"remaining", result.Skipped,
				"next_block", uint64(ev.BlockNumber),
				"error", ctx.Err(),
			)
			markGap(ev.BlockNumber)
			break
		}

		logger.Info("processing claim event", ev.LogAttrs()...)
		vr := r.verifier.VerifyClaim(ctx, ev.ClaimerAddress())

		if ev.BlockNumber > maxProcessed {
			maxProcessed = ev.BlockNumber
		}

		switch vr.Outcome {
		case model.VerifySucceeded:
			result.Succeeded++
			continue
		case model.VerifyRejected:
			result.Rejected++
		default:
			result.Failed++
		}

		if r.cfg.Policy == AdvanceContiguous && vr.FailureClass != model.FailureTerminal {
			result.Deferred++
			markGap(ev.BlockNumber)
			logger.Warn("claim deferred to next run",
				"claimer", ev.ClaimerAddress(),
				"block", uint64(ev.BlockNumber),
				"outcome", string(vr.Outcome),
				"reason", vr.Reason,
			)
			continue
		}

		replay.ParkOrLog(ctx, r.sink, model.ParkedClaim{
			Event:    ev,
			Result:   vr,
			Source:   SourceName,
			ParkedAt: time.Now(),
		}, logger)
		alert.SendOrLog(ctx, r.alerter, alert.Alert{
			Type:     alert.AlertTypeVerificationFailed,
			Source:   SourceName,
			Contract: r.cfg.Contract,
			Title:    "Credential verification failed",
			Message:  fmt.Sprintf("claimer %s at block %d: %s", ev.ClaimerAddress(), ev.BlockNumber, vr.Reason),
			Fields: map[string]string{
				"class":   string(vr.FailureClass),
				"tx_hash": ev.TxHash.Hex(),
			},
		}, logger)
	}

	if r.cfg.Policy == AdvanceContiguous && firstGap != nil {
		return *firstGap
	}
	if maxProcessed == 0 && firstGap != nil {
		return *firstGap
	}
	return maxProcessed
}

func (r *Runner) succeed(ctx context.Context, logger *slog.Logger, result Result) {
	metrics.BatchRunsTotal.WithLabelValues("success").Inc()
	logger.Info("batch run completed",
		"from_block", uint64(result.From),
		"fetched", result.Fetched,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
		"deferred", result.Deferred,
		"new_watermark", uint64(result.NewWatermark),
		"saved", result.Saved,
	)
	if r.health.RecordSuccess() {
		alert.SendOrLog(ctx, r.alerter, alert.Alert{
			Type:     alert.AlertTypeRecovery,
			Source:   SourceName,
			Contract: r.cfg.Contract,
			Title:    "Batch runs recovered",
			Message:  fmt.Sprintf("run %s completed from block %d", result.RunID, result.From),
		}, logger)
	}
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, result Result, err error) {
	metrics.BatchRunsTotal.WithLabelValues("failed").Inc()
	logger.Error("batch run failed", "from_block", uint64(result.From), "error", err)
	r.health.RecordFailure(err)
	alert.SendOrLog(ctx, r.alerter, alert.Alert{
		Type:     alert.AlertTypeBatchFailed,
		Source:   SourceName,
		Contract: r.cfg.Contract,
		Title:    "Batch run failed",
		Message:  err.Error(),
		Fields: map[string]string{
			"run_id":     result.RunID,
			"from_block": result.From.String(),
		},
	}, logger)
}

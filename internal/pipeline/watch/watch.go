package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/alert"
	"github.com/cosmasemerah/verify-nft-claim/internal/chain"
	"github.com/cosmasemerah/verify-nft-claim/internal/credential"
	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline"
	"github.com/cosmasemerah/verify-nft-claim/internal/replay"
)

// SourceName labels watch metrics, parked claims and alerts.
const SourceName = "watch"

type Config struct {
	Contract string
	// HistoryFrom is the first block of the startup history fetch.
	HistoryFrom model.BlockNumber
}

// Watcher subscribes to live claim events and verifies each claimer as the
// events arrive. It keeps no watermark.
type Watcher struct {
	cfg      Config
	source   chain.ClaimSource
	verifier credential.Verifier
	sink     replay.Sink
	alerter  alert.Alerter
	health   *pipeline.Health
	logger   *slog.Logger
}

type Option func(*Watcher)

func WithReplaySink(s replay.Sink) Option {
	return func(w *Watcher) {
		if s != nil {
			w.sink = s
		}
	}
}

func WithAlerter(a alert.Alerter) Option {
	return func(w *Watcher) {
		if a != nil {
			w.alerter = a
		}
	}
}

func WithHealth(h *pipeline.Health) Option {
	return func(w *Watcher) {
		if h != nil {
			w.health = h
		}
	}
}

func New(cfg Config, source chain.ClaimSource, verifier credential.Verifier, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		cfg:      cfg,
		source:   source,
		verifier: verifier,
		alerter:  &alert.NoopAlerter{},
		health:   pipeline.NewHealth(SourceName, cfg.Contract, 0),
		logger:   logger.With("component", "watcher", "contract", cfg.Contract),
	}
	w.sink = replay.NewLogSink(logger)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Health() *pipeline.Health {
	return w.health
}

// Run logs the historical claims, then processes live batches until ctx is
// done. It returns an error only when the subscription cannot be started.
func (w *Watcher) Run(ctx context.Context) error {
	w.logHistory(ctx)

	unsubscribe, err := w.source.Subscribe(ctx, w.handleBatch)
	if err != nil {
		return fmt.Errorf("subscribe to claim events: %w", err)
	}
	w.logger.Info("watching for claim events")

	<-ctx.Done()
	unsubscribe()
	w.logger.Info("watcher stopped")
	return nil
}

// ObservePoll feeds the result of each live poll into the health tracker and
// raises subscription alerts on state transitions.
func (w *Watcher) ObservePoll(head model.BlockNumber, err error) {
	ctx := context.Background()
	if err != nil {
		if w.health.RecordFailure(err) {
			snap := w.health.Snapshot()
			alert.SendOrLog(ctx, w.alerter, alert.Alert{
				Type:     alert.AlertTypeSubscriptionUnhealthy,
				Source:   SourceName,
				Contract: w.cfg.Contract,
				Title:    "Claim subscription unhealthy",
				Message:  err.Error(),
				Fields: map[string]string{
					"consecutive_failures": strconv.Itoa(snap.ConsecutiveFailures),
				},
			}, w.logger)
		}
		return
	}
	if w.health.RecordSuccess() {
		alert.SendOrLog(ctx, w.alerter, alert.Alert{
			Type:     alert.AlertTypeRecovery,
			Source:   SourceName,
			Contract: w.cfg.Contract,
			Title:    "Claim subscription recovered",
			Message:  fmt.Sprintf("polling resumed at head %d", head),
		}, w.logger)
	}
}

func (w *Watcher) logHistory(ctx context.Context) {
	events, err := w.source.FetchEvents(ctx, w.cfg.HistoryFrom)
	if err != nil {
		w.logger.Error("historical claim fetch failed, continuing with live events",
			"from_block", uint64(w.cfg.HistoryFrom),
			"error", err,
		)
		return
	}
	w.logger.Info("historical claim events", "from_block", uint64(w.cfg.HistoryFrom), "count", len(events))
	for _, ev := range events {
		w.logger.Debug("historical claim event", ev.LogAttrs()...)
	}
}

func (w *Watcher) handleBatch(ctx context.Context, events []model.ClaimEvent) {
	start := time.Now()
	for _, ev := range events {
		w.processEvent(ctx, ev)
	}
	w.health.RecordBatch(len(events), time.Since(start))
	metrics.WatchBatchesProcessed.Inc()
}

// processEvent verifies one live claim. Panics are recovered so the next
// event in the batch is still processed.
func (w *Watcher) processEvent(ctx context.Context, ev model.ClaimEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WatchEventErrors.Inc()
			w.logger.Error("panic while processing claim event",
				append(ev.LogAttrs(), "panic", fmt.Sprint(r))...)
		}
	}()

	w.logger.Info("new claim event", ev.LogAttrs()...)
	vr := w.verifier.VerifyClaim(ctx, ev.ClaimerAddress())
	if vr.OK() {
		return
	}

	metrics.WatchEventErrors.Inc()
	replay.ParkOrLog(ctx, w.sink, model.ParkedClaim{
		Event:    ev,
		Result:   vr,
		Source:   SourceName,
		ParkedAt: time.Now(),
	}, w.logger)
	alert.SendOrLog(ctx, w.alerter, alert.Alert{
		Type:     alert.AlertTypeVerificationFailed,
		Source:   SourceName,
		Contract: w.cfg.Contract,
		Title:    "Credential verification failed",
		Message:  fmt.Sprintf("claimer %s at block %d: %s", ev.ClaimerAddress(), ev.BlockNumber, vr.Reason),
		Fields: map[string]string{
			"class":   string(vr.FailureClass),
			"tx_hash": ev.TxHash.Hex(),
		},
	}, w.logger)
}

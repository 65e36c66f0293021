package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/alert"
	"github.com/cosmasemerah/verify-nft-claim/internal/chain/evm"
	"github.com/cosmasemerah/verify-nft-claim/internal/chain/ratelimit"
	"github.com/cosmasemerah/verify-nft-claim/internal/chain/rpc"
	"github.com/cosmasemerah/verify-nft-claim/internal/config"
	"github.com/cosmasemerah/verify-nft-claim/internal/credential"
	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline/batch"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline/watch"
	"github.com/cosmasemerah/verify-nft-claim/internal/replay"
	"github.com/cosmasemerah/verify-nft-claim/internal/store/postgres"
	redisstore "github.com/cosmasemerah/verify-nft-claim/internal/store/redis"
	"github.com/cosmasemerah/verify-nft-claim/internal/tracing"
	"github.com/cosmasemerah/verify-nft-claim/internal/watermark"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

const watermarkPoolLabel = "watermark"

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	rpc      *rpc.Client
	verifier credential.Verifier
	sink     replay.Sink
	alerter  alert.Alerter
	db       *postgres.DB

	// replayStream is nil unless REPLAY_REDIS_URL is set.
	replayStream *redisstore.Stream

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	logger.Info("starting "+serviceName,
		"chain_rpc", cfg.Chain.RPCURL,
		"chain_id", cfg.Chain.ChainID,
		"network", string(model.NetworkForChainID(cfg.Chain.ChainID)),
		"batch_contract", cfg.Batch.ContractAddress,
		"watch_contract", cfg.Watch.ContractAddress,
		"watermark_backend", cfg.Watermark.Backend,
		"advance_policy", cfg.Watermark.AdvancePolicy,
		"galxe_endpoint", cfg.Galxe.Endpoint,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: serviceName,
		Endpoint:    tracingEndpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	chainLabel := model.ChainEthereum.String()
	a.rpc = rpc.NewClient(cfg.Chain.RPCURL, logger,
		rpc.WithSecretKey(cfg.Chain.SecretKey),
		rpc.WithLimiter(ratelimit.NewLimiter(cfg.Chain.RPS, cfg.Chain.Burst, chainLabel)),
		rpc.WithTimeout(cfg.Chain.Timeout),
		rpc.WithChainLabel(chainLabel),
	)

	client := credential.NewClient(cfg.Galxe.CredID, cfg.Galxe.AccessToken, logger,
		credential.WithEndpoint(cfg.Galxe.Endpoint),
		credential.WithTimeout(cfg.Galxe.Timeout),
	)
	breaker := credential.NewBreaker(client.Endpoint(), cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout, logger)
	a.verifier = credential.NewBreakerVerifier(client, breaker, logger)

	a.alerter = alert.New(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger)

	sink, stream, err := resolveReplaySink(ctx, cfg.Replay, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sink = sink
	if stream != nil {
		a.replayStream = stream
		a.closers = append(a.closers, stream.Close)
	}

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown error", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) newSource(label, contract string, onPoll func(model.BlockNumber, error)) (*evm.Source, error) {
	return evm.NewSource(a.rpc, evm.Config{
		Contract:      common.HexToAddress(contract),
		ChainID:       a.cfg.Chain.ChainID,
		MaxBlockRange: a.cfg.Chain.MaxBlockRange,
		PollInterval:  a.cfg.Watch.PollInterval,
		Label:         label,
		OnPoll:        onPoll,
	}, a.logger)
}

func (a *app) newBatchRunner(ctx context.Context) (*batch.Runner, error) {
	contract := a.cfg.Batch.ContractAddress
	source, err := a.newSource(batch.SourceName, contract, nil)
	if err != nil {
		return nil, fmt.Errorf("create batch source: %w", err)
	}
	if err := source.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("chain preflight: %w", err)
	}

	store, err := a.resolveWatermarkStore(ctx, contract)
	if err != nil {
		return nil, err
	}
	policy, err := batch.ParseAdvancePolicy(a.cfg.Watermark.AdvancePolicy)
	if err != nil {
		return nil, err
	}

	return batch.New(batch.Config{
		Contract: contract,
		Genesis:  model.BlockNumber(a.cfg.Watermark.GenesisBlock),
		Policy:   policy,
	}, source, a.verifier, store, a.logger,
		batch.WithReplaySink(a.sink),
		batch.WithAlerter(a.alerter),
	), nil
}

func (a *app) newWatcher(ctx context.Context) (*watch.Watcher, error) {
	contract := a.cfg.Watch.ContractAddress

	var watcher *watch.Watcher
	source, err := a.newSource(watch.SourceName, contract, func(head model.BlockNumber, err error) {
		watcher.ObservePoll(head, err)
	})
	if err != nil {
		return nil, fmt.Errorf("create watch source: %w", err)
	}
	if err := source.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("chain preflight: %w", err)
	}

	watcher = watch.New(watch.Config{
		Contract:    contract,
		HistoryFrom: model.BlockNumber(a.cfg.Watch.HistoryFromBlock),
	}, source, a.verifier, a.logger,
		watch.WithReplaySink(a.sink),
		watch.WithAlerter(a.alerter),
		watch.WithHealth(pipeline.NewHealth(watch.SourceName, contract, a.cfg.Watch.UnhealthyAfter)),
	)
	return watcher, nil
}

func (a *app) resolveWatermarkStore(ctx context.Context, contract string) (watermark.Store, error) {
	switch a.cfg.Watermark.Backend {
	case config.WatermarkBackendPostgres:
		db, err := postgres.New(ctx, postgres.Config{
			URL:                a.cfg.DB.URL,
			MaxOpenConns:       a.cfg.DB.MaxOpenConns,
			MaxIdleConns:       a.cfg.DB.MaxIdleConns,
			ConnMaxLifetime:    a.cfg.DB.ConnMaxLifetime,
			StatementTimeoutMS: a.cfg.DB.StatementTimeoutMS,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := db.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		a.db = db
		a.logger.Info("watermark stored in postgres", "contract", contract)
		return postgres.NewWatermarkRepo(db, model.ChainEthereum, contract), nil
	default:
		a.logger.Info("watermark stored in file", "path", a.cfg.Watermark.File)
		return watermark.NewFileStore(a.cfg.Watermark.File), nil
	}
}

// resolveReplaySink returns a Redis stream sink when a URL is configured and
// the log sink otherwise. The stream is nil for the log sink.
func resolveReplaySink(ctx context.Context, cfg config.ReplayConfig, logger *slog.Logger) (replay.Sink, *redisstore.Stream, error) {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return replay.NewLogSink(logger), nil, nil
	}
	stream, err := redisstore.NewStream(ctx, redisURL, cfg.StreamMax)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize replay stream: %w", err)
	}
	logger.Info("redis replay sink enabled", "stream_maxlen", cfg.StreamMax)
	return replay.NewRedisSink(stream, logger), stream, nil
}

func (a *app) newDrainer() (*replay.Drainer, error) {
	if a.replayStream == nil {
		return nil, fmt.Errorf("replay requires REPLAY_REDIS_URL")
	}
	return replay.NewDrainer(a.replayStream, a.verifier, a.logger), nil
}

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         *prometheus.GaugeVec
	inUse        *prometheus.GaugeVec
	idle         *prometheus.GaugeVec
	waitCount    *prometheus.GaugeVec
	waitDuration *prometheus.GaugeVec
}

func collectDBPoolStats(db dbStatsProvider, pool string, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.WithLabelValues(pool).Set(float64(stats.OpenConnections))
	gauges.inUse.WithLabelValues(pool).Set(float64(stats.InUse))
	gauges.idle.WithLabelValues(pool).Set(float64(stats.Idle))
	gauges.waitCount.WithLabelValues(pool).Set(float64(stats.WaitCount))
	gauges.waitDuration.WithLabelValues(pool).Set(stats.WaitDuration.Seconds())
	return nil
}

// runDBPoolStatsPump samples the watermark pool until ctx is done. It returns
// immediately when the file backend is in use.
func (a *app) runDBPoolStatsPump(ctx context.Context) {
	if a.db == nil {
		return
	}
	pumpDBPoolStats(ctx, a.db, a.cfg.DB.PoolStatsInterval, a.logger)
}

func pumpDBPoolStats(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}
	gauges := dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := collectDBPoolStats(db, watermarkPoolLabel, gauges); err != nil {
		logger.Warn("failed to collect initial db pool stats", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("db pool stats sampler stopped", "cause", "context_done")
			return
		case <-ticker.C:
			if err := collectDBPoolStats(db, watermarkPoolLabel, gauges); err != nil {
				logger.Warn("failed to collect db pool stats", "error", err)
			}
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cosmasemerah/verify-nft-claim/internal/config"
	"github.com/cosmasemerah/verify-nft-claim/internal/replay"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serviceName = "verify-nft-claim"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "verifier",
		Short:         "Relay NFT claim events to Galxe credentials",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (.env, yaml, json or toml)")

	var (
		replayContract string
		replayLimit    int64
		replayDryRun   bool
	)
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Resubmit claims parked in the Redis replay stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cfgFile, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				return runReplay(ctx, a, replay.DrainRequest{
					Contract: replayContract,
					Limit:    replayLimit,
					DryRun:   replayDryRun,
				}, cmd.OutOrStdout())
			})
		},
	}
	replayCmd.Flags().StringVar(&replayContract, "contract", "", "contract whose stream to drain (default: batch contract)")
	replayCmd.Flags().Int64Var(&replayLimit, "limit", replay.DefaultDrainLimit, "maximum entries to process")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "list parked claims without resubmitting")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the batch trigger on /api with /healthz and /metrics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), cfgFile, cmd.ErrOrStderr(), runServe)
			},
		},
		&cobra.Command{
			Use:   "run-once",
			Short: "Run a single batch pass and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), cfgFile, cmd.ErrOrStderr(), runOnce)
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Verify live claim events as they are mined",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), cfgFile, cmd.ErrOrStderr(), runWatch)
			},
		},
		replayCmd,
	)
	return root
}

// withApp loads configuration, installs the logger and builds the shared
// components before handing them to run.
func withApp(ctx context.Context, cfgFile string, stderr io.Writer, run func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.New(slog.NewJSONHandler(stderr, nil)).Error("failed to load config", "error", err)
		return err
	}

	logger := newLogger(cfg.Log.Level, os.Stdout)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer a.Close()

	if err := run(ctx, a); err != nil {
		logger.Error("verifier exited with error", "error", err)
		return err
	}
	return nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// runGroup runs fns until one fails, ctx is done or the process receives
// SIGINT/SIGTERM.
func runGroup(ctx context.Context, logger *slog.Logger, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gCtx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error {
			return fn(gCtx)
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("verifier shut down gracefully")
	return nil
}

func runServe(ctx context.Context, a *app) error {
	runner, err := a.newBatchRunner(ctx)
	if err != nil {
		return err
	}
	mux := newServeMux(runner, a.logger, runner.Health())
	return runGroup(ctx, a.logger,
		func(ctx context.Context) error {
			return runHTTPServer(ctx, a.cfg.Server.Port, mux, a.logger)
		},
		func(ctx context.Context) error {
			a.runDBPoolStatsPump(ctx)
			return nil
		},
	)
}

func runOnce(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := a.newBatchRunner(ctx)
	if err != nil {
		return err
	}
	result, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("batch run %s: %w", result.RunID, err)
	}
	a.logger.Info("run-once finished",
		"run_id", result.RunID,
		"fetched", result.Fetched,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"rejected", result.Rejected,
		"new_watermark", uint64(result.NewWatermark),
	)
	return nil
}

func runReplay(ctx context.Context, a *app, req replay.DrainRequest, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drainer, err := a.newDrainer()
	if err != nil {
		return err
	}
	if req.Contract == "" {
		req.Contract = a.cfg.Batch.ContractAddress
	}
	result, err := drainer.Drain(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runWatch(ctx context.Context, a *app) error {
	watcher, err := a.newWatcher(ctx)
	if err != nil {
		return err
	}
	mux := newServeMux(nil, a.logger, watcher.Health())
	return runGroup(ctx, a.logger,
		watcher.Run,
		func(ctx context.Context) error {
			return runHTTPServer(ctx, a.cfg.Server.Port, mux, a.logger)
		},
	)
}

package watermark

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
)

var (
	// ErrNotFound is returned by Load when no watermark has been saved yet.
	ErrNotFound = errors.New("watermark not found")
	// ErrLocked is returned by Acquire when another run holds the lock.
	ErrLocked = errors.New("watermark is locked by another run")
)

// Store persists the last processed block.
type Store interface {
	Load(ctx context.Context) (model.BlockNumber, error)
	Save(ctx context.Context, block model.BlockNumber) error
}

// Locker serializes read-modify-write cycles across runs and processes.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LoadOrDefault returns the stored watermark, or genesis when the state is
// missing, unreadable or malformed. It never fails.
func LoadOrDefault(ctx context.Context, store Store, genesis model.BlockNumber, logger *slog.Logger) model.BlockNumber {
	if logger == nil {
		logger = slog.Default()
	}
	block, err := store.Load(ctx)
	switch {
	case err == nil:
		metrics.WatermarkBlock.Set(float64(block))
		return block
	case errors.Is(err, ErrNotFound):
		logger.Info("no watermark stored, starting from genesis", "genesis_block", uint64(genesis))
	default:
		metrics.WatermarkErrors.WithLabelValues("load").Inc()
		logger.Error("failed to load watermark, starting from genesis", "genesis_block", uint64(genesis), "error", err)
	}
	metrics.WatermarkBlock.Set(float64(genesis))
	return genesis
}

// SaveOrLog persists block and reports whether it was stored. Failures are
// logged and counted, never returned.
func SaveOrLog(ctx context.Context, store Store, block model.BlockNumber, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.Save(ctx, block); err != nil {
		metrics.WatermarkErrors.WithLabelValues("save").Inc()
		logger.Error("failed to save watermark", "block", uint64(block), "error", err)
		return false
	}
	metrics.WatermarkBlock.Set(float64(block))
	logger.Info("saved watermark", "block", uint64(block))
	return true
}

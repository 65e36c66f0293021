package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/credential"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	redisstore "github.com/cosmasemerah/verify-nft-claim/internal/store/redis"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultDrainLimit bounds the entries read by one drain.
const DefaultDrainLimit = 100

// attemptsField counts how many drains have requeued an entry.
const attemptsField = "replay_attempts"

// DrainRequest describes one pass over a contract's replay stream.
type DrainRequest struct {
	Contract string
	Limit    int64
	// DryRun lists the parked claims without resubmitting them.
	DryRun bool
}

// DrainResult describes the outcome of a drain.
type DrainResult struct {
	Stream     string `json:"stream"`
	Scanned    int    `json:"scanned"`
	Replayed   int    `json:"replayed"`
	Failed     int    `json:"failed"`
	Invalid    int    `json:"invalid"`
	Removed    int64  `json:"removed"`
	Requeued   int    `json:"requeued"`
	Remaining  int64  `json:"remaining"`
	DryRun     bool   `json:"dry_run"`
	DurationMs int64  `json:"duration_ms"`
}

// Drainer resubmits parked claims from the Redis replay stream, oldest
// first. Entries are removed only after a successful verification; entries
// that still fail or cannot be parsed move to the tail so the next drain
// reaches the ones behind them.
type Drainer struct {
	stream   *redisstore.Stream
	verifier credential.Verifier
	logger   *slog.Logger
}

func NewDrainer(stream *redisstore.Stream, verifier credential.Verifier, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		stream:   stream,
		verifier: verifier,
		logger:   logger.With("component", "replay_drainer"),
	}
}

func (d *Drainer) Drain(ctx context.Context, req DrainRequest) (*DrainResult, error) {
	start := time.Now()
	if !common.IsHexAddress(req.Contract) {
		return nil, fmt.Errorf("contract %q is not a hex address", req.Contract)
	}
	if req.Limit <= 0 {
		req.Limit = DefaultDrainLimit
	}

	name := StreamName(req.Contract)
	result := &DrainResult{Stream: name, DryRun: req.DryRun}

	d.logger.Info("replay drain requested", "stream", name, "limit", req.Limit, "dry_run", req.DryRun)

	entries, err := d.stream.Oldest(ctx, name, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("read replay stream: %w", err)
	}
	result.Scanned = len(entries)

	done := make([]string, 0, len(entries))
	for _, entry := range entries {
		claimer := strings.TrimSpace(entry.Fields["claimer"])
		if !common.IsHexAddress(claimer) {
			result.Invalid++
			d.logger.Warn("skipping malformed replay entry", "entry_id", entry.ID, "claimer", claimer)
			if !req.DryRun {
				d.requeue(ctx, name, entry, result)
			}
			continue
		}

		if req.DryRun {
			d.logger.Info("parked claim",
				"entry_id", entry.ID,
				"claimer", claimer,
				"block", entry.Fields["block"],
				"reason", entry.Fields["reason"],
				"parked_at", entry.Fields["parked_at"],
			)
			continue
		}
		if ctx.Err() != nil {
			break
		}

		vr := d.verifier.VerifyClaim(ctx, claimer)
		metrics.ClaimsReplayed.WithLabelValues(string(vr.Outcome)).Inc()
		if !vr.OK() {
			result.Failed++
			d.logger.Warn("replayed claim still failing",
				"entry_id", entry.ID,
				"claimer", claimer,
				"block", entry.Fields["block"],
				"reason", vr.Reason,
				"class", string(vr.FailureClass),
			)
			d.requeue(ctx, name, entry, result)
			continue
		}
		result.Replayed++
		done = append(done, entry.ID)
	}

	if len(done) > 0 {
		removed, err := d.stream.Delete(ctx, name, done...)
		if err != nil {
			return result, fmt.Errorf("remove replayed entries: %w", err)
		}
		result.Removed = removed
	}

	remaining, err := d.stream.Len(ctx, name)
	if err != nil {
		return result, fmt.Errorf("count replay stream: %w", err)
	}
	result.Remaining = remaining
	result.DurationMs = time.Since(start).Milliseconds()

	d.logger.Info("replay drain completed",
		"stream", name,
		"scanned", result.Scanned,
		"replayed", result.Replayed,
		"failed", result.Failed,
		"invalid", result.Invalid,
		"requeued", result.Requeued,
		"remaining", result.Remaining,
		"dry_run", result.DryRun,
	)
	return result, nil
}

// requeue moves entry to the tail of the stream with its attempt count
// bumped. A failed requeue leaves the entry where it is.
func (d *Drainer) requeue(ctx context.Context, name string, entry redisstore.Entry, result *DrainResult) {
	attempts, _ := strconv.Atoi(entry.Fields[attemptsField])
	fields := make(map[string]any, len(entry.Fields)+1)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	fields[attemptsField] = strconv.Itoa(attempts + 1)

	if _, err := d.stream.Requeue(ctx, name, entry.ID, fields); err != nil {
		d.logger.Warn("failed to requeue replay entry", "entry_id", entry.ID, "error", err)
		return
	}
	result.Requeued++
}

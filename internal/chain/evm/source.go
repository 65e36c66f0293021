package evm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/chain"
	"github.com/cosmasemerah/verify-nft-claim/internal/chain/rpc"
	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/cosmasemerah/verify-nft-claim/internal/tracing"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultPollInterval = 4 * time.Second

// Config configures a Source for one contract.
type Config struct {
	Contract common.Address
	// ChainID is checked against eth_chainId by Preflight. Zero skips the check.
	ChainID int64
	// MaxBlockRange bounds each eth_getLogs window. Zero queries the whole
	// range at once.
	MaxBlockRange uint64
	PollInterval  time.Duration
	// Label partitions metrics and logs ("batch", "watch").
	Label string
	// OnPoll, when set, is called after every live poll with the observed head
	// and the poll error, if any.
	OnPoll func(head model.BlockNumber, err error)
}

// Source reads TokensClaimed events for one contract over JSON-RPC.
type Source struct {
	client  rpc.RPCClient
	decoder *ClaimDecoder
	cfg     Config
	tracer  trace.Tracer
	logger  *slog.Logger
}

var _ chain.ClaimSource = (*Source)(nil)

func NewSource(client rpc.RPCClient, cfg Config, logger *slog.Logger) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("rpc client is nil")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("contract address is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if strings.TrimSpace(cfg.Label) == "" {
		cfg.Label = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}

	decoder, err := NewClaimDecoder()
	if err != nil {
		return nil, err
	}

	return &Source{
		client:  client,
		decoder: decoder,
		cfg:     cfg,
		tracer:  tracing.Tracer("chain/evm"),
		logger:  logger.With("component", "claim_source", "source", cfg.Label, "contract", cfg.Contract.Hex()),
	}, nil
}

// Preflight verifies the RPC endpoint serves the configured chain.
func (s *Source) Preflight(ctx context.Context) error {
	if s.cfg.ChainID == 0 {
		return nil
	}
	chainID, err := s.client.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if chainID != s.cfg.ChainID {
		return fmt.Errorf("preflight: rpc serves chain %d, expected %d", chainID, s.cfg.ChainID)
	}
	return nil
}

func (s *Source) FetchEvents(ctx context.Context, from model.BlockNumber) (events []model.ClaimEvent, err error) {
	ctx, span := s.tracer.Start(ctx, "claim_source.fetch_events",
		trace.WithAttributes(
			attribute.String("source", s.cfg.Label),
			attribute.Int64("from_block", int64(from)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	head, err := s.client.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get head block: %w", err)
	}
	if uint64(from) > head {
		s.logger.Info("watermark ahead of chain head", "from_block", uint64(from), "head_block", head)
		return []model.ClaimEvent{}, nil
	}

	events, err = s.fetchRange(ctx, uint64(from), head)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events", len(events)), attribute.Int64("head_block", int64(head)))
	s.logger.Info("fetched claim events",
		"from_block", uint64(from),
		"head_block", head,
		"count", len(events),
	)
	return events, nil
}

// fetchRange returns decoded events in [from, to], sorted by (block, log index).
func (s *Source) fetchRange(ctx context.Context, from, to uint64) ([]model.ClaimEvent, error) {
	events := make([]model.ClaimEvent, 0)
	for start := from; start <= to; {
		end := to
		if s.cfg.MaxBlockRange > 0 && to-start >= s.cfg.MaxBlockRange {
			end = start + s.cfg.MaxBlockRange - 1
		}

		logs, err := s.client.GetLogs(ctx, rpc.LogFilter{
			FromBlock: rpc.FormatHexUint64(start),
			ToBlock:   rpc.FormatHexUint64(end),
			Address:   []string{strings.ToLower(s.cfg.Contract.Hex())},
			Topics:    [][]string{{s.decoder.Topic().Hex()}},
		})
		if err != nil {
			return nil, fmt.Errorf("get logs %d..%d: %w", start, end, err)
		}

		for _, log := range logs {
			if log.Removed {
				s.logger.Debug("skipping removed log", "tx_hash", log.TxHash.Hex(), "log_index", log.Index)
				continue
			}
			ev, err := s.decoder.Decode(log)
			if err != nil {
				metrics.EventDecodeErrors.WithLabelValues(s.cfg.Label).Inc()
				s.logger.Warn("skipping undecodable log", "tx_hash", log.TxHash.Hex(), "log_index", log.Index, "error", err)
				continue
			}
			events = append(events, ev)
		}

		if end == to {
			break
		}
		start = end + 1
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	metrics.EventsFetched.WithLabelValues(s.cfg.Label).Add(float64(len(events)))
	return events, nil
}

// Subscribe polls the chain head every PollInterval and delivers events from
// blocks after the last observed head. Delivery starts with blocks mined after
// the call.
func (s *Source) Subscribe(ctx context.Context, onBatch chain.BatchHandler) (chain.Unsubscribe, error) {
	if onBatch == nil {
		return nil, fmt.Errorf("subscribe: batch handler is nil")
	}

	head, err := s.client.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe: get head block: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pollLoop(subCtx, head, onBatch)
	}()

	s.logger.Info("subscribed to claim events", "start_head", head, "poll_interval", s.cfg.PollInterval.String())

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}, nil
}

func (s *Source) pollLoop(ctx context.Context, last uint64, onBatch chain.BatchHandler) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("claim subscription stopped", "last_head", last)
			return
		case <-ticker.C:
		}

		next, err := s.poll(ctx, last, onBatch)
		if s.cfg.OnPoll != nil {
			s.cfg.OnPoll(model.BlockNumber(next), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.SubscriptionPollErrors.WithLabelValues(s.cfg.Label).Inc()
			s.logger.Warn("claim subscription poll failed", "last_head", last, "error", err)
			continue
		}
		last = next
	}
}

// poll delivers events in (last, head] and returns the new head. On error the
// returned head is last, so the same window is retried on the next tick.
func (s *Source) poll(ctx context.Context, last uint64, onBatch chain.BatchHandler) (uint64, error) {
	head, err := s.client.GetBlockNumber(ctx)
	if err != nil {
		return last, fmt.Errorf("get head block: %w", err)
	}
	metrics.SubscriptionHeadBlock.WithLabelValues(s.cfg.Label).Set(float64(head))
	if head <= last {
		return last, nil
	}

	events, err := s.fetchRange(ctx, last+1, head)
	if err != nil {
		return last, err
	}
	if len(events) > 0 {
		s.logger.Info("delivering claim batch", "from_block", last+1, "head_block", head, "count", len(events))
		onBatch(ctx, events)
	}
	return head, nil
}

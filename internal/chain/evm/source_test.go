package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/chain/rpc"
	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRPC struct {
	mu      sync.Mutex
	head    uint64
	headErr error
	chainID int64
	logs    []types.Log
	logsErr error
	filters []rpc.LogFilter
}

func (s *stubRPC) GetBlockNumber(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, s.headErr
}

func (s *stubRPC) GetChainID(context.Context) (int64, error) {
	return s.chainID, nil
}

func (s *stubRPC) GetLogs(_ context.Context, filter rpc.LogFilter) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	if s.logsErr != nil {
		return nil, s.logsErr
	}

	from, _ := rpc.ParseHexUint64(filter.FromBlock)
	to, _ := rpc.ParseHexUint64(filter.ToBlock)
	out := make([]types.Log, 0)
	for _, l := range s.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *stubRPC) setHead(head uint64, logs ...types.Log) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = head
	s.logs = append(s.logs, logs...)
}

func (s *stubRPC) filterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filters)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSource(t *testing.T, client rpc.RPCClient, cfg Config) *Source {
	t.Helper()
	if cfg.Contract == (common.Address{}) {
		cfg.Contract = testContract
	}
	src, err := NewSource(client, cfg, discardLogger())
	require.NoError(t, err)
	return src
}

func TestNewSource_Validation(t *testing.T) {
	_, err := NewSource(nil, Config{Contract: testContract}, nil)
	assert.Error(t, err)

	_, err = NewSource(&stubRPC{}, Config{}, nil)
	assert.Error(t, err)
}

func TestPreflight_ChainIDMismatch(t *testing.T) {
	src := newTestSource(t, &stubRPC{chainID: 1}, Config{ChainID: model.ChainIDSepolia})
	assert.ErrorContains(t, src.Preflight(context.Background()), "expected 11155111")

	src = newTestSource(t, &stubRPC{chainID: model.ChainIDSepolia}, Config{ChainID: model.ChainIDSepolia})
	assert.NoError(t, src.Preflight(context.Background()))
}

func TestFetchEvents_InclusiveFromAndSorted(t *testing.T) {
	client := &stubRPC{head: 120}
	client.logs = []types.Log{
		claimLog(t, 110, 1, testClaimer),
		claimLog(t, 99, 0, testClaimer),
		claimLog(t, 100, 4, testClaimer),
		claimLog(t, 100, 2, testClaimer),
	}
	src := newTestSource(t, client, Config{})

	events, err := src.FetchEvents(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, model.BlockNumber(100), events[0].BlockNumber)
	assert.Equal(t, uint(2), events[0].LogIndex)
	assert.Equal(t, uint(4), events[1].LogIndex)
	assert.Equal(t, model.BlockNumber(110), events[2].BlockNumber)

	require.Len(t, client.filters, 1)
	assert.Equal(t, "0x64", client.filters[0].FromBlock)
	assert.Equal(t, "0x78", client.filters[0].ToBlock)
	assert.Equal(t, []string{"0x9787cda13ddcedcd42e7a5e3c1a09543c6bc19ef"}, client.filters[0].Address)
}

func TestFetchEvents_ChunksByMaxBlockRange(t *testing.T) {
	client := &stubRPC{head: 124}
	src := newTestSource(t, client, Config{MaxBlockRange: 10})

	_, err := src.FetchEvents(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, client.filters, 3)
	assert.Equal(t, "0x64", client.filters[0].FromBlock)
	assert.Equal(t, "0x6d", client.filters[0].ToBlock)
	assert.Equal(t, "0x6e", client.filters[1].FromBlock)
	assert.Equal(t, "0x77", client.filters[1].ToBlock)
	assert.Equal(t, "0x78", client.filters[2].FromBlock)
	assert.Equal(t, "0x7c", client.filters[2].ToBlock)
}

func TestFetchEvents_FromAheadOfHead(t *testing.T) {
	client := &stubRPC{head: 50}
	src := newTestSource(t, client, Config{})

	events, err := src.FetchEvents(context.Background(), 51)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, client.filters)
}

func TestFetchEvents_SkipsRemovedAndUndecodable(t *testing.T) {
	removed := claimLog(t, 101, 0, testClaimer)
	removed.Removed = true
	broken := claimLog(t, 102, 0, testClaimer)
	broken.Data = nil

	client := &stubRPC{head: 110, logs: []types.Log{removed, broken, claimLog(t, 103, 0, testClaimer)}}
	src := newTestSource(t, client, Config{})

	events, err := src.FetchEvents(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.BlockNumber(103), events[0].BlockNumber)
}

func TestFetchEvents_PropagatesRPCErrors(t *testing.T) {
	src := newTestSource(t, &stubRPC{headErr: errors.New("dial tcp: refused")}, Config{})
	_, err := src.FetchEvents(context.Background(), 1)
	assert.ErrorContains(t, err, "get head block")

	src = newTestSource(t, &stubRPC{head: 10, logsErr: errors.New("rpc error -32005: limit exceeded")}, Config{})
	_, err = src.FetchEvents(context.Background(), 1)
	assert.ErrorContains(t, err, "get logs 1..10")
}

func TestSubscribe_DeliversOnlyNewBlocks(t *testing.T) {
	client := &stubRPC{head: 100, logs: []types.Log{claimLog(t, 100, 0, testClaimer)}}

	var polls sync.WaitGroup
	polls.Add(1)
	var once sync.Once
	src := newTestSource(t, client, Config{
		PollInterval: 5 * time.Millisecond,
		OnPoll: func(head model.BlockNumber, err error) {
			if head >= 105 {
				once.Do(polls.Done)
			}
		},
	})

	batches := make(chan []model.ClaimEvent, 4)
	unsubscribe, err := src.Subscribe(context.Background(), func(_ context.Context, events []model.ClaimEvent) {
		batches <- events
	})
	require.NoError(t, err)

	client.setHead(105, claimLog(t, 103, 0, testClaimer), claimLog(t, 105, 1, testClaimer))
	polls.Wait()
	unsubscribe()
	unsubscribe()

	require.Len(t, batches, 1)
	batch := <-batches
	require.Len(t, batch, 2)
	assert.Equal(t, model.BlockNumber(103), batch[0].BlockNumber)
	assert.Equal(t, model.BlockNumber(105), batch[1].BlockNumber)
}

func TestSubscribe_PollErrorKeepsCursor(t *testing.T) {
	client := &stubRPC{head: 100}

	errs := make(chan error, 16)
	src := newTestSource(t, client, Config{
		PollInterval: 5 * time.Millisecond,
		OnPoll: func(_ model.BlockNumber, err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})

	delivered := make(chan []model.ClaimEvent, 4)
	unsubscribe, err := src.Subscribe(context.Background(), func(_ context.Context, events []model.ClaimEvent) {
		delivered <- events
	})
	require.NoError(t, err)
	defer unsubscribe()

	client.mu.Lock()
	client.head = 102
	client.logs = []types.Log{claimLog(t, 101, 0, testClaimer)}
	client.logsErr = errors.New("upstream unavailable")
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		select {
		case err := <-errs:
			return err != nil
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	client.mu.Lock()
	client.logsErr = nil
	client.mu.Unlock()

	select {
	case batch := <-delivered:
		require.Len(t, batch, 1)
		assert.Equal(t, model.BlockNumber(101), batch[0].BlockNumber)
	case <-time.After(time.Second):
		t.Fatal("batch not delivered after recovery")
	}
	assert.Greater(t, client.filterCount(), 1)
}

func TestSubscribe_NilHandler(t *testing.T) {
	src := newTestSource(t, &stubRPC{}, Config{})
	_, err := src.Subscribe(context.Background(), nil)
	assert.Error(t, err)
}

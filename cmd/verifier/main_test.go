package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cosmasemerah/verify-nft-claim/internal/config"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline"
	"github.com/cosmasemerah/verify-nft-claim/internal/pipeline/batch"
	"github.com/cosmasemerah/verify-nft-claim/internal/replay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
		infoOn  bool
		warnOn  bool
	}{
		{level: "debug", debugOn: true, infoOn: true, warnOn: true},
		{level: "info", infoOn: true, warnOn: true},
		{level: "warn", warnOn: true},
		{level: "error"},
		{level: "bogus", infoOn: true, warnOn: true},
	}

	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			logger := newLogger(tc.level, io.Discard)
			ctx := context.Background()
			assert.Equal(t, tc.debugOn, logger.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tc.infoOn, logger.Enabled(ctx, slog.LevelInfo))
			assert.Equal(t, tc.warnOn, logger.Enabled(ctx, slog.LevelWarn))
			assert.True(t, logger.Enabled(ctx, slog.LevelError))
		})
	}
}

func TestNewLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger("info", &buf).Info("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "run-once", "watch", "replay"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	t.Setenv("THIRDWEB_SECRET_KEY", "")
	t.Setenv("GALXE_CRED_ID", "")
	t.Setenv("GALXE_ACCESS_TOKEN", "")

	root := newRootCmd()
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"run-once"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "THIRDWEB_SECRET_KEY is required")
	assert.Contains(t, stderr.String(), "failed to load config")
}

type stubRunnable struct {
	err error
}

func (s stubRunnable) Run(context.Context) (batch.Result, error) {
	return batch.Result{RunID: "run-1"}, s.err
}

func TestNewServeMux_Routes(t *testing.T) {
	health := pipeline.NewHealth(batch.SourceName, "0xabc", 0)
	mux := newServeMux(stubRunnable{}, discardLogger(), health)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Event processing completed"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, batch.SourceName, gjson.Get(rec.Body.String(), "pipelines.0.source").String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewServeMux_WithoutRunnerHasNoTrigger(t *testing.T) {
	mux := newServeMux(nil, discardLogger(), pipeline.NewHealth("watch", "0xabc", 0))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunGroup_ReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := runGroup(context.Background(), discardLogger(),
		func(context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	)
	assert.ErrorIs(t, err, boom)
}

func TestRunGroup_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runGroup(ctx, discardLogger(), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runGroup did not return")
	}
}

func TestResolveReplaySink(t *testing.T) {
	sink, stream, err := resolveReplaySink(context.Background(), config.ReplayConfig{}, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, stream)
	assert.IsType(t, &replay.LogSink{}, sink)

	mr := miniredis.RunT(t)
	sink, stream, err = resolveReplaySink(context.Background(), config.ReplayConfig{
		RedisURL:  "redis://" + mr.Addr(),
		StreamMax: 10,
	}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, stream)
	defer stream.Close()
	assert.IsType(t, &replay.RedisSink{}, sink)
}

func TestResolveReplaySink_BadURL(t *testing.T) {
	_, _, err := resolveReplaySink(context.Background(), config.ReplayConfig{RedisURL: "not-a-url"}, discardLogger())
	assert.Error(t, err)
}

type fakeDBStatsProvider struct {
	stats sql.DBStats
}

func (f fakeDBStatsProvider) Stats() sql.DBStats {
	return f.stats
}

type panicDBStatsProvider struct{}

func (panicDBStatsProvider) Stats() sql.DBStats {
	panic("db stats temporarily unavailable")
}

func testPoolGauges(suffix string) dbPoolStatsGauges {
	gauge := func(name string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_" + suffix}, []string{"pool"})
	}
	return dbPoolStatsGauges{
		open:         gauge("test_db_pool_open"),
		inUse:        gauge("test_db_pool_in_use"),
		idle:         gauge("test_db_pool_idle"),
		waitCount:    gauge("test_db_pool_wait_count"),
		waitDuration: gauge("test_db_pool_wait_duration_seconds"),
	}
}

func TestCollectDBPoolStats_RecordsGauges(t *testing.T) {
	provider := fakeDBStatsProvider{stats: sql.DBStats{
		OpenConnections: 10,
		InUse:           3,
		Idle:            7,
		WaitCount:       13,
		WaitDuration:    1500 * time.Millisecond,
	}}
	gauges := testPoolGauges("ok")

	require.NoError(t, collectDBPoolStats(provider, watermarkPoolLabel, gauges))

	assert.Equal(t, 10.0, testutil.ToFloat64(gauges.open.WithLabelValues(watermarkPoolLabel)))
	assert.Equal(t, 3.0, testutil.ToFloat64(gauges.inUse.WithLabelValues(watermarkPoolLabel)))
	assert.Equal(t, 7.0, testutil.ToFloat64(gauges.idle.WithLabelValues(watermarkPoolLabel)))
	assert.Equal(t, 13.0, testutil.ToFloat64(gauges.waitCount.WithLabelValues(watermarkPoolLabel)))
	assert.Equal(t, 1.5, testutil.ToFloat64(gauges.waitDuration.WithLabelValues(watermarkPoolLabel)))
}

func TestCollectDBPoolStats_Errors(t *testing.T) {
	gauges := testPoolGauges("err")

	err := collectDBPoolStats(panicDBStatsProvider{}, watermarkPoolLabel, gauges)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	assert.Error(t, collectDBPoolStats(nil, watermarkPoolLabel, gauges))
}

func TestPumpDBPoolStats_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pumpDBPoolStats(ctx, fakeDBStatsProvider{}, 10*time.Millisecond, discardLogger())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

// fakeChain answers the JSON-RPC methods a batch pass uses.
func fakeChain(t *testing.T, head uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := gjson.ParseBytes(body)

		var result string
		switch req.Get("method").String() {
		case "eth_chainId":
			result = `"0xaa36a7"`
		case "eth_blockNumber":
			result = fmt.Sprintf(`"0x%x"`, head)
		case "eth_getLogs":
			result = `[]`
		default:
			http.Error(w, "unexpected method", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, req.Get("id").Int(), result)
	}))
}

func writeEnvFile(t *testing.T, dir string, values map[string]string) string {
	t.Helper()
	lines := make([]string, 0, len(values))
	for k, v := range values {
		lines = append(lines, k+"="+v)
	}
	path := filepath.Join(dir, "verifier.env")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func TestRunOnce_EmptyRangeSucceedsWithoutWriting(t *testing.T) {
	chainSrv := fakeChain(t, 6509930)
	defer chainSrv.Close()

	galxeCalls := 0
	galxeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		galxeCalls++
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer galxeSrv.Close()

	dir := t.TempDir()
	watermarkPath := filepath.Join(dir, "lastProcessedBlock.json")
	envPath := writeEnvFile(t, dir, map[string]string{
		"THIRDWEB_SECRET_KEY": "secret",
		"GALXE_CRED_ID":       "cred",
		"GALXE_ACCESS_TOKEN":  "token",
		"GALXE_ENDPOINT":      galxeSrv.URL,
		"CHAIN_RPC_URL":       chainSrv.URL,
		"WATERMARK_FILE":      watermarkPath,
		"LOG_LEVEL":           "error",
	})

	root := newRootCmd()
	root.SetArgs([]string{"--config", envPath, "run-once"})
	require.NoError(t, root.Execute())

	assert.Zero(t, galxeCalls)
	_, err := os.Stat(watermarkPath)
	assert.True(t, os.IsNotExist(err))
}

func TestReplay_RequiresRedis(t *testing.T) {
	a := &app{cfg: &config.Config{}, logger: discardLogger()}
	err := runReplay(context.Background(), a, replay.DrainRequest{}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REPLAY_REDIS_URL")
}

func TestReplay_DryRunPrintsResult(t *testing.T) {
	mr := miniredis.RunT(t)
	_, stream, err := resolveReplaySink(context.Background(), config.ReplayConfig{RedisURL: "redis://" + mr.Addr()}, discardLogger())
	require.NoError(t, err)
	defer stream.Close()

	contract := "0x9787cda13dDcEDCd42E7a5e3c1a09543c6bC19Ef"
	_, err = stream.Append(context.Background(), replay.StreamName(contract), map[string]any{
		"claimer": "0xAAAaaAaAaaaAaAaaaAAaAAaaAAaaaAAaAaaAAAAA",
		"block":   "6510010",
	})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Batch.ContractAddress = contract
	a := &app{cfg: cfg, logger: discardLogger(), replayStream: stream}

	var out bytes.Buffer
	require.NoError(t, runReplay(context.Background(), a, replay.DrainRequest{DryRun: true}, &out))
	assert.EqualValues(t, 1, gjson.Get(out.String(), "scanned").Int())
	assert.True(t, gjson.Get(out.String(), "dry_run").Bool())
	assert.EqualValues(t, 1, gjson.Get(out.String(), "remaining").Int())
}

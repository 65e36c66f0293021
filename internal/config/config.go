package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read from the working directory when no config path is
// given.
const DefaultEnvFile = ".env"

const (
	WatermarkBackendFile     = "file"
	WatermarkBackendPostgres = "postgres"

	AdvancePolicyContiguous = "contiguous"
	AdvancePolicyMax        = "max"
)

type Config struct {
	Chain     ChainConfig
	Galxe     GalxeConfig
	Batch     BatchConfig
	Watch     WatchConfig
	Watermark WatermarkConfig
	DB        DBConfig
	Replay    ReplayConfig
	Alert     AlertConfig
	Breaker   BreakerConfig
	Server    ServerConfig
	Log       LogConfig
	Tracing   TracingConfig
}

type ChainConfig struct {
	RPCURL        string
	SecretKey     string
	ChainID       int64
	RPS           float64
	Burst         int
	MaxBlockRange uint64
	Timeout       time.Duration
}

type GalxeConfig struct {
	Endpoint    string
	CredID      string
	AccessToken string
	Timeout     time.Duration
}

type BatchConfig struct {
	ContractAddress string
}

type WatchConfig struct {
	ContractAddress  string
	PollInterval     time.Duration
	HistoryFromBlock uint64
	// UnhealthyAfter is the number of consecutive poll failures before the
	// subscription is reported unhealthy.
	UnhealthyAfter int
}

type WatermarkConfig struct {
	Backend       string
	File          string
	GenesisBlock  uint64
	AdvancePolicy string
}

type DBConfig struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
	PoolStatsInterval  time.Duration
}

type ReplayConfig struct {
	RedisURL  string
	StreamMax int64
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CHAIN_RPC_URL", "https://11155111.rpc.thirdweb.com")
	v.SetDefault("CHAIN_ID", 11155111)
	v.SetDefault("CHAIN_RPC_RPS", 0)
	v.SetDefault("CHAIN_RPC_BURST", 1)
	v.SetDefault("CHAIN_MAX_BLOCK_RANGE", 0)
	v.SetDefault("CHAIN_RPC_TIMEOUT_SEC", 30)

	v.SetDefault("GALXE_ENDPOINT", "https://graphigo.prd.galaxy.eco/query")
	v.SetDefault("GALXE_TIMEOUT_SEC", 30)

	v.SetDefault("BATCH_CONTRACT_ADDRESS", "0x9787cda13dDcEDCd42E7a5e3c1a09543c6bC19Ef")
	v.SetDefault("WATCH_CONTRACT_ADDRESS", "0x06F36dc531FAAd9A64F3Bc43040ee56939fEdA46")
	v.SetDefault("WATCH_POLL_INTERVAL_MS", 4000)
	v.SetDefault("WATCH_HISTORY_FROM_BLOCK", 0)
	v.SetDefault("WATCH_UNHEALTHY_AFTER_FAILURES", 3)

	v.SetDefault("WATERMARK_BACKEND", WatermarkBackendFile)
	v.SetDefault("WATERMARK_FILE", "lastProcessedBlock.json")
	v.SetDefault("WATERMARK_GENESIS_BLOCK", 6509924)
	v.SetDefault("WATERMARK_ADVANCE_POLICY", AdvancePolicyContiguous)

	v.SetDefault("DB_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 5)
	v.SetDefault("DB_MAX_IDLE_CONNS", 2)
	v.SetDefault("DB_CONN_MAX_LIFETIME_MIN", 30)
	v.SetDefault("DB_STATEMENT_TIMEOUT_MS", 0)
	v.SetDefault("DB_POOL_STATS_INTERVAL_MS", 10000)

	v.SetDefault("REPLAY_REDIS_URL", "")
	v.SetDefault("REPLAY_STREAM_MAXLEN", 100000)

	v.SetDefault("ALERT_SLACK_WEBHOOK_URL", "")
	v.SetDefault("ALERT_WEBHOOK_URL", "")
	v.SetDefault("ALERT_COOLDOWN_SEC", 1800)

	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_OPEN_TIMEOUT_SEC", 30)

	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_ENDPOINT", "")
	v.SetDefault("OTEL_INSECURE", true)
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

// Load resolves configuration from defaults, the optional file at path
// (dotenv, yaml, json or toml) and the process environment, in increasing
// precedence, then validates it. An empty path falls back to ./.env when it
// exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path == "" {
		if info, err := os.Stat(DefaultEnvFile); err == nil && info.Mode().IsRegular() {
			path = DefaultEnvFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if base := filepath.Base(path); base == ".env" || strings.HasSuffix(base, ".env") {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Chain: ChainConfig{
			RPCURL:        strings.TrimSpace(v.GetString("CHAIN_RPC_URL")),
			SecretKey:     v.GetString("THIRDWEB_SECRET_KEY"),
			ChainID:       v.GetInt64("CHAIN_ID"),
			RPS:           v.GetFloat64("CHAIN_RPC_RPS"),
			Burst:         v.GetInt("CHAIN_RPC_BURST"),
			MaxBlockRange: v.GetUint64("CHAIN_MAX_BLOCK_RANGE"),
			Timeout:       time.Duration(v.GetInt("CHAIN_RPC_TIMEOUT_SEC")) * time.Second,
		},
		Galxe: GalxeConfig{
			Endpoint:    strings.TrimSpace(v.GetString("GALXE_ENDPOINT")),
			CredID:      v.GetString("GALXE_CRED_ID"),
			AccessToken: v.GetString("GALXE_ACCESS_TOKEN"),
			Timeout:     time.Duration(v.GetInt("GALXE_TIMEOUT_SEC")) * time.Second,
		},
		Batch: BatchConfig{
			ContractAddress: strings.TrimSpace(v.GetString("BATCH_CONTRACT_ADDRESS")),
		},
		Watch: WatchConfig{
			ContractAddress:  strings.TrimSpace(v.GetString("WATCH_CONTRACT_ADDRESS")),
			PollInterval:     time.Duration(v.GetInt("WATCH_POLL_INTERVAL_MS")) * time.Millisecond,
			HistoryFromBlock: v.GetUint64("WATCH_HISTORY_FROM_BLOCK"),
			UnhealthyAfter:   v.GetInt("WATCH_UNHEALTHY_AFTER_FAILURES"),
		},
		Watermark: WatermarkConfig{
			Backend:       strings.ToLower(strings.TrimSpace(v.GetString("WATERMARK_BACKEND"))),
			File:          v.GetString("WATERMARK_FILE"),
			GenesisBlock:  v.GetUint64("WATERMARK_GENESIS_BLOCK"),
			AdvancePolicy: strings.ToLower(strings.TrimSpace(v.GetString("WATERMARK_ADVANCE_POLICY"))),
		},
		DB: DBConfig{
			URL:                v.GetString("DB_URL"),
			MaxOpenConns:       v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:       v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime:    time.Duration(v.GetInt("DB_CONN_MAX_LIFETIME_MIN")) * time.Minute,
			StatementTimeoutMS: v.GetInt("DB_STATEMENT_TIMEOUT_MS"),
			PoolStatsInterval:  time.Duration(v.GetInt("DB_POOL_STATS_INTERVAL_MS")) * time.Millisecond,
		},
		Replay: ReplayConfig{
			RedisURL:  v.GetString("REPLAY_REDIS_URL"),
			StreamMax: v.GetInt64("REPLAY_STREAM_MAXLEN"),
		},
		Alert: AlertConfig{
			SlackWebhookURL: v.GetString("ALERT_SLACK_WEBHOOK_URL"),
			WebhookURL:      v.GetString("ALERT_WEBHOOK_URL"),
			Cooldown:        time.Duration(v.GetInt("ALERT_COOLDOWN_SEC")) * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("BREAKER_FAILURE_THRESHOLD"),
			OpenTimeout:      time.Duration(v.GetInt("BREAKER_OPEN_TIMEOUT_SEC")) * time.Second,
		},
		Server: ServerConfig{
			Port: v.GetInt("HTTP_PORT"),
		},
		Log: LogConfig{
			Level: strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("OTEL_ENABLED"),
			Endpoint:    v.GetString("OTEL_ENDPOINT"),
			Insecure:    v.GetBool("OTEL_INSECURE"),
			SampleRatio: v.GetFloat64("OTEL_SAMPLE_RATIO"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if strings.TrimSpace(c.Chain.SecretKey) == "" {
		errs = append(errs, fmt.Errorf("THIRDWEB_SECRET_KEY is required"))
	}
	if strings.TrimSpace(c.Galxe.CredID) == "" {
		errs = append(errs, fmt.Errorf("GALXE_CRED_ID is required"))
	}
	if strings.TrimSpace(c.Galxe.AccessToken) == "" {
		errs = append(errs, fmt.Errorf("GALXE_ACCESS_TOKEN is required"))
	}
	if err := validateURL("CHAIN_RPC_URL", c.Chain.RPCURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("GALXE_ENDPOINT", c.Galxe.Endpoint); err != nil {
		errs = append(errs, err)
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("CHAIN_ID must be positive"))
	}
	if c.Chain.RPS < 0 {
		errs = append(errs, fmt.Errorf("CHAIN_RPC_RPS must not be negative"))
	}
	if !common.IsHexAddress(c.Batch.ContractAddress) {
		errs = append(errs, fmt.Errorf("BATCH_CONTRACT_ADDRESS %q is not a hex address", c.Batch.ContractAddress))
	}
	if !common.IsHexAddress(c.Watch.ContractAddress) {
		errs = append(errs, fmt.Errorf("WATCH_CONTRACT_ADDRESS %q is not a hex address", c.Watch.ContractAddress))
	}
	if c.Watch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WATCH_POLL_INTERVAL_MS must be positive"))
	}

	switch c.Watermark.Backend {
	case WatermarkBackendFile:
		if strings.TrimSpace(c.Watermark.File) == "" {
			errs = append(errs, fmt.Errorf("WATERMARK_FILE is required for the file backend"))
		}
	case WatermarkBackendPostgres:
		if strings.TrimSpace(c.DB.URL) == "" {
			errs = append(errs, fmt.Errorf("DB_URL is required when WATERMARK_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("WATERMARK_BACKEND %q must be %q or %q", c.Watermark.Backend, WatermarkBackendFile, WatermarkBackendPostgres))
	}

	switch c.Watermark.AdvancePolicy {
	case AdvancePolicyContiguous, AdvancePolicyMax:
	default:
		errs = append(errs, fmt.Errorf("WATERMARK_ADVANCE_POLICY %q must be %q or %q", c.Watermark.AdvancePolicy, AdvancePolicyContiguous, AdvancePolicyMax))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", c.Log.Level))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.Server.Port))
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, fmt.Errorf("OTEL_ENDPOINT is required when OTEL_ENABLED=true"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", key, raw)
	}
	return nil
}

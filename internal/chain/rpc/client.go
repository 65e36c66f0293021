package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/chain/ratelimit"
	"github.com/ethereum/go-ethereum/core/types"
)

// SecretKeyHeader carries the thirdweb secret key on RPC requests.
const SecretKeyHeader = "x-secret-key"

const defaultTimeout = 30 * time.Second

type RPCClient interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetChainID(ctx context.Context) (int64, error)
	GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error)
}

type Client struct {
	httpClient *http.Client
	rpcURL     string
	secretKey  string
	chain      string
	limiter    *ratelimit.Limiter
	requestID  atomic.Int64
	logger     *slog.Logger
}

var _ RPCClient = (*Client)(nil)

type Option func(*Client)

// WithSecretKey sets the secret key sent in SecretKeyHeader.
func WithSecretKey(key string) Option {
	return func(c *Client) { c.secretKey = key }
}

// WithLimiter throttles every call through l.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithChainLabel sets the chain label used in metrics.
func WithChainLabel(chain string) Option {
	return func(c *Client) { c.chain = chain }
}

func NewClient(rpcURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		rpcURL:     rpcURL,
		chain:      "ethereum",
		logger:     logger.With("component", "rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (result json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		ratelimit.RecordRPCCall(c.chain, method, time.Since(start), err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	if params == nil {
		params = []interface{}{}
	}
	id := int(c.requestID.Add(1))
	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secretKey != "" {
		httpReq.Header.Set(SecretKeyHeader, c.secretKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	c.logger.Debug("rpc call", "method", method, "id", id, "elapsed", time.Since(start).String())
	return rpcResp.Result, nil
}

package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/cosmasemerah/verify-nft-claim/internal/retry"
	"github.com/cosmasemerah/verify-nft-claim/internal/tracing"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultEndpoint = "https://graphigo.prd.galaxy.eco/query"
	// AccessTokenHeader carries the Galxe API token.
	AccessTokenHeader = "access-token"

	operationName = "credentialItems"

	credentialItemsMutation = `mutation credentialItems($credId: ID!, $operation: Operation!, $items: [String!]!) {
  credentialItems(input: {credId: $credId, operation: $operation, items: $items}) {
    name
  }
}`

	maxResponseBytes = 1 << 20
	maxLoggedBody    = 2048
)

var (
	errGraphQL      = errors.New("graphql error")
	errVerifyFailed = errors.New("verification failed")
)

type graphQLRequest struct {
	OperationName string           `json:"operationName"`
	Query         string           `json:"query"`
	Variables     graphQLVariables `json:"variables"`
}

type graphQLVariables struct {
	CredID    string   `json:"credId"`
	Operation string   `json:"operation"`
	Items     []string `json:"items"`
}

// Client posts credential-items mutations to the Galxe GraphQL API.
type Client struct {
	endpoint    string
	credID      string
	accessToken string
	httpClient  *http.Client
	tracer      trace.Tracer
	logger      *slog.Logger
}

var _ Verifier = (*Client)(nil)

type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if strings.TrimSpace(endpoint) != "" {
			c.endpoint = endpoint
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func NewClient(credID, accessToken string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		endpoint:    DefaultEndpoint,
		credID:      credID,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tracer:      tracing.Tracer("credential"),
		logger:      logger.With("component", "credential_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the GraphQL URL this client posts to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// VerifyClaim appends claimer to the configured credential.
func (c *Client) VerifyClaim(ctx context.Context, claimer string) model.VerifyResult {
	ctx, span := c.tracer.Start(ctx, "credential.verify_claim",
		trace.WithAttributes(attribute.String("claimer", claimer)),
	)
	defer span.End()

	start := time.Now()
	result := c.submit(ctx, model.NewAppendSubmission(c.credID, claimer))
	result.Claimer = claimer
	result.Duration = time.Since(start)

	metrics.VerificationsTotal.WithLabelValues(string(result.Outcome), string(result.FailureClass)).Inc()
	metrics.VerificationLatency.WithLabelValues(string(result.Outcome)).Observe(result.Duration.Seconds())

	span.SetAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.Int("http.status_code", result.StatusCode),
	)
	if !result.OK() {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Reason)
	}
	return result
}

func (c *Client) submit(ctx context.Context, sub model.Submission) model.VerifyResult {
	payload, err := json.Marshal(graphQLRequest{
		OperationName: operationName,
		Query:         credentialItemsMutation,
		Variables: graphQLVariables{
			CredID:    sub.CredID,
			Operation: sub.Operation,
			Items:     sub.Items,
		},
	})
	if err != nil {
		return c.fail(sub, 0, nil, "encode_request", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return c.fail(sub, 0, nil, "build_request", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AccessTokenHeader, c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.fail(sub, 0, nil, "transport", fmt.Errorf("post credential items: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.fail(sub, resp.StatusCode, nil, "read_response", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.fail(sub, resp.StatusCode, body, "http_status", &retry.StatusError{Code: resp.StatusCode, Body: truncate(body)})
	}
	if !gjson.ValidBytes(body) {
		return c.fail(sub, resp.StatusCode, body, "invalid_response", retry.Terminal(fmt.Errorf("response is not valid json")))
	}

	parsed := gjson.ParseBytes(body)
	if gqlErrors := parsed.Get("errors"); gqlErrors.IsArray() && len(gqlErrors.Array()) > 0 {
		messages := make([]string, 0, len(gqlErrors.Array()))
		for _, e := range gqlErrors.Array() {
			messages = append(messages, e.Get("message").String())
		}
		return c.fail(sub, resp.StatusCode, body, "graphql_error",
			fmt.Errorf("%w: %s", errGraphQL, strings.Join(messages, "; ")))
	}

	c.logger.Info("verification successful",
		"claimer", strings.Join(sub.Items, ","),
		"status", resp.StatusCode,
		"credential", parsed.Get("data.credentialItems.name").String(),
		"response", truncate(body),
	)
	return model.VerifyResult{
		Outcome:    model.VerifySucceeded,
		StatusCode: resp.StatusCode,
	}
}

func (c *Client) fail(sub model.Submission, status int, body []byte, reason string, err error) model.VerifyResult {
	decision := retry.Classify(err)
	c.logger.Error("verification failed",
		"claimer", strings.Join(sub.Items, ","),
		"reason", reason,
		"class", string(decision.Class),
		"status", status,
		"response", truncate(body),
		"error", err,
	)
	return model.VerifyResult{
		Outcome:      model.VerifyFailed,
		FailureClass: model.FailureClass(decision.Class),
		Reason:       reason,
		StatusCode:   status,
		Err:          err,
	}
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "...(truncated)"
	}
	return string(body)
}

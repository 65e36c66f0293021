package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
	"github.com/slack-go/slack"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeBatchFailed           AlertType = "BATCH_FAILED"
	AlertTypeVerificationFailed    AlertType = "VERIFICATION_FAILED"
	AlertTypeSubscriptionUnhealthy AlertType = "SUBSCRIPTION_UNHEALTHY"
	AlertTypeRecovery              AlertType = "RECOVERY"
)

// Alert represents a single alert event.
type Alert struct {
	Type     AlertType
	Source   string // "batch" or "watch"
	Contract string
	Title    string
	Message  string
	Fields   map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// cooldownKey generates a dedup key for cooldown tracking.
func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Source, a.Contract)
}

// Send dispatches alert to all channels, respecting cooldown.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)

	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
	}
	return firstErr
}

// SendOrLog sends alert and logs a failure instead of returning it.
func SendOrLog(ctx context.Context, a Alerter, alert Alert, logger *slog.Logger) {
	if err := a.Send(ctx, alert); err != nil {
		logger.Warn("failed to send alert", "type", alert.Type, "error", err)
	}
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	case *NoopAlerter:
		return "noop"
	default:
		return "unknown"
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

// NewSlackAlerter creates a Slack alerter with the given webhook URL.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends an alert to Slack.
func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji, color := ":warning:", "warning"
	switch alert.Type {
	case AlertTypeRecovery:
		emoji, color = ":white_check_mark:", "good"
	case AlertTypeBatchFailed:
		emoji, color = ":rotating_light:", "danger"
	case AlertTypeSubscriptionUnhealthy:
		emoji, color = ":satellite_antenna:", "danger"
	}

	attachment := slack.Attachment{
		Color:  color,
		Text:   alert.Message,
		Fields: make([]slack.AttachmentField, 0, len(alert.Fields)+2),
	}
	if alert.Source != "" {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{Title: "source", Value: alert.Source, Short: true})
	}
	if alert.Contract != "" {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{Title: "contract", Value: alert.Contract, Short: true})
	}
	for _, k := range sortedKeys(alert.Fields) {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{Title: k, Value: alert.Fields[k], Short: true})
	}

	msg := &slack.WebhookMessage{
		Text:        fmt.Sprintf("%s *[%s]* %s", emoji, alert.Type, alert.Title),
		Attachments: []slack.Attachment{attachment},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, msg); err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	return nil
}

// WebhookAlerter sends alerts to a generic HTTP webhook.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a generic webhook alerter.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends an alert to the webhook endpoint.
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":     string(alert.Type),
		"source":   alert.Source,
		"contract": alert.Contract,
		"title":    alert.Title,
		"message":  alert.Message,
		"fields":   alert.Fields,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }

// New builds the configured channels. With none configured it returns a
// NoopAlerter.
func New(slackWebhookURL, webhookURL string, cooldown time.Duration, logger *slog.Logger) Alerter {
	var alerters []Alerter
	if slackWebhookURL != "" {
		alerters = append(alerters, NewSlackAlerter(slackWebhookURL))
	}
	if webhookURL != "" {
		alerters = append(alerters, NewWebhookAlerter(webhookURL))
	}
	if len(alerters) == 0 {
		return &NoopAlerter{}
	}
	return NewMultiAlerter(cooldown, logger, alerters...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

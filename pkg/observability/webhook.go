package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// AlertWebhook posts a JSON payload to an operator-supplied URL when the
// scheduler's failure streak crosses its threshold. An empty URL disables
// it. Notification is fire-and-forget: delivery failures are logged, never
// propagated.
type AlertWebhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewAlertWebhook builds the webhook notifier.
func NewAlertWebhook(url string, logger *slog.Logger) *AlertWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertWebhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With("component", "alert"),
	}
}

type alertPayload struct {
	Service             string    `json:"service"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Message             string    `json:"message"`
	Timestamp           time.Time `json:"timestamp"`
}

// Notify fires the alert in the background.
func (w *AlertWebhook) Notify(ctx context.Context, consecutiveFailures int) {
	if w == nil || w.url == "" {
		return
	}
	payload := alertPayload{
		Service:             "billingd",
		ConsecutiveFailures: consecutiveFailures,
		Message:             fmt.Sprintf("reconcile cycle failed %d times in a row", consecutiveFailures),
		Timestamp:           time.Now().UTC(),
	}
	go w.post(ctx, payload)
}

func (w *AlertWebhook) post(ctx context.Context, payload alertPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("failed to encode alert payload", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("failed to build alert request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("alert webhook delivery failed", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		w.logger.Warn("alert webhook rejected", "status", resp.StatusCode)
		return
	}
	w.logger.Info("alert webhook delivered", "consecutive_failures", payload.ConsecutiveFailures)
}

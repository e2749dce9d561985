package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"flowmint-engine/internal/telemetry"
)

// Event kinds sent to the webhook.
const (
	EventIntentCompleted = "intent.completed"
	EventIntentFailed    = "intent.failed"
	EventExecutionDone   = "execution.confirmed"
)

// Notifier posts user-facing events to a webhook. Delivery is
// best-effort; a failure is logged and counted, never returned to the
// execution path.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(webhookURL string, logger *zap.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

type envelope struct {
	UserKey string      `json:"user_key"`
	Kind    string      `json:"kind"`
	SentAt  time.Time   `json:"sent_at"`
	Payload interface{} `json:"payload,omitempty"`
}

// Notify sends one event. It never returns an error and never blocks
// longer than the HTTP client timeout.
func (n *Notifier) Notify(ctx context.Context, userKey, eventKind string, payload interface{}) {
	if n.webhookURL == "" {
		return
	}

	body, err := json.Marshal(envelope{
		UserKey: userKey,
		Kind:    eventKind,
		SentAt:  time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		n.drop(userKey, eventKind, fmt.Errorf("marshal notification: %w", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.drop(userKey, eventKind, fmt.Errorf("build notification request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.drop(userKey, eventKind, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.drop(userKey, eventKind, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

func (n *Notifier) drop(userKey, eventKind string, err error) {
	telemetry.NotificationsDropped.Inc()
	n.logger.Warn("notification dropped",
		zap.String("user_key", userKey),
		zap.String("event", eventKind),
		zap.Error(err))
}

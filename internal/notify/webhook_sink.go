package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"spiderkeeper/internal/metrics"
)

// WebhookSink POSTs event batches as JSON to an external endpoint. Delivery
// is best effort: failures are logged and counted, never retried, and never
// propagated back to the orchestration path.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

type webhookEvent struct {
	TaskID    string         `json:"taskId"`
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Status    string         `json:"status,omitempty"`
	ItemCount int64          `json:"itemCount"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewWebhookSink builds a sink for the given endpoint. The timeout bounds
// the whole HTTP exchange per batch.
func NewWebhookSink(url string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Consume posts the batch. A non-2xx response counts as a failed delivery.
func (s *WebhookSink) Consume(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	payload := make([]webhookEvent, 0, len(batch))
	for _, evt := range batch {
		payload = append(payload, webhookEvent{
			TaskID:    evt.TaskID.String(),
			Timestamp: evt.TS,
			Stage:     string(evt.Stage),
			Status:    evt.Status,
			ItemCount: evt.ItemCount,
			Detail:    evt.Detail,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveNotifyDelivery("error")
		s.logger.Warn("webhook delivery failed", zap.String("url", s.url), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ObserveNotifyDelivery("rejected")
		s.logger.Warn("webhook delivery rejected",
			zap.String("url", s.url), zap.Int("status", resp.StatusCode))
		return nil
	}
	metrics.ObserveNotifyDelivery("ok")
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *WebhookSink) Close(context.Context) error {
	return nil
}

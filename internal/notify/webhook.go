// Package notify delivers job events to external receivers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/model"
)

const DefaultWebhookTimeout = 5 * time.Second

// Webhook POSTs every job event as JSON to a fixed URL. Delivery is best
// effort: failures are logged and the event is dropped.
type Webhook struct {
	url        string
	httpClient *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Run delivers events until the channel is closed or ctx is done.
func (w *Webhook) Run(ctx context.Context, events <-chan model.JobEvent) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobd.webhook",
	})

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := w.Send(ctx, e); err != nil {
				slog.WarnContext(ctx, "webhook delivery failed",
					"error", err,
					"event", string(e.Type),
					"job_id", e.JobID)
			}
		}
	}
}

func (w *Webhook) Send(ctx context.Context, e model.JobEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jobd-webhook")
	req.Header.Set("X-Jobd-Event", string(e.Type))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver answered %d", resp.StatusCode)
	}
	return nil
}

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/pipeline"
)

// Config holds webhook notifier configuration. An empty URL disables
// notifications entirely.
type Config struct {
	WebhookURL string
	Timeout    time.Duration
	Retries    int
}

// WebhookNotifier delivers terminal job events to an external webhook. Only
// job-level outcomes are pushed; chunk progress stays on the SSE stream.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	log    *logger.Logger
}

// NewWebhookNotifier creates a notifier. Returns nil when no URL is
// configured; callers treat a nil notifier as disabled.
func NewWebhookNotifier(cfg *Config, log *logger.Logger) *WebhookNotifier {
	if cfg == nil || cfg.WebhookURL == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}

	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)
	client.SetRetryCount(retries)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	return &WebhookNotifier{
		client: client,
		url:    cfg.WebhookURL,
		log:    log,
	}
}

// Run consumes the broker until ctx is cancelled, forwarding terminal job
// events. Meant to be started as a goroutine at process start.
func (n *WebhookNotifier) Run(ctx context.Context, broker *pipeline.Broker) {
	if n == nil {
		return
	}

	events, unsub := broker.Subscribe(64)
	defer unsub()

	n.log.WithField("url", n.url).Info("Webhook notifier started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != pipeline.EventJobCompleted && ev.Type != pipeline.EventJobFailed {
				continue
			}
			if err := n.send(ctx, ev); err != nil {
				n.log.WithError(err).WithField(logger.FieldJobID, ev.JobID).
					Error("Failed to deliver webhook")
			}
		}
	}
}

// send posts one event. Retries are handled by the resty client.
func (n *WebhookNotifier) send(ctx context.Context, ev pipeline.Event) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(ev).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	n.log.WithFields(logger.Fields{
		logger.FieldJobID: ev.JobID,
		"event":           string(ev.Type),
	}).Debug("Webhook delivered")
	return nil
}

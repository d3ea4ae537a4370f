// Package webhook delivers account anomaly and recovery notifications to a
// configured endpoint. Delivery is fire-and-forget with bounded retries;
// failures never propagate to the request path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"llmrelay/internal/account"
	"llmrelay/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

const defaultTimeout = 10 * time.Second

// Notifier posts account events. A zero URL disables delivery entirely.
type Notifier struct {
	url      string
	retryMax int
	client   *http.Client

	// backoff returns the wait before retry attempt n (1-based). Replaced in
	// tests to avoid real sleeps.
	backoff func(attempt int) time.Duration
}

// New builds a notifier. retryMax counts retries after the first attempt.
func New(url string, retryMax int, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retryMax < 0 {
		retryMax = 0
	}
	return &Notifier{
		url:      url,
		retryMax: retryMax,
		client:   &http.Client{Timeout: timeout},
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 2 * time.Second
		},
	}
}

// Notify queues an event for async delivery. Safe to call from the request
// path; returns immediately.
func (n *Notifier) Notify(ctx context.Context, evt account.Event) {
	if n.url == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	go n.deliver(context.WithoutCancel(ctx), evt)
}

func (n *Notifier) deliver(ctx context.Context, evt account.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		log.WithError(err).Error("marshal webhook event")
		return
	}

	var lastErr error
	for attempt := 0; attempt <= n.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.backoff(attempt)):
			}
		}
		if lastErr = n.post(ctx, body); lastErr == nil {
			monitoring.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
			return
		}
		log.WithError(lastErr).WithFields(log.Fields{
			"account": evt.AccountID,
			"attempt": attempt + 1,
		}).Warn("webhook delivery failed")
	}
	monitoring.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	log.WithError(lastErr).WithField("account", evt.AccountID).Error("webhook delivery exhausted retries")
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

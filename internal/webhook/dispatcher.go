// Package webhook delivers signed execution events to subscribed endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Delivery headers.
const (
	HeaderSignature = "X-Flowpilot-Signature"
	HeaderEvent     = "X-Flowpilot-Event"
	HeaderDelivery  = "X-Flowpilot-Delivery"

	signaturePrefix = "sha256="
)

// DefaultRetryDelays are the waits before the second, third and fourth
// delivery attempt.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Sign returns the signature header value for body: "sha256=" followed by the
// hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// SubscriptionLister returns the registered webhook subscriptions.
type SubscriptionLister interface {
	ListWebhooks(ctx context.Context) ([]*store.WebhookSubscription, error)
}

// Config tunes a Dispatcher. Zero values take the defaults.
type Config struct {
	RetryDelays []time.Duration
	Timeout     time.Duration
	Client      *http.Client
	// Sleep waits between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher posts events to every active subscription that wants them.
// Deliveries run in the background; Wait blocks until all are done.
type Dispatcher struct {
	subs   SubscriptionLister
	cfg    Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(subs SubscriptionLister, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{subs: subs, cfg: cfg, logger: logger}
}

// Notify fans event out to matching subscriptions without blocking.
func (d *Dispatcher) Notify(ctx context.Context, event schema.Event) {
	ctx = context.WithoutCancel(ctx)
	subs, err := d.subs.ListWebhooks(ctx)
	if err != nil {
		d.logger.ErrorContext(ctx, "list webhooks failed", "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *store.WebhookSubscription) {
			defer d.wg.Done()
			if err := d.Deliver(ctx, sub, event); err != nil {
				d.logger.WarnContext(ctx, "webhook delivery failed",
					"webhook_id", sub.ID, "event", event.Type, "error", err)
			}
		}(sub)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Deliver posts event to sub, retrying after each configured delay. A
// non-2xx status or an attempt exceeding the timeout counts as failure.
func (d *Dispatcher) Deliver(ctx context.Context, sub *store.WebhookSubscription, event schema.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "webhook: event not serializable").WithCause(err)
	}
	deliveryID := uuid.New().String()

	attempts := len(d.cfg.RetryDelays) + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := d.cfg.Sleep(ctx, d.cfg.RetryDelays[attempt-2]); err != nil {
				return err
			}
		}
		lastErr = d.post(ctx, sub, event.Type, deliveryID, body)
		if lastErr == nil {
			d.logger.DebugContext(ctx, "webhook delivered",
				"webhook_id", sub.ID, "event", event.Type, "attempt", attempt)
			return nil
		}
		d.logger.DebugContext(ctx, "webhook attempt failed",
			"webhook_id", sub.ID, "attempt", attempt, "error", lastErr)
	}
	return schema.NewErrorf(schema.ErrCodeNodeExecution,
		"webhook %s: %d attempts failed", sub.ID, attempts).WithCause(lastErr)
}

func (d *Dispatcher) post(ctx context.Context, sub *store.WebhookSubscription, eventType schema.EventType, deliveryID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(eventType))
	req.Header.Set(HeaderDelivery, deliveryID)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	}

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

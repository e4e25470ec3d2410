// Package notify delivers the side effects emitted by license and
// subscription transitions. Delivery happens after the transition committed;
// a failed delivery is logged and counted but never undoes the transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-license-engine/internal/logging"
	"github.com/rcourtman/pulse-license-engine/internal/metrics"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n licensing.Notification) error
}

// LogNotifier logs notifications instead of sending them. It is the
// fallback when no delivery channel is configured.
type LogNotifier struct{}

// Notify logs n. Activation keys are reduced to a fingerprint.
func (LogNotifier) Notify(ctx context.Context, n licensing.Notification) error {
	logger := logging.FromContext(ctx)
	ev := logger.Info().
		Str("kind", string(n.Kind)).
		Str("user_id", n.UserID).
		Str("license_id", n.LicenseID).
		Str("subscription_id", n.SubscriptionID)
	if n.ExpiresAt != nil {
		ev = ev.Time("expires_at", *n.ExpiresAt)
	}
	if n.ActivationKey != "" {
		ev = ev.Str("activation_key_fp", licensing.KeyFingerprint(n.ActivationKey))
	}
	ev.Msg("Notification (log only)")
	return nil
}

// WebhookNotifier POSTs each notification as JSON to a fixed URL.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook notifier. timeout <= 0 selects 10s.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify sends n. Any non-2xx response is an error.
func (w *WebhookNotifier) Notify(ctx context.Context, n licensing.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logging.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook error (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n licensing.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver sends every notification through n. Failures are logged and
// counted, never returned.
func Deliver(ctx context.Context, n Notifier, notifications []licensing.Notification) {
	if n == nil {
		return
	}
	for _, item := range notifications {
		if err := n.Notify(ctx, item); err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(item.Kind), "error").Inc()
			log.Warn().Err(err).
				Str("kind", string(item.Kind)).
				Str("license_id", item.LicenseID).
				Str("subscription_id", item.SubscriptionID).
				Msg("Notification delivery failed")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(item.Kind), "sent").Inc()
	}
}

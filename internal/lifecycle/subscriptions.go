package lifecycle

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-license-engine/internal/auditlog"
	"github.com/rcourtman/pulse-license-engine/internal/lock"
	"github.com/rcourtman/pulse-license-engine/internal/metrics"
	"github.com/rcourtman/pulse-license-engine/internal/notify"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// CascadeFunc computes a subscription transition from its current state.
type CascadeFunc func(in licensing.CascadeInput, now time.Time) (licensing.Cascade, error)

// SubscriptionLocks returns the lock keys for a cascade on sub, in the
// global order: subscription first, then the owner's license.
func SubscriptionLocks(sub *licensing.Subscription) []string {
	if sub == nil {
		return nil
	}
	keys := []string{lock.SubscriptionKey(sub.ID)}
	if sub.OwnerUserID != "" {
		keys = append(keys, lock.LicenseKey(sub.OwnerUserID))
	}
	return keys
}

// ApplyCascade loads the cascade input of subscriptionID inside tx, runs fn
// and commits the result together with one audit entry carrying extra. A
// missing subscription yields an unchanged cascade and found=false. An
// empty action is derived from the target state.
func ApplyCascade(ctx context.Context, tx store.Tx, subscriptionID, actorID, action string, extra map[string]string, now time.Time, fn CascadeFunc) (c licensing.Cascade, found bool, err error) {
	in, err := store.LoadCascade(ctx, tx, subscriptionID)
	if err != nil || in == nil {
		return licensing.Cascade{}, false, err
	}
	c, err = fn(*in, now)
	if err != nil || !c.Changed {
		return c, true, err
	}
	if err := store.Commit(ctx, tx, c); err != nil {
		return c, true, err
	}
	details := make(map[string]string, len(extra)+6)
	for k, v := range extra {
		details[k] = v
	}
	details["from"] = string(c.From)
	details["to"] = string(c.To)
	details["members"] = strconv.Itoa(len(c.UserSubscriptions))
	if c.Subscription.ExpiresAt != nil {
		details["expires_at"] = c.Subscription.ExpiresAt.Format(time.RFC3339)
	}
	if c.License != nil {
		details["license_id"] = c.License.ID
		details["license_status"] = string(c.License.Status)
	}
	if action == "" {
		action = cascadeAction(c.To)
	}
	err = tx.Audit().Append(ctx, auditlog.New(ctx, now, actorID, action, auditlog.EntitySubscription, c.Subscription.ID, details))
	return c, true, err
}

func cascadeAction(to licensing.SubscriptionState) string {
	switch to {
	case licensing.SubStateExpiringSoon:
		return auditlog.ActionSubscriptionExpiry
	case licensing.SubStateExpired:
		return auditlog.ActionSubscriptionExpired
	case licensing.SubStateCanceled:
		return auditlog.ActionSubscriptionCancel
	default:
		return auditlog.ActionPaymentReconciled
	}
}

// Committed records a committed cascade: metrics, a log line and the
// notifications it emitted.
func (d Deps) Committed(ctx context.Context, c licensing.Cascade) {
	if !c.Changed {
		return
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(c.From), string(c.To)).Inc()
	log.Info().
		Str("subscription_id", c.Subscription.ID).
		Str("from", string(c.From)).
		Str("to", string(c.To)).
		Int("members", len(c.UserSubscriptions)).
		Msg("Subscription transition")
	notify.Deliver(ctx, d.Notifier, c.Notifications)
}

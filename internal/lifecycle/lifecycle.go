// Package lifecycle runs the license state machine, the activation-key
// workflow and the expiry scanner against a store.
//
// Every mutation follows the same path: take the per-entity locks, then run
// the whole read-modify-write inside store.Update under store.Retry, writing
// the audit entry in the same unit of work. Notifications are delivered only
// after the commit.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/lock"
	"github.com/rcourtman/pulse-license-engine/internal/logging"
	"github.com/rcourtman/pulse-license-engine/internal/notify"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Defaults applied by Deps when a field is left zero.
const (
	DefaultTrialDays  = 30
	DefaultMaxRetries = 5
	DefaultLookahead  = 72 * time.Hour
	DefaultCooldown   = 24 * time.Hour
)

// Deps are the collaborators shared by the lifecycle services.
type Deps struct {
	Store    store.Store
	Locker   lock.Locker
	Clock    licensing.Clock
	Notifier notify.Notifier
	Plans    *licensing.PlanCatalog

	TrialDays  int
	MaxRetries int
	// Lookahead is the expiring-soon window; Cooldown debounces repeated
	// expiring-soon notifications.
	Lookahead time.Duration
	Cooldown  time.Duration
}

func (d Deps) WithDefaults() Deps {
	if d.Locker == nil {
		d.Locker = lock.NewLocalLocker()
	}
	if d.Clock == nil {
		d.Clock = licensing.SystemClock{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{}
	}
	if d.Plans == nil {
		d.Plans = licensing.NewPlanCatalog(licensing.DefaultPlans, 30)
	}
	if d.TrialDays <= 0 {
		d.TrialDays = DefaultTrialDays
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.Lookahead <= 0 {
		d.Lookahead = DefaultLookahead
	}
	if d.Cooldown <= 0 {
		d.Cooldown = DefaultCooldown
	}
	return d
}

// Mutate locks keys and runs fn in a retried read-modify-write. fn may run
// more than once and must reset anything it captures. The returned error is
// classified with apperrors.Wrap.
func (d Deps) Mutate(ctx context.Context, op string, keys []string, fn func(tx store.Tx) error) error {
	unlock, err := lock.Multi(ctx, d.Locker, keys...)
	if err != nil {
		return d.fail(ctx, op, err)
	}
	defer unlock()

	err = store.Retry(ctx, op, d.MaxRetries, func() error {
		return d.Store.Update(ctx, fn)
	})
	return d.fail(ctx, op, err)
}

// View runs a read-only unit of work.
func (d Deps) View(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return d.fail(ctx, op, d.Store.View(ctx, fn))
}

// fail classifies err and logs it at a level matching its kind.
func (d Deps) fail(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	err = apperrors.Wrap(op, err)
	logger := logging.FromContext(ctx)
	var ev *zerolog.Event
	if apperrors.IsSystemError(err) {
		ev = logger.Error()
	} else {
		ev = logger.Debug()
	}
	ev.Err(err).Str("op", op).Str("code", apperrors.CodeOf(err)).Msg("Lifecycle operation failed")
	return err
}

// licenseLockKey is keyed by user when bound and by license ID otherwise.
func licenseLockKey(l *licensing.License) string {
	if l == nil {
		return ""
	}
	if l.UserID != "" {
		return lock.LicenseKey(l.UserID)
	}
	return lock.LicenseKey("id:" + l.ID)
}

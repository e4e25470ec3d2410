// Package store defines the repository interfaces the engine persists
// through. Every mutation runs inside Store.Update as one unit of work:
// either all writes made by fn become visible or none do.
//
// Lookups return (nil, nil) when the record does not exist. Updates are
// optimistic: the caller's Version must match the stored one, otherwise
// ErrConflict is returned and the whole read-modify-write should be retried
// (see Retry).
package store

import (
	"context"
	"time"

	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

var (
	// ErrConflict is returned when an optimistic update lost a race or an
	// insert hit a unique constraint.
	ErrConflict = apperrors.ErrConflict
	// ErrUnavailable wraps driver and connectivity failures.
	ErrUnavailable = apperrors.ErrUnavailable
)

// Store is a transactional repository.
type Store interface {
	// Update runs fn in a read-write unit of work.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn in a read-only unit of work.
	View(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Users() UserRepo
	Licenses() LicenseRepo
	Subscriptions() SubscriptionRepo
	Payments() PaymentRepo
	ActivationKeys() ActivationKeyRepo
	Audit() AuditRepo
}

// UserRepo mirrors external identities.
type UserRepo interface {
	Get(ctx context.Context, id string) (*licensing.User, error)
	GetByUsername(ctx context.Context, username string) (*licensing.User, error)
	GetByEmail(ctx context.Context, email string) (*licensing.User, error)
	// Put inserts or replaces a user.
	Put(ctx context.Context, u *licensing.User) error
}

// LicenseFilter narrows License listings.
type LicenseFilter struct {
	Status licensing.LicenseStatus
	Limit  int
}

// LicenseRepo persists licenses. Key is always stored canonical.
type LicenseRepo interface {
	Get(ctx context.Context, id string) (*licensing.License, error)
	GetByUserID(ctx context.Context, userID string) (*licensing.License, error)
	GetByKey(ctx context.Context, canonicalKey string) (*licensing.License, error)
	// FindUnbound returns a license awaiting deferred binding whose
	// username or email matches.
	FindUnbound(ctx context.Context, username, email string) (*licensing.License, error)
	// Create inserts l and sets l.Version to 1.
	Create(ctx context.Context, l *licensing.License) error
	// Update writes l if l.Version matches and increments it.
	Update(ctx context.Context, l *licensing.License) error
	List(ctx context.Context, filter LicenseFilter) ([]*licensing.License, error)
	// ListExpiryCandidates returns IDs of trial licenses and active licenses
	// whose valid_until is before now. Callers re-check with
	// licensing.ExpiryDue inside their own unit of work.
	ListExpiryCandidates(ctx context.Context, now time.Time) ([]string, error)
}

// SubscriptionRepo persists subscriptions and their member rows.
type SubscriptionRepo interface {
	Get(ctx context.Context, id string) (*licensing.Subscription, error)
	// GetByTxid returns the subscription created directly with txid, if any.
	GetByTxid(ctx context.Context, txid string) (*licensing.Subscription, error)
	Create(ctx context.Context, s *licensing.Subscription) error
	Update(ctx context.Context, s *licensing.Subscription) error
	List(ctx context.Context, state licensing.SubscriptionState) ([]*licensing.Subscription, error)
	// ListDue returns IDs of active or expiring_soon subscriptions whose
	// expires_at is at or before before.
	ListDue(ctx context.Context, before time.Time) ([]string, error)
	Members(ctx context.Context, subscriptionID string) ([]licensing.UserSubscription, error)
	// PutMember inserts or replaces a member row. Only call it as part of a
	// parent transition.
	PutMember(ctx context.Context, m licensing.UserSubscription) error
}

// PaymentRepo persists payments. Txid is unique.
type PaymentRepo interface {
	Get(ctx context.Context, id string) (*licensing.Payment, error)
	GetByTxid(ctx context.Context, txid string) (*licensing.Payment, error)
	Create(ctx context.Context, p *licensing.Payment) error
	Update(ctx context.Context, p *licensing.Payment) error
	// ListUnreconciled returns IDs of paid payments whose cascade has not
	// been recorded.
	ListUnreconciled(ctx context.Context) ([]string, error)
}

// ActivationKeyRepo persists operator-approved keys, keyed by canonical key.
type ActivationKeyRepo interface {
	Get(ctx context.Context, canonicalKey string) (*licensing.PendingActivationKey, error)
	Create(ctx context.Context, k *licensing.PendingActivationKey) error
	Update(ctx context.Context, k *licensing.PendingActivationKey) error
	List(ctx context.Context, status licensing.ActivationKeyStatus) ([]*licensing.PendingActivationKey, error)
}

// AuditRepo is append-only.
type AuditRepo interface {
	Append(ctx context.Context, e licensing.AuditEntry) error
	List(ctx context.Context, entityType, entityID string, limit int) ([]licensing.AuditEntry, error)
}

// Commit applies a subscription cascade inside tx.
func Commit(ctx context.Context, tx Tx, c licensing.Cascade) error {
	if !c.Changed {
		return nil
	}
	sub := c.Subscription
	if err := tx.Subscriptions().Update(ctx, &sub); err != nil {
		return err
	}
	for _, m := range c.UserSubscriptions {
		if err := tx.Subscriptions().PutMember(ctx, m); err != nil {
			return err
		}
	}
	if c.License != nil {
		lic := *c.License
		if err := tx.Licenses().Update(ctx, &lic); err != nil {
			return err
		}
	}
	return nil
}

// LoadCascade reads the cascade input for subscriptionID. The owning license
// is the license of Subscription.OwnerUserID.
func LoadCascade(ctx context.Context, tx Tx, subscriptionID string) (*licensing.CascadeInput, error) {
	sub, err := tx.Subscriptions().Get(ctx, subscriptionID)
	if err != nil || sub == nil {
		return nil, err
	}
	members, err := tx.Subscriptions().Members(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	in := &licensing.CascadeInput{Subscription: *sub, UserSubscriptions: members}
	if sub.OwnerUserID != "" {
		lic, err := tx.Licenses().GetByUserID(ctx, sub.OwnerUserID)
		if err != nil {
			return nil, err
		}
		in.License = lic
	}
	return in, nil
}

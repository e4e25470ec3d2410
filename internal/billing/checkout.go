package billing

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-license-engine/internal/auditlog"
	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/lifecycle"
	"github.com/rcourtman/pulse-license-engine/internal/lock"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// CheckoutRequest opens an unpaid subscription and the pending payment the
// gateway will settle.
type CheckoutRequest struct {
	TenantID    string   `json:"tenant_id" validate:"required,max=128"`
	OwnerUserID string   `json:"owner_user_id" validate:"required,max=128"`
	PlanID      string   `json:"plan_id" validate:"required,max=64"`
	Members     []string `json:"members" validate:"max=500,dive,required,max=128"`
	Txid        string   `json:"txid" validate:"required,max=256"`
	AmountCents int64    `json:"amount_cents" validate:"gte=0"`
	Currency    string   `json:"currency" validate:"omitempty,len=3"`
	Method      string   `json:"method" validate:"omitempty,max=32"`
	AutoRenew   bool     `json:"auto_renew"`
}

// Checkout is the result of CreateCheckout.
type Checkout struct {
	Subscription *licensing.Subscription      `json:"subscription"`
	Members      []licensing.UserSubscription `json:"members"`
	Payment      *licensing.Payment           `json:"payment"`
}

// SubscriptionView is a subscription with its member rows.
type SubscriptionView struct {
	*licensing.Subscription
	Members []licensing.UserSubscription `json:"members"`
}

// CheckoutService manages subscriptions outside the webhook path.
type CheckoutService struct {
	deps lifecycle.Deps
}

// NewCheckoutService creates the service.
func NewCheckoutService(deps lifecycle.Deps) *CheckoutService {
	return &CheckoutService{deps: deps.WithDefaults()}
}

// CreateCheckout creates the subscription in state expired with its member
// rows, plus a pending payment for req.Txid. The owner is always a member.
func (s *CheckoutService) CreateCheckout(ctx context.Context, actorID string, req CheckoutRequest) (*Checkout, error) {
	const op = "billing.create_checkout"
	req.Txid = strings.TrimSpace(req.Txid)
	if req.TenantID == "" || req.OwnerUserID == "" || req.Txid == "" {
		return nil, apperrors.Validation(op, "tenant_id, owner_user_id and txid are required")
	}
	if req.AmountCents < 0 {
		return nil, apperrors.Validation(op, "amount_cents must not be negative")
	}
	plan, known := s.deps.Plans.Lookup(req.PlanID)
	if !known {
		return nil, apperrors.Validation(op, "unknown plan "+strconv.Quote(req.PlanID))
	}

	var out *Checkout
	err := s.deps.Mutate(ctx, op, []string{lock.TxidKey(req.Txid)}, func(tx store.Tx) error {
		out = nil
		now := s.deps.Clock.Now()

		if p, err := tx.Payments().GetByTxid(ctx, req.Txid); err != nil {
			return err
		} else if p != nil {
			return apperrors.Rejected(op, apperrors.CodeInvalidInput, "txid already used by another payment")
		}

		sub := &licensing.Subscription{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			OwnerUserID: req.OwnerUserID,
			PlanID:      plan.ID,
			Status:      licensing.SubStateExpired,
			AutoRenew:   req.AutoRenew,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Subscriptions().Create(ctx, sub); err != nil {
			return err
		}

		members := make([]licensing.UserSubscription, 0, len(req.Members)+1)
		seen := make(map[string]bool, len(req.Members)+1)
		for _, userID := range append([]string{req.OwnerUserID}, req.Members...) {
			if userID == "" || seen[userID] {
				continue
			}
			seen[userID] = true
			m := licensing.UserSubscription{
				UserID:         userID,
				SubscriptionID: sub.ID,
				Status:         sub.Status,
				UpdatedAt:      now,
			}
			if err := tx.Subscriptions().PutMember(ctx, m); err != nil {
				return err
			}
			members = append(members, m)
		}

		currency := strings.ToUpper(req.Currency)
		if currency == "" {
			currency = "BRL"
		}
		p := &licensing.Payment{
			ID:             uuid.NewString(),
			UserID:         req.OwnerUserID,
			SubscriptionID: sub.ID,
			AmountCents:    req.AmountCents,
			Currency:       currency,
			Method:         firstNonEmpty(req.Method, "pix"),
			Status:         licensing.PaymentPending,
			Txid:           req.Txid,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Payments().Create(ctx, p); err != nil {
			return err
		}

		out = &Checkout{Subscription: sub, Members: members, Payment: p}
		return tx.Audit().Append(ctx, auditlog.New(ctx, now, actorID, auditlog.ActionCheckoutCreated, auditlog.EntitySubscription, sub.ID, map[string]string{
			"tenant_id":    req.TenantID,
			"plan_id":      plan.ID,
			"payment_id":   p.ID,
			"txid":         req.Txid,
			"amount_cents": strconv.FormatInt(req.AmountCents, 10),
			"members":      strconv.Itoa(len(members)),
		}))
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("subscription_id", out.Subscription.ID).
		Str("payment_id", out.Payment.ID).
		Str("plan_id", plan.ID).
		Msg("Checkout created")
	return out, nil
}

// CancelSubscription terminates a subscription and its member rows.
func (s *CheckoutService) CancelSubscription(ctx context.Context, actorID, subscriptionID string) (*licensing.Subscription, error) {
	const op = "billing.cancel_subscription"
	located, err := s.get(ctx, op, subscriptionID)
	if err != nil {
		return nil, err
	}

	var c licensing.Cascade
	err = s.deps.Mutate(ctx, op, lifecycle.SubscriptionLocks(located), func(tx store.Tx) error {
		var (
			found bool
			err   error
		)
		c, found, err = lifecycle.ApplyCascade(ctx, tx, subscriptionID, actorID, auditlog.ActionSubscriptionCancel, nil, s.deps.Clock.Now(),
			func(in licensing.CascadeInput, now time.Time) (licensing.Cascade, error) {
				return licensing.CancelSubscription(in, now)
			})
		if err == nil && !found {
			return apperrors.NotFound(op, "subscription not found")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.deps.Committed(ctx, c)
	return &c.Subscription, nil
}

// AddMember links userID to a subscription. The new row mirrors the
// parent's state and expiry.
func (s *CheckoutService) AddMember(ctx context.Context, actorID, subscriptionID, userID string) (*licensing.UserSubscription, error) {
	const op = "billing.add_member"
	if userID == "" {
		return nil, apperrors.Validation(op, "user_id is required")
	}
	if _, err := s.get(ctx, op, subscriptionID); err != nil {
		return nil, err
	}

	var member *licensing.UserSubscription
	err := s.deps.Mutate(ctx, op, []string{lock.SubscriptionKey(subscriptionID)}, func(tx store.Tx) error {
		member = nil
		now := s.deps.Clock.Now()
		sub, err := tx.Subscriptions().Get(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return apperrors.NotFound(op, "subscription not found")
		}
		m := licensing.UserSubscription{
			UserID:             userID,
			SubscriptionID:     sub.ID,
			Status:             sub.Status,
			ExpiresAt:          sub.ExpiresAt,
			LastNotificationAt: sub.LastNotificationAt,
			UpdatedAt:          now,
		}
		if err := tx.Subscriptions().PutMember(ctx, m); err != nil {
			return err
		}
		// Bump the parent so a concurrent cascade that read the old member
		// set conflicts and retries.
		sub.UpdatedAt = now
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		member = &m
		return tx.Audit().Append(ctx, auditlog.New(ctx, now, actorID, auditlog.ActionMemberAdded, auditlog.EntitySubscription, sub.ID, map[string]string{
			"user_id": userID,
			"status":  string(sub.Status),
		}))
	})
	return member, err
}

// ListSubscriptions returns subscriptions in state, or all when state is
// empty, with their member rows.
func (s *CheckoutService) ListSubscriptions(ctx context.Context, state licensing.SubscriptionState) ([]SubscriptionView, error) {
	var out []SubscriptionView
	err := s.deps.View(ctx, "billing.list_subscriptions", func(tx store.Tx) error {
		subs, err := tx.Subscriptions().List(ctx, state)
		if err != nil {
			return err
		}
		out = make([]SubscriptionView, 0, len(subs))
		for _, sub := range subs {
			members, err := tx.Subscriptions().Members(ctx, sub.ID)
			if err != nil {
				return err
			}
			out = append(out, SubscriptionView{Subscription: sub, Members: members})
		}
		return nil
	})
	return out, err
}

func (s *CheckoutService) get(ctx context.Context, op, id string) (*licensing.Subscription, error) {
	if id == "" {
		return nil, apperrors.Validation(op, "subscription id is required")
	}
	var sub *licensing.Subscription
	err := s.deps.View(ctx, op, func(tx store.Tx) error {
		var err error
		sub, err = tx.Subscriptions().Get(ctx, id)
		return err
	})
	if err == nil && sub == nil {
		err = apperrors.NotFound(op, "subscription not found")
	}
	return sub, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package billing correlates payment gateway events with payments and
// subscriptions, and manages subscriptions created at checkout.
package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/rcourtman/pulse-license-engine/internal/auditlog"
	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/lifecycle"
	"github.com/rcourtman/pulse-license-engine/internal/lock"
	"github.com/rcourtman/pulse-license-engine/internal/logging"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Outcome is how a webhook delivery was settled.
type Outcome string

const (
	OutcomePaid            Outcome = "paid"
	OutcomeReplay          Outcome = "replay"
	OutcomeResumed         Outcome = "resumed"
	OutcomeUnknownTxid     Outcome = "unknown_txid"
	OutcomeLegacyActivated Outcome = "legacy_activated"
	OutcomeLegacyReplay    Outcome = "legacy_replay"
)

// Result describes a settled delivery. Every outcome is a success from the
// sender's point of view.
type Result struct {
	Outcome        Outcome             `json:"outcome"`
	Txid           string              `json:"txid"`
	Shape          licensing.TxidShape `json:"shape,omitempty"`
	PaymentID      string              `json:"payment_id,omitempty"`
	SubscriptionID string              `json:"subscription_id,omitempty"`
}

// Reconciler applies payment webhooks. Deliveries are at-least-once and
// untrusted: a txid only ever settles a payment or subscription that was
// already created for it.
type Reconciler struct {
	deps lifecycle.Deps
}

// NewReconciler creates a reconciler.
func NewReconciler(deps lifecycle.Deps) *Reconciler {
	return &Reconciler{deps: deps.WithDefaults()}
}

// Reconcile extracts the txid from payload and settles it. Malformed
// payloads and payloads without a txid are validation errors; an unknown
// txid is an accepted no-op.
func (r *Reconciler) Reconcile(ctx context.Context, payload []byte) (Result, error) {
	const op = "billing.reconcile"
	txid, shape, err := licensing.ExtractTxid(payload)
	if err != nil {
		return Result{}, apperrors.Wrap(op, err)
	}
	res, err := r.settle(ctx, txid)
	res.Shape = shape
	return res, err
}

// ResumeUnreconciled finishes every paid payment whose cascade was never
// recorded. It returns how many were resumed.
func (r *Reconciler) ResumeUnreconciled(ctx context.Context) (int, error) {
	var txids []string
	err := r.deps.View(ctx, "billing.list_unreconciled", func(tx store.Tx) error {
		ids, err := tx.Payments().ListUnreconciled(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			p, err := tx.Payments().Get(ctx, id)
			if err != nil {
				return err
			}
			if p != nil && p.Txid != "" {
				txids = append(txids, p.Txid)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	resumed := 0
	var firstErr error
	for _, txid := range txids {
		if ctx.Err() != nil {
			break
		}
		res, err := r.settle(ctx, txid)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Outcome == OutcomeResumed {
			resumed++
		}
	}
	return resumed, firstErr
}

func (r *Reconciler) settle(ctx context.Context, txid string) (Result, error) {
	const op = "billing.settle"
	logger := logging.FromContext(ctx).With().Str("txid", txid).Logger()

	keys, err := r.lockKeys(ctx, op, txid)
	if err != nil {
		return Result{Txid: txid}, err
	}

	var (
		res     Result
		cascade licensing.Cascade
	)
	err = r.deps.Mutate(ctx, op, keys, func(tx store.Tx) error {
		res, cascade = Result{Txid: txid}, licensing.Cascade{}
		now := r.deps.Clock.Now()

		p, err := tx.Payments().GetByTxid(ctx, txid)
		if err != nil {
			return err
		}
		if p != nil {
			res.PaymentID, res.SubscriptionID = p.ID, p.SubscriptionID
			res.Outcome, cascade, err = r.settlePayment(ctx, tx, p, now)
			return err
		}

		sub, err := tx.Subscriptions().GetByTxid(ctx, txid)
		if err != nil {
			return err
		}
		if sub == nil {
			res.Outcome = OutcomeUnknownTxid
			return nil
		}
		res.SubscriptionID = sub.ID
		if sub.TxidSettledAt != nil {
			res.Outcome = OutcomeLegacyReplay
			return nil
		}
		cascade, _, err = lifecycle.ApplyCascade(ctx, tx, sub.ID, "", auditlog.ActionLegacyTxidActivated,
			map[string]string{"txid": txid}, now, r.activate)
		res.Outcome = OutcomeLegacyActivated
		return err
	})
	if err != nil {
		return res, err
	}

	switch res.Outcome {
	case OutcomeUnknownTxid:
		logger.Info().Msg("Payment webhook for unknown txid ignored")
	case OutcomeReplay, OutcomeLegacyReplay:
		logger.Debug().Str("outcome", string(res.Outcome)).Msg("Payment webhook replay")
	default:
		logger.Info().
			Str("outcome", string(res.Outcome)).
			Str("payment_id", res.PaymentID).
			Str("subscription_id", res.SubscriptionID).
			Msg("Payment settled")
	}
	r.deps.Committed(ctx, cascade)
	return res, nil
}

// settlePayment marks p paid and activates its subscription in the same
// unit of work.
func (r *Reconciler) settlePayment(ctx context.Context, tx store.Tx, p *licensing.Payment, now time.Time) (Outcome, licensing.Cascade, error) {
	var outcome Outcome
	switch {
	case p.Status == licensing.PaymentPending:
		outcome = OutcomePaid
		p.Status = licensing.PaymentPaid
		p.PaidAt = licensing.TimePtr(now)
	case p.Status == licensing.PaymentPaid && p.ReconciledAt == nil:
		outcome = OutcomeResumed
	default:
		return OutcomeReplay, licensing.Cascade{}, nil
	}
	p.ReconciledAt = licensing.TimePtr(now)
	p.UpdatedAt = now

	details := map[string]string{
		"txid":         p.Txid,
		"payment_id":   p.ID,
		"amount_cents": strconv.FormatInt(p.AmountCents, 10),
		"currency":     p.Currency,
		"outcome":      string(outcome),
	}

	var c licensing.Cascade
	if p.SubscriptionID != "" {
		sub, err := tx.Subscriptions().Get(ctx, p.SubscriptionID)
		if err != nil {
			return outcome, c, err
		}
		if sub != nil && sub.Status != licensing.SubStateCanceled {
			c, _, err = lifecycle.ApplyCascade(ctx, tx, p.SubscriptionID, "", auditlog.ActionPaymentReconciled, details, now, r.activate)
			if err != nil {
				return outcome, c, err
			}
			return outcome, c, tx.Payments().Update(ctx, p)
		}
		details["skipped"] = "subscription missing or canceled"
	}

	if err := tx.Payments().Update(ctx, p); err != nil {
		return outcome, c, err
	}
	action := auditlog.ActionPaymentReconciled
	if outcome == OutcomeResumed {
		action = auditlog.ActionPaymentResumed
	}
	return outcome, c, tx.Audit().Append(ctx, auditlog.New(ctx, now, "", action, auditlog.EntityPayment, p.ID, details))
}

// activate starts the plan's paid window, aligns the owning license with
// the plan and marks the txid settled.
func (r *Reconciler) activate(in licensing.CascadeInput, now time.Time) (licensing.Cascade, error) {
	plan, _ := r.deps.Plans.Lookup(in.Subscription.PlanID)
	c, err := licensing.ActivateSubscription(in, now, plan.Days)
	if err != nil {
		return c, err
	}
	c.Subscription.TxidSettledAt = licensing.TimePtr(now)
	if c.License != nil {
		c.License.PlanName = plan.ID
		c.License.Advanced = plan.Advanced
	}
	return c, nil
}

// lockKeys orders locks as txid, subscription, license.
func (r *Reconciler) lockKeys(ctx context.Context, op, txid string) ([]string, error) {
	keys := []string{lock.TxidKey(txid)}
	err := r.deps.View(ctx, op, func(tx store.Tx) error {
		var subID string
		p, err := tx.Payments().GetByTxid(ctx, txid)
		if err != nil {
			return err
		}
		if p != nil {
			subID = p.SubscriptionID
		} else {
			sub, err := tx.Subscriptions().GetByTxid(ctx, txid)
			if err != nil || sub == nil {
				return err
			}
			keys = append(keys, lifecycle.SubscriptionLocks(sub)...)
			return nil
		}
		if subID == "" {
			return nil
		}
		sub, err := tx.Subscriptions().Get(ctx, subID)
		if err != nil {
			return err
		}
		keys = append(keys, lifecycle.SubscriptionLocks(sub)...)
		return nil
	})
	return keys, err
}

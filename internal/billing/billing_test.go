package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/lifecycle"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/internal/store/memory"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store      store.Store
	clock      *licensing.ManualClock
	deps       lifecycle.Deps
	reconciler *Reconciler
	checkout   *CheckoutService
	licenses   *lifecycle.LicenseService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: licensing.NewManualClock(t0)}
	f.deps = lifecycle.Deps{
		Store: f.store,
		Clock: f.clock,
		Plans: licensing.NewPlanCatalog(licensing.DefaultPlans, 30),
	}.WithDefaults()
	f.reconciler = NewReconciler(f.deps)
	f.checkout = NewCheckoutService(f.deps)
	f.licenses = lifecycle.NewLicenseService(f.deps, nil)
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func (f *fixture) openCheckout(t *testing.T, txid, plan string) *Checkout {
	t.Helper()
	ctx := context.Background()
	_, err := f.licenses.EnsureLicense(ctx, licensing.User{ID: "owner", Username: "owner"})
	require.NoError(t, err)
	co, err := f.checkout.CreateCheckout(ctx, "op", CheckoutRequest{
		TenantID:    "tenant",
		OwnerUserID: "owner",
		PlanID:      plan,
		Members:     []string{"member-1", "owner"},
		Txid:        txid,
		AmountCents: 4990,
	})
	require.NoError(t, err)
	return co
}

func (f *fixture) subscription(t *testing.T, id string) (*licensing.Subscription, []licensing.UserSubscription, *licensing.License) {
	t.Helper()
	ctx := context.Background()
	var (
		sub     *licensing.Subscription
		members []licensing.UserSubscription
		lic     *licensing.License
	)
	err := f.store.View(ctx, func(tx store.Tx) error {
		var err error
		if sub, err = tx.Subscriptions().Get(ctx, id); err != nil {
			return err
		}
		if members, err = tx.Subscriptions().Members(ctx, id); err != nil {
			return err
		}
		lic, err = tx.Licenses().GetByUserID(ctx, sub.OwnerUserID)
		return err
	})
	require.NoError(t, err)
	return sub, members, lic
}

func TestWebhookReplayActivatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co := f.openCheckout(t, "TX1", "pro_monthly")
	payload := []byte(`{"txid":"TX1","valor":"49.90"}`)

	res, err := f.reconciler.Reconcile(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, co.Payment.ID, res.PaymentID)
	assert.Equal(t, licensing.ShapeTopLevelTxid, res.Shape)

	sub, members, lic := f.subscription(t, co.Subscription.ID)
	require.NotNil(t, sub.ExpiresAt)
	firstExpiry := *sub.ExpiresAt
	assert.Equal(t, licensing.SubStateActive, sub.Status)
	assert.Equal(t, t0.Add(licensing.Days(30)), firstExpiry)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, sub.Status, m.Status)
	}
	assert.Equal(t, licensing.LicenseActive, lic.Status)
	assert.Equal(t, "pro_monthly", lic.PlanName)
	assert.True(t, lic.Advanced)

	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Hour)
		res, err = f.reconciler.Reconcile(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplay, res.Outcome)
	}

	sub, _, _ = f.subscription(t, co.Subscription.ID)
	assert.Equal(t, firstExpiry, *sub.ExpiresAt, "replays must not move the window")

	trail, err := f.licenses.AuditTrail(ctx, "subscription", co.Subscription.ID, 0)
	require.NoError(t, err)
	reconciled := 0
	for _, e := range trail {
		if e.Action == "payment.reconciled" {
			reconciled++
		}
	}
	assert.Equal(t, 1, reconciled)
}

func TestWebhookTxidShapes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openCheckout(t, "E2E-1", "monthly")

	res, err := f.reconciler.Reconcile(ctx, []byte(`{"pix":[{"txid":"E2E-1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, licensing.ShapePixArrayTxid, res.Shape)
}

func TestWebhookUnknownAndMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.reconciler.Reconcile(ctx, []byte(`{"endToEndId":"nobody"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownTxid, res.Outcome)

	_, err = f.reconciler.Reconcile(ctx, []byte(`{"amount":1}`))
	assert.Equal(t, apperrors.CodeMissingTxid, apperrors.CodeOf(err))

	_, err = f.reconciler.Reconcile(ctx, []byte(`[1,2]`))
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func seedLegacySubscription(t *testing.T, f *fixture, txid string) string {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	sub := &licensing.Subscription{
		ID:        "legacy-sub",
		TenantID:  "tenant",
		PlanID:    "annual",
		Status:    licensing.SubStateExpired,
		Txid:      txid,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		return tx.Subscriptions().Create(ctx, sub)
	}))
	return sub.ID
}

func TestLegacySubscriptionTxid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := seedLegacySubscription(t, f, "LEGACY-1")

	res, err := f.reconciler.Reconcile(ctx, []byte(`{"txid":"LEGACY-1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLegacyActivated, res.Outcome)

	var sub *licensing.Subscription
	require.NoError(t, f.store.View(ctx, func(tx store.Tx) error {
		var err error
		sub, err = tx.Subscriptions().Get(ctx, id)
		return err
	}))
	assert.Equal(t, licensing.SubStateActive, sub.Status)
	assert.NotNil(t, sub.TxidSettledAt)
	assert.Equal(t, t0.Add(licensing.Days(365)), *sub.ExpiresAt)

	res, err = f.reconciler.Reconcile(ctx, []byte(`{"txid":"LEGACY-1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLegacyReplay, res.Outcome)
}

func TestPaymentTakesPrecedenceOverLegacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacyID := seedLegacySubscription(t, f, "SHARED")
	co := f.openCheckout(t, "SHARED", "monthly")

	res, err := f.reconciler.Reconcile(ctx, []byte(`{"txid":"SHARED"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, co.Subscription.ID, res.SubscriptionID)

	var legacy *licensing.Subscription
	require.NoError(t, f.store.View(ctx, func(tx store.Tx) error {
		var err error
		legacy, err = tx.Subscriptions().Get(ctx, legacyID)
		return err
	}))
	assert.Equal(t, licensing.SubStateExpired, legacy.Status, "the legacy row is not activated a second time")
}

func TestResumeUnreconciledPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co := f.openCheckout(t, "TX-CRASH", "monthly")

	// A paid payment without a recorded cascade.
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		p, err := tx.Payments().Get(ctx, co.Payment.ID)
		if err != nil {
			return err
		}
		p.Status = licensing.PaymentPaid
		p.PaidAt = licensing.TimePtr(t0)
		return tx.Payments().Update(ctx, p)
	}))

	n, err := f.reconciler.ResumeUnreconciled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, _, _ := f.subscription(t, co.Subscription.ID)
	assert.Equal(t, licensing.SubStateActive, sub.Status)

	n, err = f.reconciler.ResumeUnreconciled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPaymentOnCanceledSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co := f.openCheckout(t, "TX-A", "monthly")
	_, err := f.reconciler.Reconcile(ctx, []byte(`{"txid":"TX-A"}`))
	require.NoError(t, err)

	canceled, err := f.checkout.CancelSubscription(ctx, "op", co.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.SubStateCanceled, canceled.Status)

	// A second checkout payment pointing at the canceled subscription.
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		return tx.Payments().Create(ctx, &licensing.Payment{
			ID: "late", UserID: "owner", SubscriptionID: co.Subscription.ID,
			Status: licensing.PaymentPending, Txid: "TX-LATE", CreatedAt: t0, UpdatedAt: t0,
		})
	}))
	res, err := f.reconciler.Reconcile(ctx, []byte(`{"txid":"TX-LATE"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)

	sub, _, _ := f.subscription(t, co.Subscription.ID)
	assert.Equal(t, licensing.SubStateCanceled, sub.Status)
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openCheckout(t, "DUP", "monthly")

	_, err := f.checkout.CreateCheckout(ctx, "op", CheckoutRequest{TenantID: "t", OwnerUserID: "o", PlanID: "monthly", Txid: "DUP"})
	assert.Equal(t, apperrors.KindRejected, apperrors.KindOf(err))

	_, err = f.checkout.CreateCheckout(ctx, "op", CheckoutRequest{TenantID: "t", OwnerUserID: "o", PlanID: "nope", Txid: "X"})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = f.checkout.CancelSubscription(ctx, "op", "missing")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestAddMemberMirrorsParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co := f.openCheckout(t, "TX-M", "monthly")
	_, err := f.reconciler.Reconcile(ctx, []byte(`{"txid":"TX-M"}`))
	require.NoError(t, err)

	m, err := f.checkout.AddMember(ctx, "op", co.Subscription.ID, "member-2")
	require.NoError(t, err)
	assert.Equal(t, licensing.SubStateActive, m.Status)

	views, err := f.checkout.ListSubscriptions(ctx, licensing.SubStateActive)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Len(t, views[0].Members, 3)
	for _, member := range views[0].Members {
		assert.Equal(t, views[0].Status, member.Status, fmt.Sprintf("member %s", member.UserID))
	}
}

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

func TestScannerBlocksLapsedTrialOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	trial, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)

	h.clock.Advance(licensing.Days(29))
	report, err := h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.TrialsBlocked)

	h.clock.Advance(licensing.Days(2))
	report, err = h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TrialsBlocked)

	snap, err := h.licenses.Snapshot(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseBlocked, snap.Status)

	report, err = h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.TrialsBlocked, "a second pass must not re-apply the crossing")
	assert.Equal(t, []licensing.NotificationKind{licensing.NotifyTrialExpired}, h.notes.kinds())

	h.notes.mu.Lock()
	fresh := h.notes.got[0].ActivationKey
	h.notes.mu.Unlock()
	require.NotEmpty(t, fresh)
	assert.NotEqual(t, trial.ActivationKey, fresh, "blocking rotates the activation key")

	out, err := h.licenses.SelfActivate(ctx, alice(), fresh, 30)
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseActive, out.Status)
}

func seedSubscription(t *testing.T, h *harness, owner string, expiresIn time.Duration, members ...string) string {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	sub := &licensing.Subscription{
		ID:          "sub-1",
		TenantID:    "tenant-1",
		OwnerUserID: owner,
		PlanID:      "monthly",
		Status:      licensing.SubStateActive,
		StartedAt:   licensing.TimePtr(now),
		ExpiresAt:   licensing.TimePtr(now.Add(expiresIn)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := h.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.Subscriptions().Create(ctx, sub); err != nil {
			return err
		}
		for _, m := range members {
			if err := tx.Subscriptions().PutMember(ctx, licensing.UserSubscription{
				UserID:         m,
				SubscriptionID: sub.ID,
				Status:         licensing.SubStateActive,
				ExpiresAt:      sub.ExpiresAt,
				UpdatedAt:      now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return sub.ID
}

func TestScannerSubscriptionCascade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	_, err = h.licenses.SelfActivate(ctx, alice(), lic.ActivationKey, 0)
	require.NoError(t, err)

	subID := seedSubscription(t, h, "u-alice", 48*time.Hour, "u-alice", "u-bob")

	report, err := h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SubscriptionsExpiring)

	report, err = h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.SubscriptionsExpiring, "expiring-soon is debounced")

	h.clock.Advance(49 * time.Hour)
	report, err = h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SubscriptionsExpired)

	err = h.store.View(ctx, func(tx store.Tx) error {
		sub, err := tx.Subscriptions().Get(ctx, subID)
		require.NoError(t, err)
		assert.Equal(t, licensing.SubStateExpired, sub.Status)

		members, err := tx.Subscriptions().Members(ctx, subID)
		require.NoError(t, err)
		require.Len(t, members, 2)
		for _, m := range members {
			assert.Equal(t, licensing.SubStateExpired, m.Status, "member %s mirrors the parent", m.UserID)
		}

		owned, err := tx.Licenses().GetByUserID(ctx, "u-alice")
		require.NoError(t, err)
		assert.Equal(t, licensing.LicenseExpired, owned.Status)
		return nil
	})
	require.NoError(t, err)

	report, err = h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.SubscriptionsExpired)

	kinds := h.notes.kinds()
	assert.Equal(t, 2, count(kinds, licensing.NotifySubscriptionExpiring))
	assert.Equal(t, 2, count(kinds, licensing.NotifySubscriptionExpired))
}

func count(kinds []licensing.NotificationKind, k licensing.NotificationKind) int {
	n := 0
	for _, v := range kinds {
		if v == k {
			n++
		}
	}
	return n
}

func TestScannerInterrupted(t *testing.T) {
	h := newHarness(t)
	bg := context.Background()

	_, err := h.licenses.EnsureLicense(bg, alice())
	require.NoError(t, err)
	h.clock.Advance(licensing.Days(31))

	ctx, cancel := context.WithCancel(bg)
	cancel()
	report, err := h.scanner.ScanOnce(ctx)
	if err != nil {
		// Listing may already observe the canceled context.
		assert.True(t, errors.Is(err, context.Canceled))
		return
	}
	assert.True(t, report.Interrupted)
	assert.Zero(t, report.TrialsBlocked)

	report, err = h.scanner.ScanOnce(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TrialsBlocked)
}

type stubResumer struct{ n int }

func (s *stubResumer) ResumeUnreconciled(context.Context) (int, error) { return s.n, nil }

func TestScannerResumesPayments(t *testing.T) {
	h := newHarness(t)
	scanner := NewExpiryScanner(h.deps, h.licenses, &stubResumer{n: 2})

	report, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.PaymentsResumed)
}

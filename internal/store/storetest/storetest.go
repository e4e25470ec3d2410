// Package storetest holds behavior tests shared by every store.Store
// implementation.
package storetest

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

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("LicenseLifecycle", func(t *testing.T) { testLicenseLifecycle(t, newStore(t)) })
	t.Run("OptimisticConflict", func(t *testing.T) { testOptimisticConflict(t, newStore(t)) })
	t.Run("UniqueKeys", func(t *testing.T) { testUniqueKeys(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("CascadeCommit", func(t *testing.T) { testCascadeCommit(t, newStore(t)) })
	t.Run("PaymentsAndKeys", func(t *testing.T) { testPaymentsAndKeys(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
}

func newLicense(t *testing.T, userID string) *licensing.License {
	t.Helper()
	l, err := licensing.NewTrialLicense(licensing.User{ID: userID, Username: "user-" + userID, Email: userID + "@example.com"}, base, 30)
	require.NoError(t, err)
	return &l
}

func testLicenseLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	l := newLicense(t, "u1")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Users().Put(ctx, &licensing.User{ID: "u1", Username: "user-u1", Email: "u1@example.com", Role: licensing.RoleUser, CreatedAt: base}))
		return tx.Licenses().Create(ctx, l)
	}))
	assert.Equal(t, int64(1), l.Version)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Licenses().Get(ctx, l.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, l.Key, got.Key)
		assert.Equal(t, l.ActivationKey, got.ActivationKey)
		assert.True(t, got.TrialStart.Equal(base))
		assert.Equal(t, int64(1), got.Version)

		byUser, err := tx.Licenses().GetByUserID(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, byUser)
		assert.Equal(t, l.ID, byUser.ID)

		byKey, err := tx.Licenses().GetByKey(ctx, l.Key)
		require.NoError(t, err)
		require.NotNil(t, byKey)

		missing, err := tx.Licenses().Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		u, err := tx.Users().GetByEmail(ctx, "u1@example.com")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "user-u1", u.Username)

		ids, err := tx.Licenses().ListExpiryCandidates(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, []string{l.ID}, ids)
		return nil
	}))

	now := base.Add(time.Hour)
	tr, err := licensing.NextLicense(*l, now, licensing.Activate{Key: l.ActivationKey, ValidityDays: 30})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		next := tr.License
		return tx.Licenses().Update(ctx, &next)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		list, err := tx.Licenses().List(ctx, store.LicenseFilter{Status: licensing.LicenseActive})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(2), list[0].Version)
		assert.Empty(t, list[0].ActivationKey)
		require.NotNil(t, list[0].ValidUntil)
		assert.True(t, list[0].ValidUntil.Equal(now.Add(licensing.Days(30))))

		ids, err := tx.Licenses().ListExpiryCandidates(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, ids)
		ids, err = tx.Licenses().ListExpiryCandidates(ctx, now.Add(licensing.Days(31)))
		require.NoError(t, err)
		assert.Equal(t, []string{l.ID}, ids)
		return nil
	}))
}

func testOptimisticConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	l := newLicense(t, "u1")
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.Licenses().Create(ctx, l) }))

	stale := l.Clone()
	fresh := l.Clone()
	fresh.PlanName = "monthly"
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.Licenses().Update(ctx, fresh) }))

	stale.PlanName = "annual"
	err := s.Update(ctx, func(tx store.Tx) error { return tx.Licenses().Update(ctx, stale) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Licenses().Get(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, "monthly", got.PlanName)
		return nil
	}))
}

func testUniqueKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := newLicense(t, "u1")
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.Licenses().Create(ctx, a) }))

	sameUser := newLicense(t, "u1")
	err := s.Update(ctx, func(tx store.Tx) error { return tx.Licenses().Create(ctx, sameUser) })
	assert.True(t, errors.Is(err, store.ErrConflict), "second license for one user: %v", err)

	sameKey := newLicense(t, "u2")
	sameKey.Key = a.Key
	err = s.Update(ctx, func(tx store.Tx) error { return tx.Licenses().Create(ctx, sameKey) })
	assert.True(t, errors.Is(err, store.ErrConflict), "duplicate key: %v", err)

	// Unbound licenses may coexist.
	u1, u2 := newLicense(t, ""), newLicense(t, "")
	u1.Username = "alice"
	u2.Email = "bob@example.com"
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Licenses().Create(ctx, u1); err != nil {
			return err
		}
		return tx.Licenses().Create(ctx, u2)
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Licenses().FindUnbound(ctx, "alice", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, u1.ID, got.ID)
		got, err = tx.Licenses().FindUnbound(ctx, "", "bob@example.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, u2.ID, got.ID)
		got, err = tx.Licenses().FindUnbound(ctx, "carol", "")
		require.NoError(t, err)
		assert.Nil(t, got)
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	l := newLicense(t, "u1")

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Licenses().Create(ctx, l); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Licenses().GetByUserID(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got, "failed unit of work must not persist")
		return nil
	}))
}

func testCascadeCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	l := newLicense(t, "owner")
	expires := base.Add(licensing.Days(30))
	sub := &licensing.Subscription{
		ID: "sub-1", TenantID: "t1", OwnerUserID: "owner", PlanID: "monthly",
		Status: licensing.SubStateActive, StartedAt: licensing.TimePtr(base), ExpiresAt: &expires,
		CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Licenses().Create(ctx, l); err != nil {
			return err
		}
		if err := tx.Subscriptions().Create(ctx, sub); err != nil {
			return err
		}
		for _, uid := range []string{"owner", "member"} {
			if err := tx.Subscriptions().PutMember(ctx, licensing.UserSubscription{
				UserID: uid, SubscriptionID: sub.ID, Status: licensing.SubStateActive, ExpiresAt: &expires, UpdatedAt: base,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		ids, err := tx.Subscriptions().ListDue(ctx, expires)
		require.NoError(t, err)
		assert.Equal(t, []string{"sub-1"}, ids)
		ids, err = tx.Subscriptions().ListDue(ctx, expires.Add(-time.Second))
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	}))

	now := expires.Add(time.Minute)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		in, err := store.LoadCascade(ctx, tx, "sub-1")
		require.NoError(t, err)
		require.NotNil(t, in)
		require.Len(t, in.UserSubscriptions, 2)
		require.NotNil(t, in.License)
		c, err := licensing.ActivateSubscription(*in, now, 30)
		require.NoError(t, err)
		return store.Commit(ctx, tx, c)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Subscriptions().Get(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(now.Add(licensing.Days(30))))

		members, err := tx.Subscriptions().Members(ctx, "sub-1")
		require.NoError(t, err)
		for _, m := range members {
			assert.Equal(t, licensing.SubStateActive, m.Status)
			assert.True(t, m.ExpiresAt.Equal(*got.ExpiresAt), "member %s aligned", m.UserID)
		}

		lic, err := tx.Licenses().GetByUserID(ctx, "owner")
		require.NoError(t, err)
		assert.Equal(t, licensing.LicenseActive, lic.Status)
		assert.True(t, lic.ExpiresAt.Equal(*got.ExpiresAt))

		all, err := tx.Subscriptions().List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	}))
}

func testPaymentsAndKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := &licensing.Payment{
		ID: "pay-1", UserID: "u1", SubscriptionID: "sub-1", AmountCents: 4990, Currency: "BRL",
		Method: "pix", Status: licensing.PaymentPending, Txid: "TX1", CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.Payments().Create(ctx, p) }))

	dup := *p
	dup.ID = "pay-2"
	err := s.Update(ctx, func(tx store.Tx) error { return tx.Payments().Create(ctx, &dup) })
	assert.True(t, errors.Is(err, store.ErrConflict), "duplicate txid: %v", err)

	p.Status = licensing.PaymentPaid
	p.PaidAt = licensing.TimePtr(base.Add(time.Minute))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.Payments().Update(ctx, p) }))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Payments().GetByTxid(ctx, "TX1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, licensing.PaymentPaid, got.Status)
		ids, err := tx.Payments().ListUnreconciled(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"pay-1"}, ids)
		return nil
	}))

	k := &licensing.PendingActivationKey{
		LicenseKey: licensing.NormalizeKey("AK-ABCD-EFGH"), Username: "alice",
		Status: licensing.KeyPendingActivation, ValidityDays: 30, ApprovedAt: base,
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.ActivationKeys().Create(ctx, k) }))
	err = s.Update(ctx, func(tx store.Tx) error {
		again := *k
		return tx.ActivationKeys().Create(ctx, &again)
	})
	assert.True(t, errors.Is(err, store.ErrConflict))

	k.Status = licensing.KeyActivated
	k.ActivatedAt = licensing.TimePtr(base)
	k.LicenseID = "lic-1"
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.ActivationKeys().Update(ctx, k) }))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.ActivationKeys().Get(ctx, "AKABCDEFGH")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, licensing.KeyActivated, got.Status)
		assert.Equal(t, "lic-1", got.LicenseID)
		pending, err := tx.ActivationKeys().List(ctx, licensing.KeyPendingActivation)
		require.NoError(t, err)
		assert.Empty(t, pending)
		return nil
	}))
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i, action := range []string{"license.provisioned", "license.activated", "license.blocked"} {
			if err := tx.Audit().Append(ctx, licensing.AuditEntry{
				ID: action, ActorID: "admin", Action: action, EntityType: "license", EntityID: "lic-1",
				Details: map[string]string{"n": string(rune('0' + i))}, Timestamp: base.Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		return tx.Audit().Append(ctx, licensing.AuditEntry{ID: "other", Action: "payment.reconciled", EntityType: "payment", EntityID: "p", Timestamp: base})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		entries, err := tx.Audit().List(ctx, "license", "lic-1", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "license.blocked", entries[0].Action, "newest first")
		assert.Equal(t, "2", entries[0].Details["n"])
		return nil
	}))
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

const subscriptionColumns = `id, tenant_id, owner_user_id, plan_id, status, started_at, expires_at,
	valid_until, auto_renew, txid, txid_settled_at, last_notification_at, created_at, updated_at, version`

type subscriptionRepo struct{ c *conn }

func (r subscriptionRepo) Get(ctx context.Context, id string) (*licensing.Subscription, error) {
	return r.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r subscriptionRepo) GetByTxid(ctx context.Context, txid string) (*licensing.Subscription, error) {
	if txid == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE txid = ? ORDER BY created_at LIMIT 1`, txid)
}

func (r subscriptionRepo) one(ctx context.Context, q string, args ...any) (*licensing.Subscription, error) {
	s, err := scanSubscription(r.c.queryRow(ctx, q, args...))
	if err != nil {
		return nil, r.c.dialect.wrap("get subscription", err)
	}
	return s, nil
}

func (r subscriptionRepo) Create(ctx context.Context, s *licensing.Subscription) error {
	_, err := r.c.exec(ctx, "create subscription", `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.OwnerUserID, s.PlanID, string(s.Status), nullableNanos(s.StartedAt),
		nullableNanos(s.ExpiresAt), nullableNanos(s.ValidUntil), boolToInt(s.AutoRenew), s.Txid,
		nullableNanos(s.TxidSettledAt), nullableNanos(s.LastNotificationAt), nanos(s.CreatedAt), nanos(s.UpdatedAt), int64(1))
	if err != nil {
		return err
	}
	s.Version = 1
	return nil
}

func (r subscriptionRepo) Update(ctx context.Context, s *licensing.Subscription) error {
	err := r.c.execVersioned(ctx, "update subscription", `
		UPDATE subscriptions SET
			tenant_id = ?, owner_user_id = ?, plan_id = ?, status = ?, started_at = ?, expires_at = ?,
			valid_until = ?, auto_renew = ?, txid = ?, txid_settled_at = ?, last_notification_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		s.TenantID, s.OwnerUserID, s.PlanID, string(s.Status), nullableNanos(s.StartedAt), nullableNanos(s.ExpiresAt),
		nullableNanos(s.ValidUntil), boolToInt(s.AutoRenew), s.Txid, nullableNanos(s.TxidSettledAt),
		nullableNanos(s.LastNotificationAt), nanos(s.UpdatedAt), s.ID, s.Version)
	if err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r subscriptionRepo) List(ctx context.Context, state licensing.SubscriptionState) ([]*licensing.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	var args []any
	if state != "" {
		q += ` WHERE status = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY id`
	rows, err := r.c.query(ctx, "list subscriptions", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*licensing.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r subscriptionRepo) ListDue(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.c.query(ctx, "list due subscriptions", `
		SELECT id FROM subscriptions
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY id`,
		string(licensing.SubStateActive), string(licensing.SubStateExpiringSoon), nanos(before))
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (r subscriptionRepo) Members(ctx context.Context, subscriptionID string) ([]licensing.UserSubscription, error) {
	rows, err := r.c.query(ctx, "list members", `
		SELECT user_id, subscription_id, status, expires_at, last_notification_at, updated_at
		FROM user_subscriptions WHERE subscription_id = ? ORDER BY user_id`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []licensing.UserSubscription
	for rows.Next() {
		var (
			m                 licensing.UserSubscription
			status            string
			expires, notified sql.NullInt64
			updated           int64
		)
		if err := rows.Scan(&m.UserID, &m.SubscriptionID, &status, &expires, &notified, &updated); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Status = licensing.SubscriptionState(status)
		m.ExpiresAt = fromNullNanos(expires)
		m.LastNotificationAt = fromNullNanos(notified)
		m.UpdatedAt = fromNanos(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r subscriptionRepo) PutMember(ctx context.Context, m licensing.UserSubscription) error {
	_, err := r.c.exec(ctx, "put member", `
		INSERT INTO user_subscriptions (user_id, subscription_id, status, expires_at, last_notification_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, user_id) DO UPDATE SET
			status = excluded.status, expires_at = excluded.expires_at,
			last_notification_at = excluded.last_notification_at, updated_at = excluded.updated_at`,
		m.UserID, m.SubscriptionID, string(m.Status), nullableNanos(m.ExpiresAt),
		nullableNanos(m.LastNotificationAt), nanos(m.UpdatedAt))
	return err
}

func scanSubscription(s scanner) (*licensing.Subscription, error) {
	var (
		sub                          licensing.Subscription
		status                       string
		autoRenew                    int
		started, expires, validUntil sql.NullInt64
		settled, notified            sql.NullInt64
		createdAt, updatedAt         int64
	)
	err := s.Scan(
		&sub.ID, &sub.TenantID, &sub.OwnerUserID, &sub.PlanID, &status, &started, &expires,
		&validUntil, &autoRenew, &sub.Txid, &settled, &notified, &createdAt, &updatedAt, &sub.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Status = licensing.SubscriptionState(status)
	sub.AutoRenew = autoRenew != 0
	sub.StartedAt = fromNullNanos(started)
	sub.ExpiresAt = fromNullNanos(expires)
	sub.ValidUntil = fromNullNanos(validUntil)
	sub.TxidSettledAt = fromNullNanos(settled)
	sub.LastNotificationAt = fromNullNanos(notified)
	sub.CreatedAt = fromNanos(createdAt)
	sub.UpdatedAt = fromNanos(updatedAt)
	return &sub, nil
}

const paymentColumns = `id, user_id, subscription_id, amount_cents, currency, method, status, txid,
	paid_at, reconciled_at, created_at, updated_at, version`

type paymentRepo struct{ c *conn }

func (r paymentRepo) Get(ctx context.Context, id string) (*licensing.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (r paymentRepo) GetByTxid(ctx context.Context, txid string) (*licensing.Payment, error) {
	if txid == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE txid = ?`, txid)
}

func (r paymentRepo) one(ctx context.Context, q string, args ...any) (*licensing.Payment, error) {
	p, err := scanPayment(r.c.queryRow(ctx, q, args...))
	if err != nil {
		return nil, r.c.dialect.wrap("get payment", err)
	}
	return p, nil
}

func (r paymentRepo) Create(ctx context.Context, p *licensing.Payment) error {
	_, err := r.c.exec(ctx, "create payment", `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.SubscriptionID, p.AmountCents, p.Currency, p.Method, string(p.Status), p.Txid,
		nullableNanos(p.PaidAt), nullableNanos(p.ReconciledAt), nanos(p.CreatedAt), nanos(p.UpdatedAt), int64(1))
	if err != nil {
		return err
	}
	p.Version = 1
	return nil
}

func (r paymentRepo) Update(ctx context.Context, p *licensing.Payment) error {
	err := r.c.execVersioned(ctx, "update payment", `
		UPDATE payments SET
			user_id = ?, subscription_id = ?, amount_cents = ?, currency = ?, method = ?, status = ?,
			txid = ?, paid_at = ?, reconciled_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		p.UserID, p.SubscriptionID, p.AmountCents, p.Currency, p.Method, string(p.Status),
		p.Txid, nullableNanos(p.PaidAt), nullableNanos(p.ReconciledAt), nanos(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return err
	}
	p.Version++
	return nil
}

func (r paymentRepo) ListUnreconciled(ctx context.Context) ([]string, error) {
	rows, err := r.c.query(ctx, "list unreconciled payments", `
		SELECT id FROM payments WHERE status = ? AND reconciled_at IS NULL ORDER BY id`,
		string(licensing.PaymentPaid))
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func scanPayment(s scanner) (*licensing.Payment, error) {
	var (
		p                    licensing.Payment
		status               string
		paid, reconciled     sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.Scan(
		&p.ID, &p.UserID, &p.SubscriptionID, &p.AmountCents, &p.Currency, &p.Method, &status, &p.Txid,
		&paid, &reconciled, &createdAt, &updatedAt, &p.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Status = licensing.PaymentStatus(status)
	p.PaidAt = fromNullNanos(paid)
	p.ReconciledAt = fromNullNanos(reconciled)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

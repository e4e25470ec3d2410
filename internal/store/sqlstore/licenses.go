package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

const userColumns = `id, username, email, role, created_at`

type userRepo struct{ c *conn }

func (r userRepo) Get(ctx context.Context, id string) (*licensing.User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (r userRepo) GetByUsername(ctx context.Context, username string) (*licensing.User, error) {
	if username == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE username = ? ORDER BY created_at LIMIT 1`, username)
}

func (r userRepo) GetByEmail(ctx context.Context, email string) (*licensing.User, error) {
	if email == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE email = ? ORDER BY created_at LIMIT 1`, email)
}

func (r userRepo) one(ctx context.Context, q string, args ...any) (*licensing.User, error) {
	var (
		u       licensing.User
		role    string
		created int64
	)
	err := r.c.queryRow(ctx, q, args...).Scan(&u.ID, &u.Username, &u.Email, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.c.dialect.wrap("get user", err)
	}
	u.Role = licensing.ParseRole(role)
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

func (r userRepo) Put(ctx context.Context, u *licensing.User) error {
	_, err := r.c.exec(ctx, "put user", `
		INSERT INTO users (id, username, email, role, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, email = excluded.email, role = excluded.role`,
		u.ID, u.Username, u.Email, string(u.Role), nanos(u.CreatedAt))
	return err
}

const licenseColumns = `id, user_id, username, email, license_key, status, plan_name, advanced,
	trial_start, trial_days, activated_at, valid_until, expires_at, renewal_key, activation_key,
	last_notification_at, created_at, updated_at, version`

type licenseRepo struct{ c *conn }

func (r licenseRepo) Get(ctx context.Context, id string) (*licensing.License, error) {
	return r.one(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
}

func (r licenseRepo) GetByUserID(ctx context.Context, userID string) (*licensing.License, error) {
	if userID == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE user_id = ?`, userID)
}

func (r licenseRepo) GetByKey(ctx context.Context, key string) (*licensing.License, error) {
	if key == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
}

func (r licenseRepo) FindUnbound(ctx context.Context, username, email string) (*licensing.License, error) {
	var (
		conds []string
		args  []any
	)
	if username != "" {
		conds = append(conds, "username = ?")
		args = append(args, username)
	}
	if email != "" {
		conds = append(conds, "email = ?")
		args = append(args, email)
	}
	if len(conds) == 0 {
		return nil, nil
	}
	q := `SELECT ` + licenseColumns + ` FROM licenses WHERE user_id = '' AND (` +
		strings.Join(conds, " OR ") + `) ORDER BY created_at, id LIMIT 1`
	return r.one(ctx, q, args...)
}

func (r licenseRepo) one(ctx context.Context, q string, args ...any) (*licensing.License, error) {
	l, err := scanLicense(r.c.queryRow(ctx, q, args...))
	if err != nil {
		return nil, r.c.dialect.wrap("get license", err)
	}
	return l, nil
}

func (r licenseRepo) Create(ctx context.Context, l *licensing.License) error {
	_, err := r.c.exec(ctx, "create license", `INSERT INTO licenses (`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.Username, l.Email, l.Key, string(l.Status), l.PlanName, boolToInt(l.Advanced),
		nullableNanos(l.TrialStart), l.TrialDays, nullableNanos(l.ActivatedAt), nullableNanos(l.ValidUntil),
		nullableNanos(l.ExpiresAt), l.RenewalKey, l.ActivationKey, nullableNanos(l.LastNotificationAt),
		nanos(l.CreatedAt), nanos(l.UpdatedAt), int64(1))
	if err != nil {
		return err
	}
	l.Version = 1
	return nil
}

func (r licenseRepo) Update(ctx context.Context, l *licensing.License) error {
	err := r.c.execVersioned(ctx, "update license", `
		UPDATE licenses SET
			user_id = ?, username = ?, email = ?, license_key = ?, status = ?, plan_name = ?, advanced = ?,
			trial_start = ?, trial_days = ?, activated_at = ?, valid_until = ?, expires_at = ?,
			renewal_key = ?, activation_key = ?, last_notification_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		l.UserID, l.Username, l.Email, l.Key, string(l.Status), l.PlanName, boolToInt(l.Advanced),
		nullableNanos(l.TrialStart), l.TrialDays, nullableNanos(l.ActivatedAt), nullableNanos(l.ValidUntil),
		nullableNanos(l.ExpiresAt), l.RenewalKey, l.ActivationKey, nullableNanos(l.LastNotificationAt),
		nanos(l.UpdatedAt), l.ID, l.Version)
	if err != nil {
		return err
	}
	l.Version++
	return nil
}

func (r licenseRepo) List(ctx context.Context, f store.LicenseFilter) ([]*licensing.License, error) {
	q := `SELECT ` + licenseColumns + ` FROM licenses`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.c.query(ctx, "list licenses", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*licensing.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("list licenses: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r licenseRepo) ListExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.c.query(ctx, "list expiry candidates", `
		SELECT id FROM licenses
		WHERE status = ?
		   OR (status = ? AND valid_until IS NOT NULL AND valid_until < ?)
		ORDER BY id`,
		string(licensing.LicenseTrial), string(licensing.LicenseActive), nanos(now))
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func scanLicense(s scanner) (*licensing.License, error) {
	var (
		l                                   licensing.License
		status                              string
		advanced                            int
		trialStart, activatedAt, validUntil sql.NullInt64
		expiresAt, lastNotification         sql.NullInt64
		createdAt, updatedAt                int64
	)
	err := s.Scan(
		&l.ID, &l.UserID, &l.Username, &l.Email, &l.Key, &status, &l.PlanName, &advanced,
		&trialStart, &l.TrialDays, &activatedAt, &validUntil, &expiresAt, &l.RenewalKey, &l.ActivationKey,
		&lastNotification, &createdAt, &updatedAt, &l.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	l.Status = licensing.LicenseStatus(status)
	l.Advanced = advanced != 0
	l.TrialStart = fromNullNanos(trialStart)
	l.ActivatedAt = fromNullNanos(activatedAt)
	l.ValidUntil = fromNullNanos(validUntil)
	l.ExpiresAt = fromNullNanos(expiresAt)
	l.LastNotificationAt = fromNullNanos(lastNotification)
	l.CreatedAt = fromNanos(createdAt)
	l.UpdatedAt = fromNanos(updatedAt)
	return &l, nil
}

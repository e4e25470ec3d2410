package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

const activationKeyColumns = `license_key, username, email, status, validity_days, expires_at,
	approved_at, activated_at, license_id, version`

type activationKeyRepo struct{ c *conn }

func (r activationKeyRepo) Get(ctx context.Context, key string) (*licensing.PendingActivationKey, error) {
	if key == "" {
		return nil, nil
	}
	k, err := scanActivationKey(r.c.queryRow(ctx, `SELECT `+activationKeyColumns+` FROM activation_keys WHERE license_key = ?`, key))
	if err != nil {
		return nil, r.c.dialect.wrap("get activation key", err)
	}
	return k, nil
}

func (r activationKeyRepo) Create(ctx context.Context, k *licensing.PendingActivationKey) error {
	_, err := r.c.exec(ctx, "create activation key", `INSERT INTO activation_keys (`+activationKeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.LicenseKey, k.Username, k.Email, string(k.Status), k.ValidityDays, nullableNanos(k.ExpiresAt),
		nanos(k.ApprovedAt), nullableNanos(k.ActivatedAt), k.LicenseID, int64(1))
	if err != nil {
		return err
	}
	k.Version = 1
	return nil
}

func (r activationKeyRepo) Update(ctx context.Context, k *licensing.PendingActivationKey) error {
	err := r.c.execVersioned(ctx, "update activation key", `
		UPDATE activation_keys SET
			username = ?, email = ?, status = ?, validity_days = ?, expires_at = ?,
			activated_at = ?, license_id = ?, version = version + 1
		WHERE license_key = ? AND version = ?`,
		k.Username, k.Email, string(k.Status), k.ValidityDays, nullableNanos(k.ExpiresAt),
		nullableNanos(k.ActivatedAt), k.LicenseID, k.LicenseKey, k.Version)
	if err != nil {
		return err
	}
	k.Version++
	return nil
}

func (r activationKeyRepo) List(ctx context.Context, status licensing.ActivationKeyStatus) ([]*licensing.PendingActivationKey, error) {
	q := `SELECT ` + activationKeyColumns + ` FROM activation_keys`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY approved_at, license_key`
	rows, err := r.c.query(ctx, "list activation keys", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*licensing.PendingActivationKey
	for rows.Next() {
		k, err := scanActivationKey(rows)
		if err != nil {
			return nil, fmt.Errorf("list activation keys: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanActivationKey(s scanner) (*licensing.PendingActivationKey, error) {
	var (
		k                  licensing.PendingActivationKey
		status             string
		expires, activated sql.NullInt64
		approved           int64
	)
	err := s.Scan(&k.LicenseKey, &k.Username, &k.Email, &status, &k.ValidityDays, &expires,
		&approved, &activated, &k.LicenseID, &k.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan activation key: %w", err)
	}
	k.Status = licensing.ActivationKeyStatus(status)
	k.ExpiresAt = fromNullNanos(expires)
	k.ActivatedAt = fromNullNanos(activated)
	k.ApprovedAt = fromNanos(approved)
	return &k, nil
}

type auditRepo struct{ c *conn }

func (r auditRepo) Append(ctx context.Context, e licensing.AuditEntry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	_, err := r.c.exec(ctx, "append audit", `
		INSERT INTO audit_log (id, actor_id, action, entity_type, entity_id, details, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, e.Action, e.EntityType, e.EntityID, string(details), nanos(e.Timestamp))
	return err
}

func (r auditRepo) List(ctx context.Context, entityType, entityID string, limit int) ([]licensing.AuditEntry, error) {
	q := `SELECT id, actor_id, action, entity_type, entity_id, details, ts FROM audit_log WHERE 1 = 1`
	var args []any
	if entityType != "" {
		q += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	if entityID != "" {
		q += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	q += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.c.query(ctx, "list audit", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []licensing.AuditEntry
	for rows.Next() {
		var (
			e       licensing.AuditEntry
			details string
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details %s: %w", e.ID, err)
			}
		}
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

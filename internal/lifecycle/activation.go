package lifecycle

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-license-engine/internal/auditlog"
	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/lock"
	"github.com/rcourtman/pulse-license-engine/internal/metrics"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// ActivationWorkflow manages operator-approved activation keys.
type ActivationWorkflow struct {
	deps Deps
}

// NewActivationWorkflow creates the workflow.
func NewActivationWorkflow(deps Deps) *ActivationWorkflow {
	return &ActivationWorkflow{deps: deps.WithDefaults()}
}

// ApproveRequest describes a key an operator approves for a user.
type ApproveRequest struct {
	// Key is optional; a fresh license key is generated when empty.
	Key          string
	Username     string
	Email        string
	ValidityDays int
}

// Approve records a pending activation key. The returned key is formatted
// for display and is shown once.
func (w *ActivationWorkflow) Approve(ctx context.Context, actorID string, req ApproveRequest) (*licensing.PendingActivationKey, string, error) {
	const op = "activation.approve"
	if req.Username == "" && req.Email == "" {
		return nil, "", apperrors.Validation(op, "username or email is required")
	}
	if req.ValidityDays < 0 {
		return nil, "", apperrors.Validation(op, "validity_days must not be negative")
	}

	canonical := licensing.NormalizeKey(req.Key)
	if req.Key != "" && canonical == "" {
		return nil, "", apperrors.ValidationCode(op, apperrors.CodeInvalidKey, "key has no usable characters", nil)
	}
	if canonical == "" {
		generated, err := licensing.GenerateKey(licensing.LicenseKeyPrefix)
		if err != nil {
			return nil, "", apperrors.Internal(op, err)
		}
		canonical = generated
	}

	var pending *licensing.PendingActivationKey
	err := w.deps.Mutate(ctx, op, []string{lock.ActivationKey(canonical)}, func(tx store.Tx) error {
		pending = nil
		now := w.deps.Clock.Now()

		taken, err := tx.Licenses().GetByKey(ctx, canonical)
		if err != nil {
			return err
		}
		if taken != nil {
			return apperrors.Rejected(op, apperrors.CodeKeyAlreadyConsumed, "key already belongs to a license")
		}
		dup, err := tx.ActivationKeys().Get(ctx, canonical)
		if err != nil {
			return err
		}
		if dup != nil {
			return apperrors.Rejected(op, apperrors.CodeInvalidInput, "key already approved")
		}

		k := &licensing.PendingActivationKey{
			LicenseKey:   canonical,
			Username:     req.Username,
			Email:        req.Email,
			Status:       licensing.KeyPendingActivation,
			ValidityDays: req.ValidityDays,
			ApprovedAt:   now,
		}
		if req.ValidityDays > 0 {
			k.ExpiresAt = licensing.TimePtr(now.Add(licensing.Days(req.ValidityDays)))
		}
		if err := tx.ActivationKeys().Create(ctx, k); err != nil {
			return err
		}
		pending = k
		return tx.Audit().Append(ctx, auditlog.New(ctx, now, actorID, auditlog.ActionKeyApproved, auditlog.EntityActivationKey, licensing.KeyFingerprint(canonical), map[string]string{
			"username":      req.Username,
			"email":         req.Email,
			"validity_days": strconv.Itoa(req.ValidityDays),
		}))
	})
	if err != nil {
		return nil, "", err
	}
	log.Info().
		Str("key_fp", licensing.KeyFingerprint(canonical)).
		Str("username", req.Username).
		Msg("Activation key approved")
	return pending, licensing.FormatKey(canonical), nil
}

// Consume turns a pending activation key into an active License. The key
// flip and the License write commit together, so concurrent calls with the
// same key yield exactly one License; the losers see key_already_consumed.
//
// username and email identify the owner and fall back to the values
// recorded on the key. When the key was approved for a user, a caller
// matching neither its username nor its email gets key_not_found. Without a known user the License is created
// unbound and attached on the user's first access.
func (w *ActivationWorkflow) Consume(ctx context.Context, presentedKey, username, email string) (*licensing.License, error) {
	const op = "activation.consume"
	canonical := licensing.NormalizeKey(presentedKey)
	if canonical == "" {
		metrics.ActivationsTotal.WithLabelValues(apperrors.CodeInvalidKey).Inc()
		return nil, apperrors.ValidationCode(op, apperrors.CodeInvalidKey, "key is required", nil)
	}

	keys := []string{lock.ActivationKey(canonical)}
	if owner, err := w.lookupOwner(ctx, op, username, email); err != nil {
		return nil, err
	} else if owner != nil {
		keys = append(keys, lock.LicenseKey(owner.ID))
	}

	var (
		result   *licensing.License
		consumed bool
	)
	err := w.deps.Mutate(ctx, op, keys, func(tx store.Tx) error {
		result, consumed = nil, false
		now := w.deps.Clock.Now()

		pending, err := tx.ActivationKeys().Get(ctx, canonical)
		if err != nil {
			return err
		}
		if pending == nil {
			lic, err := tx.Licenses().GetByKey(ctx, canonical)
			if err != nil {
				return err
			}
			// A license key is only echoed back to its own holder.
			if lic == nil || !holds(lic, username, email) {
				return apperrors.Rejected(op, apperrors.CodeKeyNotFound, "activation key not found")
			}
			result = lic
			return nil
		}

		// A key approved for someone is invisible to everyone else.
		if !approvedFor(pending, username, email) {
			return apperrors.Rejected(op, apperrors.CodeKeyNotFound, "activation key not found")
		}

		owner, err := resolveOwner(ctx, tx, firstNonEmpty(username, pending.Username), firstNonEmpty(email, pending.Email))
		if err != nil {
			return err
		}
		var existing *licensing.License
		if owner.ID != "" {
			existing, err = tx.Licenses().GetByUserID(ctx, owner.ID)
		} else {
			existing, err = tx.Licenses().FindUnbound(ctx, owner.Username, owner.Email)
		}
		if err != nil {
			return err
		}

		lic, key, err := licensing.ConsumeKey(*pending, existing, owner, now)
		if err != nil {
			return err
		}
		if existing != nil {
			err = tx.Licenses().Update(ctx, &lic)
		} else {
			err = tx.Licenses().Create(ctx, &lic)
		}
		if err != nil {
			return err
		}
		if err := tx.ActivationKeys().Update(ctx, &key); err != nil {
			return err
		}

		details := map[string]string{
			"user_id":  lic.UserID,
			"username": lic.Username,
			"key_fp":   licensing.KeyFingerprint(canonical),
		}
		if existing != nil {
			details["superseded_status"] = string(existing.Status)
		}
		if err := tx.Audit().Append(ctx, auditlog.New(ctx, now, lic.UserID, auditlog.ActionKeyConsumed, auditlog.EntityActivationKey, licensing.KeyFingerprint(canonical), details)); err != nil {
			return err
		}
		if err := tx.Audit().Append(ctx, auditlog.New(ctx, now, lic.UserID, auditlog.ActionLicenseActivated, auditlog.EntityLicense, lic.ID, details)); err != nil {
			return err
		}
		result, consumed = &lic, true
		return nil
	})
	if err != nil {
		metrics.ActivationsTotal.WithLabelValues(apperrors.CodeOf(err)).Inc()
		return nil, err
	}
	if consumed {
		metrics.ActivationsTotal.WithLabelValues("activated").Inc()
		metrics.LicenseTransitionsTotal.WithLabelValues("consume_key", "", string(licensing.LicenseActive)).Inc()
		log.Info().
			Str("license_id", result.ID).
			Str("user_id", result.UserID).
			Str("key_fp", licensing.KeyFingerprint(canonical)).
			Msg("Activation key consumed")
	} else {
		metrics.ActivationsTotal.WithLabelValues("already_active").Inc()
	}
	return result, nil
}

// ListKeys returns activation keys in status, or all keys when status is
// empty.
func (w *ActivationWorkflow) ListKeys(ctx context.Context, status licensing.ActivationKeyStatus) ([]*licensing.PendingActivationKey, error) {
	var out []*licensing.PendingActivationKey
	err := w.deps.View(ctx, "activation.list", func(tx store.Tx) error {
		var err error
		out, err = tx.ActivationKeys().List(ctx, status)
		return err
	})
	return out, err
}

func (w *ActivationWorkflow) lookupOwner(ctx context.Context, op, username, email string) (*licensing.User, error) {
	if username == "" && email == "" {
		return nil, nil
	}
	var owner *licensing.User
	err := w.deps.View(ctx, op, func(tx store.Tx) error {
		u, err := resolveOwner(ctx, tx, username, email)
		if err == nil && u.ID != "" {
			owner = &u
		}
		return err
	})
	return owner, err
}

// resolveOwner finds the user by username, then by email. An unknown owner
// comes back with an empty ID and the given identifiers.
func resolveOwner(ctx context.Context, tx store.Tx, username, email string) (licensing.User, error) {
	if username != "" {
		u, err := tx.Users().GetByUsername(ctx, username)
		if err != nil || u != nil {
			return derefUser(u), err
		}
	}
	if email != "" {
		u, err := tx.Users().GetByEmail(ctx, email)
		if err != nil || u != nil {
			return derefUser(u), err
		}
	}
	return licensing.User{Username: username, Email: email}, nil
}

func holds(l *licensing.License, username, email string) bool {
	return (username != "" && l.Username == username) || (email != "" && l.Email == email)
}

// approvedFor reports whether the caller may claim k. Keys approved for
// nobody in particular, and callers that supply no identity, pass.
func approvedFor(k *licensing.PendingActivationKey, username, email string) bool {
	if k.Username == "" && k.Email == "" {
		return true
	}
	if username == "" && email == "" {
		return true
	}
	return (k.Username != "" && strings.EqualFold(k.Username, username)) ||
		(k.Email != "" && strings.EqualFold(k.Email, email))
}

func derefUser(u *licensing.User) licensing.User {
	if u == nil {
		return licensing.User{}
	}
	return *u
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

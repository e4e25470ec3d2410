package lifecycle

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-license-engine/internal/auditlog"
	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/lock"
	"github.com/rcourtman/pulse-license-engine/internal/metrics"
	"github.com/rcourtman/pulse-license-engine/internal/notify"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// LicenseService is the operator and self-service surface over licenses.
type LicenseService struct {
	deps       Deps
	activation *ActivationWorkflow
	evaluator  *licensing.Evaluator
}

// NewLicenseService creates the service. activation may be nil; when set,
// keys that do not match a license's own activation key are tried as
// operator-approved activation keys.
func NewLicenseService(deps Deps, activation *ActivationWorkflow) *LicenseService {
	deps = deps.WithDefaults()
	return &LicenseService{
		deps:       deps,
		activation: activation,
		evaluator:  licensing.NewEvaluator(deps.Clock),
	}
}

// KeyValidation is the public answer of ValidateKey. It never carries the
// license itself.
type KeyValidation struct {
	Valid bool   `json:"valid"`
	State string `json:"state"`
}

// AccessReport is the per-user access view.
type AccessReport struct {
	Snapshot *licensing.Snapshot         `json:"license"`
	Features map[licensing.Feature]bool `json:"features"`
}

// LicenseSummary is the operator listing row.
type LicenseSummary struct {
	ID       string              `json:"id"`
	UserID   string              `json:"user_id,omitempty"`
	Username string              `json:"username,omitempty"`
	Email    string              `json:"email,omitempty"`
	License  *licensing.Snapshot `json:"license"`
}

// EnsureLicense returns the user's license, auto-provisioning a trial on
// first access. A license waiting for deferred binding whose username or
// email matches is bound instead of creating a second one.
func (s *LicenseService) EnsureLicense(ctx context.Context, user licensing.User) (*licensing.License, error) {
	const op = "license.ensure"
	if user.ID == "" {
		return nil, apperrors.Validation(op, "user id is required")
	}

	var (
		result *licensing.License
		action string
	)
	err := s.deps.Mutate(ctx, op, []string{lock.LicenseKey(user.ID)}, func(tx store.Tx) error {
		result, action = nil, ""
		now := s.deps.Clock.Now()

		known, err := tx.Users().Get(ctx, user.ID)
		if err != nil {
			return err
		}
		if known == nil || known.Username != user.Username || known.Email != user.Email || known.Role != user.Role {
			u := user
			if known != nil {
				u.CreatedAt = known.CreatedAt
			} else if u.CreatedAt.IsZero() {
				u.CreatedAt = now
			}
			if err := tx.Users().Put(ctx, &u); err != nil {
				return err
			}
		}

		existing, err := tx.Licenses().GetByUserID(ctx, user.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}

		unbound, err := tx.Licenses().FindUnbound(ctx, user.Username, user.Email)
		if err != nil {
			return err
		}
		if unbound != nil {
			bound := licensing.BindLicense(*unbound, user, now)
			if err := tx.Licenses().Update(ctx, &bound); err != nil {
				return err
			}
			result, action = &bound, auditlog.ActionLicenseBound
		} else {
			lic, err := licensing.NewTrialLicense(user, now, s.deps.TrialDays)
			if err != nil {
				return err
			}
			if err := tx.Licenses().Create(ctx, &lic); err != nil {
				return err
			}
			result, action = &lic, auditlog.ActionLicenseProvisioned
		}
		return tx.Audit().Append(ctx, auditlog.New(ctx, now, user.ID, action, auditlog.EntityLicense, result.ID, map[string]string{
			"status":  string(result.Status),
			"user_id": user.ID,
			"key_fp":  licensing.KeyFingerprint(result.Key),
		}))
	})
	if err != nil {
		return nil, err
	}
	if action == auditlog.ActionLicenseProvisioned {
		metrics.LicenseTransitionsTotal.WithLabelValues("provision", "", string(licensing.LicenseTrial)).Inc()
		log.Info().Str("license_id", result.ID).Str("user_id", user.ID).Msg("Provisioned trial license")
	}
	return result, nil
}

// SelfActivate applies the user's activation key.
func (s *LicenseService) SelfActivate(ctx context.Context, user licensing.User, key string, validityDays int) (*licensing.License, error) {
	const op = "license.self_activate"
	if licensing.NormalizeKey(key) == "" {
		return nil, apperrors.ValidationCode(op, apperrors.CodeInvalidKey, "key is required", nil)
	}
	lic, err := s.findByUserID(ctx, op, user.ID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return s.consumeFallback(ctx, op, key, user.Username, user.Email, apperrors.NotFound(op, "license not found"))
	}
	out, err := s.apply(ctx, op, user.ID, auditlog.ActionLicenseActivated, lic, func(*licensing.License) licensing.LicenseEvent {
		return licensing.Activate{Key: key, ValidityDays: validityDays}
	})
	if apperrors.CodeOf(err) == apperrors.CodeInvalidKey {
		return s.consumeFallback(ctx, op, key, lic.Username, lic.Email, err)
	}
	return out, err
}

// Activate is the operator activation of username's license.
func (s *LicenseService) Activate(ctx context.Context, actorID, username, key string, validityDays int) (*licensing.License, error) {
	const op = "license.activate"
	if licensing.NormalizeKey(key) == "" {
		return nil, apperrors.ValidationCode(op, apperrors.CodeInvalidKey, "key is required", nil)
	}
	lic, err := s.findByUsername(ctx, op, username)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return s.consumeFallback(ctx, op, key, username, "", apperrors.NotFound(op, "license not found"))
	}
	out, err := s.apply(ctx, op, actorID, auditlog.ActionLicenseActivated, lic, func(*licensing.License) licensing.LicenseEvent {
		return licensing.Activate{Key: key, ValidityDays: validityDays}
	})
	if apperrors.CodeOf(err) == apperrors.CodeInvalidKey {
		return s.consumeFallback(ctx, op, key, username, lic.Email, err)
	}
	return out, err
}

// consumeFallback tries key as an operator-approved activation key. When
// no such key exists the original error is returned.
func (s *LicenseService) consumeFallback(ctx context.Context, op, key, username, email string, original error) (*licensing.License, error) {
	if s.activation == nil {
		return nil, original
	}
	lic, err := s.activation.Consume(ctx, key, username, email)
	if apperrors.CodeOf(err) == apperrors.CodeKeyNotFound {
		return nil, original
	}
	return lic, err
}

// Renew applies the user's renewal key. The window is validityDays when
// positive, otherwise the license plan's days.
func (s *LicenseService) Renew(ctx context.Context, userID, key string, validityDays int) (*licensing.License, error) {
	const op = "license.renew"
	if licensing.NormalizeKey(key) == "" {
		return nil, apperrors.ValidationCode(op, apperrors.CodeInvalidKey, "key is required", nil)
	}
	lic, err := s.findByUserID(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, apperrors.NotFound(op, "license not found")
	}
	return s.apply(ctx, op, userID, auditlog.ActionLicenseRenewed, lic, func(cur *licensing.License) licensing.LicenseEvent {
		plan, _ := s.deps.Plans.Lookup(cur.PlanName)
		return licensing.Renew{Key: key, ValidityDays: validityDays, PlanDays: plan.Days}
	})
}

// IssueRenewalKey rotates the renewal key of username's license and returns
// it formatted. It is shown to the operator once and never stored in logs.
func (s *LicenseService) IssueRenewalKey(ctx context.Context, actorID, username string) (string, error) {
	const op = "license.issue_renewal_key"
	lic, err := s.findByUsername(ctx, op, username)
	if err != nil {
		return "", err
	}
	if lic == nil {
		return "", apperrors.NotFound(op, "license not found")
	}
	out, err := s.apply(ctx, op, actorID, auditlog.ActionRenewalKeyIssued, lic, func(*licensing.License) licensing.LicenseEvent {
		return licensing.IssueRenewalKey{}
	})
	if err != nil {
		return "", err
	}
	return licensing.FormatKey(out.RenewalKey), nil
}

// Block is the operator block.
func (s *LicenseService) Block(ctx context.Context, actorID, username string) (*licensing.License, error) {
	return s.operatorEvent(ctx, "license.block", actorID, username, auditlog.ActionLicenseBlocked, licensing.Block{})
}

// Suspend is the billing hold.
func (s *LicenseService) Suspend(ctx context.Context, actorID, username string) (*licensing.License, error) {
	return s.operatorEvent(ctx, "license.suspend", actorID, username, auditlog.ActionLicenseSuspended, licensing.Suspend{})
}

func (s *LicenseService) operatorEvent(ctx context.Context, op, actorID, username, action string, ev licensing.LicenseEvent) (*licensing.License, error) {
	lic, err := s.findByUsername(ctx, op, username)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, apperrors.NotFound(op, "license not found")
	}
	return s.apply(ctx, op, actorID, action, lic, func(*licensing.License) licensing.LicenseEvent { return ev })
}

// ObserveExpiry applies time-based expiry to one license. It returns
// whether the license changed.
func (s *LicenseService) ObserveExpiry(ctx context.Context, licenseID string) (bool, licensing.LicenseStatus, error) {
	const op = "license.observe_expiry"
	var lic *licensing.License
	if err := s.deps.View(ctx, op, func(tx store.Tx) error {
		var err error
		lic, err = tx.Licenses().Get(ctx, licenseID)
		return err
	}); err != nil {
		return false, "", err
	}
	if lic == nil || !licensing.ExpiryDue(lic, s.deps.Clock.Now()) {
		return false, "", nil
	}
	from := lic.Status
	action := auditlog.ActionLicenseExpired
	if from == licensing.LicenseTrial {
		action = auditlog.ActionLicenseBlocked
	}
	out, err := s.apply(ctx, op, "", action, lic, func(*licensing.License) licensing.LicenseEvent {
		return licensing.ObserveExpiry{}
	})
	if err != nil {
		return false, "", err
	}
	return out.Status != from, out.Status, nil
}

// apply runs one license event. eventFor sees the license as read inside
// the unit of work.
func (s *LicenseService) apply(ctx context.Context, op, actorID, action string, located *licensing.License, eventFor func(*licensing.License) licensing.LicenseEvent) (*licensing.License, error) {
	var (
		result *licensing.License
		tr     licensing.LicenseTransition
		event  licensing.LicenseEvent
	)
	err := s.deps.Mutate(ctx, op, []string{licenseLockKey(located)}, func(tx store.Tx) error {
		result, tr = nil, licensing.LicenseTransition{}
		now := s.deps.Clock.Now()

		cur, err := tx.Licenses().Get(ctx, located.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return apperrors.NotFound(op, "license not found")
		}
		event = eventFor(cur)
		tr, err = licensing.NextLicense(*cur, now, event)
		if err != nil {
			return err
		}
		if !tr.Changed {
			result = cur
			return nil
		}
		next := tr.License
		if err := tx.Licenses().Update(ctx, &next); err != nil {
			return err
		}
		result = &next

		details := map[string]string{
			"event":  event.EventName(),
			"from":   string(tr.From),
			"to":     string(tr.To),
			"key_fp": licensing.KeyFingerprint(next.Key),
		}
		if next.ValidUntil != nil {
			details["valid_until"] = next.ValidUntil.Format(time.RFC3339)
		}
		if v, ok := event.(licensing.Renew); ok && v.ValidityDays > 0 {
			details["validity_days"] = strconv.Itoa(v.ValidityDays)
		}
		return tx.Audit().Append(ctx, auditlog.New(ctx, now, actorID, action, auditlog.EntityLicense, next.ID, details))
	})
	if err != nil {
		return nil, err
	}
	if tr.Changed {
		metrics.LicenseTransitionsTotal.WithLabelValues(event.EventName(), string(tr.From), string(tr.To)).Inc()
		log.Info().
			Str("license_id", result.ID).
			Str("event", event.EventName()).
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Msg("License transition")
		notify.Deliver(ctx, s.deps.Notifier, tr.Notifications)
	}
	return result, nil
}

// ValidateKey is the public pre-auth lookup. It reveals only whether the
// key is usable and its state.
func (s *LicenseService) ValidateKey(ctx context.Context, key string) (KeyValidation, error) {
	canonical := licensing.NormalizeKey(key)
	if canonical == "" {
		return KeyValidation{State: "unknown"}, nil
	}
	var out KeyValidation
	err := s.deps.View(ctx, "license.validate_key", func(tx store.Tx) error {
		now := s.deps.Clock.Now()
		lic, err := tx.Licenses().GetByKey(ctx, canonical)
		if err != nil {
			return err
		}
		if lic != nil {
			snap := licensing.NewSnapshot(lic, now)
			out = KeyValidation{
				Valid: snap.Status == licensing.LicenseActive || snap.Status == licensing.LicenseTrial,
				State: string(snap.Status),
			}
			return nil
		}
		pending, err := tx.ActivationKeys().Get(ctx, canonical)
		if err != nil {
			return err
		}
		if pending != nil {
			out = KeyValidation{Valid: pending.Status == licensing.KeyPendingActivation, State: string(pending.Status)}
			return nil
		}
		out = KeyValidation{State: "unknown"}
		return nil
	})
	return out, err
}

// Snapshot returns the external view of the user's license.
func (s *LicenseService) Snapshot(ctx context.Context, userID string) (*licensing.Snapshot, error) {
	const op = "license.snapshot"
	lic, err := s.findByUserID(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, apperrors.NotFound(op, "license not found")
	}
	return licensing.NewSnapshot(lic, s.deps.Clock.Now()), nil
}

// Access evaluates every known feature for the user. It is recomputed on
// every call.
func (s *LicenseService) Access(ctx context.Context, userID string, role licensing.Role) (AccessReport, error) {
	lic, err := s.findByUserID(ctx, "license.access", userID)
	if err != nil {
		return AccessReport{}, err
	}
	return AccessReport{
		Snapshot: licensing.NewSnapshot(lic, s.deps.Clock.Now()),
		Features: s.evaluator.Matrix(role, lic),
	}, nil
}

// CanAccess answers a single feature check.
func (s *LicenseService) CanAccess(ctx context.Context, userID string, role licensing.Role, feature licensing.Feature) (bool, error) {
	if role == licensing.RoleSuperAdmin {
		return true, nil
	}
	lic, err := s.findByUserID(ctx, "license.can_access", userID)
	if err != nil {
		return false, err
	}
	return s.evaluator.CanAccess(role, lic, feature), nil
}

// ListLicenses is the read-only operator listing.
func (s *LicenseService) ListLicenses(ctx context.Context, filter store.LicenseFilter) ([]LicenseSummary, error) {
	var rows []*licensing.License
	err := s.deps.View(ctx, "license.list", func(tx store.Tx) error {
		var err error
		rows, err = tx.Licenses().List(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := s.deps.Clock.Now()
	out := make([]LicenseSummary, 0, len(rows))
	for _, l := range rows {
		out = append(out, LicenseSummary{
			ID:       l.ID,
			UserID:   l.UserID,
			Username: l.Username,
			Email:    l.Email,
			License:  licensing.NewSnapshot(l, now),
		})
	}
	return out, nil
}

// AuditTrail lists audit entries for one entity, newest first.
func (s *LicenseService) AuditTrail(ctx context.Context, entityType, entityID string, limit int) ([]licensing.AuditEntry, error) {
	var out []licensing.AuditEntry
	err := s.deps.View(ctx, "audit.list", func(tx store.Tx) error {
		var err error
		out, err = tx.Audit().List(ctx, entityType, entityID, limit)
		return err
	})
	return out, err
}

func (s *LicenseService) findByUserID(ctx context.Context, op, userID string) (*licensing.License, error) {
	if userID == "" {
		return nil, apperrors.Validation(op, "user id is required")
	}
	var lic *licensing.License
	err := s.deps.View(ctx, op, func(tx store.Tx) error {
		var err error
		lic, err = tx.Licenses().GetByUserID(ctx, userID)
		return err
	})
	return lic, err
}

// findByUsername resolves the user mirror first and falls back to a license
// waiting for deferred binding under that username.
func (s *LicenseService) findByUsername(ctx context.Context, op, username string) (*licensing.License, error) {
	if username == "" {
		return nil, apperrors.Validation(op, "username is required")
	}
	var lic *licensing.License
	err := s.deps.View(ctx, op, func(tx store.Tx) error {
		u, err := tx.Users().GetByUsername(ctx, username)
		if err != nil {
			return err
		}
		if u != nil {
			if lic, err = tx.Licenses().GetByUserID(ctx, u.ID); err != nil || lic != nil {
				return err
			}
		}
		lic, err = tx.Licenses().FindUnbound(ctx, username, "")
		return err
	})
	return lic, err
}

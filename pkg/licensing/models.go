package licensing

import "time"

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// ParseRole maps free-form input to a Role, defaulting to RoleUser.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleSuperAdmin:
		return Role(s)
	default:
		return RoleUser
	}
}

// LicenseStatus is the lifecycle state of a License.
type LicenseStatus string

const (
	LicenseTrial     LicenseStatus = "trial"
	LicenseActive    LicenseStatus = "active"
	LicenseExpired   LicenseStatus = "expired"
	LicenseSuspended LicenseStatus = "suspended"
	LicenseBlocked   LicenseStatus = "blocked"
)

// SubscriptionState is the lifecycle state of a Subscription and its
// UserSubscription rows.
type SubscriptionState string

const (
	SubStateActive       SubscriptionState = "active"
	SubStateExpiringSoon SubscriptionState = "expiring_soon"
	SubStateExpired      SubscriptionState = "expired"
	SubStateCanceled     SubscriptionState = "canceled"
)

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// ActivationKeyStatus is the state of an operator-approved activation key.
type ActivationKeyStatus string

const (
	KeyPendingActivation ActivationKeyStatus = "pending_activation"
	KeyActivated         ActivationKeyStatus = "activated"
)

// User is an external identity. The engine references users by ID and never
// owns their lifecycle.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// License is the per-user feature-access grant. There is at most one per user.
//
// UserID is empty while the license is waiting for deferred binding; Username
// and Email then identify the future owner.
type License struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id,omitempty"`
	Username           string        `json:"username,omitempty"`
	Email              string        `json:"email,omitempty"`
	Key                string        `json:"key"`
	Status             LicenseStatus `json:"status"`
	PlanName           string        `json:"plan_name,omitempty"`
	Advanced           bool          `json:"advanced"`
	TrialStart         *time.Time    `json:"trial_start,omitempty"`
	TrialDays          int           `json:"trial_days,omitempty"`
	ActivatedAt        *time.Time    `json:"activated_at,omitempty"`
	ValidUntil         *time.Time    `json:"valid_until,omitempty"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	RenewalKey         string        `json:"-"`
	ActivationKey      string        `json:"-"`
	LastNotificationAt *time.Time    `json:"last_notification_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Version            int64         `json:"-"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// state.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	c.TrialStart = cloneTime(l.TrialStart)
	c.ActivatedAt = cloneTime(l.ActivatedAt)
	c.ValidUntil = cloneTime(l.ValidUntil)
	c.ExpiresAt = cloneTime(l.ExpiresAt)
	c.LastNotificationAt = cloneTime(l.LastNotificationAt)
	return &c
}

// TrialEndsAt returns trialStart+trialDays, or nil when no trial is recorded.
func (l *License) TrialEndsAt() *time.Time {
	if l == nil || l.TrialStart == nil {
		return nil
	}
	end := l.TrialStart.Add(Days(l.TrialDays))
	return &end
}

// Subscription is the per-tenant billing record.
type Subscription struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id"`
	OwnerUserID        string            `json:"owner_user_id,omitempty"`
	PlanID             string            `json:"plan_id"`
	Status             SubscriptionState `json:"status"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	ValidUntil         *time.Time        `json:"valid_until,omitempty"`
	AutoRenew          bool              `json:"auto_renew"`
	Txid               string            `json:"txid,omitempty"`
	TxidSettledAt      *time.Time        `json:"txid_settled_at,omitempty"`
	LastNotificationAt *time.Time        `json:"last_notification_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Version            int64             `json:"-"`
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	c.ValidUntil = cloneTime(s.ValidUntil)
	c.TxidSettledAt = cloneTime(s.TxidSettledAt)
	c.LastNotificationAt = cloneTime(s.LastNotificationAt)
	return &c
}

// UserSubscription links a user to a Subscription. Its status always mirrors
// the parent and it is only written as part of a parent transition.
type UserSubscription struct {
	UserID             string            `json:"user_id"`
	SubscriptionID     string            `json:"subscription_id"`
	Status             SubscriptionState `json:"status"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	LastNotificationAt *time.Time        `json:"last_notification_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (u UserSubscription) Clone() UserSubscription {
	u.ExpiresAt = cloneTime(u.ExpiresAt)
	u.LastNotificationAt = cloneTime(u.LastNotificationAt)
	return u
}

// Payment is a single gateway charge, correlated to gateway events by Txid.
// Txid is attacker-controlled input and never authorizes anything by itself.
type Payment struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Method         string        `json:"method"`
	Status         PaymentStatus `json:"status"`
	Txid           string        `json:"txid"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	// ReconciledAt is set in the same unit of work as the subscription
	// cascade. Paid without ReconciledAt means the cascade must be resumed.
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int64      `json:"-"`
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	c.PaidAt = cloneTime(p.PaidAt)
	c.ReconciledAt = cloneTime(p.ReconciledAt)
	return &c
}

// PendingActivationKey is an operator-approved key waiting to be consumed.
type PendingActivationKey struct {
	LicenseKey   string              `json:"-"`
	Username     string              `json:"username"`
	Email        string              `json:"email,omitempty"`
	Status       ActivationKeyStatus `json:"status"`
	ValidityDays int                 `json:"validity_days,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	ApprovedAt   time.Time           `json:"approved_at"`
	ActivatedAt  *time.Time          `json:"activated_at,omitempty"`
	LicenseID    string              `json:"license_id,omitempty"`
	Version      int64               `json:"-"`
}

// Clone returns a deep copy.
func (k *PendingActivationKey) Clone() *PendingActivationKey {
	if k == nil {
		return nil
	}
	c := *k
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.ActivatedAt = cloneTime(k.ActivatedAt)
	return &c
}

// AuditEntry is an append-only record of a state change.
type AuditEntry struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

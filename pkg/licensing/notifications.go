package licensing

import "time"

// NotificationKind identifies a side effect emitted by a transition.
type NotificationKind string

const (
	// NotifyTrialExpired tells the user the trial ended and a new activation
	// key must be requested or used.
	NotifyTrialExpired NotificationKind = "trial_expired"
	// NotifyLicenseExpired tells the user a paid validity window ended.
	NotifyLicenseExpired NotificationKind = "license_expired"
	// NotifySubscriptionExpiring is the debounced pre-expiry warning.
	NotifySubscriptionExpiring NotificationKind = "subscription_expiring"
	// NotifySubscriptionExpired is sent once the subscription lapses.
	NotifySubscriptionExpired NotificationKind = "subscription_expired"
)

// Notification is produced by the state machines and delivered by the
// service layer after the transition is committed. Delivery never rolls
// back a transition.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	UserID         string           `json:"user_id,omitempty"`
	Username       string           `json:"username,omitempty"`
	Email          string           `json:"email,omitempty"`
	LicenseID      string           `json:"license_id,omitempty"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	// ActivationKey is set for trial_expired so the delivery channel can
	// hand the fresh key to the user. It is never logged.
	ActivationKey string    `json:"activation_key,omitempty"`
	At            time.Time `json:"at"`
}

package licensing

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Key prefixes for generated keys. Prefixes are part of the canonical form.
const (
	LicenseKeyPrefix    = "LK"
	ActivationKeyPrefix = "AK"
	RenewalKeyPrefix    = "RK"
)

// LicenseTransitionPair is a from/to pair in the license transition table.
type LicenseTransitionPair struct {
	From LicenseStatus
	To   LicenseStatus
}

// validLicenseTransitions defines all allowed license status changes.
var validLicenseTransitions = map[LicenseTransitionPair]bool{
	{LicenseTrial, LicenseActive}:      true, // Activated with the issued key
	{LicenseTrial, LicenseBlocked}:     true, // Trial lapsed or operator block
	{LicenseActive, LicenseExpired}:    true, // Validity window passed
	{LicenseActive, LicenseSuspended}:  true, // Billing hold
	{LicenseExpired, LicenseActive}:    true, // Renewed or re-paid
	{LicenseSuspended, LicenseActive}:  true, // Hold released
	{LicenseSuspended, LicenseBlocked}: true, // Operator block
	{LicenseBlocked, LicenseActive}:    true, // Re-activated with a fresh key
}

// CanTransitionLicense reports whether from -> to is in the transition table.
func CanTransitionLicense(from, to LicenseStatus) bool {
	return validLicenseTransitions[LicenseTransitionPair{from, to}]
}

// ValidLicenseTransitionsFrom returns all valid target states from the given
// state.
func ValidLicenseTransitionsFrom(from LicenseStatus) []LicenseStatus {
	targets := make([]LicenseStatus, 0)
	for t := range validLicenseTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// LicenseEvent is one of Activate, ObserveExpiry, Renew, Block, Suspend or
// IssueRenewalKey.
type LicenseEvent interface {
	EventName() string
	licenseEvent()
}

// Activate moves a license to active when Key matches its activation key.
// ValidityDays <= 0 means no expiry.
type Activate struct {
	Key          string
	ValidityDays int
}

// ObserveExpiry applies time-based expiry. Only the scanner sends it.
type ObserveExpiry struct{}

// Renew restarts the validity window when Key matches the renewal key. The
// window is ValidityDays when positive, PlanDays otherwise.
type Renew struct {
	Key          string
	ValidityDays int
	PlanDays     int
}

// Block is the operator block. It rotates the activation key.
type Block struct{}

// Suspend is the billing hold.
type Suspend struct{}

// IssueRenewalKey rotates the renewal key without changing status.
type IssueRenewalKey struct{}

func (Activate) EventName() string        { return "activate" }
func (ObserveExpiry) EventName() string   { return "observe_expiry" }
func (Renew) EventName() string           { return "renew" }
func (Block) EventName() string           { return "block" }
func (Suspend) EventName() string         { return "suspend" }
func (IssueRenewalKey) EventName() string { return "issue_renewal_key" }

func (Activate) licenseEvent()        {}
func (ObserveExpiry) licenseEvent()   {}
func (Renew) licenseEvent()           {}
func (Block) licenseEvent()           {}
func (Suspend) licenseEvent()         {}
func (IssueRenewalKey) licenseEvent() {}

// LicenseTransition is the result of applying an event. When Changed is
// false, License equals the input.
type LicenseTransition struct {
	License       License
	Changed       bool
	From          LicenseStatus
	To            LicenseStatus
	Notifications []Notification
}

// NextLicense applies event to current at now. On error the input is
// returned unchanged.
func NextLicense(current License, now time.Time, event LicenseEvent) (LicenseTransition, error) {
	next := *current.Clone()
	result := LicenseTransition{License: current, From: current.Status, To: current.Status}

	switch ev := event.(type) {
	case Activate:
		if !canReach(current.Status, LicenseActive) {
			return result, transitionErr(ev, current.Status, LicenseActive)
		}
		if !KeysEqual(ev.Key, current.ActivationKey) {
			return result, ErrInvalidKey
		}
		next.Status = LicenseActive
		next.ActivatedAt = TimePtr(now)
		next.ActivationKey = ""
		next.ValidUntil = windowEnd(now, ev.ValidityDays)
		next.ExpiresAt = cloneTime(next.ValidUntil)

	case ObserveExpiry:
		switch {
		case current.Status == LicenseTrial && trialLapsed(&current, now):
			key, err := GenerateKey(ActivationKeyPrefix)
			if err != nil {
				return result, err
			}
			next.Status = LicenseBlocked
			next.ActivationKey = key
			next.ExpiresAt = current.TrialEndsAt()
			result.Notifications = append(result.Notifications, licenseNotification(NotifyTrialExpired, next, now))
		case current.Status == LicenseActive && current.ValidUntil != nil && now.After(*current.ValidUntil):
			next.Status = LicenseExpired
			next.ExpiresAt = cloneTime(current.ValidUntil)
			result.Notifications = append(result.Notifications, licenseNotification(NotifyLicenseExpired, next, now))
		default:
			return result, nil
		}

	case Renew:
		if !canReach(current.Status, LicenseActive) {
			return result, transitionErr(ev, current.Status, LicenseActive)
		}
		if !KeysEqual(ev.Key, current.RenewalKey) {
			return result, ErrInvalidKey
		}
		days := ev.ValidityDays
		if days <= 0 {
			days = ev.PlanDays
		}
		next.Status = LicenseActive
		next.RenewalKey = ""
		if next.ActivatedAt == nil {
			next.ActivatedAt = TimePtr(now)
		}
		next.ValidUntil = windowEnd(now, days)
		next.ExpiresAt = cloneTime(next.ValidUntil)

	case Block:
		if !CanTransitionLicense(current.Status, LicenseBlocked) {
			return result, transitionErr(ev, current.Status, LicenseBlocked)
		}
		key, err := GenerateKey(ActivationKeyPrefix)
		if err != nil {
			return result, err
		}
		next.Status = LicenseBlocked
		next.ActivationKey = key

	case Suspend:
		if !CanTransitionLicense(current.Status, LicenseSuspended) {
			return result, transitionErr(ev, current.Status, LicenseSuspended)
		}
		next.Status = LicenseSuspended

	case IssueRenewalKey:
		switch current.Status {
		case LicenseActive, LicenseExpired, LicenseSuspended:
		default:
			return result, transitionErr(ev, current.Status, "")
		}
		key, err := GenerateKey(RenewalKeyPrefix)
		if err != nil {
			return result, err
		}
		next.RenewalKey = key

	default:
		return result, &TransitionError{Entity: "license", Event: "unknown", From: string(current.Status)}
	}

	next.UpdatedAt = now
	result.License = next
	result.Changed = true
	result.To = next.Status
	return result, nil
}

// NewTrialLicense auto-provisions a trial license for user.
func NewTrialLicense(user User, now time.Time, trialDays int) (License, error) {
	key, err := GenerateKey(LicenseKeyPrefix)
	if err != nil {
		return License{}, err
	}
	activationKey, err := GenerateKey(ActivationKeyPrefix)
	if err != nil {
		return License{}, err
	}
	return License{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Username:      user.Username,
		Email:         user.Email,
		Key:           key,
		Status:        LicenseTrial,
		TrialStart:    TimePtr(now),
		TrialDays:     trialDays,
		ActivationKey: activationKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// EffectivelyExpired reports whether the license no longer grants time-bound
// access at now, whether or not the scanner has recorded it yet.
func EffectivelyExpired(l *License, now time.Time) bool {
	if l == nil {
		return true
	}
	switch l.Status {
	case LicenseExpired:
		return true
	case LicenseTrial:
		return trialLapsed(l, now)
	case LicenseActive:
		return l.ValidUntil != nil && now.After(*l.ValidUntil)
	default:
		return false
	}
}

// ExpiryDue reports whether ObserveExpiry would change l at now.
func ExpiryDue(l *License, now time.Time) bool {
	if l == nil {
		return false
	}
	switch l.Status {
	case LicenseTrial:
		return trialLapsed(l, now)
	case LicenseActive:
		return l.ValidUntil != nil && now.After(*l.ValidUntil)
	}
	return false
}

func trialLapsed(l *License, now time.Time) bool {
	end := l.TrialEndsAt()
	return end != nil && now.After(*end)
}

// canReach allows the active -> active refresh used by Renew in addition to
// the table.
func canReach(from, to LicenseStatus) bool {
	return from == to || CanTransitionLicense(from, to)
}

func windowEnd(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	return TimePtr(now.Add(Days(days)))
}

func transitionErr(ev LicenseEvent, from, to LicenseStatus) error {
	return &TransitionError{Entity: "license", Event: ev.EventName(), From: string(from), To: string(to)}
}

func licenseNotification(kind NotificationKind, l License, now time.Time) Notification {
	n := Notification{
		Kind:      kind,
		UserID:    l.UserID,
		Username:  l.Username,
		Email:     l.Email,
		LicenseID: l.ID,
		ExpiresAt: cloneTime(l.ExpiresAt),
		At:        now,
	}
	if kind == NotifyTrialExpired {
		n.ActivationKey = l.ActivationKey
	}
	return n
}

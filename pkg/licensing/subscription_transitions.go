package licensing

import (
	"slices"
	"time"
)

// Transition represents a valid subscription state transition.
type Transition struct {
	From SubscriptionState
	To   SubscriptionState
}

// validTransitions defines all allowed subscription state transitions.
var validTransitions = map[Transition]bool{
	{SubStateActive, SubStateExpiringSoon}:  true, // Inside the lookahead window
	{SubStateActive, SubStateExpired}:       true, // Lapsed without a warning tick
	{SubStateActive, SubStateCanceled}:      true, // Customer or operator cancel
	{SubStateExpiringSoon, SubStateActive}:  true, // Paid before lapse
	{SubStateExpiringSoon, SubStateExpired}: true, // Lapsed
	{SubStateExpired, SubStateActive}:       true, // Re-subscription
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to SubscriptionState) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target states from the given state.
func ValidTransitionsFrom(from SubscriptionState) []SubscriptionState {
	targets := make([]SubscriptionState, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	// Stabilize ordering for deterministic callers/tests.
	slices.Sort(targets)
	return targets
}

// CascadeInput is a snapshot of a subscription, its member rows and the
// owning license (nil when the owner has none).
type CascadeInput struct {
	Subscription      Subscription
	UserSubscriptions []UserSubscription
	License           *License
}

// Cascade is the multi-entity result of a subscription transition. The store
// commits it as one unit of work. License is nil when the transition does
// not touch the owning license.
type Cascade struct {
	Subscription      Subscription
	UserSubscriptions []UserSubscription
	License           *License
	Changed           bool
	From              SubscriptionState
	To                SubscriptionState
	Notifications     []Notification
}

func unchanged(in CascadeInput) Cascade {
	return Cascade{
		Subscription:      *in.Subscription.Clone(),
		UserSubscriptions: cloneMembers(in.UserSubscriptions),
		From:              in.Subscription.Status,
		To:                in.Subscription.Status,
	}
}

// MarkExpiringSoon flags a subscription whose expiry falls within lookahead
// of now. It fires at most once per cooldown, so repeated scans do not
// re-notify.
func MarkExpiringSoon(in CascadeInput, now time.Time, lookahead, cooldown time.Duration) Cascade {
	out := unchanged(in)
	sub := in.Subscription
	if sub.Status != SubStateActive && sub.Status != SubStateExpiringSoon {
		return out
	}
	if sub.ExpiresAt == nil || now.After(*sub.ExpiresAt) || sub.ExpiresAt.Sub(now) > lookahead {
		return out
	}
	if sub.LastNotificationAt != nil && now.Sub(*sub.LastNotificationAt) < cooldown {
		return out
	}

	out.Subscription.Status = SubStateExpiringSoon
	out.Subscription.LastNotificationAt = TimePtr(now)
	out.Subscription.UpdatedAt = now
	for i := range out.UserSubscriptions {
		out.UserSubscriptions[i].Status = SubStateExpiringSoon
		out.UserSubscriptions[i].LastNotificationAt = TimePtr(now)
		out.UserSubscriptions[i].UpdatedAt = now
	}
	if in.License != nil {
		lic := in.License.Clone()
		lic.LastNotificationAt = TimePtr(now)
		lic.UpdatedAt = now
		out.License = lic
	}
	out.Changed = true
	out.To = SubStateExpiringSoon
	out.Notifications = subscriptionNotifications(NotifySubscriptionExpiring, out, now)
	return out
}

// MarkExpired lapses a subscription whose expiry has passed, cascading to its
// member rows and the owning license.
func MarkExpired(in CascadeInput, now time.Time) Cascade {
	out := unchanged(in)
	sub := in.Subscription
	if !CanTransition(sub.Status, SubStateExpired) {
		return out
	}
	if sub.ExpiresAt == nil || !now.After(*sub.ExpiresAt) {
		return out
	}

	out.Subscription.Status = SubStateExpired
	out.Subscription.UpdatedAt = now
	for i := range out.UserSubscriptions {
		out.UserSubscriptions[i].Status = SubStateExpired
		out.UserSubscriptions[i].ExpiresAt = cloneTime(sub.ExpiresAt)
		out.UserSubscriptions[i].UpdatedAt = now
	}
	if in.License != nil && CanTransitionLicense(in.License.Status, LicenseExpired) {
		lic := in.License.Clone()
		lic.Status = LicenseExpired
		lic.ExpiresAt = cloneTime(sub.ExpiresAt)
		lic.UpdatedAt = now
		out.License = lic
	}
	out.Changed = true
	out.To = SubStateExpired
	out.Notifications = subscriptionNotifications(NotifySubscriptionExpired, out, now)
	return out
}

// ActivateSubscription starts a fresh paid window of days from now. Member
// rows and the owning license are aligned in the same cascade. Calling it on
// an active subscription restarts the window.
func ActivateSubscription(in CascadeInput, now time.Time, days int) (Cascade, error) {
	out := unchanged(in)
	sub := in.Subscription
	if sub.Status != SubStateActive && !CanTransition(sub.Status, SubStateActive) {
		return out, &TransitionError{Entity: "subscription", Event: "activate", From: string(sub.Status), To: string(SubStateActive)}
	}
	if days <= 0 {
		return out, ErrInvalidPlanDays
	}

	expires := now.Add(Days(days))
	out.Subscription.Status = SubStateActive
	if out.Subscription.StartedAt == nil {
		out.Subscription.StartedAt = TimePtr(now)
	}
	out.Subscription.ExpiresAt = TimePtr(expires)
	out.Subscription.ValidUntil = TimePtr(expires)
	out.Subscription.LastNotificationAt = nil
	out.Subscription.UpdatedAt = now
	for i := range out.UserSubscriptions {
		out.UserSubscriptions[i].Status = SubStateActive
		out.UserSubscriptions[i].ExpiresAt = TimePtr(expires)
		out.UserSubscriptions[i].LastNotificationAt = nil
		out.UserSubscriptions[i].UpdatedAt = now
	}
	if in.License != nil {
		lic := in.License.Clone()
		lic.Status = LicenseActive
		if lic.ActivatedAt == nil {
			lic.ActivatedAt = TimePtr(now)
		}
		lic.ValidUntil = TimePtr(expires)
		lic.ExpiresAt = TimePtr(expires)
		lic.LastNotificationAt = nil
		lic.UpdatedAt = now
		out.License = lic
	}
	out.Changed = true
	out.To = SubStateActive
	return out, nil
}

// CancelSubscription terminates a subscription and its member rows. The
// owning license keeps its paid-through time.
func CancelSubscription(in CascadeInput, now time.Time) (Cascade, error) {
	out := unchanged(in)
	sub := in.Subscription
	if !CanTransition(sub.Status, SubStateCanceled) {
		return out, &TransitionError{Entity: "subscription", Event: "cancel", From: string(sub.Status), To: string(SubStateCanceled)}
	}

	out.Subscription.Status = SubStateCanceled
	out.Subscription.AutoRenew = false
	out.Subscription.UpdatedAt = now
	for i := range out.UserSubscriptions {
		out.UserSubscriptions[i].Status = SubStateCanceled
		out.UserSubscriptions[i].UpdatedAt = now
	}
	out.Changed = true
	out.To = SubStateCanceled
	return out, nil
}

func cloneMembers(in []UserSubscription) []UserSubscription {
	out := make([]UserSubscription, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

func subscriptionNotifications(kind NotificationKind, c Cascade, now time.Time) []Notification {
	base := Notification{
		Kind:           kind,
		SubscriptionID: c.Subscription.ID,
		ExpiresAt:      cloneTime(c.Subscription.ExpiresAt),
		At:             now,
	}
	if len(c.UserSubscriptions) == 0 {
		n := base
		n.UserID = c.Subscription.OwnerUserID
		if c.License != nil {
			n.Username, n.Email, n.LicenseID = c.License.Username, c.License.Email, c.License.ID
		}
		return []Notification{n}
	}
	out := make([]Notification, 0, len(c.UserSubscriptions))
	for _, m := range c.UserSubscriptions {
		n := base
		n.UserID = m.UserID
		if c.License != nil && c.License.UserID == m.UserID {
			n.Username, n.Email, n.LicenseID = c.License.Username, c.License.Email, c.License.ID
		}
		out = append(out, n)
	}
	return out
}

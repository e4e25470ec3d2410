package licensing

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func subscriptionInput(status SubscriptionState, expiresAt time.Time) CascadeInput {
	sub := Subscription{
		ID: "S1", TenantID: "t1", OwnerUserID: "u1", PlanID: "monthly",
		Status: status, ExpiresAt: TimePtr(expiresAt), ValidUntil: TimePtr(expiresAt),
	}
	members := []UserSubscription{
		{UserID: "u1", SubscriptionID: "S1", Status: status, ExpiresAt: TimePtr(expiresAt)},
		{UserID: "u2", SubscriptionID: "S1", Status: status, ExpiresAt: TimePtr(expiresAt)},
	}
	lic := &License{ID: "L1", UserID: "u1", Status: LicenseActive, ValidUntil: TimePtr(expiresAt)}
	return CascadeInput{Subscription: sub, UserSubscriptions: members, License: lic}
}

func assertMirrored(t *testing.T, c Cascade) {
	t.Helper()
	for _, m := range c.UserSubscriptions {
		if m.Status != c.Subscription.Status {
			t.Fatalf("member %s status=%q, parent=%q", m.UserID, m.Status, c.Subscription.Status)
		}
	}
}

func TestSubscriptionTransitionTable(t *testing.T) {
	tests := []struct {
		from SubscriptionState
		want []SubscriptionState
	}{
		{SubStateActive, []SubscriptionState{SubStateCanceled, SubStateExpired, SubStateExpiringSoon}},
		{SubStateExpiringSoon, []SubscriptionState{SubStateActive, SubStateExpired}},
		{SubStateExpired, []SubscriptionState{SubStateActive}},
		{SubStateCanceled, []SubscriptionState{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			if got := ValidTransitionsFrom(tt.from); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ValidTransitionsFrom(%s)=%v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestMarkExpiringSoonDebounced(t *testing.T) {
	expires := d0.Add(48 * time.Hour)
	in := subscriptionInput(SubStateActive, expires)
	lookahead, cooldown := 72*time.Hour, 24*time.Hour

	out := MarkExpiringSoon(in, d0, lookahead, cooldown)
	if !out.Changed || out.Subscription.Status != SubStateExpiringSoon {
		t.Fatalf("changed=%v status=%q", out.Changed, out.Subscription.Status)
	}
	assertMirrored(t, out)
	for _, m := range out.UserSubscriptions {
		if m.LastNotificationAt == nil || !m.LastNotificationAt.Equal(d0) {
			t.Fatalf("member %s last_notification_at=%v", m.UserID, m.LastNotificationAt)
		}
	}
	if out.License == nil || out.License.LastNotificationAt == nil {
		t.Fatal("owning license must carry last_notification_at")
	}
	if len(out.Notifications) != 2 {
		t.Fatalf("notifications=%d, want one per member", len(out.Notifications))
	}

	next := CascadeInput{Subscription: out.Subscription, UserSubscriptions: out.UserSubscriptions, License: out.License}
	if again := MarkExpiringSoon(next, d0.Add(time.Hour), lookahead, cooldown); again.Changed {
		t.Fatal("expected no re-notification within cooldown")
	}
	if again := MarkExpiringSoon(next, d0.Add(25*time.Hour), lookahead, cooldown); !again.Changed {
		t.Fatal("expected re-notification after cooldown")
	}

	far := subscriptionInput(SubStateActive, d0.Add(10*24*time.Hour))
	if out := MarkExpiringSoon(far, d0, lookahead, cooldown); out.Changed {
		t.Fatal("outside the lookahead window must be a no-op")
	}
}

func TestMarkExpiredCascades(t *testing.T) {
	expires := d0
	in := subscriptionInput(SubStateExpiringSoon, expires)

	if out := MarkExpired(in, expires); out.Changed {
		t.Fatal("must not expire exactly at expiresAt")
	}

	out := MarkExpired(in, expires.Add(time.Second))
	if !out.Changed || out.Subscription.Status != SubStateExpired {
		t.Fatalf("changed=%v status=%q", out.Changed, out.Subscription.Status)
	}
	assertMirrored(t, out)
	if out.License == nil || out.License.Status != LicenseExpired {
		t.Fatalf("owning license=%+v, want expired", out.License)
	}

	canceled := subscriptionInput(SubStateCanceled, expires)
	if out := MarkExpired(canceled, expires.Add(time.Hour)); out.Changed {
		t.Fatal("canceled subscriptions never expire")
	}

	again := MarkExpired(CascadeInput{Subscription: out.Subscription, UserSubscriptions: out.UserSubscriptions}, expires.Add(time.Hour))
	if again.Changed {
		t.Fatal("MarkExpired must be a no-op once applied")
	}
}

func TestMarkExpiredLeavesBlockedLicense(t *testing.T) {
	in := subscriptionInput(SubStateActive, d0)
	in.License.Status = LicenseBlocked
	out := MarkExpired(in, d0.Add(time.Hour))
	if !out.Changed {
		t.Fatal("expected subscription to expire")
	}
	if out.License != nil {
		t.Fatalf("blocked license must not be touched, got %+v", out.License)
	}
}

func TestActivateSubscriptionCascade(t *testing.T) {
	in := subscriptionInput(SubStateExpired, d0.Add(-Days(3)))
	in.Subscription.LastNotificationAt = TimePtr(d0.Add(-Days(4)))
	in.License.Status = LicenseExpired

	out, err := ActivateSubscription(in, d0, 30)
	if err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	want := d0.Add(Days(30))
	if out.Subscription.Status != SubStateActive || !out.Subscription.ExpiresAt.Equal(want) || !out.Subscription.ValidUntil.Equal(want) {
		t.Fatalf("subscription=%+v", out.Subscription)
	}
	if out.Subscription.LastNotificationAt != nil {
		t.Fatal("activation must clear last_notification_at")
	}
	assertMirrored(t, out)
	for _, m := range out.UserSubscriptions {
		if !m.ExpiresAt.Equal(want) {
			t.Fatalf("member %s expires_at=%v", m.UserID, m.ExpiresAt)
		}
	}
	if out.License == nil || out.License.Status != LicenseActive || !out.License.ValidUntil.Equal(want) || !out.License.ExpiresAt.Equal(want) {
		t.Fatalf("license=%+v", out.License)
	}
	// Input untouched.
	if in.Subscription.Status != SubStateExpired || in.UserSubscriptions[0].Status != SubStateExpired {
		t.Fatal("ActivateSubscription mutated its input")
	}

	if _, err := ActivateSubscription(in, d0, 0); !errors.Is(err, ErrInvalidPlanDays) {
		t.Fatalf("err=%v, want ErrInvalidPlanDays", err)
	}
	if _, err := ActivateSubscription(subscriptionInput(SubStateCanceled, d0), d0, 30); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
}

func TestCancelSubscription(t *testing.T) {
	in := subscriptionInput(SubStateActive, d0.Add(Days(10)))
	in.Subscription.AutoRenew = true

	out, err := CancelSubscription(in, d0)
	if err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if out.Subscription.Status != SubStateCanceled || out.Subscription.AutoRenew {
		t.Fatalf("subscription=%+v", out.Subscription)
	}
	assertMirrored(t, out)
	if out.License != nil {
		t.Fatal("cancel must not touch the license")
	}
	if _, err := CancelSubscription(CascadeInput{Subscription: out.Subscription}, d0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
}

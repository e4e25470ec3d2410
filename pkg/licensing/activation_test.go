package licensing

import (
	"errors"
	"testing"
)

func pendingKey() PendingActivationKey {
	return PendingActivationKey{
		LicenseKey:   NormalizeKey("CF30D_ABC"),
		Username:     "alice",
		Status:       KeyPendingActivation,
		ValidityDays: 30,
		ApprovedAt:   d0,
	}
}

func TestConsumeKeyCreatesLicense(t *testing.T) {
	now := d0.Add(Days(1))
	lic, consumed, err := ConsumeKey(pendingKey(), nil, User{ID: "u1", Username: "alice"}, now)
	if err != nil {
		t.Fatalf("ConsumeKey: %v", err)
	}
	if lic.ID == "" || lic.UserID != "u1" || lic.Key != "CF30DABC" {
		t.Fatalf("license=%+v", lic)
	}
	if lic.Status != LicenseActive || lic.ValidUntil == nil || !lic.ValidUntil.Equal(now.Add(Days(30))) {
		t.Fatalf("status=%s valid_until=%v", lic.Status, lic.ValidUntil)
	}
	if consumed.Status != KeyActivated || consumed.LicenseID != lic.ID || consumed.ActivatedAt == nil {
		t.Fatalf("consumed=%+v", consumed)
	}
}

func TestConsumeKeySupersedesExisting(t *testing.T) {
	existing := trialLicense(t)
	k := pendingKey()
	k.ValidityDays = 0
	expires := d0.Add(Days(90))
	k.ExpiresAt = &expires

	lic, _, err := ConsumeKey(k, &existing, User{ID: existing.UserID}, d0.Add(Days(2)))
	if err != nil {
		t.Fatalf("ConsumeKey: %v", err)
	}
	if lic.ID != existing.ID {
		t.Fatal("existing license must be superseded in place")
	}
	if lic.ActivationKey != "" || lic.Key != k.LicenseKey {
		t.Fatalf("key=%q activation_key=%q", lic.Key, lic.ActivationKey)
	}
	if lic.ValidUntil == nil || !lic.ValidUntil.Equal(expires) {
		t.Fatalf("valid_until=%v, want key expiry %v", lic.ValidUntil, expires)
	}
	if lic.Username != "alice" {
		t.Fatalf("username=%q", lic.Username)
	}
}

func TestConsumeKeyTwice(t *testing.T) {
	_, consumed, err := ConsumeKey(pendingKey(), nil, User{}, d0)
	if err != nil {
		t.Fatalf("ConsumeKey: %v", err)
	}
	if _, _, err := ConsumeKey(consumed, nil, User{}, d0); !errors.Is(err, ErrKeyConsumed) {
		t.Fatalf("second consume err=%v, want ErrKeyConsumed", err)
	}
}

func TestBindLicense(t *testing.T) {
	l, _, err := ConsumeKey(pendingKey(), nil, User{}, d0)
	if err != nil {
		t.Fatalf("ConsumeKey: %v", err)
	}
	if l.UserID != "" {
		t.Fatal("unresolved owner must leave the license unbound")
	}
	bound := BindLicense(l, User{ID: "u9", Email: "alice@example.com"}, d0.Add(Days(1)))
	if bound.UserID != "u9" || bound.Email != "alice@example.com" || bound.Username != "alice" {
		t.Fatalf("bound=%+v", bound)
	}
}

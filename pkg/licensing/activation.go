package licensing

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrKeyConsumed is returned when an activation key was already used.
var ErrKeyConsumed = errors.New("activation key already consumed")

// ConsumeKey materializes the license granted by a pending activation key
// and flips the key to activated. existing is the owner's current license,
// or nil; it is superseded in place so a user keeps exactly one license.
// The license key becomes the activation key's canonical form.
//
// Both returned values must be committed in the same unit of work.
func ConsumeKey(k PendingActivationKey, existing *License, owner User, now time.Time) (License, PendingActivationKey, error) {
	if k.Status == KeyActivated {
		return License{}, k, ErrKeyConsumed
	}
	if k.Status != KeyPendingActivation {
		return License{}, k, &TransitionError{Entity: "activation_key", Event: "consume", From: string(k.Status), To: string(KeyActivated)}
	}

	var lic License
	if existing != nil {
		lic = *existing.Clone()
	} else {
		lic = License{ID: uuid.NewString(), CreatedAt: now}
	}
	if owner.ID != "" {
		lic.UserID = owner.ID
	}
	lic.Username = firstNonEmpty(owner.Username, k.Username, lic.Username)
	lic.Email = firstNonEmpty(owner.Email, k.Email, lic.Email)
	lic.Key = k.LicenseKey
	lic.Status = LicenseActive
	lic.ActivatedAt = TimePtr(now)
	lic.ActivationKey = ""
	lic.RenewalKey = ""
	switch {
	case k.ValidityDays > 0:
		lic.ValidUntil = windowEnd(now, k.ValidityDays)
	case k.ExpiresAt != nil:
		lic.ValidUntil = cloneTime(k.ExpiresAt)
	default:
		lic.ValidUntil = nil
	}
	lic.ExpiresAt = cloneTime(lic.ValidUntil)
	lic.UpdatedAt = now

	consumed := *k.Clone()
	consumed.Status = KeyActivated
	consumed.ActivatedAt = TimePtr(now)
	consumed.LicenseID = lic.ID
	return lic, consumed, nil
}

// BindLicense attaches a license waiting for deferred binding to user.
func BindLicense(l License, user User, now time.Time) License {
	next := *l.Clone()
	next.UserID = user.ID
	next.Username = firstNonEmpty(user.Username, l.Username)
	next.Email = firstNonEmpty(user.Email, l.Email)
	next.UpdatedAt = now
	return next
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package licensing

import "time"

// Snapshot is the only license view that leaves the engine. Activation and
// renewal keys are never part of it.
type Snapshot struct {
	Status    LicenseStatus `json:"status"`
	Key       string        `json:"key"`
	PlanName  string        `json:"planName,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// NewSnapshot builds the external view of l. The status reported is the
// effective one: a lapse not yet recorded by the scanner shows as expired.
func NewSnapshot(l *License, now time.Time) *Snapshot {
	if l == nil {
		return nil
	}
	s := &Snapshot{
		Status:    l.Status,
		Key:       FormatKey(l.Key),
		PlanName:  l.PlanName,
		ExpiresAt: cloneTime(l.ExpiresAt),
		CreatedAt: l.CreatedAt,
	}
	switch {
	case l.Status == LicenseTrial && EffectivelyExpired(l, now):
		s.Status = LicenseExpired
		s.ExpiresAt = l.TrialEndsAt()
	case l.Status == LicenseTrial:
		s.ExpiresAt = l.TrialEndsAt()
	case l.Status == LicenseActive && EffectivelyExpired(l, now):
		s.Status = LicenseExpired
		s.ExpiresAt = cloneTime(l.ValidUntil)
	case l.Status == LicenseActive && s.ExpiresAt == nil:
		s.ExpiresAt = cloneTime(l.ValidUntil)
	}
	return s
}

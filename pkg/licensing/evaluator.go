package licensing

import (
	"sort"
	"time"
)

// Feature is a gated product area.
type Feature string

const (
	FeatureCustomers Feature = "customers"
	FeatureCashflow  Feature = "cashflow"
	FeatureNotes     Feature = "notes"
	FeatureReports   Feature = "reports"
	FeatureAdvanced  Feature = "advanced"
	FeatureAnalytics Feature = "analytics"
)

// KnownFeatures lists every enumerated feature, sorted.
func KnownFeatures() []Feature {
	out := []Feature{
		FeatureCustomers, FeatureCashflow, FeatureNotes,
		FeatureReports, FeatureAdvanced, FeatureAnalytics,
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanAccess decides whether role with license may use feature at now. It is
// pure and must be called per request; decisions are never cached across a
// status change.
func CanAccess(role Role, license *License, feature Feature, now time.Time) bool {
	if role == RoleSuperAdmin {
		return true
	}

	if !hasLiveGrant(license, now) {
		// Baseline access only.
		return feature == FeatureCustomers
	}

	switch feature {
	case FeatureCashflow:
		return license.Status == LicenseActive || license.Status == LicenseTrial
	case FeatureNotes:
		// Trial does not grant notes.
		return license.Status == LicenseActive
	case FeatureReports, FeatureAdvanced, FeatureAnalytics:
		return license.Advanced
	default:
		return true
	}
}

// FeatureMatrix evaluates every known feature.
func FeatureMatrix(role Role, license *License, now time.Time) map[Feature]bool {
	out := make(map[Feature]bool, len(KnownFeatures()))
	for _, f := range KnownFeatures() {
		out[f] = CanAccess(role, license, f, now)
	}
	return out
}

func hasLiveGrant(l *License, now time.Time) bool {
	if l == nil {
		return false
	}
	if l.Status == LicenseSuspended || l.Status == LicenseBlocked {
		return false
	}
	return !EffectivelyExpired(l, now)
}

// Evaluator binds CanAccess to a clock for callers that do not carry now.
type Evaluator struct {
	clock Clock
}

// NewEvaluator creates a new evaluator reading time from clock.
func NewEvaluator(clock Clock) *Evaluator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Evaluator{clock: clock}
}

// CanAccess evaluates at the clock's current time.
func (e *Evaluator) CanAccess(role Role, license *License, feature Feature) bool {
	return CanAccess(role, license, feature, e.clock.Now())
}

// Matrix evaluates every known feature at the clock's current time.
func (e *Evaluator) Matrix(role Role, license *License) map[Feature]bool {
	return FeatureMatrix(role, license, e.clock.Now())
}

package licensing

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSnapshotHidesSecrets(t *testing.T) {
	l := &License{
		ID: "l1", Key: "LKAAAABBBB", Status: LicenseActive, PlanName: "Monthly",
		ActivationKey: "AKSECRET1", RenewalKey: "RKSECRET2",
		ValidUntil: TimePtr(d0.Add(Days(30))), ExpiresAt: TimePtr(d0.Add(Days(30))), CreatedAt: d0,
	}
	for _, v := range []any{l, NewSnapshot(l, d0)} {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if strings.Contains(string(raw), "SECRET") {
			t.Fatalf("secret key leaked: %s", raw)
		}
	}

	raw, _ := json.Marshal(NewSnapshot(l, d0))
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k := range fields {
		switch k {
		case "status", "key", "planName", "expiresAt", "createdAt":
		default:
			t.Fatalf("unexpected snapshot field %q", k)
		}
	}
}

func TestSnapshotReportsEffectiveStatus(t *testing.T) {
	trial := &License{Key: "LK1", Status: LicenseTrial, TrialStart: TimePtr(d0), TrialDays: 30}
	if s := NewSnapshot(trial, d0.Add(Days(1))); s.Status != LicenseTrial || !s.ExpiresAt.Equal(d0.Add(Days(30))) {
		t.Fatalf("snapshot=%+v", s)
	}
	if s := NewSnapshot(trial, d0.Add(Days(31))); s.Status != LicenseExpired {
		t.Fatalf("status=%q, want expired", s.Status)
	}
	if NewSnapshot(nil, d0) != nil {
		t.Fatal("expected nil snapshot for nil license")
	}
}

func TestPlanCatalog(t *testing.T) {
	c := NewPlanCatalog(append(DefaultPlans, Plan{ID: "custom"}), 30)
	if p, ok := c.Lookup("annual"); !ok || p.Days != 365 {
		t.Fatalf("annual=%+v ok=%v", p, ok)
	}
	if p, ok := c.Lookup("custom"); !ok || p.Days != 30 || p.Name != "custom" {
		t.Fatalf("custom=%+v ok=%v", p, ok)
	}
	if p, ok := c.Lookup("missing"); ok || p.Days != 30 {
		t.Fatalf("missing=%+v ok=%v", p, ok)
	}
	plans := c.Plans()
	for i := 1; i < len(plans); i++ {
		if plans[i-1].ID > plans[i].ID {
			t.Fatal("plans not sorted")
		}
	}
}

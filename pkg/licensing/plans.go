package licensing

import "sort"

// Plan is a purchasable plan. Days is the paid window granted on payment.
type Plan struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Days     int    `json:"days" yaml:"days"`
	Advanced bool   `json:"advanced" yaml:"advanced"`
}

// PlanCatalog resolves plans by ID.
type PlanCatalog struct {
	plans       map[string]Plan
	defaultDays int
}

// DefaultPlans is the built-in catalog used when no plans file is configured.
var DefaultPlans = []Plan{
	{ID: "monthly", Name: "Monthly", Days: 30},
	{ID: "quarterly", Name: "Quarterly", Days: 90},
	{ID: "annual", Name: "Annual", Days: 365},
	{ID: "pro_monthly", Name: "Pro Monthly", Days: 30, Advanced: true},
	{ID: "pro_annual", Name: "Pro Annual", Days: 365, Advanced: true},
}

// NewPlanCatalog builds a catalog. defaultDays is used for unknown plan IDs
// and for plans that declare no days.
func NewPlanCatalog(plans []Plan, defaultDays int) *PlanCatalog {
	c := &PlanCatalog{plans: make(map[string]Plan, len(plans)), defaultDays: defaultDays}
	for _, p := range plans {
		if p.Days <= 0 {
			p.Days = defaultDays
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		c.plans[p.ID] = p
	}
	return c
}

// Lookup returns the plan with id and whether it is known. Unknown IDs
// resolve to a plan named after the ID with the default window.
func (c *PlanCatalog) Lookup(id string) (Plan, bool) {
	if c == nil {
		return Plan{ID: id, Name: id}, false
	}
	if p, ok := c.plans[id]; ok {
		return p, true
	}
	return Plan{ID: id, Name: id, Days: c.defaultDays}, false
}

// Plans returns every configured plan sorted by ID.
func (c *PlanCatalog) Plans() []Plan {
	if c == nil {
		return nil
	}
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultDays is the window used for unknown plans.
func (c *PlanCatalog) DefaultDays() int {
	if c == nil {
		return 0
	}
	return c.defaultDays
}

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

type plansFile struct {
	Plans []licensing.Plan `yaml:"plans"`
}

// LoadPlans builds the plan catalog. Without a plans file the built-in
// defaults are used.
//
// Example file:
//
//	plans:
//	  - id: monthly
//	    name: Monthly
//	    days: 30
//	  - id: pro_annual
//	    name: Pro Annual
//	    days: 365
//	    advanced: true
func (c *Config) LoadPlans() (*licensing.PlanCatalog, error) {
	if c.PlansFile == "" {
		return licensing.NewPlanCatalog(licensing.DefaultPlans, c.DefaultPlanDays), nil
	}

	data, err := os.ReadFile(c.PlansFile)
	if err != nil {
		return nil, fmt.Errorf("read plans file %s: %w", c.PlansFile, err)
	}
	plans, err := parsePlans(data)
	if err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", c.PlansFile, err)
	}
	return licensing.NewPlanCatalog(plans, c.DefaultPlanDays), nil
}

func parsePlans(data []byte) ([]licensing.Plan, error) {
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("no plans defined")
	}
	seen := make(map[string]bool, len(f.Plans))
	for i, p := range f.Plans {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("plan %d has no id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate plan id %q", id)
		}
		if p.Days < 0 {
			return nil, fmt.Errorf("plan %q has negative days", id)
		}
		seen[id] = true
		f.Plans[i].ID = id
	}
	return f.Plans, nil
}

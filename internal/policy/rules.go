// Package policy maps threat scores to bounded, proportional response
// actions under an explicit resource budget and jurisdiction constraints.
package policy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bastionsec/bastion/internal/model"
)

// RuleSet is the validated, immutable policy rule configuration loaded at
// startup.
type RuleSet struct {
	Version string             `yaml:"version"`
	Rules   []model.PolicyRule `yaml:"rules"`
}

// LoadRules reads and validates a YAML rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	rs.normalize()
	return &rs, nil
}

// DefaultRules returns the built-in severity ladder used when no rule file
// is configured.
func DefaultRules() *RuleSet {
	rs := &RuleSet{
		Version: "builtin",
		Rules: []model.PolicyRule{
			{
				ID:          "r-low",
				MinSeverity: 0.0, MaxSeverity: 0.4,
				AllowedActions:     []model.ActionKind{model.ActionNoAction},
				ResourceCost:       0,
				LegalConstraintTag: "observe",
			},
			{
				ID:          "r-medium",
				MinSeverity: 0.4, MaxSeverity: 0.7,
				AllowedActions:     []model.ActionKind{model.ActionAlert, model.ActionDeceive},
				ResourceCost:       1,
				LegalConstraintTag: "observe",
			},
			{
				ID:          "r-high",
				MinSeverity: 0.7, MaxSeverity: 0.9,
				AllowedActions:     []model.ActionKind{model.ActionDeceive, model.ActionIsolate},
				ResourceCost:       1,
				LegalConstraintTag: "contain",
			},
			{
				ID:          "r-critical",
				MinSeverity: 0.9, MaxSeverity: 1.0,
				AllowedActions:     []model.ActionKind{model.ActionIsolate, model.ActionBlock},
				ResourceCost:       2,
				LegalConstraintTag: "contain",
			},
		},
	}
	rs.normalize()
	return rs
}

// Validate rejects rule sets whose ranges do not cover [0,1] or whose rules
// are individually malformed. Overlaps are permitted; selection resolves
// them to the lowest rule id.
func (rs *RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rule set is empty")
	}

	ids := make(map[string]bool)
	for _, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule with empty id")
		}
		if ids[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		ids[r.ID] = true
		if r.MinSeverity < 0 || r.MaxSeverity > 1 || r.MinSeverity >= r.MaxSeverity {
			return fmt.Errorf("rule %q: invalid severity range [%v, %v)", r.ID, r.MinSeverity, r.MaxSeverity)
		}
		if len(r.AllowedActions) == 0 {
			return fmt.Errorf("rule %q: no allowed actions", r.ID)
		}
		if r.ResourceCost < 0 {
			return fmt.Errorf("rule %q: negative resource cost", r.ID)
		}
	}

	// Sweep for gaps: every score in [0,1] must be covered by some rule.
	ranges := make([]model.PolicyRule, len(rs.Rules))
	copy(ranges, rs.Rules)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].MinSeverity < ranges[j].MinSeverity })

	covered := 0.0
	for _, r := range ranges {
		if r.MinSeverity > covered {
			return fmt.Errorf("severity gap: no rule covers [%v, %v)", covered, r.MinSeverity)
		}
		if r.MaxSeverity > covered {
			covered = r.MaxSeverity
		}
	}
	if covered < 1.0 {
		return fmt.Errorf("severity gap: no rule covers [%v, 1.0]", covered)
	}
	return nil
}

// normalize orders rules by id so overlap ties deterministically resolve to
// the lowest id during selection.
func (rs *RuleSet) normalize() {
	sort.Slice(rs.Rules, func(i, j int) bool { return rs.Rules[i].ID < rs.Rules[j].ID })
}

// Select returns the rule whose range contains the score. When ranges
// overlap, the lowest rule id wins; selection is fully deterministic.
func (rs *RuleSet) Select(score float64) (model.PolicyRule, bool) {
	for _, r := range rs.Rules {
		if r.Contains(score) {
			return r, true
		}
	}
	return model.PolicyRule{}, false
}

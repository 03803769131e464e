// Package policystore holds validated, immutable policy snapshots.
package policystore

import (
	"fmt"
	"strings"

	"idsync/pkg/abac"
	"idsync/pkg/models"
	"idsync/pkg/policyir"
)

// Store is a frozen policy. It is safe for concurrent use because nothing
// mutates it after New returns.
type Store struct {
	ir *policyir.PolicySetIR
}

// New validates ir and keeps a private deep copy of it.
func New(ir *policyir.PolicySetIR) (*Store, error) {
	if ir == nil {
		return nil, models.ConfigErrorf("policyset", "policy is nil")
	}
	s := &Store{ir: ir.Clone()}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the invariants the loader enforces, so that policies built in
// code are held to the same rules.
func (s *Store) Validate() error {
	if s == nil || s.ir == nil {
		return models.ConfigErrorf("policyset", "policy is nil")
	}
	ir := s.ir
	if strings.TrimSpace(ir.ID) == "" {
		return models.ConfigErrorf("policyset", "name is required")
	}
	if len(ir.Systems) == 0 {
		return models.ConfigErrorf("systems", "at least one system is required")
	}
	for _, dept := range ir.Departments() {
		if strings.TrimSpace(dept) == "" {
			return models.ConfigErrorf("roles", "empty department key")
		}
		if err := checkFragment(fmt.Sprintf("roles[%q]", dept), ir.Roles[dept], ir.Systems); err != nil {
			return err
		}
	}
	for i, rule := range ir.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if err := checkPredicate(field+".when", rule.When); err != nil {
			return err
		}
		if err := checkFragment(field+".grant", rule.Grant, ir.Systems); err != nil {
			return err
		}
	}
	return checkFragment("contractors.allow", ir.ContractorAllowed, ir.Systems)
}

func checkPredicate(field string, pred policyir.Predicate) error {
	if pred == nil {
		return models.ConfigErrorf(field, "condition is required")
	}
	f := policyir.PredicateField(pred)
	if !f.Known() {
		return models.ConfigErrorf(field, "unknown field %q", f)
	}
	if in, ok := pred.(policyir.In); ok && len(in.Values) == 0 {
		return models.ConfigErrorf(field, "membership list is empty")
	}
	return nil
}

func checkFragment(field string, frag policyir.Fragment, systems map[string]string) error {
	for system, resources := range frag {
		if _, ok := systems[system]; !ok {
			return models.ConfigErrorf(field, "unknown system %q", system)
		}
		for r := range resources {
			if strings.TrimSpace(r) == "" {
				return models.ConfigErrorf(field+"."+system, "empty resource name")
			}
		}
	}
	return nil
}

// Resolve returns the role fragment for the person's department unioned with the
// grants of every matching attribute rule, in declared order. It applies no
// status or employment-type precedence; see package entitlement.
func (s *Store) Resolve(p models.Person) policyir.Fragment {
	out := models.NewEntitlementSet()
	if role, ok := s.ir.Roles[p.Department]; ok {
		out.Union(role)
	}
	for _, i := range abac.Matches(s.ir.Rules, p) {
		if grant := s.ir.Rules[i].Grant; grant != nil {
			out.Union(grant)
		}
	}
	return out
}

// Role returns the department's fragment and whether one is defined.
func (s *Store) Role(department string) (policyir.Fragment, bool) {
	role, ok := s.ir.Roles[department]
	if !ok {
		return nil, false
	}
	return role.Clone(), true
}

// Rules returns a copy of the attribute rules.
func (s *Store) Rules() []policyir.AttributeRule {
	return s.ir.Clone().Rules
}

func (s *Store) ID() string      { return s.ir.ID }
func (s *Store) Version() string { return s.ir.Version }

// Systems lists the target systems the policy addresses, sorted.
func (s *Store) Systems() []string { return s.ir.SystemNames() }

// ContractorAllowed returns the contractor whitelist; empty when none is configured.
func (s *Store) ContractorAllowed() policyir.Fragment {
	if s.ir.ContractorAllowed == nil {
		return models.NewEntitlementSet()
	}
	return s.ir.ContractorAllowed.Clone()
}

// IR returns a deep copy suitable for export.
func (s *Store) IR() *policyir.PolicySetIR { return s.ir.Clone() }

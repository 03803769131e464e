// Package entitlement turns a person and a policy into the set of entitlements
// the person should hold.
package entitlement

import (
	"errors"

	"idsync/pkg/abac"
	"idsync/pkg/models"
	"idsync/pkg/policystore"
)

var ErrNoPolicy = errors.New("entitlement: policy store is nil")

// Calculator is stateless apart from the policy snapshot it reads.
type Calculator struct {
	Store *policystore.Store
}

func New(store *policystore.Store) Calculator {
	return Calculator{Store: store}
}

// ComputeDesired applies, in order of precedence:
//
//  1. Terminated status yields the empty set regardless of any other attribute.
//  2. Department role fragment plus every matching attribute rule grant.
//  3. Contractors keep only what the contractor whitelist allows.
//
// Malformed records fail with an error wrapping models.ErrInvalidInput.
func (c Calculator) ComputeDesired(p models.Person) (models.EntitlementSet, error) {
	if c.Store == nil {
		return nil, ErrNoPolicy
	}
	if err := p.ValidateIdentity(); err != nil {
		return nil, err
	}
	if p.IsTerminated() {
		return models.NewEntitlementSet(), nil
	}
	if err := p.ValidateAttributes(); err != nil {
		return nil, err
	}
	desired := c.Store.Resolve(p)
	if p.IsContractor() {
		desired = desired.Intersect(c.Store.ContractorAllowed())
	}
	return desired, nil
}

// Explanation records which parts of the policy produced a desired set.
type Explanation struct {
	PersonID      string                `json:"person_id"`
	Desired       models.EntitlementSet `json:"desired"`
	Role          string                `json:"role,omitempty"`
	MatchedRules  []string              `json:"matched_rules,omitempty"`
	Terminated    bool                  `json:"terminated,omitempty"`
	ContractorCut models.EntitlementSet `json:"contractor_cut,omitempty"`
}

// Explain computes the desired set and the policy elements behind it.
func (c Calculator) Explain(p models.Person) (Explanation, error) {
	desired, err := c.ComputeDesired(p)
	if err != nil {
		return Explanation{}, err
	}
	exp := Explanation{PersonID: p.ID, Desired: desired}
	if p.IsTerminated() {
		exp.Terminated = true
		return exp, nil
	}
	if _, ok := c.Store.Role(p.Department); ok {
		exp.Role = p.Department
	}
	rules := c.Store.Rules()
	for _, i := range abac.Matches(rules, p) {
		exp.MatchedRules = append(exp.MatchedRules, rules[i].Name)
	}
	if p.IsContractor() {
		cut := c.Store.Resolve(p)
		for _, e := range desired.Sorted() {
			delete(cut[e.System], e.Resource)
		}
		if cut = cut.Clone(); !cut.IsEmpty() {
			exp.ContractorCut = cut
		}
	}
	return exp, nil
}

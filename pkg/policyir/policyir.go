package policyir

import (
	"sort"
	"strconv"
	"strings"

	"idsync/pkg/models"
)

// Field names a Person attribute a predicate may reference.
type Field string

const (
	FieldDepartment     Field = "department"
	FieldLocation       Field = "location"
	FieldEmploymentType Field = "employment_type"
	FieldStatus         Field = "status"
	FieldTitle          Field = "title"
)

var knownFields = map[Field]struct{}{
	FieldDepartment:     {},
	FieldLocation:       {},
	FieldEmploymentType: {},
	FieldStatus:         {},
	FieldTitle:          {},
}

func (f Field) Known() bool {
	_, ok := knownFields[f]
	return ok
}

// Predicate is the closed grammar for attribute rules. Only the types in this
// package implement it.
type Predicate interface {
	predicate()
	String() string
}

// Eq matches when the field equals Value.
type Eq struct {
	Field Field
	Value string
}

// NotEq matches when the field differs from Value.
type NotEq struct {
	Field Field
	Value string
}

// In matches when the field is one of Values.
type In struct {
	Field  Field
	Values []string
}

func (Eq) predicate()    {}
func (NotEq) predicate() {}
func (In) predicate()    {}

func (p Eq) String() string    { return string(p.Field) + " == " + strconv.Quote(p.Value) }
func (p NotEq) String() string { return string(p.Field) + " != " + strconv.Quote(p.Value) }

func (p In) String() string {
	quoted := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		quoted = append(quoted, strconv.Quote(v))
	}
	return string(p.Field) + " in [" + strings.Join(quoted, ", ") + "]"
}

// PredicateField returns the field a predicate reads.
func PredicateField(p Predicate) Field {
	switch t := p.(type) {
	case Eq:
		return t.Field
	case NotEq:
		return t.Field
	case In:
		return t.Field
	default:
		return ""
	}
}

// Fragment is a partial entitlement set contributed by one rule.
type Fragment = models.EntitlementSet

// AttributeRule grants Grant when When holds. A nil Grant is the explicit "no grant".
type AttributeRule struct {
	Name  string
	When  Predicate
	Grant Fragment
}

// PolicySetIR is the compiled policy document.
type PolicySetIR struct {
	ID      string
	Version string
	// Systems maps target system to its resource kind ("groups", "teams").
	Systems           map[string]string
	Roles             map[string]Fragment
	Rules             []AttributeRule
	ContractorAllowed Fragment
}

// DefaultSystems mirrors the two systems the roster is provisioned into.
func DefaultSystems() map[string]string {
	return map[string]string{"google": "groups", "github": "teams"}
}

// Departments returns role keys in lexicographic order.
func (p *PolicySetIR) Departments() []string {
	out := make([]string, 0, len(p.Roles))
	for d := range p.Roles {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// SystemNames returns configured systems in lexicographic order.
func (p *PolicySetIR) SystemNames() []string {
	out := make([]string, 0, len(p.Systems))
	for s := range p.Systems {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies the IR.
func (p *PolicySetIR) Clone() *PolicySetIR {
	if p == nil {
		return nil
	}
	cp := &PolicySetIR{ID: p.ID, Version: p.Version}
	cp.Systems = make(map[string]string, len(p.Systems))
	for k, v := range p.Systems {
		cp.Systems[k] = v
	}
	cp.Roles = make(map[string]Fragment, len(p.Roles))
	for k, v := range p.Roles {
		cp.Roles[k] = v.Clone()
	}
	cp.Rules = make([]AttributeRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		rule := AttributeRule{Name: r.Name, When: clonePredicate(r.When)}
		if r.Grant != nil {
			rule.Grant = r.Grant.Clone()
		}
		cp.Rules = append(cp.Rules, rule)
	}
	if p.ContractorAllowed != nil {
		cp.ContractorAllowed = p.ContractorAllowed.Clone()
	}
	return cp
}

func clonePredicate(p Predicate) Predicate {
	if in, ok := p.(In); ok {
		return In{Field: in.Field, Values: append([]string(nil), in.Values...)}
	}
	return p
}

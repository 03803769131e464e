// Package abac evaluates attribute predicates against a person snapshot.
package abac

import (
	"idsync/pkg/models"
	"idsync/pkg/policyir"
)

// Attribute returns the person's value for field. Unknown fields read as "".
func Attribute(p models.Person, field policyir.Field) string {
	switch field {
	case policyir.FieldDepartment:
		return p.Department
	case policyir.FieldLocation:
		return p.Location
	case policyir.FieldEmploymentType:
		return string(p.EmploymentType)
	case policyir.FieldStatus:
		return string(p.Status)
	case policyir.FieldTitle:
		return p.Title
	default:
		return ""
	}
}

// Eval reports whether pred holds for p. It has no side effects and is defined
// for every predicate the grammar can produce; a nil predicate never matches.
func Eval(pred policyir.Predicate, p models.Person) bool {
	switch t := pred.(type) {
	case policyir.Eq:
		return Attribute(p, t.Field) == t.Value
	case policyir.NotEq:
		return Attribute(p, t.Field) != t.Value
	case policyir.In:
		v := Attribute(p, t.Field)
		for _, candidate := range t.Values {
			if candidate == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Matches returns the indexes of rules whose condition holds, in declared order.
func Matches(rules []policyir.AttributeRule, p models.Person) []int {
	var out []int
	for i, rule := range rules {
		if Eval(rule.When, p) {
			out = append(out, i)
		}
	}
	return out
}

package entitlement

import (
	"idsync/pkg/diff"
	"idsync/pkg/models"
	"idsync/pkg/policystore"
)

// PersonImpact is the effect of a policy change on one person.
type PersonImpact struct {
	PersonID string                `json:"person_id"`
	Before   models.EntitlementSet `json:"before"`
	After    models.EntitlementSet `json:"after"`
	Changes  []models.Action       `json:"changes"`
	Error    string                `json:"error,omitempty"`
}

// Impact summarizes a policy change across a roster.
type Impact struct {
	FromVersion   string         `json:"from_version"`
	ToVersion     string         `json:"to_version"`
	UsersTested   int            `json:"users_tested"`
	UsersAffected int            `json:"users_affected"`
	Added         int            `json:"added"`
	Removed       int            `json:"removed"`
	Invalid       int            `json:"invalid"`
	People        []PersonImpact `json:"people,omitempty"`
}

// PreviewImpact compares the desired state of every person under current and
// proposed policies. Only affected or invalid persons are listed in People.
func PreviewImpact(current, proposed *policystore.Store, roster []models.Person) (Impact, error) {
	if current == nil || proposed == nil {
		return Impact{}, ErrNoPolicy
	}
	before, after := New(current), New(proposed)
	out := Impact{FromVersion: current.Version(), ToVersion: proposed.Version(), UsersTested: len(roster)}
	for _, p := range roster {
		was, err := before.ComputeDesired(p)
		if err != nil {
			out.Invalid++
			out.People = append(out.People, PersonImpact{PersonID: p.ID, Error: err.Error()})
			continue
		}
		will, err := after.ComputeDesired(p)
		if err != nil {
			out.Invalid++
			out.People = append(out.People, PersonImpact{PersonID: p.ID, Error: err.Error()})
			continue
		}
		changes := diff.Plan(will, was)
		if len(changes) == 0 {
			continue
		}
		adds, removes := diff.Summarize(changes)
		out.UsersAffected++
		out.Added += adds
		out.Removed += removes
		out.People = append(out.People, PersonImpact{PersonID: p.ID, Before: was, After: will, Changes: changes})
	}
	return out, nil
}

// Package diff computes the corrective actions between desired and current state.
package diff

import (
	"sort"

	"idsync/pkg/models"
)

// Plan returns Add actions for desired−current and Remove actions for
// current−desired. Adds come first; within each group actions are ordered by
// system then resource. The plan is empty exactly when the sets are equal.
func Plan(desired, current models.EntitlementSet) []models.Action {
	var adds, removes []models.Action
	for system, rs := range desired {
		for r := range rs {
			if !current.Has(system, r) {
				adds = append(adds, models.AddAction(system, r))
			}
		}
	}
	for system, rs := range current {
		for r := range rs {
			if !desired.Has(system, r) {
				removes = append(removes, models.RemoveAction(system, r))
			}
		}
	}
	sortActions(adds)
	sortActions(removes)
	return append(adds, removes...)
}

func sortActions(actions []models.Action) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].System != actions[j].System {
			return actions[i].System < actions[j].System
		}
		return actions[i].Resource < actions[j].Resource
	})
}

// ApplyPlan simulates plan against current and returns the resulting set.
// current is not modified.
func ApplyPlan(current models.EntitlementSet, plan []models.Action) models.EntitlementSet {
	out := current.Clone()
	for _, a := range plan {
		switch a.Op {
		case models.OpAdd:
			out.Add(a.System, a.Resource)
		case models.OpRemove:
			if rs, ok := out[a.System]; ok {
				delete(rs, a.Resource)
				if len(rs) == 0 {
					delete(out, a.System)
				}
			}
		}
	}
	return out
}

// Summarize counts the actions of each kind.
func Summarize(plan []models.Action) (adds, removes int) {
	for _, a := range plan {
		switch a.Op {
		case models.OpAdd:
			adds++
		case models.OpRemove:
			removes++
		}
	}
	return adds, removes
}

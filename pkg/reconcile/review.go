package reconcile

import (
	"context"
	"fmt"
	"time"

	"idsync/pkg/diff"
	"idsync/pkg/entitlement"
	"idsync/pkg/models"
	"idsync/pkg/policystore"
)

const (
	Compliant    = "COMPLIANT"
	NeedsChanges = "NEEDS_CHANGES"
)

// AccessReview compares one person's current access with what policy grants.
type AccessReview struct {
	PersonID   string                `json:"person_id"`
	Verdict    string                `json:"verdict"`
	Desired    models.EntitlementSet `json:"desired"`
	Current    models.EntitlementSet `json:"current"`
	Plan       []models.Action       `json:"plan"`
	ReviewedAt time.Time             `json:"reviewed_at"`
}

// Review reads the person's current state and reports the changes a live run
// would make, without recording a run or applying anything.
func (o *Orchestrator) Review(ctx context.Context, p models.Person, policy *policystore.Store) (AccessReview, error) {
	if err := o.precheck(policy); err != nil {
		return AccessReview{}, err
	}
	desired, err := entitlement.New(policy).ComputeDesired(p)
	if err != nil {
		return AccessReview{}, err
	}
	w := &worker{
		o:       o,
		opts:    o.Options.withDefaults(),
		mode:    models.DryRun,
		systems: policy.Systems(),
		log:     o.logger().With("review", true),
	}
	current, err := w.readCurrent(ctx, p.ID)
	if err != nil {
		return AccessReview{}, fmt.Errorf("review %s: %w", p.ID, err)
	}
	plan := diff.Plan(desired, current)
	review := AccessReview{
		PersonID:   p.ID,
		Verdict:    Compliant,
		Desired:    desired,
		Current:    current,
		Plan:       plan,
		ReviewedAt: o.clock(),
	}
	if len(plan) > 0 {
		review.Verdict = NeedsChanges
	}
	return review, nil
}

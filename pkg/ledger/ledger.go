// Package ledger persists run records. A run is created once, gains outcomes
// while in progress, and is sealed exactly once; sealed runs are read-only.
package ledger

import (
	"context"
	"time"

	"idsync/pkg/models"
)

// Final carries the values written when a run is sealed.
type Final struct {
	State       string
	EndedAt     time.Time
	Summary     models.Summary
	AbortReason string
}

type Ledger interface {
	Create(ctx context.Context, rec models.RunRecord) error
	// Advance moves an open run from one state to another.
	Advance(ctx context.Context, runID, from, to string) error
	Append(ctx context.Context, runID string, outcome models.Outcome) error
	Seal(ctx context.Context, runID string, final Final) error
	Get(ctx context.Context, runID string) (models.RunRecord, error)
	// List returns run headers, newest first. Outcomes are not populated.
	List(ctx context.Context, limit int) ([]models.RunRecord, error)
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

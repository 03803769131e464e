package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"idsync/pkg/models"
	"idsync/pkg/runfsm"
)

// Memory is an in-process Ledger. Records handed in and out are deep copies.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*models.RunRecord
}

func NewMemory() *Memory {
	return &Memory{runs: map[string]*models.RunRecord{}}
}

func (m *Memory) Create(_ context.Context, rec models.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.ID]; ok {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	cp := rec.Clone()
	m.runs[rec.ID] = &cp
	return nil
}

func (m *Memory) Advance(_ context.Context, runID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.openLocked(runID)
	if err != nil {
		return err
	}
	if rec.State != from {
		return fmt.Errorf("run %s is %s, not %s: %w", runID, rec.State, from, runfsm.ErrInvalidTransition)
	}
	next, err := runfsm.Transition(from, to)
	if err != nil {
		return err
	}
	rec.State = next
	return nil
}

func (m *Memory) Append(_ context.Context, runID string, outcome models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.openLocked(runID)
	if err != nil {
		return err
	}
	outcome.Actions = append([]models.Action(nil), outcome.Actions...)
	rec.Outcomes = append(rec.Outcomes, outcome)
	return nil
}

func (m *Memory) Seal(_ context.Context, runID string, final Final) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.openLocked(runID)
	if err != nil {
		return err
	}
	if _, err := runfsm.Transition(rec.State, final.State); err != nil {
		return fmt.Errorf("seal run %s as %s: %w", runID, final.State, err)
	}
	ended := final.EndedAt
	rec.State = final.State
	rec.EndedAt = &ended
	rec.Summary = final.Summary
	rec.AbortReason = final.AbortReason
	sort.SliceStable(rec.Outcomes, func(i, j int) bool { return rec.Outcomes[i].Seq < rec.Outcomes[j].Seq })
	return nil
}

func (m *Memory) openLocked(runID string) (*models.RunRecord, error) {
	rec, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}
	if runfsm.IsTerminal(rec.State) {
		return nil, fmt.Errorf("%w: %s", models.ErrRunSealed, runID)
	}
	return rec, nil
}

func (m *Memory) Get(_ context.Context, runID string) (models.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return models.RunRecord{}, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}
	return rec.Clone(), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]models.RunRecord, error) {
	m.mu.RLock()
	out := make([]models.RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		hdr := rec.Clone()
		hdr.Outcomes = nil
		out = append(out, hdr)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package connector

import (
	"context"
	"fmt"
	"sync"

	"idsync/pkg/models"
)

// Memory keeps memberships in process. Failure hooks let callers simulate an
// unreliable target.
type Memory struct {
	name string

	mu      sync.Mutex
	state   map[string]models.ResourceSet
	reads   int
	applied []models.Action

	// ReadHook, when set, runs before each Read; a non-nil error fails the read.
	ReadHook func(personID string) error
	// ApplyHook, when set, runs before each Apply; a non-nil error fails it.
	ApplyHook func(personID string, action models.Action) error
}

func NewMemory(system string) *Memory {
	return &Memory{name: system, state: map[string]models.ResourceSet{}}
}

func (m *Memory) System() string { return m.name }

// Seed replaces a person's memberships.
func (m *Memory) Seed(personID string, resources ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[personID] = models.NewResourceSet(resources...)
}

func (m *Memory) Read(ctx context.Context, personID string) (models.ResourceSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.reads++
	hook := m.ReadHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(personID); err != nil {
			return nil, err
		}
	}
	return m.Snapshot(personID), nil
}

func (m *Memory) Apply(ctx context.Context, personID string, action models.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if action.System != m.name {
		return fmt.Errorf("action for %s sent to %s connector", action.System, m.name)
	}
	m.mu.Lock()
	hook := m.ApplyHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(personID, action); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.state[personID]
	if !ok {
		rs = models.ResourceSet{}
		m.state[personID] = rs
	}
	switch action.Op {
	case models.OpAdd:
		rs[action.Resource] = struct{}{}
	case models.OpRemove:
		delete(rs, action.Resource)
	default:
		return fmt.Errorf("unknown op %q", action.Op)
	}
	m.applied = append(m.applied, action)
	return nil
}

// Snapshot returns a copy of a person's memberships.
func (m *Memory) Snapshot(personID string) models.ResourceSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.NewResourceSet(m.state[personID].Sorted()...)
}

// Reads returns how many Read calls were made.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Applied returns the successfully applied actions in call order.
func (m *Memory) Applied() []models.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Action(nil), m.applied...)
}

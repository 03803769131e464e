// Package connector defines the capability every target system adapter offers
// and ships the adapters used by the provisioning engine.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"idsync/pkg/models"
)

// Connector reads and mutates one person's memberships in one target system.
// Apply must be idempotent: adding a held resource or removing an absent one
// succeeds without effect.
type Connector interface {
	System() string
	Read(ctx context.Context, personID string) (models.ResourceSet, error)
	Apply(ctx context.Context, personID string, action models.Action) error
}

// Registry maps system names to connectors.
type Registry struct {
	byName map[string]Connector
}

func NewRegistry(connectors ...Connector) (*Registry, error) {
	r := &Registry{byName: map[string]Connector{}}
	for _, c := range connectors {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c Connector) error {
	if c == nil {
		return fmt.Errorf("connector is nil")
	}
	name := strings.TrimSpace(c.System())
	if name == "" {
		return fmt.Errorf("connector has empty system name")
	}
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("connector for %q registered twice", name)
	}
	r.byName[name] = c
	return nil
}

func (r *Registry) Get(system string) (Connector, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.byName[system]
	return c, ok
}

// Require reports a configuration error naming every system without a connector.
func (r *Registry) Require(systems []string) error {
	var missing []string
	for _, s := range systems {
		if _, ok := r.Get(s); !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return models.ConfigErrorf("connectors", "no connector for system(s) %s", strings.Join(missing, ", "))
}

func (r *Registry) Systems() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package connector

import (
	"context"

	"idsync/pkg/models"
	"idsync/pkg/ratelimit"
)

// Throttled caps the calls a connector makes per rate window. Reads and
// applies share one budget keyed by system name; a call waits for the next
// window instead of failing.
type Throttled struct {
	Connector
	Limiter ratelimit.Limiter
	Limit   int
}

func NewThrottled(c Connector, l ratelimit.Limiter, limit int) *Throttled {
	return &Throttled{Connector: c, Limiter: l, Limit: limit}
}

func (t *Throttled) Read(ctx context.Context, personID string) (models.ResourceSet, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Connector.Read(ctx, personID)
}

func (t *Throttled) Apply(ctx context.Context, personID string, action models.Action) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.Connector.Apply(ctx, personID, action)
}

func (t *Throttled) wait(ctx context.Context) error {
	if t.Limiter == nil || t.Limit <= 0 {
		return nil
	}
	return ratelimit.Wait(ctx, t.Limiter, t.System(), t.Limit)
}

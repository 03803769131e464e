package reconcile

import (
	"context"
	"sync"

	"idsync/pkg/models"
)

// Run is the handle of a started run. The record it exposes is a copy; the
// ledger holds the authoritative one.
type Run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	rec models.RunRecord
	err error
}

func newRun(rec models.RunRecord, cancel context.CancelFunc) *Run {
	return &Run{id: rec.ID, cancel: cancel, done: make(chan struct{}), rec: rec}
}

func (r *Run) ID() string { return r.id }

// Done is closed once the run is sealed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops scheduling persons. Persons already being processed finish;
// the rest are recorded as SKIPPED/CANCELLED and the run still completes.
func (r *Run) Cancel() { r.cancel() }

// Snapshot returns the record as it stands.
func (r *Run) Snapshot() models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

// Wait blocks until the run is sealed or ctx ends. The error reports a
// failure to seal the run in the ledger, or ctx's error.
func (r *Run) Wait(ctx context.Context) (models.RunRecord, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.rec.Clone(), r.err
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

func (r *Run) update(fn func(rec *models.RunRecord)) {
	r.mu.Lock()
	fn(&r.rec)
	r.mu.Unlock()
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// Package reconcile drives runs: for each person of a batch it computes the
// desired entitlements, reads the current ones from every target system,
// plans the difference and, in live mode, applies it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"idsync/pkg/connector"
	"idsync/pkg/entitlement"
	"idsync/pkg/ledger"
	"idsync/pkg/metrics"
	"idsync/pkg/models"
	"idsync/pkg/policystore"
	"idsync/pkg/runfsm"
	"idsync/pkg/store"
	"idsync/pkg/stream"
	"idsync/pkg/telemetry"
)

// AbortError is returned by StartRun when a batch-level check fails. The run
// is recorded in the ledger as ABORTED under RunID.
type AbortError struct {
	RunID string
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%v: run %s: %v", models.ErrRunAborted, e.RunID, e.Cause)
}

func (e *AbortError) Unwrap() []error { return []error{models.ErrRunAborted, e.Cause} }

// Orchestrator starts runs. Connectors and Ledger are required; the rest is
// optional.
type Orchestrator struct {
	Connectors *connector.Registry
	Ledger     ledger.Ledger
	Options    Options

	// Logger defaults to discarding output.
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Events   *stream.Hub
	Redactor *ledger.Redactor
	// Lock, when set, allows a single live run at a time across processes
	// sharing the cache.
	Lock store.Cache

	now   func() time.Time
	sleep func(time.Duration)
	newID func() string
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) pause(d time.Duration) {
	if o.sleep != nil {
		o.sleep(d)
		return
	}
	time.Sleep(d)
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

// StartRun records a new run, validates the batch-level preconditions and
// processes the batch in the background. The returned handle is already
// INPROGRESS. Cancelling ctx has the same effect as Run.Cancel.
//
// A failed precondition (invalid policy, a policy system without connector,
// another live run holding the lock) seals the run as ABORTED and returns an
// *AbortError wrapping models.ErrRunAborted and the cause.
func (o *Orchestrator) StartRun(ctx context.Context, batch []models.Person, mode models.Mode, policy *policystore.Store) (*Run, error) {
	if !mode.Valid() {
		return nil, models.ConfigErrorf("mode", "unknown run mode %q", mode)
	}
	if o.Ledger == nil {
		return nil, models.ConfigErrorf("ledger", "orchestrator has no ledger")
	}
	opts := o.Options.withDefaults()
	id := uuid.NewString()
	if o.newID != nil {
		id = o.newID()
	}
	rec := models.RunRecord{
		ID:        id,
		Mode:      mode,
		State:     runfsm.Initialized,
		Actor:     opts.Actor,
		StartedAt: o.clock(),
		Outcomes:  []models.Outcome{},
	}
	if policy != nil {
		rec.PolicyVersion = policy.ID() + "@" + policy.Version()
	}
	if err := o.Ledger.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log := o.logger().With("run_id", id, "mode", string(mode))

	if err := o.precheck(policy); err != nil {
		return nil, o.abort(ctx, rec, len(batch), err)
	}
	var lock *store.Lock
	if mode == models.Live && o.Lock != nil {
		lock = &store.Lock{Cache: o.Lock, Key: LiveRunLockKey, TTL: opts.LockTTL}
		if err := lock.Acquire(ctx, id); err != nil {
			if errors.Is(err, store.ErrLockHeld) {
				holder, _ := lock.Holder(ctx)
				err = fmt.Errorf("%w (held by %s)", models.ErrRunInProgress, holder)
			}
			return nil, o.abort(ctx, rec, len(batch), err)
		}
	}
	if err := o.Ledger.Advance(ctx, id, runfsm.Initialized, runfsm.InProgress); err != nil {
		if lock != nil {
			_ = lock.Release(context.WithoutCancel(ctx), id)
		}
		return nil, o.abort(ctx, rec, len(batch), fmt.Errorf("advance run: %w", err))
	}
	rec.State = runfsm.InProgress

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(rec, cancel)
	log.Info("run started", "persons", len(batch), "policy_version", rec.PolicyVersion)
	o.Events.Publish(stream.NewEvent(stream.RunStarted, id, map[string]any{
		"mode":           mode,
		"policy_version": rec.PolicyVersion,
		"persons":        len(batch),
	}))
	people := append([]models.Person(nil), batch...)
	go o.execute(runCtx, run, people, policy, opts, lock, log)
	return run, nil
}

func (o *Orchestrator) precheck(policy *policystore.Store) error {
	if policy == nil {
		return models.ConfigErrorf("policy", "no policy loaded")
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	return o.Connectors.Require(policy.Systems())
}

func (o *Orchestrator) abort(ctx context.Context, rec models.RunRecord, total int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()
	final := ledger.Final{
		State:       runfsm.Aborted,
		EndedAt:     o.clock(),
		Summary:     models.Summary{Total: total},
		AbortReason: reason,
	}
	log := o.logger().With("run_id", rec.ID, "mode", string(rec.Mode))
	log.Error("run aborted", "reason", reason)
	if err := o.Ledger.Seal(ctx, rec.ID, final); err != nil {
		log.Error("seal aborted run failed", "error", err)
		o.countLedgerError()
	}
	if o.Metrics != nil {
		o.Metrics.IncRun(string(rec.Mode), runfsm.Aborted)
	}
	o.Events.Publish(stream.NewEvent(stream.RunSealed, rec.ID, map[string]any{
		"state":        runfsm.Aborted,
		"abort_reason": reason,
	}))
	return &AbortError{RunID: rec.ID, Cause: cause}
}

// execute runs the worker pool. Workers hand results to this goroutine, the
// only writer of the run record and of ledger appends.
func (o *Orchestrator) execute(ctx context.Context, run *Run, batch []models.Person, policy *policystore.Store, opts Options, lock *store.Lock, log *slog.Logger) {
	mode := run.rec.Mode
	// Ledger writes and connector calls must outlive cancellation.
	ledgerCtx := context.WithoutCancel(ctx)
	spanCtx, span := telemetry.Tracer().Start(ledgerCtx, "reconcile.run", trace.WithAttributes(
		attribute.String("run.id", run.ID()),
		attribute.String("run.mode", string(mode)),
		attribute.Int("run.persons", len(batch)),
	))

	w := &worker{
		o:       o,
		opts:    opts,
		mode:    mode,
		calc:    entitlement.New(policy),
		systems: policy.Systems(),
		log:     log,
	}
	jobs := make(chan int)
	results := make(chan models.Outcome)

	go func() {
		defer close(jobs)
		for i := range batch {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	var wg sync.WaitGroup
	for n := 0; n < min(opts.Workers, max(len(batch), 1)); n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				var out models.Outcome
				if ctx.Err() != nil {
					out = w.cancelled(i, batch[i])
				} else {
					out = w.process(spanCtx, i, batch[i])
				}
				results <- out
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	seen := make([]bool, len(batch))
	ledgerErrors := 0
	record := func(out models.Outcome) {
		seen[out.Seq] = true
		run.update(func(rec *models.RunRecord) { rec.Outcomes = append(rec.Outcomes, out) })
		if err := o.Ledger.Append(ledgerCtx, run.ID(), out); err != nil {
			ledgerErrors++
			o.countLedgerError()
			log.Error("ledger append failed", "person_id", o.Redactor.PersonID(out.PersonID), "error", err)
		}
		if o.Metrics != nil {
			o.Metrics.IncOutcome(string(out.Status), out.Reason)
		}
		o.Events.Publish(stream.NewEvent(stream.PersonOutcome, run.ID(), o.Redactor.Outcome(out)))
	}
	for out := range results {
		record(out)
	}
	for i, ok := range seen {
		if !ok {
			record(w.cancelled(i, batch[i]))
		}
	}

	var final ledger.Final
	run.update(func(rec *models.RunRecord) {
		sort.SliceStable(rec.Outcomes, func(i, j int) bool { return rec.Outcomes[i].Seq < rec.Outcomes[j].Seq })
		summary := models.Summarize(rec.Outcomes)
		summary.LedgerErrors = ledgerErrors
		final = ledger.Final{State: runfsm.Completed, EndedAt: o.clock(), Summary: summary}
	})
	sealErr := o.Ledger.Seal(ledgerCtx, run.ID(), final)
	if sealErr != nil {
		o.countLedgerError()
		final.Summary.LedgerErrors++
		sealErr = fmt.Errorf("seal run %s: %w", run.ID(), sealErr)
		log.Error("seal failed", "error", sealErr)
	}
	run.update(func(rec *models.RunRecord) {
		rec.State = final.State
		ended := final.EndedAt
		rec.EndedAt = &ended
		rec.Summary = final.Summary
	})
	if lock != nil {
		if err := lock.Release(ledgerCtx, run.ID()); err != nil {
			log.Warn("release live-run lock failed", "error", err)
		}
	}
	if o.Metrics != nil {
		o.Metrics.IncRun(string(mode), final.State)
	}
	log.Info("run sealed",
		"state", final.State,
		"applied", final.Summary.Applied,
		"skipped", final.Summary.Skipped,
		"failed", final.Summary.Failed,
		"cancelled", final.Summary.Cancelled)
	o.Events.Publish(stream.NewEvent(stream.RunSealed, run.ID(), map[string]any{
		"state":   final.State,
		"summary": final.Summary,
	}))
	span.SetAttributes(attribute.Int("run.failed", final.Summary.Failed))
	telemetry.End(span, sealErr)
	run.cancel()
	run.finish(sealErr)
}

func (o *Orchestrator) countLedgerError() {
	if o.Metrics != nil {
		o.Metrics.IncLedgerErrors()
	}
}

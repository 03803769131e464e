package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"idsync/pkg/diff"
	"idsync/pkg/entitlement"
	"idsync/pkg/models"
	"idsync/pkg/runfsm"
	"idsync/pkg/telemetry"
)

// worker holds what every person of one run shares. It is safe for concurrent
// use: the calculator is pure and connectors are required to be.
type worker struct {
	o       *Orchestrator
	opts    Options
	mode    models.Mode
	calc    entitlement.Calculator
	systems []string
	log     *slog.Logger
}

// process takes one person from PLANNED to a final state. ctx is already
// detached from run cancellation: a person whose processing has started is
// finished, bounded by the per-call timeout and retry budget.
func (w *worker) process(ctx context.Context, seq int, p models.Person) models.Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "reconcile.person", trace.WithAttributes(
		attribute.Int("person.seq", seq),
	))
	out := models.Outcome{
		Seq:        seq,
		PersonID:   p.ID,
		Email:      p.Email,
		Terminated: p.IsTerminated(),
		StartedAt:  w.o.clock(),
		Actions:    []models.Action{},
	}
	out = w.run(ctx, p, out)
	var spanErr error
	if out.Status == models.OutcomeFailed {
		spanErr = fmt.Errorf("%s: %s", out.Reason, out.Error)
	}
	span.SetAttributes(attribute.String("person.status", string(out.Status)), attribute.String("person.reason", out.Reason))
	telemetry.End(span, spanErr)

	w.log.Debug("person processed",
		"person_id", w.o.Redactor.PersonID(p.ID),
		"status", string(out.Status),
		"reason", out.Reason,
		"actions", len(out.Actions))
	return out
}

func (w *worker) run(ctx context.Context, p models.Person, out models.Outcome) models.Outcome {
	desired, err := w.calc.ComputeDesired(p)
	if err != nil {
		return w.finish(out, runfsm.Failed, models.ReasonInvalidInput, err)
	}
	out.DesiredHash = desired.Hash()

	current, err := w.readCurrent(ctx, p.ID)
	if err != nil {
		return w.finish(out, runfsm.Failed, models.ReasonConnectorReadError, err)
	}

	plan := diff.Plan(desired, current)
	out.Actions = plan
	if len(plan) == 0 {
		return w.finish(out, runfsm.Skipped, models.ReasonNoChange, nil)
	}
	out.PlanHash = models.PlanHash(plan)
	if w.mode == models.DryRun {
		return w.finish(out, runfsm.Skipped, models.ReasonDryRun, nil)
	}

	for i, action := range plan {
		if err := w.apply(ctx, p.ID, action); err != nil {
			out.PartialActionsApplied = i
			return w.finish(out, runfsm.Failed, models.ReasonConnectorApplyError, err)
		}
	}
	out.AccessCleared = p.IsTerminated()
	return w.finish(out, runfsm.Applied, "", nil)
}

func (w *worker) finish(out models.Outcome, status, reason string, err error) models.Outcome {
	next, terr := runfsm.TransitionPerson(runfsm.Planned, status)
	if terr != nil {
		next, reason, err = runfsm.Failed, models.ReasonInvalidInput, terr
	}
	out.Status = models.OutcomeStatus(next)
	out.Reason = reason
	if err != nil {
		out.Error = err.Error()
	}
	out.FinishedAt = w.o.clock()
	return out
}

// cancelled records a person that was never scheduled.
func (w *worker) cancelled(seq int, p models.Person) models.Outcome {
	now := w.o.clock()
	out := models.Outcome{
		Seq:        seq,
		PersonID:   p.ID,
		Email:      p.Email,
		Terminated: p.IsTerminated(),
		Actions:    []models.Action{},
		StartedAt:  now,
	}
	return w.finish(out, runfsm.Skipped, models.ReasonCancelled, nil)
}

func (w *worker) readCurrent(ctx context.Context, personID string) (models.EntitlementSet, error) {
	current := models.NewEntitlementSet()
	for _, system := range w.systems {
		c, ok := w.o.Connectors.Get(system)
		if !ok {
			return nil, fmt.Errorf("%w: %s: no connector", models.ErrConnectorRead, system)
		}
		var rs models.ResourceSet
		err := w.call(ctx, system, "read", func(callCtx context.Context) error {
			var err error
			rs, err = c.Read(callCtx, personID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrConnectorRead, system, err)
		}
		for name := range rs {
			current.Add(system, name)
		}
	}
	return current, nil
}

func (w *worker) apply(ctx context.Context, personID string, action models.Action) error {
	c, ok := w.o.Connectors.Get(action.System)
	if !ok {
		return fmt.Errorf("%w: %s: no connector", models.ErrConnectorApply, action.System)
	}
	err := w.call(ctx, action.System, "apply", func(callCtx context.Context) error {
		return c.Apply(callCtx, personID, action)
	})
	if w.o.Metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		w.o.Metrics.IncAction(action.System, string(action.Op), result)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrConnectorApply, action, err)
	}
	return nil
}

// call runs fn with a per-attempt timeout, retrying failures with exponential
// backoff until the retry budget is spent.
func (w *worker) call(ctx context.Context, system, op string, fn func(context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "connector."+op, trace.WithAttributes(
		attribute.String("connector.system", system),
	))
	started := time.Now()
	var err error
	for attempt := 1; attempt <= w.opts.Retry.Attempts; attempt++ {
		if attempt > 1 {
			w.o.pause(w.opts.Retry.backoff(attempt - 1))
		}
		callCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			break
		}
		w.log.Warn("connector call failed",
			"system", system, "op", op, "attempt", attempt, "error", err)
	}
	span.SetAttributes(attribute.String("connector.op", op))
	if w.o.Metrics != nil {
		w.o.Metrics.ObserveConnectorCall(system, op, time.Since(started))
	}
	telemetry.End(span, err)
	return err
}

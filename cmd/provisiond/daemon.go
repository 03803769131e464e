package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"idsync/pkg/config"
	"idsync/pkg/models"
	"idsync/pkg/policystore"
	"idsync/pkg/reconcile"
	"idsync/pkg/stream"
)

type batchSource interface {
	Batch(ctx context.Context) ([]models.Person, error)
	Commit(ctx context.Context) error
	Close() error
}

// daemon reconciles roster batches one at a time. Offsets are committed once
// a batch's run has sealed; a batch whose run could not start is retried
// until it does, so a fixed policy (SIGHUP) or a released lock resumes it.
type daemon struct {
	src        batchSource
	holder     *policystore.Holder
	rt         *config.Runtime
	orch       *reconcile.Orchestrator
	mode       models.Mode
	policyPath string
	retryDelay time.Duration
	reload     <-chan os.Signal
}

func (d *daemon) loop(ctx context.Context) {
	for ctx.Err() == nil {
		d.drainReload()
		if err := d.cycle(ctx); err != nil && ctx.Err() == nil {
			log.Printf("cycle: %v", err)
			d.wait(ctx)
		}
	}
}

func (d *daemon) cycle(ctx context.Context) error {
	batch, err := d.src.Batch(ctx)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return d.src.Commit(context.WithoutCancel(ctx))
	}
	for {
		d.drainReload()
		rec, err := d.runOnce(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("run not started, retrying %d person(s) in %s: %v", len(batch), d.retryDelay, err)
			if !d.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		if rec.Summary.Cancelled {
			// Unprocessed persons are replayed after restart.
			return ctx.Err()
		}
		d.rt.Metrics.SetGauge("last_run_failed_persons", float64(rec.Summary.Failed))
		d.rt.Metrics.SetGauge("last_run_completed_unix", float64(time.Now().Unix()))
		return d.src.Commit(context.WithoutCancel(ctx))
	}
}

func (d *daemon) runOnce(ctx context.Context, batch []models.Person) (models.RunRecord, error) {
	policy := d.holder.Load()
	if err := d.rt.EnsureSystems(policy.Systems()); err != nil {
		return models.RunRecord{}, err
	}
	run, err := d.orch.StartRun(ctx, batch, d.mode, policy)
	if err != nil {
		return models.RunRecord{}, err
	}
	rec, err := run.Wait(context.WithoutCancel(ctx))
	if err != nil {
		// Seal failures are counted by the orchestrator; the outcomes stand.
		log.Printf("run %s: %v", run.ID(), err)
	}
	return rec, nil
}

// drainReload applies a pending SIGHUP between runs, so a run never sees two
// policies.
func (d *daemon) drainReload() {
	select {
	case <-d.reload:
		d.reloadPolicy()
	default:
	}
}

func (d *daemon) reloadPolicy() {
	s, err := d.holder.ReloadFile(d.policyPath)
	if err != nil {
		log.Printf("policy reload failed, keeping %s@%s: %v", d.holder.Load().ID(), d.holder.Load().Version(), err)
		return
	}
	log.Printf("policy reloaded: %s@%s", s.ID(), s.Version())
}

func (d *daemon) wait(ctx context.Context) bool {
	t := time.NewTimer(d.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func logEvents(events <-chan stream.Event) {
	for evt := range events {
		switch evt.Type {
		case stream.RunStarted, stream.RunSealed:
			log.Printf("%s run=%s %s", evt.Type, evt.RunID, evt.Data)
		case stream.PersonOutcome:
			var o models.Outcome
			if err := json.Unmarshal(evt.Data, &o); err == nil && o.Status == models.OutcomeFailed {
				log.Printf("%s run=%s person=%s reason=%s", evt.Type, evt.RunID, o.PersonID, o.Reason)
			}
		}
	}
}

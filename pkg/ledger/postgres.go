package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"idsync/pkg/models"
	"idsync/pkg/runfsm"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores runs in the runs and run_outcomes tables. *pgxpool.Pool
// satisfies DB.
type Postgres struct {
	DB       ledgerDB
	Redactor *Redactor
}

func NewPostgres(db ledgerDB, redactor *Redactor) *Postgres {
	return &Postgres{DB: db, Redactor: redactor}
}

func (p *Postgres) Create(ctx context.Context, rec models.RunRecord) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO runs (run_id, mode, state, actor, policy_version, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, string(rec.Mode), rec.State, rec.Actor, rec.PolicyVersion, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) Advance(ctx context.Context, runID, from, to string) error {
	if !runfsm.CanTransition(from, to) {
		return runfsm.ErrInvalidTransition
	}
	tag, err := p.DB.Exec(ctx, `UPDATE runs SET state=$3 WHERE run_id=$1 AND state=$2`, runID, from, to)
	if err != nil {
		return fmt.Errorf("advance run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMiss(ctx, runID)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, runID string, o models.Outcome) error {
	o = p.Redactor.Outcome(o)
	actions, err := json.Marshal(nonNilActions(o.Actions))
	if err != nil {
		return err
	}
	tag, err := p.DB.Exec(ctx, `
		INSERT INTO run_outcomes
		(run_id, seq, person_id, email, status, reason, actions, partial_actions_applied, error, desired_hash, plan_hash, terminated, access_cleared, started_at, finished_at)
		SELECT $1::text, $2::int, $3::text, $4::text, $5::text, $6::text, $7::jsonb, $8::int, $9::text, $10::text, $11::text, $12::boolean, $13::boolean, $14::timestamptz, $15::timestamptz
		WHERE EXISTS (SELECT 1 FROM runs WHERE run_id=$1 AND state NOT IN ('COMPLETED','ABORTED'))
	`, runID, o.Seq, o.PersonID, o.Email, string(o.Status), o.Reason, actions, o.PartialActionsApplied,
		o.Error, o.DesiredHash, o.PlanHash, o.Terminated, o.AccessCleared, o.StartedAt, o.FinishedAt)
	if err != nil {
		return fmt.Errorf("append outcome %s/%d: %w", runID, o.Seq, err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMiss(ctx, runID)
	}
	return nil
}

func (p *Postgres) Seal(ctx context.Context, runID string, final Final) error {
	from := sealableFrom(final.State)
	if len(from) == 0 {
		return fmt.Errorf("seal run %s as %q: %w", runID, final.State, runfsm.ErrInvalidTransition)
	}
	summary, err := json.Marshal(final.Summary)
	if err != nil {
		return err
	}
	tag, err := p.DB.Exec(ctx, `
		UPDATE runs SET state=$2, ended_at=$3, summary=$4, abort_reason=$5
		WHERE run_id=$1 AND state = ANY($6)
	`, runID, final.State, final.EndedAt, summary, final.AbortReason, from)
	if err != nil {
		return fmt.Errorf("seal run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMiss(ctx, runID)
	}
	return nil
}

func sealableFrom(to string) []string {
	if !runfsm.IsTerminal(to) {
		return nil
	}
	var out []string
	for _, s := range []string{runfsm.Initialized, runfsm.InProgress} {
		if runfsm.CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// explainMiss turns a guarded write that touched no rows into the matching error.
func (p *Postgres) explainMiss(ctx context.Context, runID string) error {
	var state string
	err := p.DB.QueryRow(ctx, `SELECT state FROM runs WHERE run_id=$1`, runID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	case err != nil:
		return fmt.Errorf("lookup run %s: %w", runID, err)
	case runfsm.IsTerminal(state):
		return fmt.Errorf("%w: %s", models.ErrRunSealed, runID)
	default:
		return fmt.Errorf("run %s is %s: %w", runID, state, runfsm.ErrInvalidTransition)
	}
}

const runColumns = `run_id, mode, state, actor, policy_version, started_at, ended_at, summary, abort_reason`

func scanRun(row pgx.Row) (models.RunRecord, error) {
	var (
		rec     models.RunRecord
		mode    string
		summary []byte
	)
	if err := row.Scan(&rec.ID, &mode, &rec.State, &rec.Actor, &rec.PolicyVersion, &rec.StartedAt, &rec.EndedAt, &summary, &rec.AbortReason); err != nil {
		return rec, err
	}
	rec.Mode = models.Mode(mode)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &rec.Summary); err != nil {
			return rec, fmt.Errorf("decode summary of run %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (p *Postgres) Get(ctx context.Context, runID string) (models.RunRecord, error) {
	rec, err := scanRun(p.DB.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=$1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunRecord{}, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}
	if err != nil {
		return models.RunRecord{}, err
	}
	rows, err := p.DB.Query(ctx, `
		SELECT seq, person_id, email, status, reason, actions, partial_actions_applied, error, desired_hash, plan_hash, terminated, access_cleared, started_at, finished_at
		FROM run_outcomes WHERE run_id=$1 ORDER BY seq
	`, runID)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("load outcomes of run %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o       models.Outcome
			status  string
			actions []byte
		)
		if err := rows.Scan(&o.Seq, &o.PersonID, &o.Email, &status, &o.Reason, &actions, &o.PartialActionsApplied,
			&o.Error, &o.DesiredHash, &o.PlanHash, &o.Terminated, &o.AccessCleared, &o.StartedAt, &o.FinishedAt); err != nil {
			return models.RunRecord{}, err
		}
		o.Status = models.OutcomeStatus(status)
		if err := json.Unmarshal(actions, &o.Actions); err != nil {
			return models.RunRecord{}, fmt.Errorf("decode actions of run %s seq %d: %w", runID, o.Seq, err)
		}
		rec.Outcomes = append(rec.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return models.RunRecord{}, err
	}
	return rec, nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]models.RunRecord, error) {
	rows, err := p.DB.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nonNilActions(a []models.Action) []models.Action {
	if a == nil {
		return []models.Action{}
	}
	return a
}

var _ Ledger = (*Postgres)(nil)
var _ Ledger = (*Memory)(nil)

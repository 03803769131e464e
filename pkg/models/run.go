package models

import "time"

type Mode string

const (
	DryRun Mode = "DRY_RUN"
	Live   Mode = "LIVE"
)

func (m Mode) Valid() bool { return m == DryRun || m == Live }

type OutcomeStatus string

const (
	OutcomeSkipped OutcomeStatus = "SKIPPED"
	OutcomeApplied OutcomeStatus = "APPLIED"
	OutcomeFailed  OutcomeStatus = "FAILED"
)

const (
	ReasonNoChange            = "NO_CHANGE"
	ReasonDryRun              = "DRY_RUN"
	ReasonCancelled           = "CANCELLED"
	ReasonInvalidInput        = "INVALID_INPUT"
	ReasonConnectorReadError  = "CONNECTOR_READ_ERROR"
	ReasonConnectorApplyError = "CONNECTOR_APPLY_ERROR"
)

// Outcome is the per-person entry of a run record.
type Outcome struct {
	Seq                   int           `json:"seq"`
	PersonID              string        `json:"person_id"`
	Email                 string        `json:"email,omitempty"`
	Actions               []Action      `json:"actions"`
	Status                OutcomeStatus `json:"status"`
	Reason                string        `json:"reason,omitempty"`
	PartialActionsApplied int           `json:"partial_actions_applied,omitempty"`
	Error                 string        `json:"error,omitempty"`
	DesiredHash           string        `json:"desired_hash,omitempty"`
	PlanHash              string        `json:"plan_hash,omitempty"`
	Terminated            bool          `json:"terminated,omitempty"`
	AccessCleared         bool          `json:"access_cleared,omitempty"`
	StartedAt             time.Time     `json:"started_at"`
	FinishedAt            time.Time     `json:"finished_at"`
}

type Summary struct {
	Total               int  `json:"total"`
	Applied             int  `json:"applied"`
	Skipped             int  `json:"skipped"`
	Failed              int  `json:"failed"`
	ActionsPlanned      int  `json:"actions_planned"`
	ActionsApplied      int  `json:"actions_applied"`
	AccessCleared       int  `json:"access_cleared"`
	TerminatedProcessed int  `json:"terminated_processed"`
	LedgerErrors        int  `json:"ledger_errors,omitempty"`
	Cancelled           bool `json:"cancelled,omitempty"`
}

// Summarize tallies outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeApplied:
			s.Applied++
			s.ActionsApplied += len(o.Actions)
		case OutcomeSkipped:
			s.Skipped++
			if o.Reason == ReasonCancelled {
				s.Cancelled = true
			}
		case OutcomeFailed:
			s.Failed++
			s.ActionsApplied += o.PartialActionsApplied
		}
		s.ActionsPlanned += len(o.Actions)
		if o.Terminated {
			s.TerminatedProcessed++
		}
		if o.AccessCleared {
			s.AccessCleared++
		}
	}
	return s
}

// RunRecord is the audit entry of one batch execution.
type RunRecord struct {
	ID            string     `json:"id"`
	Mode          Mode       `json:"mode"`
	State         string     `json:"state"`
	Actor         string     `json:"actor"`
	PolicyVersion string     `json:"policy_version"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Outcomes      []Outcome  `json:"outcomes"`
	Summary       Summary    `json:"summary"`
	AbortReason   string     `json:"abort_reason,omitempty"`
}

// Clone deep-copies the record so callers cannot reach shared slices.
func (r RunRecord) Clone() RunRecord {
	cp := r
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	cp.Outcomes = make([]Outcome, len(r.Outcomes))
	for i, o := range r.Outcomes {
		o.Actions = append([]Action(nil), o.Actions...)
		cp.Outcomes[i] = o
	}
	return cp
}

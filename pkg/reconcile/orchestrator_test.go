package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"idsync/pkg/connector"
	"idsync/pkg/ledger"
	"idsync/pkg/metrics"
	"idsync/pkg/models"
	"idsync/pkg/policyir"
	"idsync/pkg/policystore"
	"idsync/pkg/runfsm"
	"idsync/pkg/store"
	"idsync/pkg/stream"
)

func frag(pairs ...string) policyir.Fragment {
	out := models.NewEntitlementSet()
	for i := 0; i+1 < len(pairs); i += 2 {
		out.Add(pairs[i], pairs[i+1])
	}
	return out
}

func corpPolicy(t *testing.T) *policystore.Store {
	t.Helper()
	s, err := policystore.New(&policyir.PolicySetIR{
		ID:      "corp",
		Version: "v1",
		Systems: policyir.DefaultSystems(),
		Roles: map[string]policyir.Fragment{
			"Engineering": frag("google", "engineering@example.com", "github", "backend"),
			"Sales":       frag("google", "sales@example.com"),
		},
		Rules: []policyir.AttributeRule{
			{Name: "eu-gdpr", When: policyir.Eq{Field: policyir.FieldLocation, Value: "EU"}, Grant: frag("google", "gdpr-training@example.com")},
		},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return s
}

// countingConnector counts every Apply invocation, failed ones included.
type countingConnector struct {
	connector.Connector
	applies atomic.Int64
}

func (c *countingConnector) Apply(ctx context.Context, personID string, action models.Action) error {
	c.applies.Add(1)
	return c.Connector.Apply(ctx, personID, action)
}

type fixture struct {
	orch   *Orchestrator
	ledger *ledger.Memory
	google *connector.Memory
	github *connector.Memory
	gCount *countingConnector
	hCount *countingConnector
	sleeps []time.Duration
	mu     sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.NewMemory(),
		google: connector.NewMemory("google"),
		github: connector.NewMemory("github"),
	}
	f.gCount = &countingConnector{Connector: f.google}
	f.hCount = &countingConnector{Connector: f.github}
	reg, err := connector.NewRegistry(f.gCount, f.hCount)
	if err != nil {
		t.Fatal(err)
	}
	f.orch = &Orchestrator{
		Connectors: reg,
		Ledger:     f.ledger,
		Options: Options{
			Workers:     3,
			CallTimeout: time.Second,
			Retry:       RetryPolicy{Attempts: 1},
			Actor:       "test",
		},
		sleep: func(d time.Duration) {
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
		},
	}
	return f
}

func engineer(id string) models.Person {
	return models.Person{ID: id, Email: id + "@example.com", Department: "Engineering", Location: "EU", EmploymentType: models.Employee, Status: models.Active}
}

func waitRun(t *testing.T, run *Run) models.RunRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return rec
}

func TestBatchWithMalformedPersonCompletes(t *testing.T) {
	f := newFixture(t)
	batch := []models.Person{
		engineer("p1"),
		{ID: "p2", Department: "Sales", Location: "US", EmploymentType: models.Employee, Status: models.Active},
		{ID: "p3", Department: " Engineering\x00", Location: "EU", EmploymentType: models.Employee, Status: models.Active},
		engineer("p4"),
	}
	run, err := f.orch.StartRun(context.Background(), batch, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitRun(t, run)

	if rec.State != runfsm.Completed {
		t.Fatalf("expected COMPLETED, got %s", rec.State)
	}
	if len(rec.Outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(rec.Outcomes))
	}
	for i, o := range rec.Outcomes {
		if o.Seq != i {
			t.Fatalf("outcomes not in batch order: %+v", rec.Outcomes)
		}
	}
	bad := rec.Outcomes[2]
	if bad.Status != models.OutcomeFailed || bad.Reason != models.ReasonInvalidInput || bad.Error == "" {
		t.Fatalf("unexpected outcome for malformed person: %+v", bad)
	}
	if rec.Summary.Applied != 3 || rec.Summary.Failed != 1 || rec.Summary.Total != 4 {
		t.Fatalf("unexpected summary: %+v", rec.Summary)
	}
	if !f.google.Snapshot("p1").Has("gdpr-training@example.com") || !f.github.Snapshot("p4").Has("backend") {
		t.Fatal("live run did not converge target state")
	}

	stored, err := f.ledger.Get(context.Background(), run.ID())
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != runfsm.Completed || stored.EndedAt == nil || len(stored.Outcomes) != 4 || stored.Summary != rec.Summary {
		t.Fatalf("ledger disagrees with handle: %+v", stored)
	}
	if stored.PolicyVersion != "corp@v1" || stored.Actor != "test" {
		t.Fatalf("unexpected header: %+v", stored)
	}
}

func TestDryRunNeverApplies(t *testing.T) {
	f := newFixture(t)
	f.google.Seed("p2", "stale@example.com")
	batch := []models.Person{engineer("p1"), engineer("p2"), {ID: "p3", Department: "Sales", Status: models.Terminated}}
	run, err := f.orch.StartRun(context.Background(), batch, models.DryRun, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRun(t, run)
	if n := f.gCount.applies.Load() + f.hCount.applies.Load(); n != 0 {
		t.Fatalf("dry run called apply %d times", n)
	}
	for _, o := range rec.Outcomes[:2] {
		if o.Status != models.OutcomeSkipped || o.Reason != models.ReasonDryRun || len(o.Actions) == 0 {
			t.Fatalf("unexpected dry-run outcome: %+v", o)
		}
	}
	last := rec.Outcomes[1].Actions[len(rec.Outcomes[1].Actions)-1]
	if last != models.RemoveAction("google", "stale@example.com") {
		t.Fatalf("removals should be planned last, got %v", rec.Outcomes[1].Actions)
	}
	if o := rec.Outcomes[2]; o.Reason != models.ReasonNoChange || !o.Terminated {
		t.Fatalf("terminated person without access should be NO_CHANGE: %+v", o)
	}
	if f.google.Snapshot("p2").Has("engineering@example.com") {
		t.Fatal("dry run changed target state")
	}
}

func TestApplyFailureStopsRemainingActions(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.google.ApplyHook = func(personID string, action models.Action) error {
		calls++
		if action.Resource == "engineering@example.com" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRun(t, run)
	o := rec.Outcomes[0]
	// plan: ADD github:backend, ADD google:engineering@, ADD google:gdpr-training@
	if len(o.Actions) != 3 {
		t.Fatalf("expected 3 planned actions, got %v", o.Actions)
	}
	if o.Status != models.OutcomeFailed || o.Reason != models.ReasonConnectorApplyError || o.PartialActionsApplied != 1 {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if calls != 1 || f.hCount.applies.Load() != 1 || f.gCount.applies.Load() != 1 {
		t.Fatalf("third action must not be attempted: google=%d github=%d", f.gCount.applies.Load(), f.hCount.applies.Load())
	}
	if f.google.Snapshot("p1").Has("gdpr-training@example.com") {
		t.Fatal("action after the failure was applied")
	}
	if rec.State != runfsm.Completed || rec.Summary.ActionsApplied != 1 {
		t.Fatalf("unexpected run: state=%s summary=%+v", rec.State, rec.Summary)
	}
}

func TestConnectorRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.orch.Options.Retry = RetryPolicy{Attempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	var reads atomic.Int64
	f.github.ReadHook = func(string) error {
		if reads.Add(1) <= 2 {
			return errors.New("502 bad gateway")
		}
		return nil
	}
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRun(t, run)
	if rec.Outcomes[0].Status != models.OutcomeApplied {
		t.Fatalf("transient read failures should be retried: %+v", rec.Outcomes[0])
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != 10*time.Millisecond || f.sleeps[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", f.sleeps)
	}
}

func TestReadFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.orch.Options.Retry = RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}
	f.google.ReadHook = func(personID string) error {
		if personID == "p2" {
			return errors.New("connection reset")
		}
		return nil
	}
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1"), engineer("p2"), engineer("p3")}, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRun(t, run)
	if o := rec.Outcomes[1]; o.Status != models.OutcomeFailed || o.Reason != models.ReasonConnectorReadError || len(o.Actions) != 0 {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if rec.Summary.Applied != 2 || rec.State != runfsm.Completed {
		t.Fatalf("other persons should still be applied: %+v", rec.Summary)
	}
}

func TestConnectorTimeoutIsPersonFailure(t *testing.T) {
	f := newFixture(t)
	f.orch.Options.CallTimeout = 20 * time.Millisecond
	slow := &slowConnector{Connector: f.github, delay: time.Second}
	reg, _ := connector.NewRegistry(f.google, slow)
	f.orch.Connectors = reg
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.DryRun, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRun(t, run)
	o := rec.Outcomes[0]
	if o.Reason != models.ReasonConnectorReadError || rec.State != runfsm.Completed {
		t.Fatalf("timeout should fail only the person: %+v", o)
	}
}

type slowConnector struct {
	connector.Connector
	delay time.Duration
}

func (s *slowConnector) Read(ctx context.Context, personID string) (models.ResourceSet, error) {
	select {
	case <-time.After(s.delay):
		return s.Connector.Read(ctx, personID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAbortOnMissingConnector(t *testing.T) {
	f := newFixture(t)
	reg, _ := connector.NewRegistry(f.google)
	f.orch.Connectors = reg
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.Live, corpPolicy(t))
	if run != nil {
		t.Fatal("aborted run must not return a handle")
	}
	if !errors.Is(err, models.ErrRunAborted) || !models.IsConfigurationError(err) {
		t.Fatalf("expected aborted configuration error, got %v", err)
	}
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("expected *AbortError, got %T", err)
	}
	rec, err := f.ledger.Get(context.Background(), abortErr.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != runfsm.Aborted || rec.AbortReason == "" || len(rec.Outcomes) != 0 || rec.Summary.Total != 1 {
		t.Fatalf("unexpected aborted record: %+v", rec)
	}
	if f.google.Reads() != 0 {
		t.Fatal("no person may be processed before validation passes")
	}
}

func TestAbortOnMissingPolicyAndBadMode(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.StartRun(context.Background(), nil, models.Live, nil); !errors.Is(err, models.ErrRunAborted) {
		t.Fatalf("expected abort, got %v", err)
	}
	if _, err := f.orch.StartRun(context.Background(), nil, models.Mode("LATER"), corpPolicy(t)); !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	runs, _ := f.ledger.List(context.Background(), 10)
	if len(runs) != 1 || runs[0].State != runfsm.Aborted {
		t.Fatalf("bad mode must not create a record: %+v", runs)
	}
}

func TestLiveRunLock(t *testing.T) {
	f := newFixture(t)
	cache := store.NewMemoryCache()
	f.orch.Lock = cache
	lock := store.Lock{Cache: cache, Key: LiveRunLockKey, TTL: time.Minute}
	if err := lock.Acquire(context.Background(), "other-run"); err != nil {
		t.Fatal(err)
	}
	_, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.Live, corpPolicy(t))
	if !errors.Is(err, models.ErrRunInProgress) || !errors.Is(err, models.ErrRunAborted) {
		t.Fatalf("expected in-progress abort, got %v", err)
	}

	// Dry runs do not take the lock.
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.DryRun, corpPolicy(t))
	if err != nil {
		t.Fatalf("dry run blocked by lock: %v", err)
	}
	waitRun(t, run)

	_ = lock.Release(context.Background(), "other-run")
	run, err = f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, run)
	if holder, _ := lock.Holder(context.Background()); holder != "" {
		t.Fatalf("lock not released after seal, held by %q", holder)
	}
}

func TestCancelSkipsUnscheduledPersons(t *testing.T) {
	f := newFixture(t)
	f.orch.Options.Workers = 1
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.github.ApplyHook = func(string, models.Action) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	batch := []models.Person{engineer("p1"), engineer("p2"), engineer("p3")}
	run, err := f.orch.StartRun(context.Background(), batch, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	<-entered
	run.Cancel()
	close(release)
	rec := waitRun(t, run)

	if rec.State != runfsm.Completed || !rec.Summary.Cancelled {
		t.Fatalf("cancelled run should still complete: %s %+v", rec.State, rec.Summary)
	}
	if o := rec.Outcomes[0]; o.Status != models.OutcomeApplied {
		t.Fatalf("in-flight person should finish: %+v", o)
	}
	for _, o := range rec.Outcomes[1:] {
		if o.Status != models.OutcomeSkipped || o.Reason != models.ReasonCancelled {
			t.Fatalf("unscheduled person should be cancelled: %+v", o)
		}
	}
	if len(f.google.Snapshot("p2")) != 0 {
		t.Fatal("cancelled person was provisioned")
	}
}

func TestLiveRunConvergesAndClearsTerminated(t *testing.T) {
	f := newFixture(t)
	f.google.Seed("gone", "engineering@example.com", "sales@example.com")
	f.github.Seed("gone", "backend")
	batch := []models.Person{
		engineer("p1"),
		{ID: "gone", Department: "Engineering", Location: "EU", EmploymentType: models.Employee, Status: models.Terminated},
		{ID: "c1", Department: "Engineering", Location: "EU", EmploymentType: models.Contractor, Status: models.Active},
	}
	run, err := f.orch.StartRun(context.Background(), batch, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRun(t, run)
	if o := rec.Outcomes[1]; o.Status != models.OutcomeApplied || !o.AccessCleared || len(o.Actions) != 3 {
		t.Fatalf("terminated person should lose all access: %+v", o)
	}
	if o := rec.Outcomes[1]; o.PlanHash != models.PlanHash(o.Actions) {
		t.Fatalf("outcome should carry the hash of its plan: %+v", o)
	}
	if o := rec.Outcomes[2]; o.PlanHash != "" {
		t.Fatalf("empty plans carry no hash: %+v", o)
	}
	if rec.Summary.AccessCleared != 1 || rec.Summary.TerminatedProcessed != 1 {
		t.Fatalf("unexpected summary: %+v", rec.Summary)
	}
	if o := rec.Outcomes[2]; o.Reason != models.ReasonNoChange {
		t.Fatalf("contractor with empty whitelist gets nothing: %+v", o)
	}

	again, err := f.orch.StartRun(context.Background(), batch, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range waitRun(t, again).Outcomes {
		if o.Reason != models.ReasonNoChange {
			t.Fatalf("second run should be a no-op: %+v", o)
		}
	}
}

type flakyLedger struct {
	*ledger.Memory
}

func (flakyLedger) Append(context.Context, string, models.Outcome) error {
	return errors.New("disk full")
}

func TestLedgerAppendErrorsAreCounted(t *testing.T) {
	f := newFixture(t)
	f.orch.Ledger = flakyLedger{Memory: f.ledger}
	reg := metrics.NewRegistry()
	f.orch.Metrics = reg
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1"), engineer("p2")}, models.DryRun, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := waitRun(t, run)
	if rec.Summary.LedgerErrors != 2 || len(rec.Outcomes) != 2 {
		t.Fatalf("append failures must be counted, not lost: %+v", rec.Summary)
	}
	stored, _ := f.ledger.Get(context.Background(), run.ID())
	if stored.State != runfsm.Completed || stored.Summary.LedgerErrors != 2 {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
	if reg.Snapshot().LedgerErrors != 2 {
		t.Fatalf("metrics missed ledger errors: %+v", reg.Snapshot())
	}
}

func TestEventsAndMetrics(t *testing.T) {
	f := newFixture(t)
	hub := stream.NewHub()
	events := hub.Subscribe(16)
	reg := metrics.NewRegistry()
	f.orch.Events = hub
	f.orch.Metrics = reg
	f.orch.Redactor = ledger.NewRedactor("salt")

	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1"), {ID: "bad"}}, models.Live, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, run)

	var types []string
	for len(types) < 4 {
		select {
		case evt := <-events:
			if evt.RunID != run.ID() {
				t.Fatalf("event for wrong run: %+v", evt)
			}
			if evt.Type == stream.PersonOutcome && (containsID(evt.Data, "p1") || containsID(evt.Data, "bad")) {
				t.Fatalf("person ids must be redacted in events: %s", evt.Data)
			}
			types = append(types, evt.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	if types[0] != stream.RunStarted || types[3] != stream.RunSealed {
		t.Fatalf("unexpected event order: %v", types)
	}

	snap := reg.Snapshot()
	if snap.Runs["LIVE|COMPLETED"] != 1 || snap.Outcomes["APPLIED|NONE"] != 1 || snap.Outcomes["FAILED|INVALID_INPUT"] != 1 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
	if snap.Actions["google|ADD|ok"] != 2 || len(snap.ConnectorCalls) == 0 {
		t.Fatalf("unexpected action metrics: %+v", snap.Actions)
	}
}

func containsID(data []byte, id string) bool {
	return strings.Contains(string(data), `"person_id":"`+id+`"`)
}

func TestReview(t *testing.T) {
	f := newFixture(t)
	policy := corpPolicy(t)
	f.google.Seed("p1", "engineering@example.com", "gdpr-training@example.com")
	f.github.Seed("p1", "backend")
	review, err := f.orch.Review(context.Background(), engineer("p1"), policy)
	if err != nil {
		t.Fatal(err)
	}
	if review.Verdict != Compliant || len(review.Plan) != 0 {
		t.Fatalf("expected compliant review: %+v", review)
	}

	f.github.Seed("p1", "backend", "admins")
	review, err = f.orch.Review(context.Background(), engineer("p1"), policy)
	if err != nil {
		t.Fatal(err)
	}
	if review.Verdict != NeedsChanges || len(review.Plan) != 1 || review.Plan[0] != models.RemoveAction("github", "admins") {
		t.Fatalf("expected removal of admins: %+v", review)
	}
	if f.hCount.applies.Load() != 0 {
		t.Fatal("review must not apply")
	}
	if _, err := f.orch.Review(context.Background(), models.Person{ID: "x"}, policy); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.google.ReadHook = func(string) error { <-release; return nil }
	run, err := f.orch.StartRun(context.Background(), []models.Person{engineer("p1")}, models.DryRun, corpPolicy(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	snap, err := run.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || snap.State != runfsm.InProgress {
		t.Fatalf("expected in-progress snapshot and deadline error, got %s %v", snap.State, err)
	}
	close(release)
	<-run.Done()
}

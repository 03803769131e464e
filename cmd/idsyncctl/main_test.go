package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"idsync/pkg/config"
	"idsync/pkg/entitlement"
	"idsync/pkg/ledger"
	"idsync/pkg/models"
	"idsync/pkg/reconcile"
)

const testPolicy = `
policyset: corp
version: v1
roles:
  Engineering:
    google: {groups: [engineering@example.com]}
    github: {teams: [backend]}
  Sales:
    google: {groups: [sales@example.com]}
rules:
  - name: eu-gdpr
    when: location == "EU"
    grant:
      google: {groups: [gdpr-training@example.com]}
`

const testPolicyV2 = `
policyset: corp
version: v2
roles:
  Engineering:
    google: {groups: [engineering@example.com]}
    github: {teams: [backend, platform]}
  Sales:
    google: {groups: [sales@example.com]}
`

const testRoster = `[
  {"id": "p1", "email": "ada@example.com", "department": "Engineering", "location": "EU", "employment_type": "Employee", "status": "Active"},
  {"id": "p2", "email": "bob@example.com", "department": "Sales", "location": "US", "employment_type": "Employee", "status": "Active"},
  {"id": "p3", "department": "Engineering", "location": "US", "employment_type": "Employee", "status": "Terminated"}
]`

type fixture struct {
	dir    string
	policy string
	roster string
}

func newFixture(t *testing.T, people string) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		policy: filepath.Join(dir, "policy.yaml"),
		roster: filepath.Join(dir, "people.json"),
	}
	writeFile(t, f.policy, testPolicy)
	writeFile(t, f.roster, people)

	origLoad, origOpen, origStderr := loadConfig, openRuntime, stderr
	t.Cleanup(func() { loadConfig, openRuntime, stderr = origLoad, origOpen, origStderr })
	loadConfig = func() (config.Config, error) {
		cfg, err := config.Load(func(string) string { return "" })
		cfg.PolicyFile = f.policy
		cfg.CallTimeout = time.Second
		return cfg, err
	}
	stderr = io.Discard
	return f
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out); err == nil {
		t.Fatal("expected error without command")
	}
	if !strings.Contains(out.String(), "idsyncctl commands") {
		t.Fatalf("expected usage, got %q", out.String())
	}
	out.Reset()
	if err := run(context.Background(), []string{"--help"}, &out); err != nil {
		t.Fatalf("help: %v", err)
	}
	newFixture(t, testRoster)
	if err := run(context.Background(), []string{"frobnicate"}, &out); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestPlanPrintsDryRun(t *testing.T) {
	f := newFixture(t, testRoster)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"plan", "--roster", f.roster}, &out); err != nil {
		t.Fatalf("plan: %v", err)
	}
	text := out.String()
	for _, want := range []string{"COMPLETED", "DRY_RUN", "corp@v1", "ADD google:gdpr-training@example.com", "NO_CHANGE", "total=3"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestPlanJSONAndFailures(t *testing.T) {
	people := `[
  {"id": "p1", "department": "Engineering", "location": "EU", "employment_type": "Employee", "status": "Active"},
  {"id": "p2", "department": "Eng\u0000", "location": "EU", "employment_type": "Employee", "status": "Active"}
]`
	f := newFixture(t, people)
	var out bytes.Buffer
	err := run(context.Background(), []string{"plan", "--roster", f.roster, "--json"}, &out)
	if err == nil || !strings.Contains(err.Error(), "1 person(s) failed") {
		t.Fatalf("expected failure count error, got %v", err)
	}
	var rec models.RunRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if rec.State != "COMPLETED" || rec.Summary.Failed != 1 || rec.Outcomes[1].Reason != models.ReasonInvalidInput {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestApplyNeedsConfirmation(t *testing.T) {
	f := newFixture(t, testRoster)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"apply", "--roster", f.roster}, &out); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	if err := run(context.Background(), []string{"apply", "--roster", f.roster, "--yes"}, &out); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(out.String(), "APPLIED") || !strings.Contains(out.String(), "applied=2") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestPlanMissingInputs(t *testing.T) {
	f := newFixture(t, testRoster)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"plan"}, &out); err == nil || !strings.Contains(err.Error(), "--roster") {
		t.Fatalf("expected roster error, got %v", err)
	}
	if err := run(context.Background(), []string{"plan", "--roster", f.roster, "--policy", f.policy + ".missing"}, &out); err == nil {
		t.Fatal("expected policy error")
	}
	if err := run(context.Background(), []string{"plan", "--bogus"}, &out); err == nil {
		t.Fatal("expected flag error")
	}
}

func TestPreview(t *testing.T) {
	f := newFixture(t, testRoster)
	proposed := filepath.Join(f.dir, "v2.yaml")
	writeFile(t, proposed, testPolicyV2)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"preview", "--new", proposed, "--roster", f.roster}, &out); err != nil {
		t.Fatalf("preview: %v", err)
	}
	var impact entitlement.Impact
	if err := json.Unmarshal(out.Bytes(), &impact); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// p1 loses the EU rule and gains a team; p2 is unchanged; p3 is terminated.
	if impact.FromVersion != "v1" || impact.ToVersion != "v2" || impact.UsersAffected != 1 || impact.Added != 1 || impact.Removed != 1 {
		t.Fatalf("unexpected impact: %+v", impact)
	}
	if err := run(context.Background(), []string{"preview", "--roster", f.roster}, &out); err == nil {
		t.Fatal("expected --new error")
	}
}

func TestReviewAndExplain(t *testing.T) {
	f := newFixture(t, testRoster)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"review", "--roster", f.roster, "--person", "p2"}, &out); err != nil {
		t.Fatalf("review: %v", err)
	}
	var rev reconcile.AccessReview
	if err := json.Unmarshal(out.Bytes(), &rev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rev.Verdict != reconcile.NeedsChanges || len(rev.Plan) != 1 {
		t.Fatalf("unexpected review: %+v", rev)
	}

	out.Reset()
	if err := run(context.Background(), []string{"explain", "--roster", f.roster, "--person", "p1"}, &out); err != nil {
		t.Fatalf("explain: %v", err)
	}
	var exp entitlement.Explanation
	if err := json.Unmarshal(out.Bytes(), &exp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if exp.Role != "Engineering" || len(exp.MatchedRules) != 1 || exp.MatchedRules[0] != "eu-gdpr" {
		t.Fatalf("unexpected explanation: %+v", exp)
	}

	for _, cmd := range []string{"review", "explain"} {
		if err := run(context.Background(), []string{cmd, "--roster", f.roster, "--person", "nobody"}, &out); err == nil {
			t.Fatalf("%s: expected unknown person error", cmd)
		}
		if err := run(context.Background(), []string{cmd, "--roster", f.roster}, &out); err == nil {
			t.Fatalf("%s: expected --person error", cmd)
		}
	}
}

func TestPolicyPrintsCanonical(t *testing.T) {
	f := newFixture(t, testRoster)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"policy"}, &out); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if !strings.Contains(out.String(), "policyset: corp") || !strings.Contains(out.String(), "eu-gdpr") {
		t.Fatalf("unexpected policy output:\n%s", out.String())
	}
	bad := filepath.Join(f.dir, "bad.yaml")
	writeFile(t, bad, "policyset: a\nroles:\n  Eng:\n    slack: {channels: [x]}\n")
	err := run(context.Background(), []string{"policy", "--policy", bad}, &out)
	if !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRuns(t *testing.T) {
	newFixture(t, testRoster)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"runs"}, &out); err == nil || !strings.Contains(err.Error(), "IDSYNC_LEDGER") {
		t.Fatalf("expected ledger error, got %v", err)
	}

	mem := ledger.NewMemory()
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := mem.Create(context.Background(), models.RunRecord{ID: "run-1", Mode: models.DryRun, State: "INITIALIZED", PolicyVersion: "corp@v1", StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	loadConfig = func() (config.Config, error) {
		return config.Config{Ledger: config.LedgerPostgres}, nil
	}
	openRuntime = func(ctx context.Context, cfg config.Config, systems []string) (*config.Runtime, error) {
		return &config.Runtime{Config: cfg, Ledger: mem}, nil
	}
	if err := run(context.Background(), []string{"runs", "--limit", "5"}, &out); err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out.String(), "run-1") || !strings.Contains(out.String(), "2024-03-01T09:00:00Z") {
		t.Fatalf("unexpected listing:\n%s", out.String())
	}
	out.Reset()
	if err := run(context.Background(), []string{"runs", "--id", "run-1"}, &out); err != nil {
		t.Fatalf("runs --id: %v", err)
	}
	if !strings.Contains(out.String(), `"policy_version": "corp@v1"`) {
		t.Fatalf("unexpected record:\n%s", out.String())
	}
	if err := run(context.Background(), []string{"runs", "--id", "missing"}, &out); err == nil {
		t.Fatal("expected not found")
	}
}

func TestMainExitsOnError(t *testing.T) {
	origExit, origArgs := osExit, os.Args
	defer func() { osExit, os.Args = origExit, origArgs }()
	code := 0
	osExit = func(c int) { code = c }
	os.Args = []string{"idsyncctl"}
	main()
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

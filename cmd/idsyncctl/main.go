package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"idsync/pkg/config"
	"idsync/pkg/entitlement"
	"idsync/pkg/models"
	"idsync/pkg/policydsl"
	"idsync/pkg/policystore"
	"idsync/pkg/roster"

	"github.com/spf13/pflag"
)

// Testable variables for main()
var (
	osExit                = os.Exit
	loadConfig            = config.FromEnv
	openRuntime           = config.Open
	stderr      io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage(out)
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := &cli{cfg: cfg, out: out}
	switch args[0] {
	case "plan":
		return c.runBatch(ctx, args[1:], models.DryRun)
	case "apply":
		return c.runBatch(ctx, args[1:], models.Live)
	case "preview":
		return c.preview(args[1:])
	case "review":
		return c.review(ctx, args[1:])
	case "explain":
		return c.explain(args[1:])
	case "policy":
		return c.policy(args[1:])
	case "runs":
		return c.runs(ctx, args[1:])
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "idsyncctl commands:")
	fmt.Fprintln(out, "  plan    --roster people.json [--policy policy.yaml] [--json]")
	fmt.Fprintln(out, "  apply   --roster people.json [--policy policy.yaml] --yes [--json]")
	fmt.Fprintln(out, "  preview --old current.yaml --new proposed.yaml --roster people.json")
	fmt.Fprintln(out, "  review  --roster people.json --person <id> [--policy policy.yaml]")
	fmt.Fprintln(out, "  explain --roster people.json --person <id> [--policy policy.yaml]")
	fmt.Fprintln(out, "  policy  [--policy policy.yaml]")
	fmt.Fprintln(out, "  runs    [--limit 20] [--id <run id>]")
}

type cli struct {
	cfg config.Config
	out io.Writer
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (c *cli) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func (c *cli) loadPolicy(path string) (*policystore.Store, error) {
	if path == "" {
		path = c.cfg.PolicyFile
	}
	return policystore.LoadFile(path)
}

func loadRoster(ctx context.Context, path string) ([]models.Person, error) {
	if path == "" {
		return nil, errors.New("--roster required")
	}
	return roster.JSONFile{Path: path}.Batch(ctx)
}

func findPerson(people []models.Person, id string) (models.Person, error) {
	for _, p := range people {
		if p.ID == id {
			return p, nil
		}
	}
	return models.Person{}, fmt.Errorf("person %q not in roster", id)
}

func (c *cli) runBatch(ctx context.Context, args []string, mode models.Mode) error {
	fs := newFlagSet(strings.ToLower(string(mode)))
	policyPath := fs.String("policy", "", "policy file (default $IDSYNC_POLICY_FILE)")
	rosterPath := fs.String("roster", "", "JSON array of persons")
	asJSON := fs.Bool("json", false, "print the run record as JSON")
	yes := fs.Bool("yes", false, "confirm a live run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if mode == models.Live && !*yes {
		return errors.New("apply changes target systems; pass --yes to confirm")
	}
	policy, err := c.loadPolicy(*policyPath)
	if err != nil {
		return err
	}
	people, err := loadRoster(ctx, *rosterPath)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, c.cfg, policy.Systems())
	if err != nil {
		return err
	}
	defer rt.Close()

	handle, err := rt.Orchestrator(c.logger()).StartRun(ctx, people, mode, policy)
	if err != nil {
		return err
	}
	rec, err := handle.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if *asJSON {
		if err := writeJSON(c.out, rec); err != nil {
			return err
		}
	} else {
		printRun(c.out, rec)
	}
	if rec.Summary.Failed > 0 {
		return fmt.Errorf("run %s: %d person(s) failed", rec.ID, rec.Summary.Failed)
	}
	return nil
}

func printRun(out io.Writer, rec models.RunRecord) {
	fmt.Fprintf(out, "run %s %s (%s, policy %s)\n", rec.ID, rec.State, rec.Mode, rec.PolicyVersion)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, o := range rec.Outcomes {
		actions := make([]string, len(o.Actions))
		for i, a := range o.Actions {
			actions[i] = a.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.PersonID, o.Status, o.Reason, strings.Join(actions, ", "))
	}
	_ = tw.Flush()
	s := rec.Summary
	fmt.Fprintf(out, "total=%d applied=%d skipped=%d failed=%d actions_planned=%d actions_applied=%d access_cleared=%d\n",
		s.Total, s.Applied, s.Skipped, s.Failed, s.ActionsPlanned, s.ActionsApplied, s.AccessCleared)
}

func (c *cli) preview(args []string) error {
	fs := newFlagSet("preview")
	oldPath := fs.String("old", "", "current policy file (default $IDSYNC_POLICY_FILE)")
	newPath := fs.String("new", "", "proposed policy file")
	rosterPath := fs.String("roster", "", "JSON array of persons")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *newPath == "" {
		return errors.New("--new required")
	}
	current, err := c.loadPolicy(*oldPath)
	if err != nil {
		return fmt.Errorf("current policy: %w", err)
	}
	proposed, err := policystore.LoadFile(*newPath)
	if err != nil {
		return fmt.Errorf("proposed policy: %w", err)
	}
	people, err := loadRoster(context.Background(), *rosterPath)
	if err != nil {
		return err
	}
	impact, err := entitlement.PreviewImpact(current, proposed, people)
	if err != nil {
		return err
	}
	return writeJSON(c.out, impact)
}

func (c *cli) review(ctx context.Context, args []string) error {
	fs := newFlagSet("review")
	policyPath := fs.String("policy", "", "policy file (default $IDSYNC_POLICY_FILE)")
	rosterPath := fs.String("roster", "", "JSON array of persons")
	personID := fs.String("person", "", "person id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *personID == "" {
		return errors.New("--person required")
	}
	policy, err := c.loadPolicy(*policyPath)
	if err != nil {
		return err
	}
	people, err := loadRoster(ctx, *rosterPath)
	if err != nil {
		return err
	}
	p, err := findPerson(people, *personID)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, c.cfg, policy.Systems())
	if err != nil {
		return err
	}
	defer rt.Close()
	rev, err := rt.Orchestrator(c.logger()).Review(ctx, p, policy)
	if err != nil {
		return err
	}
	return writeJSON(c.out, rev)
}

func (c *cli) explain(args []string) error {
	fs := newFlagSet("explain")
	policyPath := fs.String("policy", "", "policy file (default $IDSYNC_POLICY_FILE)")
	rosterPath := fs.String("roster", "", "JSON array of persons")
	personID := fs.String("person", "", "person id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *personID == "" {
		return errors.New("--person required")
	}
	policy, err := c.loadPolicy(*policyPath)
	if err != nil {
		return err
	}
	people, err := loadRoster(context.Background(), *rosterPath)
	if err != nil {
		return err
	}
	p, err := findPerson(people, *personID)
	if err != nil {
		return err
	}
	exp, err := entitlement.New(policy).Explain(p)
	if err != nil {
		return err
	}
	return writeJSON(c.out, exp)
}

// policy validates a policy file and prints it in canonical form.
func (c *cli) policy(args []string) error {
	fs := newFlagSet("policy")
	policyPath := fs.String("policy", "", "policy file (default $IDSYNC_POLICY_FILE)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := c.loadPolicy(*policyPath)
	if err != nil {
		return err
	}
	canon, err := policydsl.Marshal(store.IR())
	if err != nil {
		return err
	}
	_, err = c.out.Write(canon)
	return err
}

func (c *cli) runs(ctx context.Context, args []string) error {
	fs := newFlagSet("runs")
	limit := fs.Int("limit", 20, "number of runs to list")
	runID := fs.String("id", "", "show one run with its outcomes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.cfg.Ledger != config.LedgerPostgres {
		return errors.New("runs needs a persistent ledger; set IDSYNC_LEDGER=postgres")
	}
	rt, err := openRuntime(ctx, c.cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	if *runID != "" {
		rec, err := rt.Ledger.Get(ctx, *runID)
		if err != nil {
			return err
		}
		return writeJSON(c.out, rec)
	}
	recs, err := rt.Ledger.List(ctx, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tSTATE\tPOLICY\tSTARTED\tTOTAL\tFAILED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.Mode, r.State, r.PolicyVersion, r.StartedAt.Format("2006-01-02T15:04:05Z"), r.Summary.Total, r.Summary.Failed)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

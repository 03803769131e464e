package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"idsync/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/pflag"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "directory of *.sql migrations")
	status := fs.Bool("status", false, "list pending migrations without applying them")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	m := &migrator{db: pool, dir: *dir, logf: log.Printf}
	if *status {
		pending, err := m.pending(ctx)
		if err != nil {
			return err
		}
		for _, p := range pending {
			fmt.Fprintln(out, filepath.Base(p.path))
		}
		fmt.Fprintf(out, "%d pending\n", len(pending))
		return nil
	}
	return m.apply(ctx)
}

type migration struct {
	path     string
	sql      []byte
	checksum string
}

// migrator applies *.sql files in lexical order, each in its own transaction.
// Applied files are recorded with a checksum; editing one afterwards is an
// error instead of a silent no-op.
type migrator struct {
	db       migrationDB
	dir      string
	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	logf     func(format string, args ...any)
}

func (m *migrator) init(ctx context.Context) error {
	if m.db == nil {
		return errors.New("db required")
	}
	if m.readFile == nil {
		// #nosec G304 -- paths are checked by validateMigrationPath before reading.
		m.readFile = os.ReadFile
	}
	if m.glob == nil {
		m.glob = filepath.Glob
	}
	if m.logf == nil {
		m.logf = log.Printf
	}
	if _, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func (m *migrator) pending(ctx context.Context) ([]migration, error) {
	if err := m.init(ctx); err != nil {
		return nil, err
	}
	dir := filepath.Clean(m.dir)
	files, err := m.glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	var out []migration
	for _, file := range files {
		clean, err := validateMigrationPath(dir, file)
		if err != nil {
			return nil, fmt.Errorf("invalid migration path: %w", err)
		}
		body, err := m.readFile(clean)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", clean, err)
		}
		sum := sha256.Sum256(body)
		mig := migration{path: clean, sql: body, checksum: hex.EncodeToString(sum[:])}

		var recorded string
		err = m.db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, filepath.Base(clean)).Scan(&recorded)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			out = append(out, mig)
		case err != nil:
			return nil, fmt.Errorf("migration lookup %s: %w", filepath.Base(clean), err)
		case recorded != "" && recorded != mig.checksum:
			return nil, fmt.Errorf("migration %s changed after it was applied", filepath.Base(clean))
		}
	}
	return out, nil
}

func (m *migrator) apply(ctx context.Context) error {
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if err := m.applyOne(ctx, mig); err != nil {
			return err
		}
		m.logf("applied migration %s", filepath.Base(mig.path))
	}
	m.logf("migrations up to date (%d applied)", len(pending))
	return nil
}

func (m *migrator) applyOne(ctx context.Context, mig migration) error {
	name := filepath.Base(mig.path)
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, string(mig.sql)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, mig.checksum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func validateMigrationPath(dir, file string) (string, error) {
	cleanDir := filepath.Clean(dir)
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%q is outside %q", file, dir)
	}
	return cleanFile, nil
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// Package migrate applies the SQL migrations and seeds shipped with the
// Postgres store.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

const (
	defaultTable = "authd_schema"

	// lockKey serialises concurrent runs from several replicas.
	lockKey int64 = 0x61757468
)

// Kind separates schema changes from seed data in the history table.
type Kind string

const (
	KindMigration Kind = "migration"
	KindSeed      Kind = "seed"
)

// ErrNothingApplied is returned by Down when the history is empty.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

type fileSet struct {
	kind   Kind
	fsys   fs.FS
	suffix string
}

// Manager executes SQL files read from file systems, usually the ones
// embedded by the store package. Each file runs in its own transaction
// together with its history row.
type Manager struct {
	db         *sql.DB
	migrations fileSet
	seeds      fileSet
	table      string
	now        func() time.Time
}

type Option func(*Manager)

// WithTable overrides the history table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. Either file system may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: fileSet{kind: KindMigration, fsys: migrations, suffix: ".up.sql"},
		seeds:      fileSet{kind: KindSeed, fsys: seeds, suffix: ".sql"},
		table:      defaultTable,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyAll(ctx, m.migrations)
}

// Seed applies pending seed files. Seeds are expected to be idempotent.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyAll(ctx, m.seeds)
}

// Pending lists migrations that Up would apply.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.history(ctx, KindMigration)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.migrations.fsys, m.migrations.suffix)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, name := range files {
		if !slices.Contains(applied, name) {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.history(ctx, KindMigration)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1]
	down := strings.TrimSuffix(last, m.migrations.suffix) + ".down.sql"
	if m.migrations.fsys == nil {
		return fmt.Errorf("migrate: missing down migration for %s", last)
	}
	body, err := fs.ReadFile(m.migrations.fsys, down)
	if err != nil {
		return fmt.Errorf("migrate: missing down migration for %s", last)
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := runStatements(ctx, tx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.table), KindMigration, last)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status returns applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, KindMigration)
}

func (m *Manager) applyAll(ctx context.Context, set fileSet) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.history(ctx, set.kind)
	if err != nil {
		return err
	}
	files, err := collectSQL(set.fsys, set.suffix)
	if err != nil {
		return err
	}
	for _, name := range files {
		if slices.Contains(applied, name) {
			continue
		}
		if err := m.apply(ctx, set, name); err != nil {
			return fmt.Errorf("apply %s %s: %w", set.kind, name, err)
		}
	}
	return nil
}

// apply runs one file under a transaction-scoped advisory lock. Another
// replica may have applied it while we waited, so the history is checked
// again once the lock is held.
func (m *Manager) apply(ctx context.Context, set fileSet, name string) error {
	body, err := fs.ReadFile(set.fsys, name)
	if err != nil {
		return err
	}
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
			return err
		}
		var done bool
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`select exists(select 1 from %s where kind = $1 and name = $2)`, m.table),
			set.kind, name).Scan(&done)
		if err != nil || done {
			return err
		}
		if err := runStatements(ctx, tx, string(body)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`insert into %s (kind, name, applied_at) values ($1, $2, $3)`, m.table),
			set.kind, name, m.now().UTC())
		return err
	})
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			kind text not null,
			name text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		)`, m.table))
	return err
}

func (m *Manager) history(ctx context.Context, kind Kind) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name from %s where kind = $1 order by applied_at asc, name asc`, m.table), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func runStatements(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// collectSQL lists files under fsys ending in suffix, ordered by base name.
func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, p)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(files, func(a, b string) int {
		return strings.Compare(path.Base(a), path.Base(b))
	})
	return files, nil
}

// splitStatements splits on semicolons outside single-quoted strings and
// drops "--" line comments and empty statements.
func splitStatements(body string) []string {
	var (
		stmts    []string
		cur      strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for _, line := range strings.Split(body, "\n") {
		if !inString && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			switch {
			case r == '\'':
				inString = !inString
				cur.WriteRune(r)
			case r == ';' && !inString:
				flush()
			default:
				cur.WriteRune(r)
			}
		}
		cur.WriteByte('\n')
	}
	flush()
	return stmts
}

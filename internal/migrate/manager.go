// Package migrate applies the governance schema and seed data to Postgres
// from any fs.FS, normally the files embedded in ops/migrations.
package migrate

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"campusgov.org/internal/obs"
)

const (
	defaultTable = "schema_history"
	lockName     = "campusgov.migrate"
)

// Kind separates schema migrations from seed files in the history table.
type Kind string

const (
	KindMigration Kind = "migration"
	KindSeed      Kind = "seed"
)

// State describes a file relative to the history table.
type State string

const (
	StateApplied State = "applied"
	StatePending State = "pending"
	// StateChanged marks an applied file whose contents no longer match
	// the checksum recorded when it ran.
	StateChanged State = "changed"
)

// ErrDrift is returned when an applied file has been edited since.
var ErrDrift = errors.New("applied file changed since it ran")

// Step is one file in the plan.
type Step struct {
	Kind      Kind
	Name      string
	State     State
	AppliedAt time.Time
}

func (s Step) String() string {
	if s.AppliedAt.IsZero() {
		return fmt.Sprintf("%-8s %-9s %s", s.State, s.Kind, s.Name)
	}
	return fmt.Sprintf("%-8s %-9s %s (%s)", s.State, s.Kind, s.Name, s.AppliedAt.UTC().Format(time.RFC3339))
}

// Manager runs migrations and seeds. Writers hold a Postgres advisory lock
// so concurrent deploys apply each file once; every file and its history
// row commit in the same transaction.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	table      string
	now        func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the history table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name = strings.TrimSpace(name); name != "" {
			m.table = name
		}
	}
}

// WithClock overrides the time recorded for applied files.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. Either file system may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, migrations: migrations, seeds: seeds, table: defaultTable, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.apply(ctx, conn, KindMigration, m.migrations, ".up.sql")
	})
}

// Seed applies pending seed files in name order.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.apply(ctx, conn, KindSeed, m.seeds, ".sql")
	})
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		history, err := m.history(ctx, conn, KindMigration)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return errors.New("no migrations applied")
		}
		last := history[len(history)-1].Name
		down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		files, err := collect(m.migrations, ".down.sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.name != down {
				continue
			}
			err := m.run(ctx, conn, f, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.table), string(KindMigration), last)
				return err
			})
			if err != nil {
				return fmt.Errorf("rollback migration %s: %w", last, err)
			}
			obs.LogEvent(obs.LevelInfo, "migration rolled back", map[string]any{"name": last})
			return nil
		}
		return fmt.Errorf("missing down migration for %s", last)
	})
}

// Plan reports every known file with its state, migrations first.
func (m *Manager) Plan(ctx context.Context) ([]Step, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := m.ensureTable(ctx, conn); err != nil {
		return nil, err
	}
	var steps []Step
	for _, src := range []struct {
		kind   Kind
		fsys   fs.FS
		suffix string
	}{
		{KindMigration, m.migrations, ".up.sql"},
		{KindSeed, m.seeds, ".sql"},
	} {
		files, err := collect(src.fsys, src.suffix)
		if err != nil {
			return nil, err
		}
		history, err := m.history(ctx, conn, src.kind)
		if err != nil {
			return nil, err
		}
		applied := make(map[string]record, len(history))
		for _, rec := range history {
			applied[rec.Name] = rec
		}
		for _, f := range files {
			step := Step{Kind: src.kind, Name: f.name, State: StatePending}
			if rec, ok := applied[f.name]; ok {
				step.AppliedAt = rec.AppliedAt
				step.State = StateApplied
				if rec.Checksum != f.checksum {
					step.State = StateChanged
				}
			}
			steps = append(steps, step)
		}
	}
	return steps, nil
}

// Status renders the plan one line per file.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	steps, err := m.Plan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.String())
	}
	return out, nil
}

func (m *Manager) apply(ctx context.Context, conn *sql.Conn, kind Kind, fsys fs.FS, suffix string) error {
	files, err := collect(fsys, suffix)
	if err != nil {
		return err
	}
	history, err := m.history(ctx, conn, kind)
	if err != nil {
		return err
	}
	applied := make(map[string]string, len(history))
	for _, rec := range history {
		applied[rec.Name] = rec.Checksum
	}
	for _, f := range files {
		if sum, ok := applied[f.name]; ok {
			if sum != f.checksum {
				return fmt.Errorf("%w: %s %s", ErrDrift, kind, f.name)
			}
			continue
		}
		err := m.run(ctx, conn, f, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (kind, name, checksum, applied_at) values ($1, $2, $3, $4)`, m.table),
				string(kind), f.name, f.checksum, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.name, err)
		}
		obs.LogEvent(obs.LevelInfo, "migration applied", map[string]any{"kind": kind, "name": f.name})
	}
	return nil
}

// run executes f and then record inside one transaction.
func (m *Manager) run(ctx context.Context, conn *sql.Conn, f file, record func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(f.body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock(hashtext($1))`, lockName); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `select pg_advisory_unlock(hashtext($1))`, lockName)
	}()
	if err := m.ensureTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) ensureTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			kind text not null,
			name text not null,
			checksum text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		)`, m.table))
	return err
}

type record struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn, kind Kind) ([]record, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum, applied_at from %s where kind = $1 order by applied_at, name`, m.table),
		string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.Name, &rec.Checksum, &rec.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type file struct {
	name     string
	body     string
	checksum string
}

func checksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func collect(fsys fs.FS, suffix string) ([]file, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []file
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		files = append(files, file{name: path.Base(p), body: string(body), checksum: checksum(body)})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// splitStatements cuts a script at top-level semicolons. Quoted strings,
// quoted identifiers and dollar-quoted bodies are kept whole; comments are
// dropped.
func splitStatements(src string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && s != ";" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case strings.HasPrefix(src[i:], "--"):
			j := strings.IndexByte(src[i:], '\n')
			if j < 0 {
				i = len(src)
			} else {
				i += j
			}
		case strings.HasPrefix(src[i:], "/*"):
			j := strings.Index(src[i+2:], "*/")
			if j < 0 {
				i = len(src)
			} else {
				i += j + 4
			}
			cur.WriteByte(' ')
		case c == '\'' || c == '"':
			j := closeQuote(src, i)
			cur.WriteString(src[i:j])
			i = j
		case c == '$':
			tag, ok := dollarTag(src[i:])
			if !ok {
				cur.WriteByte(c)
				i++
				continue
			}
			j := len(src)
			if end := strings.Index(src[i+len(tag):], tag); end >= 0 {
				j = i + len(tag) + end + len(tag)
			}
			cur.WriteString(src[i:j])
			i = j
		case c == ';':
			cur.WriteByte(c)
			flush()
			i++
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts
}

// closeQuote returns the index just past the quote opened at src[i]. A
// doubled quote character is an escape.
func closeQuote(src string, i int) int {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		if src[j] != q {
			continue
		}
		if j+1 < len(src) && src[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(src)
}

// dollarTag reports the $tag$ opening s, if any.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	tag := s[1 : end+1]
	for k, r := range tag {
		letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !letter && (k == 0 || r < '0' || r > '9') {
			return "", false
		}
	}
	return s[:end+2], true
}

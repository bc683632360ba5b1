// Package migrate applies the embedded schema migrations and seed files.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Files holds the schema migrations under sql/ and idempotent seeds under seeds/.
//
//go:embed sql/*.sql seeds/*.sql
var Files embed.FS

// ledger is a directory of SQL files plus the table recording which of them ran.
type ledger struct {
	dir    string
	suffix string
	table  string
}

var (
	schema = ledger{dir: "sql", suffix: ".up.sql", table: "schema_migrations"}
	seeds  = ledger{dir: "seeds", suffix: ".sql", table: "schema_seeds"}
)

// Manager runs migrations and seeds against a database.
type Manager struct {
	db   *sql.DB
	fsys fs.FS
}

// NewManager reads SQL from fsys, or from Files when fsys is nil.
func NewManager(db *sql.DB, fsys fs.FS) *Manager {
	if fsys == nil {
		fsys = Files
	}
	return &Manager{db: db, fsys: fsys}
}

// Up applies pending migrations in file name order.
func (m *Manager) Up(ctx context.Context) error { return m.applyPending(ctx, schema) }

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) error { return m.applyPending(ctx, seeds) }

// Down reverts the most recently applied migration with its .down.sql twin.
func (m *Manager) Down(ctx context.Context) error {
	applied, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("migrate: no migrations applied")
	}
	last := applied[len(applied)-1]
	down := path.Join(schema.dir, strings.TrimSuffix(last, schema.suffix)+".down.sql")
	body, err := fs.ReadFile(m.fsys, down)
	if err != nil {
		return fmt.Errorf("migrate: no down migration for %s: %w", last, err)
	}
	if err := m.run(ctx, body, `delete from `+schema.table+` where name = $1`, last); err != nil {
		return fmt.Errorf("migrate: revert %s: %w", last, err)
	}
	return nil
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}
	return m.names(ctx, `select name from `+schema.table+` order by applied_at, name`)
}

func (m *Manager) applyPending(ctx context.Context, l ledger) error {
	if err := m.prepare(ctx); err != nil {
		return err
	}
	applied, err := m.names(ctx, `select name from `+l.table)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	// ReadDir returns entries sorted by name, which is the apply order.
	entries, err := fs.ReadDir(m.fsys, l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, l.suffix) || done[name] {
			continue
		}
		body, err := fs.ReadFile(m.fsys, path.Join(l.dir, name))
		if err != nil {
			return err
		}
		if err := m.run(ctx, body, `insert into `+l.table+` (name) values ($1)`, name); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
	}
	return nil
}

// run executes body and the bookkeeping statement in one transaction, so a file is
// recorded exactly when its statements took effect.
func (m *Manager) run(ctx context.Context, body []byte, record, name string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) prepare(ctx context.Context) error {
	for _, table := range []string{schema.table, seeds.table} {
		if _, err := m.db.ExecContext(ctx, `create table if not exists `+table+` (
			name text primary key,
			applied_at timestamptz not null default now()
		)`); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) names(ctx context.Context, query string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// splitStatements cuts src at semicolons outside single-quoted literals and drops
// blank statements.
func splitStatements(src string) []string {
	var (
		stmts  []string
		start  int
		quoted bool
	)
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '\'':
			quoted = !quoted
		case ';':
			if !quoted {
				stmts = appendStatement(stmts, src[start:i])
				start = i + 1
			}
		}
	}
	return appendStatement(stmts, src[start:])
}

func appendStatement(stmts []string, stmt string) []string {
	if stmt = strings.TrimSpace(stmt); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/stack"
)

// DB implements store.Store on SQLite (modernc.org/sqlite, CGO-free).
// The DSN is a filesystem path; ":memory:" keeps everything in one connection.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects(
			id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			origin_url TEXT NOT NULL DEFAULT '',
			stack_kind TEXT NOT NULL,
			stack_label TEXT NOT NULL,
			install_command TEXT NOT NULL DEFAULT '',
			run_command TEXT NOT NULL DEFAULT '',
			default_port INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			assigned_port INTEGER NOT NULL DEFAULT 0,
			preview_url TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Save(ctx context.Context, rec project.Record) error {
	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects(id, source_path, origin_url, stack_kind, stack_label, install_command, run_command,
			default_port, status, assigned_port, preview_url, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_path=excluded.source_path,
			origin_url=excluded.origin_url,
			stack_kind=excluded.stack_kind,
			stack_label=excluded.stack_label,
			install_command=excluded.install_command,
			run_command=excluded.run_command,
			default_port=excluded.default_port,
			status=excluded.status,
			assigned_port=excluded.assigned_port,
			preview_url=excluded.preview_url,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at;`,
		rec.ID, rec.SourcePath, rec.OriginURL, string(rec.Stack.Kind), rec.Stack.Label, rec.Stack.InstallCommand,
		rec.Stack.RunCommand, rec.Stack.DefaultPort, string(rec.Status), rec.AssignedPort, rec.PreviewURL,
		rec.LastError, created.UTC(), now)
	if err != nil {
		return fmt.Errorf("save project %s: %w", rec.ID, err)
	}
	return nil
}

const selectCols = `SELECT id, source_path, origin_url, stack_kind, stack_label, install_command, run_command,
	default_port, status, assigned_port, preview_url, last_error, created_at, updated_at FROM projects`

func (s *DB) FindByID(ctx context.Context, id string) (project.Record, bool, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` WHERE id=?;`, id)
	if err != nil {
		return project.Record{}, false, err
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanRecords(rows)
	if err != nil || len(recs) == 0 {
		return project.Record{}, false, err
	}
	return recs[0], true, nil
}

func (s *DB) FindAll(ctx context.Context) ([]project.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) DeleteByID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=?;`, id); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]project.Record, error) {
	out := make([]project.Record, 0)
	for rows.Next() {
		var r project.Record
		var kind, status string
		if err := rows.Scan(&r.ID, &r.SourcePath, &r.OriginURL, &kind, &r.Stack.Label, &r.Stack.InstallCommand,
			&r.Stack.RunCommand, &r.Stack.DefaultPort, &status, &r.AssignedPort, &r.PreviewURL, &r.LastError,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Stack.Kind = stack.Kind(kind)
		r.Status = project.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

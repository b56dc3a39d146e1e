package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/stack"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
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
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Save(ctx context.Context, rec project.Record) error {
	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO projects(id, source_path, origin_url, stack_kind, stack_label, install_command, run_command,
			default_port, status, assigned_port, preview_url, last_error, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT(id) DO UPDATE SET
			source_path=EXCLUDED.source_path,
			origin_url=EXCLUDED.origin_url,
			stack_kind=EXCLUDED.stack_kind,
			stack_label=EXCLUDED.stack_label,
			install_command=EXCLUDED.install_command,
			run_command=EXCLUDED.run_command,
			default_port=EXCLUDED.default_port,
			status=EXCLUDED.status,
			assigned_port=EXCLUDED.assigned_port,
			preview_url=EXCLUDED.preview_url,
			last_error=EXCLUDED.last_error,
			updated_at=EXCLUDED.updated_at;`,
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

func (p *DB) FindByID(ctx context.Context, id string) (project.Record, bool, error) {
	rows, err := p.db.QueryContext(ctx, selectCols+` WHERE id=$1;`, id)
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

func (p *DB) FindAll(ctx context.Context) ([]project.Record, error) {
	rows, err := p.db.QueryContext(ctx, selectCols+` ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *DB) DeleteByID(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1;`, id); err != nil {
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

package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/gitview/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options selects the ClickHouse server and target table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the table if needed.
func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = "project_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		id String,
		type LowCardinality(String),
		occurred_at DateTime64(6),
		project_id String,
		stack_kind LowCardinality(String),
		status LowCardinality(String),
		port UInt32,
		preview_url String,
		error String
	) ENGINE = MergeTree()
	ORDER BY (project_id, occurred_at)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, type, occurred_at, project_id, stack_kind, status, port, preview_url, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	port := e.Port
	if port < 0 {
		port = 0
	}
	err := s.conn.Exec(ctx, query,
		e.ID,
		string(e.Type),
		e.OccurredAt,
		e.ProjectID,
		e.StackKind,
		e.Status,
		uint32(port),
		e.PreviewURL,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns how many events are stored for a project.
func (s *Sink) Count(ctx context.Context, projectID string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, "SELECT count() FROM "+s.table+" WHERE project_id = ?", projectID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

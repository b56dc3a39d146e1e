package factory

import (
	"strings"

	"github.com/loykin/gitview/internal/store"
	pg "github.com/loykin/gitview/internal/store/postgres"
	sq "github.com/loykin/gitview/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "" or "memory://"
//   - sqlite:   "sqlite://<path>" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "" || ld == "memory://":
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	}
	return sq.New(d)
}

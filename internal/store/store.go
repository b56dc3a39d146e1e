package store

import (
	"context"
	"errors"

	"github.com/loykin/gitview/internal/project"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// Store persists project records keyed by id.
// FindByID reports a missing id with ok=false and a nil error.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Save(ctx context.Context, rec project.Record) error
	FindByID(ctx context.Context, id string) (project.Record, bool, error)
	FindAll(ctx context.Context) ([]project.Record, error)
	DeleteByID(ctx context.Context, id string) error
	Close() error
}

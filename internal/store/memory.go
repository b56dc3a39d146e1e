package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/gitview/internal/project"
)

// Memory is a Store backed by a map. It is the default when no DSN is configured.
type Memory struct {
	mu      sync.RWMutex
	records map[string]project.Record
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]project.Record)}
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Save(_ context.Context, rec project.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := time.Now().UTC()
	if prev, ok := m.records[rec.ID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) FindByID(_ context.Context, id string) (project.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return project.Record{}, false, ErrClosed
	}
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *Memory) FindAll(context.Context) ([]project.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]project.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

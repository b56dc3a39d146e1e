// Package storetest holds a conformance suite shared by the Store implementations.
package storetest

import (
	"context"
	"testing"

	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/stack"
	"github.com/loykin/gitview/internal/store"
)

func sample(id string) project.Record {
	return project.Record{
		ID:         id,
		SourcePath: "/tmp/gitview/" + id,
		OriginURL:  "https://example.com/repo.git",
		Stack:      stack.Builtin(stack.KindNextJS),
		Status:     project.StatusStopped,
	}
}

// Run exercises save/find/list/delete against s. s must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// idempotent
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	if _, ok, err := s.FindByID(ctx, "missing"); err != nil || ok {
		t.Fatalf("find missing: ok=%v err=%v", ok, err)
	}

	main := sample("main")
	if err := s.Save(ctx, main); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.FindByID(ctx, "main")
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if got.SourcePath != main.SourcePath || got.OriginURL != main.OriginURL || got.Stack != main.Stack || got.Status != main.Status {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, main)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}
	created := got.CreatedAt

	// upsert keeps created_at
	main.Status = project.StatusRunning
	main.AssignedPort = 3001
	main.PreviewURL = project.PreviewURL(3001)
	if err := s.Save(ctx, main); err != nil {
		t.Fatalf("save update: %v", err)
	}
	got, _, _ = s.FindByID(ctx, "main")
	if got.Status != project.StatusRunning || got.AssignedPort != 3001 || got.PreviewURL != "http://localhost:3001" {
		t.Fatalf("update not persisted: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed: %v -> %v", created, got.CreatedAt)
	}

	failed := sample("feature-x")
	failed.Stack = stack.Builtin(stack.KindUnknown)
	failed.Status = project.StatusError
	failed.LastError = "install command failed with exit code: 1"
	if err := s.Save(ctx, failed); err != nil {
		t.Fatalf("save second: %v", err)
	}
	all, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "feature-x" || all[1].ID != "main" {
		t.Fatalf("find all order/len: %+v", all)
	}
	if all[0].LastError != failed.LastError || all[0].Stack.Kind != stack.KindUnknown {
		t.Fatalf("second record mismatch: %+v", all[0])
	}

	if err := s.DeleteByID(ctx, "main"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.FindByID(ctx, "main"); ok {
		t.Fatal("record still present after delete")
	}
	// deleting again is fine
	if err := s.DeleteByID(ctx, "main"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	all, _ = s.FindAll(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
}

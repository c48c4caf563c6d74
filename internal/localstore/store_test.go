package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-records.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsert_InsertAssignsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	id, err := s.Upsert(ctx, model.Record{
		EntityType: model.EntityMedication,
		Payload:    []byte(`{"name":"ibuprofen"}`),
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if id == 0 {
		t.Fatal("Upsert did not assign an id")
	}

	got, err := s.Get(ctx, model.EntityMedication, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want record")
	}
	if string(got.Payload) != `{"name":"ibuprofen"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
}

func TestUpsert_UpdatePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.Upsert(ctx, model.Record{
		EntityType: model.EntityNote,
		Payload:    []byte(`{"text":"old"}`),
		UpdatedAt:  first,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.Upsert(ctx, model.Record{
		LocalID:    id,
		EntityType: model.EntityNote,
		Payload:    []byte(`{"text":"new"}`),
		UpdatedAt:  first.Add(time.Hour),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, model.EntityNote, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != `{"text":"new"}` {
		t.Errorf("Payload = %s, want updated text", got.Payload)
	}

	// Still exactly one dirty row.
	dirty, err := s.GetDirtySince(ctx, model.EntityNote, time.Time{})
	if err != nil {
		t.Fatalf("GetDirtySince: %v", err)
	}
	if len(dirty) != 1 {
		t.Errorf("dirty records = %d, want 1", len(dirty))
	}
}

func TestGetDirtySince_FiltersByWatermark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.Upsert(ctx, model.Record{EntityType: model.EntityTask, Payload: []byte(`{}`), UpdatedAt: old}); err != nil {
		t.Fatal(err)
	}
	newID, err := s.Upsert(ctx, model.Record{EntityType: model.EntityTask, Payload: []byte(`{}`), UpdatedAt: recent})
	if err != nil {
		t.Fatal(err)
	}
	// Different entity type must not leak in.
	if _, err := s.Upsert(ctx, model.Record{EntityType: model.EntityNote, Payload: []byte(`{}`), UpdatedAt: recent}); err != nil {
		t.Fatal(err)
	}

	dirty, err := s.GetDirtySince(ctx, model.EntityTask, old.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetDirtySince: %v", err)
	}
	if len(dirty) != 1 || dirty[0].LocalID != newID {
		t.Errorf("dirty = %+v, want only id %d", dirty, newID)
	}
}

func TestGetDirtySince_IncludesSoftDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.Upsert(ctx, model.Record{
		EntityType: model.EntityTask,
		Payload:    []byte(`{}`),
		UpdatedAt:  now,
		Deleted:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	dirty, err := s.GetDirtySince(ctx, model.EntityTask, time.Time{})
	if err != nil {
		t.Fatalf("GetDirtySince: %v", err)
	}
	if len(dirty) != 1 || dirty[0].LocalID != id || !dirty[0].Deleted {
		t.Errorf("dirty = %+v, want the soft-deleted record", dirty)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), model.EntityNote, 12345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, model.Record{EntityType: model.EntityNote, Payload: []byte(`{}`), UpdatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, model.EntityNote, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := s.Get(ctx, model.EntityNote, id)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Error("expected nil after delete, got record")
	}
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		ID:          "inst-1",
		ProjectPath: "/srv/projects/alpha",
		Port:        14200,
		PID:         4242,
		State:       "running",
		SessionID:   "sess-9",
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProjectPath != rec.ProjectPath || got.Port != rec.Port || got.PID != rec.PID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not populated")
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{ID: "inst-1", ProjectPath: "/p", Port: 1, State: "starting"}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	first, err := s.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	rec.State = "running"
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	second, err := s.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.State != "running" {
		t.Fatalf("state = %q, want running", second.State)
	}
}

func TestUpdateState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, Record{ID: "inst-1", ProjectPath: "/p", Port: 1, State: "starting"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.UpdateState(ctx, "inst-1", "stopped"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, err := s.Get(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != "stopped" {
		t.Fatalf("state = %q, want stopped", got.State)
	}

	if err := s.UpdateState(ctx, "missing", "stopped"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestLoadAllOrdersByCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		err := s.Upsert(ctx, Record{
			ID:          id,
			ProjectPath: "/p/" + id,
			Port:        14200 + i,
			State:       "running",
			CreatedAt:   time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	records, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if records[i].ID != want {
			t.Fatalf("records[%d].ID = %q, want %q", i, records[i].ID, want)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, Record{ID: "inst-1", ProjectPath: "/p", Port: 1, State: "running"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "inst-1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
	if err := s.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

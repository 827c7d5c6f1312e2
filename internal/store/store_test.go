package store

import (
	"testing"

	"github.com/google/uuid"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Store_RecordAndRecent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	got, err := s.Record(ctx, Run{Kind: KindTestCases, Query: "login", Outcome: "structured", Output: "[]"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := uuid.Parse(got.ID); err != nil {
		t.Errorf("record should assign a UUID, got %q", got.ID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("record should set CreatedAt")
	}

	runs, err := s.Recent(ctx, KindTestCases, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("want 1 run, got %d", len(runs))
	}
	if runs[0].ID != got.ID || runs[0].Query != "login" || runs[0].Outcome != "structured" {
		t.Errorf("run mismatch: %+v", runs[0])
	}
}

func Test_Store_KeepsCallerID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	got, err := s.Record(t.Context(), Run{ID: "fixed-id", Kind: KindScript, Outcome: "ok"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.ID != "fixed-id" {
		t.Errorf("ID = %q, want fixed-id", got.ID)
	}
	if _, err := s.Record(t.Context(), Run{ID: "fixed-id", Kind: KindScript}); err == nil {
		t.Error("duplicate ID should fail")
	}
}

func Test_Store_RejectsUnknownKind(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if _, err := s.Record(t.Context(), Run{Kind: "chat"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func Test_Store_RecentLimitRespected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	for range 6 {
		if _, err := s.Record(ctx, Run{Kind: KindScript, Outcome: "ok"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	runs, err := s.Recent(ctx, KindScript, 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 4 {
		t.Errorf("want 4 runs, got %d", len(runs))
	}
}

func Test_Store_KindFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	if _, err := s.Record(ctx, Run{Kind: KindTestCases, Query: "cases"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.Record(ctx, Run{Kind: KindScript, Query: "script"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	scripts, err := s.Recent(ctx, KindScript, 10)
	if err != nil {
		t.Fatalf("recent script: %v", err)
	}
	if len(scripts) != 1 || scripts[0].Query != "script" {
		t.Errorf("kind filter failed: got %v", scripts)
	}

	all, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("empty kind should list all runs, got %d", len(all))
	}
}

func Test_Store_EmptyReturnsNil(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	runs, err := s.Recent(t.Context(), KindTestCases, 10)
	if err != nil {
		t.Fatalf("recent empty: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("want 0 runs, got %d", len(runs))
	}
}

func Test_Store_OldestFirstOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	queries := []string{"first", "second", "third"}
	for _, q := range queries {
		if _, err := s.Record(ctx, Run{Kind: KindTestCases, Query: q}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	runs, err := s.Recent(ctx, KindTestCases, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for i, want := range queries {
		if runs[i].Query != want {
			t.Errorf("run[%d]: want %q, got %q", i, want, runs[i].Query)
		}
	}
}

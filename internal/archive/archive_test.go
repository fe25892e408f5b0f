package archive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"engram/internal/archive"
	"engram/internal/db"
	"engram/internal/domain"
	"engram/internal/migrate"
)

func newTestArchive(t *testing.T) (archive.Writer, archive.Reader) {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	version, err := migrate.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if version < 2 {
		t.Fatalf("schema version = %d", version)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return archive.Writer{DB: conn, Now: func() time.Time { return now }}, archive.Reader{DB: conn}
}

func TestAppendAndQuery(t *testing.T) {
	w, r := newTestArchive(t)
	ctx := context.Background()
	results := []domain.Result{
		{TaskID: "a", Role: domain.RoleAnalyzer, Success: true, ConfidenceScore: 0.9, Metadata: map[string]any{"memory_id": "m-1"}},
		{TaskID: "b", Role: domain.RoleCurator, Success: false, Error: "exit code 1"},
		{TaskID: "c", Role: domain.RoleAnalyzer, Success: true, ConfidenceScore: 0.4},
	}
	for _, res := range results {
		if _, err := w.Append(ctx, res); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	latest, err := r.Latest(ctx, 10, archive.Filter{})
	if err != nil || len(latest) != 3 || latest[0].Result.TaskID != "c" {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}
	analyzers, err := r.Latest(ctx, 10, archive.Filter{Role: domain.RoleAnalyzer})
	if err != nil || len(analyzers) != 2 {
		t.Fatalf("role filter = %+v err=%v", analyzers, err)
	}
	failures, err := r.Latest(ctx, 10, archive.Filter{OnlyFailures: true})
	if err != nil || len(failures) != 1 || failures[0].Result.Error != "exit code 1" {
		t.Fatalf("failure filter = %+v err=%v", failures, err)
	}
	page, err := r.Latest(ctx, 10, archive.Filter{Before: latest[0].Seq})
	if err != nil || len(page) != 2 {
		t.Fatalf("before filter = %+v err=%v", page, err)
	}

	got, err := r.Get(ctx, "a")
	if err != nil || got.Result.Metadata["memory_id"] != "m-1" || got.ArchivedAt == "" {
		t.Fatalf("get = %+v err=%v", got, err)
	}
	if _, err := r.Get(ctx, "zzz"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	after, err := r.After(ctx, latest[2].Seq, 10)
	if err != nil || len(after) != 2 || after[0].Result.TaskID != "b" {
		t.Fatalf("after = %+v err=%v", after, err)
	}
	last, err := r.LastSeq(ctx)
	if err != nil || last != latest[0].Seq {
		t.Fatalf("last seq = %d err=%v", last, err)
	}
}

func TestCursors(t *testing.T) {
	w, r := newTestArchive(t)
	ctx := context.Background()
	if _, err := r.Cursor(ctx, "http://hook"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, seq := range []int64{3, 7} {
		if err := w.SetCursor(ctx, "http://hook", seq); err != nil {
			t.Fatalf("set cursor: %v", err)
		}
	}
	if seq, err := r.Cursor(ctx, "http://hook"); err != nil || seq != 7 {
		t.Fatalf("cursor = %d err=%v", seq, err)
	}
	if last, err := r.LastSeq(ctx); err != nil || last != 0 {
		t.Fatalf("empty archive last seq = %d err=%v", last, err)
	}
}

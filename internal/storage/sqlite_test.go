package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "notigate/pkg/logx"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "docs.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	stored, err := s.Create(ctx, Record{
		ID:           "doc-1",
		PartitionKey: "rns:alice",
		TTL:          time.Hour,
		Body:         []byte(`{"recipient_id":"alice"}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if stored.Etag == "" {
		t.Fatal("expected etag on create")
	}

	got, err := s.Read(ctx, "doc-1", "rns:alice")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Etag != stored.Etag {
		t.Fatalf("Etag = %q, want %q", got.Etag, stored.Etag)
	}
	if got.TTL != time.Hour {
		t.Fatalf("TTL = %v, want 1h", got.TTL)
	}
	if string(got.Body) != `{"recipient_id":"alice"}` {
		t.Fatalf("Body = %s", got.Body)
	}

	if _, err := s.Create(ctx, Record{ID: "doc-1", PartitionKey: "rns:alice"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create = %v, want ErrConflict", err)
	}

	updated, err := s.Update(ctx, Record{ID: "doc-1", PartitionKey: "rns:alice", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Etag == stored.Etag {
		t.Fatal("expected a new etag after update")
	}

	if err := s.Delete(ctx, "doc-1", "rns:alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read(ctx, "doc-1", "rns:alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read after delete = %v, want ErrNotFound", err)
	}
	if _, err := s.Update(ctx, Record{ID: "doc-1", PartitionKey: "rns:alice"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update after delete = %v, want ErrNotFound", err)
	}
}

func TestSQLiteBodylessRecords(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	// A record without a body is valid; it persists as an empty document.
	if _, err := s.Create(ctx, Record{ID: "bare", PartitionKey: "p"}); err != nil {
		t.Fatalf("Create without body: %v", err)
	}
	got, err := s.Read(ctx, "bare", "p")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Body) != 0 {
		t.Fatalf("Body = %q, want empty", got.Body)
	}

	// A duplicate body-less create must still surface the key conflict, not
	// a store failure.
	if _, err := s.Create(ctx, Record{ID: "bare", PartitionKey: "p"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create = %v, want ErrConflict", err)
	}

	if _, err := s.Update(ctx, Record{ID: "bare", PartitionKey: "p"}); err != nil {
		t.Fatalf("Update without body: %v", err)
	}
}

func TestSQLiteSameIDAcrossPartitions(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	// The same document id under different type-code prefixes must not
	// collide.
	if _, err := s.Create(ctx, Record{ID: "alice", PartitionKey: "rns:alice"}); err != nil {
		t.Fatalf("Create rns: %v", err)
	}
	if _, err := s.Create(ctx, Record{ID: "alice", PartitionKey: "cnv:alice"}); err != nil {
		t.Fatalf("Create cnv: %v", err)
	}
}

func TestSQLiteExpiredRowsAreAbsent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, Record{ID: "short", PartitionKey: "p", TTL: 30 * time.Millisecond}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, Record{ID: "forever", PartitionKey: "p"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if _, err := s.Read(ctx, "short", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read expired = %v, want ErrNotFound", err)
	}
	recs, err := s.ReadPartition(ctx, "p")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "forever" {
		t.Fatalf("expected only the non-expiring record, got %+v", recs)
	}

	// A recycled id must be creatable again even before the sweep ran.
	if _, err := s.Create(ctx, Record{ID: "short", PartitionKey: "p"}); err != nil {
		t.Fatalf("Create recycled id: %v", err)
	}
}

func TestSQLitePruneExpired(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.Create(ctx, Record{ID: id, PartitionKey: "p", TTL: 30 * time.Millisecond}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := s.Create(ctx, Record{ID: "keep", PartitionKey: "p"}); err != nil {
		t.Fatalf("Create keep: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	n, err := s.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned = %d, want 2", n)
	}
	if _, err := s.Read(ctx, "keep", "p"); err != nil {
		t.Fatalf("survivor gone: %v", err)
	}
}

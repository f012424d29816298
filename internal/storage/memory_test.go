package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryCreateReadConflict(t *testing.T) {
	t.Parallel()
	m := NewMemory(8, 0)
	defer m.Close()
	ctx := context.Background()

	stored, err := m.Create(ctx, Record{ID: "a", PartitionKey: "p", Body: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if stored.Etag == "" {
		t.Fatal("expected etag on create")
	}

	got, err := m.Read(ctx, "a", "p")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Etag != stored.Etag {
		t.Fatalf("Etag = %q, want %q", got.Etag, stored.Etag)
	}

	if _, err := m.Create(ctx, Record{ID: "a", PartitionKey: "p"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create error = %v, want ErrConflict", err)
	}
}

func TestMemoryUpdateRefreshesEtag(t *testing.T) {
	t.Parallel()
	m := NewMemory(8, 0)
	defer m.Close()
	ctx := context.Background()

	first, err := m.Create(ctx, Record{ID: "a", PartitionKey: "p"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := m.Update(ctx, Record{ID: "a", PartitionKey: "p", Body: []byte("{}")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if second.Etag == first.Etag {
		t.Fatal("expected a new etag after update")
	}

	if _, err := m.Update(ctx, Record{ID: "missing", PartitionKey: "p"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing error = %v, want ErrNotFound", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()
	m := NewMemory(8, 0)
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Create(ctx, Record{ID: "a", PartitionKey: "p"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(ctx, "a", "p"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Read(ctx, "a", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read after delete = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "a", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	m := NewMemory(2, 0)
	defer m.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := m.Create(ctx, Record{ID: id, PartitionKey: "p"}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	// Touch "a" so "b" becomes the eviction candidate.
	if _, err := m.Read(ctx, "a", "p"); err != nil {
		t.Fatalf("Read a: %v", err)
	}
	if _, err := m.Create(ctx, Record{ID: "c", PartitionKey: "p"}); err != nil {
		t.Fatalf("Create c: %v", err)
	}

	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	if _, err := m.Read(ctx, "a", "p"); err != nil {
		t.Fatalf("expected a to survive, got %v", err)
	}
	if _, err := m.Read(ctx, "b", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected b evicted, got %v", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(8, 0)
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Create(ctx, Record{ID: "a", PartitionKey: "p", TTL: 30 * time.Millisecond}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := m.Read(ctx, "a", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record absent, got %v", err)
	}
}

func TestMemoryReadPartition(t *testing.T) {
	t.Parallel()
	m := NewMemory(16, 0)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("doc-%d", i)
		if _, err := m.Create(ctx, Record{ID: id, PartitionKey: "p1"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := m.Create(ctx, Record{ID: "other", PartitionKey: "p2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	recs, err := m.ReadPartition(ctx, "p1")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for _, r := range recs {
		if r.PartitionKey != "p1" {
			t.Fatalf("record from wrong partition: %+v", r)
		}
	}
}

func TestMemoryPutKeepsIncomingEtag(t *testing.T) {
	t.Parallel()
	m := NewMemory(8, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.Put(ctx, Record{ID: "a", PartitionKey: "p", Etag: "durable-etag"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Read(ctx, "a", "p")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Etag != "durable-etag" {
		t.Fatalf("Etag = %q, want durable-etag", got.Etag)
	}

	m.Evict("a", "p")
	if _, err := m.Read(ctx, "a", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected evicted record absent, got %v", err)
	}
	// Evicting an absent key is a no-op.
	m.Evict("a", "p")
}

func TestMemoryValidation(t *testing.T) {
	t.Parallel()
	m := NewMemory(8, 0)
	defer m.Close()
	ctx := context.Background()

	tests := []struct {
		name string
		rec  Record
	}{
		{name: "empty id", rec: Record{PartitionKey: "p"}},
		{name: "empty partition", rec: Record{ID: "a"}},
		{name: "negative ttl", rec: Record{ID: "a", PartitionKey: "p", TTL: -time.Second}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Create(ctx, tt.rec); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Create error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if _, err := m.Read(ctx, "", "p"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Read empty id = %v, want ErrInvalidInput", err)
	}
	if _, err := m.ReadPartition(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ReadPartition empty = %v, want ErrInvalidInput", err)
	}
}

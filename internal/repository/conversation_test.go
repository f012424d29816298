package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"notigate/internal/storage"
	logx "notigate/pkg/logx"
)

func newConversationsForTest(t *testing.T, opts ...ConversationsOption) *Conversations {
	t.Helper()
	store := storage.NewMemory(128, 0)
	t.Cleanup(func() { _ = store.Close() })
	return NewConversations(store, logx.Nop(), opts...)
}

func TestConversationSaveGet(t *testing.T) {
	t.Parallel()
	convs := newConversationsForTest(t)
	ctx := context.Background()

	routing := json.RawMessage(`{"chat_id":42}`)
	ref, err := convs.Save(ctx, "alice", "telegram", routing)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !ref.Active || ref.ConsecutiveFailures != 0 {
		t.Fatalf("fresh ref not active: %+v", ref)
	}

	got, err := convs.Get(ctx, "alice", "telegram")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Routing) != `{"chat_id":42}` {
		t.Fatalf("Routing = %s", got.Routing)
	}

	// Saving again replaces the routing payload.
	if _, err := convs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":43}`)); err != nil {
		t.Fatalf("re-Save: %v", err)
	}
	got, err = convs.Get(ctx, "alice", "telegram")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Routing) != `{"chat_id":43}` {
		t.Fatalf("Routing after re-save = %s", got.Routing)
	}

	if _, err := convs.Get(ctx, "alice", "signal"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get unknown channel = %v, want ErrNotFound", err)
	}
}

func TestConversationBreakerTripsAtThreshold(t *testing.T) {
	t.Parallel()
	convs := newConversationsForTest(t)
	ctx := context.Background()

	if _, err := convs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for i := 1; i < DefaultFailureThreshold; i++ {
		tripped, err := convs.RecordFailure(ctx, "alice", "telegram")
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if tripped {
			t.Fatalf("breaker tripped early at failure %d", i)
		}
	}
	tripped, err := convs.RecordFailure(ctx, "alice", "telegram")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !tripped {
		t.Fatalf("expected trip at failure %d", DefaultFailureThreshold)
	}

	active, err := convs.Active(ctx, "alice")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("tripped ref still active: %+v", active)
	}

	// Further failures on an already-inactive ref do not re-trip.
	tripped, err = convs.RecordFailure(ctx, "alice", "telegram")
	if err != nil {
		t.Fatalf("RecordFailure after trip: %v", err)
	}
	if tripped {
		t.Fatal("inactive ref reported a second trip")
	}
}

func TestConversationSuccessResetsBreaker(t *testing.T) {
	t.Parallel()
	convs := newConversationsForTest(t, WithFailureThreshold(2))
	ctx := context.Background()

	if _, err := convs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := convs.RecordFailure(ctx, "alice", "telegram"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	if err := convs.RecordSuccess(ctx, "alice", "telegram"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	ref, err := convs.Get(ctx, "alice", "telegram")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ref.Active || ref.ConsecutiveFailures != 0 {
		t.Fatalf("success did not reset breaker: %+v", ref)
	}
	active, err := convs.Active(ctx, "alice")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active refs = %d, want 1", len(active))
	}
}

func TestConversationActiveFiltersPerRecipient(t *testing.T) {
	t.Parallel()
	convs := newConversationsForTest(t, WithFailureThreshold(1))
	ctx := context.Background()

	if _, err := convs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := convs.Save(ctx, "alice", "matrix", json.RawMessage(`{"chat_id":2}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := convs.Save(ctx, "bob", "telegram", json.RawMessage(`{"chat_id":3}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := convs.RecordFailure(ctx, "alice", "matrix"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	active, err := convs.Active(ctx, "alice")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].Channel != "telegram" {
		t.Fatalf("unexpected active set: %+v", active)
	}

	none, err := convs.Active(ctx, "carol")
	if err != nil {
		t.Fatalf("Active unknown: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("unknown recipient has refs: %+v", none)
	}
}

func TestConversationDelete(t *testing.T) {
	t.Parallel()
	convs := newConversationsForTest(t)
	ctx := context.Background()

	if _, err := convs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := convs.Delete(ctx, "alice", "telegram"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := convs.Get(ctx, "alice", "telegram"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := convs.Delete(ctx, "alice", "telegram"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

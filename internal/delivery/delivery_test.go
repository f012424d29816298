package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"notigate/internal/repository"
	"notigate/internal/storage"
	"notigate/internal/transport"
	logx "notigate/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	calls    int
	failNext int
	targets  []transport.ChatTarget
}

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return transport.MessageRef{}, errors.New("send failed")
	}
	f.targets = append(f.targets, to)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeAdapter) Close(ctx context.Context) error { return nil }

func fastConfig() Config {
	return Config{
		RatePerSec:    1000,
		RetryMax:      0,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func newDeliveryFixture(t *testing.T, cfg Config, opts ...repository.ConversationsOption) (*Service, *fakeAdapter, *repository.Conversations) {
	t.Helper()
	store := storage.NewMemory(128, 0)
	t.Cleanup(func() { _ = store.Close() })
	refs := repository.NewConversations(store, logx.Nop(), opts...)
	adapter := &fakeAdapter{}
	svc := New(cfg, adapter, refs, logx.Nop(), nil)
	return svc, adapter, refs
}

func TestSendRoutesToActiveRef(t *testing.T) {
	t.Parallel()
	svc, adapter, refs := newDeliveryFixture(t, fastConfig())
	ctx := context.Background()

	if _, err := refs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":42}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.Send(ctx, "alice", Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(adapter.targets) != 1 || adapter.targets[0].ChatID != 42 {
		t.Fatalf("unexpected targets: %+v", adapter.targets)
	}

	// Success resets the breaker state on the ref.
	ref, err := refs.Get(ctx, "alice", "telegram")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ref.ConsecutiveFailures != 0 || !ref.Active {
		t.Fatalf("ref after success: %+v", ref)
	}
}

func TestSendNoRoute(t *testing.T) {
	t.Parallel()
	svc, adapter, _ := newDeliveryFixture(t, fastConfig())

	err := svc.Send(context.Background(), "nobody", Message{Text: "hi"})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Send = %v, want ErrNoRoute", err)
	}
	if adapter.calls != 0 {
		t.Fatalf("adapter called %d times with no route", adapter.calls)
	}
}

func TestSendRecordsFailures(t *testing.T) {
	t.Parallel()
	svc, adapter, refs := newDeliveryFixture(t, fastConfig(), repository.WithFailureThreshold(2))
	ctx := context.Background()

	if _, err := refs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":42}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	adapter.failNext = 1
	if err := svc.Send(ctx, "alice", Message{Text: "hi"}); err == nil {
		t.Fatal("expected send error")
	}
	ref, err := refs.Get(ctx, "alice", "telegram")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ref.ConsecutiveFailures != 1 || !ref.Active {
		t.Fatalf("ref after one failure: %+v", ref)
	}

	// Second failure trips the breaker; the ref drops out of routing.
	adapter.failNext = 1
	if err := svc.Send(ctx, "alice", Message{Text: "hi"}); err == nil {
		t.Fatal("expected send error")
	}
	if err := svc.Send(ctx, "alice", Message{Text: "hi"}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Send after trip = %v, want ErrNoRoute", err)
	}
}

func TestSendRetriesBeforeFailing(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = 2
	svc, adapter, refs := newDeliveryFixture(t, cfg)
	ctx := context.Background()

	if _, err := refs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":42}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// First attempt fails, the retry lands.
	adapter.failNext = 1
	if err := svc.Send(ctx, "alice", Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if adapter.calls != 2 {
		t.Fatalf("adapter calls = %d, want 2", adapter.calls)
	}
}

func TestSendFallsBackAcrossRefs(t *testing.T) {
	t.Parallel()
	svc, adapter, refs := newDeliveryFixture(t, fastConfig())
	ctx := context.Background()

	if _, err := refs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := refs.Save(ctx, "alice", "telegram-alt", json.RawMessage(`{"chat_id":2}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// One ref fails, the other delivers; Send succeeds overall.
	adapter.failNext = 1
	if err := svc.Send(ctx, "alice", Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(adapter.targets) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(adapter.targets))
	}
}

func TestSendSkipsUndecodableRouting(t *testing.T) {
	t.Parallel()
	svc, adapter, refs := newDeliveryFixture(t, fastConfig())
	ctx := context.Background()

	if _, err := refs.Save(ctx, "alice", "broken", json.RawMessage(`"not an object"`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := refs.Save(ctx, "alice", "telegram", json.RawMessage(`{"chat_id":42}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := svc.Send(ctx, "alice", Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(adapter.targets) != 1 || adapter.targets[0].ChatID != 42 {
		t.Fatalf("unexpected targets: %+v", adapter.targets)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

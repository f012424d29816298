package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"notigate/internal/document"
	"notigate/internal/storage"
	logx "notigate/pkg/logx"
)

const (
	recipientStateTypeCode = "rns"

	// RetentionWindow bounds how long an event stays in Recent. Pruning is
	// eager: it happens inside every mutation, never lazily on read.
	RetentionWindow = 24 * time.Hour

	// State documents outlive the retention window at the durable tier so
	// a window read never races document expiry.
	recipientStateTTL = 48 * time.Hour
)

// NotificationEvent is one delivered notification in a recipient's rolling
// window.
type NotificationEvent struct {
	SentAt   time.Time `json:"sent_at"`
	Type     string    `json:"type"`
	DedupKey string    `json:"dedup_key,omitempty"`
	// Correlation back to whatever produced the notification.
	SourceID string `json:"source_id,omitempty"`
	Path     string `json:"path,omitempty"`
}

// RecipientState is the per-recipient document: a rolling 24h window of
// events plus a monotonic total.
type RecipientState struct {
	document.Base
	RecipientID string              `json:"recipient_id"`
	Recent      []NotificationEvent `json:"recent_notifications"`
	TotalSent   int64               `json:"total_sent"`
	LastUpdated time.Time           `json:"last_updated"`
}

// Event describes a notification to record.
type Event struct {
	Type     string
	DedupKey string
	SourceID string
	Path     string
}

// RecipientStates persists RecipientState documents.
//
// RecordEvent is the only mutating operation and is serialized per
// recipient: the append/prune/increment/persist read-modify-write is not
// atomic against the store, so unserialized concurrent calls could lose an
// appended event. GetOrCreate's first-creator race is the one place where
// concurrent same-key writers are expected; it resolves by re-read.
type RecipientStates struct {
	base  Base
	locks keyedMutex
	now   func() time.Time
	log   logx.Logger
}

type RecipientStatesOption func(*RecipientStates)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) RecipientStatesOption {
	return func(r *RecipientStates) { r.now = now }
}

func NewRecipientStates(store storage.Store, log logx.Logger, opts ...RecipientStatesOption) *RecipientStates {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &RecipientStates{
		base: NewBase(store, recipientStateTypeCode, recipientStateTTL),
		now:  time.Now,
		log:  log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the recipient's state, creating an empty one on first
// sight. A duplicate-create conflict means another caller just created it;
// that is resolved by re-reading, never surfaced.
func (r *RecipientStates) GetOrCreate(ctx context.Context, recipientID string) (*RecipientState, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, fmt.Errorf("%w: empty recipient id", storage.ErrInvalidInput)
	}

	st, err := r.get(ctx, recipientID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	st = r.emptyState(recipientID)
	err = r.base.create(ctx, st)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		// Someone else won the first-creator race; their document is ours too.
		r.log.Debug("state create raced, re-reading", logx.String("recipient", recipientID))
		return r.get(ctx, recipientID)
	}
	return nil, err
}

// RecordEvent appends an event at the current time, prunes everything older
// than the retention window, bumps the total, and persists. Atomic per
// recipient from the caller's point of view.
func (r *RecipientStates) RecordEvent(ctx context.Context, recipientID string, ev Event) (*RecipientState, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, fmt.Errorf("%w: empty recipient id", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return nil, fmt.Errorf("%w: empty notification type", storage.ErrInvalidInput)
	}

	unlock := r.locks.lock(recipientID)
	defer unlock()

	st, err := r.GetOrCreate(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	st.Recent = append(st.Recent, NotificationEvent{
		SentAt:   now,
		Type:     ev.Type,
		DedupKey: ev.DedupKey,
		SourceID: ev.SourceID,
		Path:     ev.Path,
	})
	st.Recent = pruneEvents(st.Recent, now.Add(-RetentionWindow))
	st.TotalSent++
	st.LastUpdated = now

	if err := r.base.update(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// EventsSince returns the recipient's events with SentAt >= cutoff, most
// recent first. An unknown recipient yields an empty slice, not an error.
func (r *RecipientStates) EventsSince(ctx context.Context, recipientID string, cutoff time.Time) ([]NotificationEvent, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, fmt.Errorf("%w: empty recipient id", storage.ErrInvalidInput)
	}
	st, err := r.get(ctx, recipientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]NotificationEvent, 0, len(st.Recent))
	for _, ev := range st.Recent {
		if !ev.SentAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out, nil
}

func (r *RecipientStates) get(ctx context.Context, recipientID string) (*RecipientState, error) {
	var st RecipientState
	if err := r.base.read(ctx, recipientID, recipientID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *RecipientStates) emptyState(recipientID string) *RecipientState {
	return &RecipientState{
		Base: document.Base{
			ID:           recipientID,
			PartitionKey: recipientID,
		},
		RecipientID: recipientID,
		Recent:      []NotificationEvent{},
		LastUpdated: r.now(),
	}
}

// pruneEvents keeps events at or after cutoff, preserving order.
func pruneEvents(events []NotificationEvent, cutoff time.Time) []NotificationEvent {
	kept := events[:0]
	for _, ev := range events {
		if !ev.SentAt.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}

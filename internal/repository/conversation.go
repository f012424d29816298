package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notigate/internal/document"
	"notigate/internal/storage"
	logx "notigate/pkg/logx"
)

const conversationTypeCode = "cnv"

// DefaultFailureThreshold is how many consecutive delivery failures
// deactivate a conversation reference.
const DefaultFailureThreshold = 5

// ConversationRef routes deliveries for one recipient-channel pair.
// It carries a simple circuit breaker: once ConsecutiveFailures reaches the
// threshold the ref goes inactive and is skipped until a successful
// interaction resets it. Conversation refs never expire on their own.
type ConversationRef struct {
	document.Base
	RecipientID string `json:"recipient_id"`
	Channel     string `json:"channel"`
	// Routing is the channel-specific payload (e.g. a telegram chat target).
	Routing             json.RawMessage `json:"routing"`
	LastInteractionAt   time.Time       `json:"last_interaction_at"`
	Active              bool            `json:"is_active"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// Conversations persists ConversationRef documents, one per
// recipient-channel pair (id = channel, partition = recipient).
// The breaker state transitions are owned here, by the delivery side;
// the gate never mutates a ref.
type Conversations struct {
	base      Base
	locks     keyedMutex
	threshold int
	now       func() time.Time
	log       logx.Logger
}

type ConversationsOption func(*Conversations)

// WithFailureThreshold overrides the trip point (default 5).
func WithFailureThreshold(n int) ConversationsOption {
	return func(c *Conversations) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithConversationClock overrides the time source (tests).
func WithConversationClock(now func() time.Time) ConversationsOption {
	return func(c *Conversations) { c.now = now }
}

func NewConversations(store storage.Store, log logx.Logger, opts ...ConversationsOption) *Conversations {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Conversations{
		base:      NewBase(store, conversationTypeCode, 0),
		threshold: DefaultFailureThreshold,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save stores a routing reference, replacing any existing one for the same
// recipient-channel pair. A saved ref starts (or returns to) active.
func (c *Conversations) Save(ctx context.Context, recipientID, channel string, routing json.RawMessage) (*ConversationRef, error) {
	if err := validateRefKey(recipientID, channel); err != nil {
		return nil, err
	}
	unlock := c.locks.lock(refLockKey(recipientID, channel))
	defer unlock()

	now := c.now()
	ref := &ConversationRef{
		Base: document.Base{
			ID:           channel,
			PartitionKey: recipientID,
		},
		RecipientID:       recipientID,
		Channel:           channel,
		Routing:           routing,
		LastInteractionAt: now,
		Active:            true,
	}
	err := c.base.create(ctx, ref)
	if errors.Is(err, storage.ErrConflict) {
		err = c.base.update(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (c *Conversations) Get(ctx context.Context, recipientID, channel string) (*ConversationRef, error) {
	if err := validateRefKey(recipientID, channel); err != nil {
		return nil, err
	}
	var ref ConversationRef
	if err := c.base.read(ctx, channel, recipientID, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// Active returns the recipient's references that are currently eligible for
// delivery. An unknown recipient yields an empty slice.
func (c *Conversations) Active(ctx context.Context, recipientID string) ([]*ConversationRef, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, fmt.Errorf("%w: empty recipient id", storage.ErrInvalidInput)
	}
	recs, err := c.base.readPartition(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	out := make([]*ConversationRef, 0, len(recs))
	for _, rec := range recs {
		var ref ConversationRef
		if err := json.Unmarshal(rec.Body, &ref); err != nil {
			c.log.Warn("skipping undecodable conversation ref",
				logx.String("recipient", recipientID), logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		if !ref.Active {
			continue
		}
		ref.SetEtag(rec.Etag)
		out = append(out, &ref)
	}
	return out, nil
}

// RecordSuccess resets the failure counter, reactivates the ref, and bumps
// the interaction time.
func (c *Conversations) RecordSuccess(ctx context.Context, recipientID, channel string) error {
	return c.mutate(ctx, recipientID, channel, func(ref *ConversationRef) {
		ref.ConsecutiveFailures = 0
		ref.Active = true
		ref.LastInteractionAt = c.now()
	})
}

// RecordFailure increments the failure counter and reports whether this
// failure tripped the breaker (deactivated the ref).
func (c *Conversations) RecordFailure(ctx context.Context, recipientID, channel string) (tripped bool, err error) {
	err = c.mutate(ctx, recipientID, channel, func(ref *ConversationRef) {
		ref.ConsecutiveFailures++
		if ref.Active && ref.ConsecutiveFailures >= c.threshold {
			ref.Active = false
			tripped = true
		}
	})
	if err != nil {
		return false, err
	}
	if tripped {
		c.log.Warn("conversation ref deactivated after repeated failures",
			logx.String("recipient", recipientID),
			logx.String("channel", channel),
			logx.Int("threshold", c.threshold))
	}
	return tripped, nil
}

func (c *Conversations) Delete(ctx context.Context, recipientID, channel string) error {
	if err := validateRefKey(recipientID, channel); err != nil {
		return err
	}
	return c.base.delete(ctx, channel, recipientID)
}

func (c *Conversations) mutate(ctx context.Context, recipientID, channel string, fn func(*ConversationRef)) error {
	if err := validateRefKey(recipientID, channel); err != nil {
		return err
	}
	unlock := c.locks.lock(refLockKey(recipientID, channel))
	defer unlock()

	ref, err := c.Get(ctx, recipientID, channel)
	if err != nil {
		return err
	}
	fn(ref)
	return c.base.update(ctx, ref)
}

func validateRefKey(recipientID, channel string) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("%w: empty recipient id", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(channel) == "" {
		return fmt.Errorf("%w: empty channel", storage.ErrInvalidInput)
	}
	return nil
}

func refLockKey(recipientID, channel string) string {
	return recipientID + "/" + channel
}

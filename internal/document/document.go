// Package document defines the base shape shared by every stored entity:
// identity within a partition, an opaque version token, and a lifetime.
package document

import (
	"errors"
	"strings"
	"time"
)

// DefaultTTL applies when a concrete entity does not override its lifetime.
const DefaultTTL = 8 * time.Hour

var (
	ErrEmptyID        = errors.New("document: empty id")
	ErrEmptyPartition = errors.New("document: empty partition key")
)

// Base carries the fields every persisted document shares.
// Concrete entities embed it and are serialized as JSON bodies.
type Base struct {
	ID           string `json:"id"`
	PartitionKey string `json:"partition_key"`
	// Etag is an opaque version token refreshed on every write.
	// Empty means "never persisted".
	Etag string `json:"etag,omitempty"`
	// TTLSeconds is the lifetime at the durable tier.
	// nil means the entity default; 0 means never expires.
	TTLSeconds *int64 `json:"ttl,omitempty"`
}

func (b *Base) DocumentID() string        { return b.ID }
func (b *Base) DocumentPartition() string { return b.PartitionKey }
func (b *Base) SetEtag(etag string)       { b.Etag = etag }

// TTL resolves the effective lifetime given the entity default.
// A zero return means the document never expires.
func (b *Base) TTL(entityDefault time.Duration) time.Duration {
	if b.TTLSeconds == nil {
		if entityDefault < 0 {
			return DefaultTTL
		}
		return entityDefault
	}
	if *b.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(*b.TTLSeconds) * time.Second
}

// Validate rejects documents that must not reach a store.
func (b *Base) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(b.PartitionKey) == "" {
		return ErrEmptyPartition
	}
	return nil
}

// Entity is implemented by every concrete document type (via Base).
type Entity interface {
	DocumentID() string
	DocumentPartition() string
	SetEtag(etag string)
	TTL(entityDefault time.Duration) time.Duration
	Validate() error
}

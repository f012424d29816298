// Package repository layers typed, namespaced access on top of the raw
// document store: a shared decoration base plus one repository per entity
// kind (recipient notification state, conversation references).
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"notigate/internal/document"
	"notigate/internal/storage"
)

// Base adds per-entity-type namespacing and default lifetime policy on top
// of a Store. The type code is prefixed onto the partition key before
// delegating, so unrelated entity kinds share one physical store without
// key collisions. Callers always pass unprefixed logical keys. Pure
// decoration, no state of its own.
type Base struct {
	store    storage.Store
	typeCode string
	// ttl is the entity default lifetime; 0 means never expires,
	// a negative value falls back to document.DefaultTTL.
	ttl time.Duration
}

func NewBase(store storage.Store, typeCode string, defaultTTL time.Duration) Base {
	return Base{store: store, typeCode: typeCode, ttl: defaultTTL}
}

func (b Base) partition(logical string) string {
	return b.typeCode + ":" + logical
}

func (b Base) create(ctx context.Context, e document.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", storage.ErrInvalidInput, err)
	}
	stored, err := b.store.Create(ctx, storage.Record{
		ID:           e.DocumentID(),
		PartitionKey: b.partition(e.DocumentPartition()),
		TTL:          e.TTL(b.ttl),
		Body:         body,
	})
	if err != nil {
		return err
	}
	e.SetEtag(stored.Etag)
	return nil
}

func (b Base) read(ctx context.Context, id, logicalPartition string, out document.Entity) error {
	rec, err := b.store.Read(ctx, id, b.partition(logicalPartition))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Body, out); err != nil {
		return fmt.Errorf("%w: decode %s/%s: %v", storage.ErrUnavailable, id, logicalPartition, err)
	}
	out.SetEtag(rec.Etag)
	return nil
}

func (b Base) update(ctx context.Context, e document.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", storage.ErrInvalidInput, err)
	}
	stored, err := b.store.Update(ctx, storage.Record{
		ID:           e.DocumentID(),
		PartitionKey: b.partition(e.DocumentPartition()),
		TTL:          e.TTL(b.ttl),
		Body:         body,
	})
	if err != nil {
		return err
	}
	e.SetEtag(stored.Etag)
	return nil
}

func (b Base) delete(ctx context.Context, id, logicalPartition string) error {
	return b.store.Delete(ctx, id, b.partition(logicalPartition))
}

func (b Base) readPartition(ctx context.Context, logicalPartition string) ([]storage.Record, error) {
	return b.store.ReadPartition(ctx, b.partition(logicalPartition))
}

package storage

import (
	"context"
	"errors"

	logx "notigate/pkg/logx"
)

// Cache is what the tiered store needs from its fast tier beyond the plain
// Store contract: unconditional population and silent eviction.
type Cache interface {
	Store
	Put(ctx context.Context, rec Record) error
	Evict(id, partitionKey string)
}

// Tiered composes a fast, lossy L1 in front of a durable L2.
//
// Reads are read-through: an L1 miss falls to L2 and populates L1 on the
// way back. Misses are never cached. Writes are write-through: L2 first,
// and only a successful durable write is mirrored into L1, so a failed
// persist can never leave optimistic data in the cache. Partition scans
// always go to L2 (L1 does not track partition membership).
type Tiered struct {
	l1  Cache
	l2  Store
	log logx.Logger
}

func NewTiered(l1 Cache, l2 Store, log logx.Logger) *Tiered {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tiered{l1: l1, l2: l2, log: log}
}

func (t *Tiered) Read(ctx context.Context, id, partitionKey string) (Record, error) {
	rec, err := t.l1.Read(ctx, id, partitionKey)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, ErrInvalidInput) || ctx.Err() != nil {
		return Record{}, err
	}
	// Anything else from L1 is a miss from the caller's perspective.

	rec, err = t.l2.Read(ctx, id, partitionKey)
	if err != nil {
		return Record{}, err
	}
	t.populate(ctx, rec)
	return rec, nil
}

func (t *Tiered) Create(ctx context.Context, rec Record) (Record, error) {
	stored, err := t.l2.Create(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	t.populate(ctx, stored)
	return stored, nil
}

func (t *Tiered) Update(ctx context.Context, rec Record) (Record, error) {
	stored, err := t.l2.Update(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	t.populate(ctx, stored)
	return stored, nil
}

func (t *Tiered) Delete(ctx context.Context, id, partitionKey string) error {
	if err := t.l2.Delete(ctx, id, partitionKey); err != nil {
		return err
	}
	t.l1.Evict(id, partitionKey)
	return nil
}

func (t *Tiered) ReadPartition(ctx context.Context, partitionKey string) ([]Record, error) {
	return t.l2.ReadPartition(ctx, partitionKey)
}

func (t *Tiered) Close() error {
	err1 := t.l1.Close()
	err2 := t.l2.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// populate mirrors a durably stored record into L1. The cache is advisory:
// a population failure is logged, never propagated.
func (t *Tiered) populate(ctx context.Context, rec Record) {
	if err := t.l1.Put(ctx, rec); err != nil {
		t.log.Debug("l1 populate failed",
			logx.String("id", rec.ID),
			logx.String("partition", rec.PartitionKey),
			logx.Err(err))
	}
}

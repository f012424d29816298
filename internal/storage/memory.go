package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

type memKey struct {
	id        string
	partition string
}

// Memory is a capacity-bounded, concurrency-safe Store held entirely in
// memory. It is the fast tier: eviction is recency-biased (least recently
// touched first) and per-record TTLs are honored lazily on access, so no
// background goroutine is needed.
type Memory struct {
	// mu serializes check-then-act mutations; plain reads go straight
	// to the cache, which is safe for concurrent use on its own.
	mu    sync.Mutex
	cache *ttlcache.Cache[memKey, Record]

	defaultTTL time.Duration
}

const defaultMemoryCapacity = 1024

// NewMemory builds a bounded cache. Capacity is fixed for the lifetime of
// the store. defaultTTL caps how long any record may live in this tier;
// zero means records without their own TTL never expire here.
func NewMemory(capacity int, defaultTTL time.Duration) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	if defaultTTL < 0 {
		defaultTTL = 0
	}
	cache := ttlcache.New[memKey, Record](
		ttlcache.WithCapacity[memKey, Record](uint64(capacity)),
		// Reads still refresh recency; they must not stretch lifetimes,
		// or this tier could outlive the durable tier's expiry.
		ttlcache.WithDisableTouchOnHit[memKey, Record](),
	)
	return &Memory{cache: cache, defaultTTL: defaultTTL}
}

func (m *Memory) Create(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	k := memKey{id: rec.ID, partition: rec.PartitionKey}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Has(k) {
		return Record{}, ErrConflict
	}
	rec.Etag = uuid.NewString()
	rec.UpdatedAt = time.Now()
	m.cache.Set(k, rec, m.itemTTL(rec.TTL))
	return rec, nil
}

func (m *Memory) Read(ctx context.Context, id, partitionKey string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validateKey(id, partitionKey); err != nil {
		return Record{}, err
	}
	item := m.cache.Get(memKey{id: id, partition: partitionKey})
	if item == nil {
		return Record{}, ErrNotFound
	}
	return item.Value(), nil
}

func (m *Memory) Update(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	k := memKey{id: rec.ID, partition: rec.PartitionKey}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cache.Has(k) {
		return Record{}, ErrNotFound
	}
	rec.Etag = uuid.NewString()
	rec.UpdatedAt = time.Now()
	m.cache.Set(k, rec, m.itemTTL(rec.TTL))
	return rec, nil
}

func (m *Memory) Delete(ctx context.Context, id, partitionKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(id, partitionKey); err != nil {
		return err
	}
	k := memKey{id: id, partition: partitionKey}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cache.Has(k) {
		return ErrNotFound
	}
	m.cache.Delete(k)
	return nil
}

func (m *Memory) ReadPartition(ctx context.Context, partitionKey string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if partitionKey == "" {
		return nil, ErrInvalidInput
	}
	var out []Record
	m.cache.Range(func(item *ttlcache.Item[memKey, Record]) bool {
		if item.Key().partition == partitionKey {
			out = append(out, item.Value())
		}
		return true
	})
	return out, nil
}

// Put inserts or replaces a record without the Create/Update existence
// checks. The tiered store uses it to populate and mirror this tier;
// the incoming etag (already assigned by the durable tier) is kept.
func (m *Memory) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Set(memKey{id: rec.ID, partition: rec.PartitionKey}, rec, m.itemTTL(rec.TTL))
	return nil
}

// Evict drops a record if present. Unlike Delete it does not report absence.
func (m *Memory) Evict(id, partitionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(memKey{id: id, partition: partitionKey})
}

// Len reports the number of live entries.
func (m *Memory) Len() int { return m.cache.Len() }

func (m *Memory) Close() error {
	m.cache.DeleteAll()
	return nil
}

// itemTTL bounds a record's lifetime in this tier by both its own TTL and
// the tier-wide default.
func (m *Memory) itemTTL(recTTL time.Duration) time.Duration {
	switch {
	case recTTL <= 0 && m.defaultTTL <= 0:
		return ttlcache.NoTTL
	case recTTL <= 0:
		return m.defaultTTL
	case m.defaultTTL <= 0 || recTTL < m.defaultTTL:
		return recTTL
	default:
		return m.defaultTTL
	}
}

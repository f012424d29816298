package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is a valid outcome for reads, not a failure.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means Create hit an existing (id, partition key) pair.
	ErrConflict = errors.New("storage: already exists")
	// ErrInvalidInput rejects empty keys before any I/O happens.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrUnavailable wraps durable-tier I/O failures.
	ErrUnavailable = errors.New("storage: store unavailable")
)

// Record is the envelope a Store persists. Body is an opaque JSON document;
// typing happens at the repository layer.
type Record struct {
	ID           string
	PartitionKey string
	// Etag is refreshed by the store on every successful write.
	Etag string
	// TTL of zero means the record never expires.
	TTL       time.Duration
	Body      []byte
	UpdatedAt time.Time
}

// Store is the capability contract every tier implements.
//
// All operations are safe for concurrent use across distinct keys.
// Concurrent writers to the same key are last-write-wins.
type Store interface {
	// Create fails with ErrConflict when the (id, partition key) pair exists.
	Create(ctx context.Context, rec Record) (Record, error)
	// Read returns ErrNotFound for absent or expired records.
	Read(ctx context.Context, id, partitionKey string) (Record, error)
	// Update requires the record to already exist.
	Update(ctx context.Context, rec Record) (Record, error)
	Delete(ctx context.Context, id, partitionKey string) error
	// ReadPartition returns all live records sharing a partition key.
	// Order is unspecified.
	ReadPartition(ctx context.Context, partitionKey string) ([]Record, error)
	Close() error
}

func validateKey(id, partitionKey string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if strings.TrimSpace(partitionKey) == "" {
		return fmt.Errorf("%w: empty partition key", ErrInvalidInput)
	}
	return nil
}

func validateRecord(rec Record) error {
	if err := validateKey(rec.ID, rec.PartitionKey); err != nil {
		return err
	}
	if rec.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidInput)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "notigate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteConfig configures the durable tier.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// SQLite is the durable Store (source of truth). Expired rows are treated
// as absent on every read and physically removed by PruneExpired, which the
// janitor invokes on a schedule; writes also prune opportunistically.
type SQLite struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func OpenSQLite(cfg SQLiteConfig, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Create(ctx context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	// The body column is NOT NULL; a record without a body is still valid,
	// it just stores an empty document.
	if rec.Body == nil {
		rec.Body = []byte{}
	}
	now := time.Now()

	// An expired row still occupies the primary key; clear it so a fresh
	// create of a recycled id succeeds.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM documents
		  WHERE id = ? AND partition_key = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		rec.ID, rec.PartitionKey, now.UnixMilli(),
	)

	rec.Etag = uuid.NewString()
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(id, partition_key, etag, ttl_seconds, body, updated_at, expires_at)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.PartitionKey, rec.Etag, int64(rec.TTL/time.Second), rec.Body,
		rec.UpdatedAt.Format(time.RFC3339Nano), expiresAt(now, rec.TTL),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.maybePrune()
	return rec, nil
}

func (s *SQLite) Read(ctx context.Context, id, partitionKey string) (Record, error) {
	if err := validateKey(id, partitionKey); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT etag, ttl_seconds, body, updated_at
		   FROM documents
		  WHERE id = ? AND partition_key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, partitionKey, time.Now().UnixMilli(),
	)
	rec := Record{ID: id, PartitionKey: partitionKey}
	var ttlSeconds int64
	var updatedAt string
	err := row.Scan(&rec.Etag, &ttlSeconds, &rec.Body, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rec.TTL = time.Duration(ttlSeconds) * time.Second
	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func (s *SQLite) Update(ctx context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	if rec.Body == nil {
		rec.Body = []byte{}
	}
	now := time.Now()
	rec.Etag = uuid.NewString()
	rec.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		    SET etag = ?, ttl_seconds = ?, body = ?, updated_at = ?, expires_at = ?
		  WHERE id = ? AND partition_key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		rec.Etag, int64(rec.TTL/time.Second), rec.Body,
		rec.UpdatedAt.Format(time.RFC3339Nano), expiresAt(now, rec.TTL),
		rec.ID, rec.PartitionKey, now.UnixMilli(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, ErrNotFound
	}
	s.maybePrune()
	return rec, nil
}

func (s *SQLite) Delete(ctx context.Context, id, partitionKey string) error {
	if err := validateKey(id, partitionKey); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents
		  WHERE id = ? AND partition_key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, partitionKey, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ReadPartition(ctx context.Context, partitionKey string) ([]Record, error) {
	if strings.TrimSpace(partitionKey) == "" {
		return nil, fmt.Errorf("%w: empty partition key", ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, etag, ttl_seconds, body, updated_at
		   FROM documents
		  WHERE partition_key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		partitionKey, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{PartitionKey: partitionKey}
		var ttlSeconds int64
		var updatedAt string
		if err := rows.Scan(&rec.ID, &rec.Etag, &ttlSeconds, &rec.Body, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		rec.TTL = time.Duration(ttlSeconds) * time.Second
		if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
			rec.UpdatedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// PruneExpired removes rows whose lifetime has passed. The janitor calls
// this on a schedule; writes trigger it opportunistically as well.
func (s *SQLite) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if n, err := s.PruneExpired(ctx); err == nil && n > 0 {
		s.log.Debug("pruned expired documents", logx.Int64("count", n))
	}
}

func expiresAt(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).UnixMilli()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

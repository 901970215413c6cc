// Package eventbus implements the broker side of the telemetry core: mTLS
// authentication, admission control, structural validation, signature
// verification, LRU deduplication, and durable persistence, wired together
// behind a gRPC servicer (see server.go).
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	errcodes "github.com/Ap3pp3rs94/telemetry-core/pkg/errors"
)

var (
	// ErrInvalidInput means the caller passed a malformed key or empty bytes.
	ErrInvalidInput = errors.New("eventbus: invalid input")
	// ErrConflict means the store rejected the write for a structural reason
	// that will never resolve on retry (maps to ack.INVALID upstream).
	ErrConflict = errors.New("eventbus: store conflict")
	// ErrUnavailable means the store could not be reached; callers should
	// map this to ack.RETRY (degrade-open for availability).
	ErrUnavailable = errors.New("eventbus: store unavailable")
)

// CodeOf classifies an error returned by this package into the shared
// errcodes.Code registry, the same way wal.CodeOf does for WAL errors.
// Returns false for ErrInvalidInput, which is a caller-programming error
// with no corresponding registry entry.
func CodeOf(err error) (errcodes.Code, bool) {
	switch {
	case errors.Is(err, ErrUnavailable):
		return errcodes.StoreUnavailable, true
	case errors.Is(err, ErrConflict):
		return errcodes.StoreConflict, true
	default:
		return "", false
	}
}

// Record is one durably persisted envelope, indexed by idempotency key.
type Record struct {
	IdempotencyKey string
	Bytes          []byte
	IngestedAt     time.Time
	Attrs          map[string]string
}

// EventStore is the durable, append-only persistence boundary for accepted
// envelopes: once an envelope is persisted it must never be lost. Readers
// MUST be able to iterate in ingestion order; this core does not implement
// a reader path since downstream analytics are out of scope, but the
// schema supports one.
type EventStore interface {
	// Persist stores raw envelope bytes under key, or is a no-op if the key
	// already exists (defense in depth alongside the broker's dedup cache).
	// attrs carries small, queryable side-channel metadata about the
	// envelope — e.g. a TelemetryBatch's item count — that downstream
	// readers can filter on without unmarshaling bytes. Persisted reports
	// whether this call actually wrote a new row.
	Persist(ctx context.Context, key string, raw []byte, ingestedAt time.Time, attrs map[string]string) (persisted bool, err error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// PostgresEventStore is the production EventStore, backed by lib/pq.
type PostgresEventStore struct {
	db    *sql.DB
	table string
}

// NewPostgresEventStore wraps an already-open *sql.DB (driver registered by
// the caller via a blank import of github.com/lib/pq, matching the
// driver-agnostic database/sql convention used elsewhere in this core).
func NewPostgresEventStore(db *sql.DB, table string) (*PostgresEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is nil", ErrInvalidInput)
	}
	if table == "" {
		table = "telemetry_events"
	}
	return &PostgresEventStore{db: db, table: table}, nil
}

// EnsureSchema creates the backing table if it does not already exist.
func (s *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  idempotency_key TEXT PRIMARY KEY,
  bytes           BYTEA NOT NULL,
  ingested_at     TIMESTAMPTZ NOT NULL,
  attributes      JSONB NOT NULL DEFAULT '{}'::jsonb,
  seq             BIGSERIAL
)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresEventStore) Persist(ctx context.Context, key string, raw []byte, ingestedAt time.Time, attrs map[string]string) (bool, error) {
	if key == "" || len(raw) == 0 {
		return false, fmt.Errorf("%w: key and bytes required", ErrInvalidInput)
	}
	attrJSON, err := marshalAttrs(attrs)
	if err != nil {
		return false, fmt.Errorf("%w: marshal attributes: %v", ErrInvalidInput, err)
	}
	q := fmt.Sprintf(`
INSERT INTO %s (idempotency_key, bytes, ingested_at, attributes)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO NOTHING`, s.table)
	res, err := s.db.ExecContext(ctx, q, key, raw, ingestedAt.UTC(), attrJSON)
	if err != nil {
		return false, fmt.Errorf("%w: persist: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func marshalAttrs(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *PostgresEventStore) Count(ctx context.Context) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *PostgresEventStore) Close() error { return s.db.Close() }

// MemoryEventStore is an in-process EventStore used by tests and by
// single-node deployments without a Postgres dependency available; it
// implements the same idempotent-insert contract as PostgresEventStore.
type MemoryEventStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{records: make(map[string]Record)}
}

func (s *MemoryEventStore) Persist(_ context.Context, key string, raw []byte, ingestedAt time.Time, attrs map[string]string) (bool, error) {
	if key == "" || len(raw) == 0 {
		return false, fmt.Errorf("%w: key and bytes required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	var attrsCp map[string]string
	if len(attrs) > 0 {
		attrsCp = make(map[string]string, len(attrs))
		for k, v := range attrs {
			attrsCp[k] = v
		}
	}
	s.records[key] = Record{IdempotencyKey: key, Bytes: cp, IngestedAt: ingestedAt, Attrs: attrsCp}
	return true, nil
}

func (s *MemoryEventStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

func (s *MemoryEventStore) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok
}

func (s *MemoryEventStore) Close() error { return nil }

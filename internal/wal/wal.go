// Package wal implements the agent's durable, bounded, idempotent FIFO of
// signed envelopes awaiting acknowledgement. It is a single-writer-per-file
// SQLite-backed store: the same process must never run two drains
// concurrently against the same WAL.
package wal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ap3pp3rs94/telemetry-core/pkg/ack"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/canonical"
	errcodes "github.com/Ap3pp3rs94/telemetry-core/pkg/errors"
)

var (
	ErrClosed   = errors.New("wal: closed")
	ErrCorrupt  = errors.New("wal: checksum mismatch on read")
	ErrDrainBusy = errors.New("wal: a drain is already in progress")
)

// CodeOf classifies an error returned by this package into the shared
// errcodes.Code registry, so callers making retry/HTTP-status decisions
// don't need to know this package's sentinel errors. Returns false for
// errors this package doesn't have a specific classification for (e.g. a
// wrapped sqlite driver error), which callers should treat as errcodes.Internal.
func CodeOf(err error) (errcodes.Code, bool) {
	switch {
	case errors.Is(err, ErrClosed):
		return errcodes.WALClosed, true
	case errors.Is(err, ErrCorrupt):
		return errcodes.WALCorrupt, true
	default:
		return "", false
	}
}

// AppendOutcome reports what Append actually did.
type AppendOutcome int

const (
	Stored AppendOutcome = iota
	Duplicate
	Overflow
)

func (o AppendOutcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// PublishFunc attempts to deliver one envelope and returns the ack the
// EventBus (or transport layer) produced for it. A non-nil error means no
// ack was obtained at all (RPC failure, timeout) and is treated identically
// to ack.RETRY for draining purposes: the drain stops and the row stays.
type PublishFunc func(ctx context.Context, e canonical.Envelope) (ack.Ack, error)

// WAL is a single-writer, bounded, idempotent FIFO backed by SQLite.
type WAL struct {
	mu             sync.Mutex
	db             *sql.DB
	maxBacklogBytes int64
	draining       bool
	overflowDrops  int64
}

// Open opens (creating if necessary) the WAL database at path and ensures
// its schema exists. maxBacklogBytes is the hard backlog ceiling; a value
// <= 0 disables eviction.
func Open(path string, maxBacklogBytes int64) (*WAL, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer per file
	w := &WAL{db: db, maxBacklogBytes: maxBacklogBytes}
	if err := w.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) ensureSchema() error {
	_, err := w.db.Exec(`
CREATE TABLE IF NOT EXISTS wal_records (
	row_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	idempotency_key TEXT NOT NULL UNIQUE,
	ts_ns           INTEGER NOT NULL,
	bytes           BLOB NOT NULL,
	checksum        TEXT NOT NULL
)`)
	return err
}

// Close flushes and releases the database handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Append inserts e, or no-ops if its idempotency key already exists. If the
// resulting backlog exceeds maxBacklogBytes, the oldest rows are dropped
// until back under threshold (tail-drop-at-head), and Overflow is reported
// for the newly-appended row if it itself was evicted (vanishingly rare:
// only when max_backlog_bytes is smaller than one envelope).
func (w *WAL) Append(ctx context.Context, e canonical.Envelope) (AppendOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return 0, ErrClosed
	}
	if e.IdempotencyKey == "" {
		return 0, fmt.Errorf("wal: envelope has no idempotency key")
	}
	raw, err := e.Marshal()
	if err != nil {
		return 0, fmt.Errorf("wal: marshal envelope: %w", err)
	}
	res, err := w.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO wal_records (idempotency_key, ts_ns, bytes, checksum) VALUES (?, ?, ?, ?)`,
		e.IdempotencyKey, int64(e.TsNs), raw, checksumOf(raw))
	if err != nil {
		return 0, fmt.Errorf("wal: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("wal: rows affected: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	survived, err := w.evictOverflowLocked(ctx, e.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if !survived {
		return Overflow, nil
	}
	return Stored, nil
}

// evictOverflowLocked drops the oldest rows until the backlog is back under
// maxBacklogBytes. It reports whether the row with justAppendedKey survived
// the eviction (it is always the newest row, so it only fails to survive
// when maxBacklogBytes is smaller than a single envelope).
func (w *WAL) evictOverflowLocked(ctx context.Context, justAppendedKey string) (bool, error) {
	if w.maxBacklogBytes <= 0 {
		return true, nil
	}
	for {
		total, err := w.backlogBytesLocked(ctx)
		if err != nil {
			return false, err
		}
		if total <= w.maxBacklogBytes {
			return true, nil
		}
		var oldestKey string
		var oldestRowID int64
		row := w.db.QueryRowContext(ctx, `SELECT row_id, idempotency_key FROM wal_records ORDER BY row_id ASC LIMIT 1`)
		if err := row.Scan(&oldestRowID, &oldestKey); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return true, nil
			}
			return false, fmt.Errorf("wal: select oldest: %w", err)
		}
		if _, err := w.db.ExecContext(ctx, `DELETE FROM wal_records WHERE row_id = ?`, oldestRowID); err != nil {
			return false, fmt.Errorf("wal: evict oldest: %w", err)
		}
		w.overflowDrops++
		if oldestKey == justAppendedKey {
			return false, nil
		}
	}
}

func (w *WAL) backlogBytesLocked(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	row := w.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(bytes)), 0) FROM wal_records`)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("wal: backlog query: %w", err)
	}
	return total.Int64, nil
}

// BacklogBytes returns the current approximate on-disk size.
func (w *WAL) BacklogBytes(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return 0, ErrClosed
	}
	return w.backlogBytesLocked(ctx)
}

// OverflowDrops returns the cumulative count of rows evicted due to
// max_backlog_bytes, for wiring into the wal_overflow_drop_total metric.
func (w *WAL) OverflowDrops() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overflowDrops
}

type walRow struct {
	rowID    int64
	bytes    []byte
	checksum string
}

// Drain fetches up to batchLimit rows in row_id order and invokes publish
// for each, interpreting the ack as follows:
//   - OK: delete row, continue.
//   - RETRY, or a transport error (no ack): stop draining immediately,
//     leaving this and all remaining rows in place.
//   - INVALID or UNAUTHORIZED: delete row (poison), continue.
//
// It returns the number of rows deleted (OK plus poison). Concurrent drains
// on the same WAL are rejected with ErrDrainBusy — single-writer per file.
func (w *WAL) Drain(ctx context.Context, publish PublishFunc, batchLimit int) (int, error) {
	w.mu.Lock()
	if w.db == nil {
		w.mu.Unlock()
		return 0, ErrClosed
	}
	if w.draining {
		w.mu.Unlock()
		return 0, ErrDrainBusy
	}
	w.draining = true
	db := w.db
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.draining = false
		w.mu.Unlock()
	}()

	rows, err := db.QueryContext(ctx, `SELECT row_id, bytes, checksum FROM wal_records ORDER BY row_id ASC LIMIT ?`, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("wal: select batch: %w", err)
	}
	var batch []walRow
	for rows.Next() {
		var r walRow
		if err := rows.Scan(&r.rowID, &r.bytes, &r.checksum); err != nil {
			rows.Close()
			return 0, fmt.Errorf("wal: scan row: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	deleted := 0
	for _, r := range batch {
		select {
		case <-ctx.Done():
			return deleted, ctx.Err()
		default:
		}
		if checksumOf(r.bytes) != r.checksum {
			// A corrupted row can never succeed; treat it like poison so
			// it does not block the rest of the backlog forever.
			if _, err := db.ExecContext(ctx, `DELETE FROM wal_records WHERE row_id = ?`, r.rowID); err != nil {
				return deleted, fmt.Errorf("%w: row %d: %v", ErrCorrupt, r.rowID, err)
			}
			deleted++
			continue
		}
		env, err := canonical.Unmarshal(r.bytes)
		if err != nil {
			if _, derr := db.ExecContext(ctx, `DELETE FROM wal_records WHERE row_id = ?`, r.rowID); derr != nil {
				return deleted, derr
			}
			deleted++
			continue
		}
		a, perr := publish(ctx, env)
		if perr != nil {
			// transport failure: no ack obtained, stop draining here.
			return deleted, nil
		}
		switch a.Status {
		case ack.OK:
			if _, err := db.ExecContext(ctx, `DELETE FROM wal_records WHERE row_id = ?`, r.rowID); err != nil {
				return deleted, fmt.Errorf("wal: delete acked row: %w", err)
			}
			deleted++
		case ack.RETRY:
			return deleted, nil
		case ack.INVALID, ack.UNAUTHORIZED:
			if _, err := db.ExecContext(ctx, `DELETE FROM wal_records WHERE row_id = ?`, r.rowID); err != nil {
				return deleted, fmt.Errorf("wal: delete poison row: %w", err)
			}
			deleted++
		default:
			return deleted, fmt.Errorf("wal: %w for row %d", ack.ErrUnknownStatus, r.rowID)
		}
	}
	return deleted, nil
}

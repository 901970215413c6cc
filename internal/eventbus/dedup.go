package eventbus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup is the broker's process-local, bounded LRU of recently-accepted
// idempotency keys, with strict recency-based eviction. It is a throughput
// optimization, not a correctness primitive — durable dedup lives in the
// WAL's UNIQUE(idempotency_key) client-side and the event store's primary
// key server-side.
//
// Reserve/Rollback implement a tie-break rule: the key is inserted *before*
// persistence is attempted, and rolled back if persistence fails
// transiently, so a retry of the same envelope can still succeed instead of
// being shadowed by a key for a row that was never actually written.
type Dedup struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

func NewDedup(size int) (*Dedup, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{cache: c}, nil
}

// Contains reports a cache hit without mutating recency, used for the
// dedup_hits fast path before any reservation is attempted.
func (d *Dedup) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Contains(key)
}

// Reserve inserts key, reporting false if it was already present (a
// concurrent duplicate arrived first).
func (d *Dedup) Reserve(key string) (reserved bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(key) {
		return false
	}
	d.cache.Add(key, struct{}{})
	return true
}

// Rollback removes a reservation after a transient persistence failure, so
// the producer's retry is not shadowed by a dead reservation.
func (d *Dedup) Rollback(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(key)
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

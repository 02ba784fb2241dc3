package querycache

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
)

type partialEntry[R any] struct {
	key  QueryKey
	rows []R
}

// PartialResultCache holds full result sets by QueryKey and answers paginated
// variants of a cached query by slicing. It has no eviction and no per-table
// tracking: any purge clears everything.
type PartialResultCache[R any] struct {
	mu      sync.RWMutex
	buckets map[uint64][]partialEntry[R]
	size    int
	logger  zerolog.Logger
}

// NewPartialResultCache creates an empty cache.
func NewPartialResultCache[R any](logger zerolog.Logger) *PartialResultCache[R] {
	return &PartialResultCache[R]{
		buckets: make(map[uint64][]partialEntry[R]),
		logger:  logger.With().Str("component", "PartialResultCache").Logger(),
	}
}

// Get returns the rows for k. On an exact miss, a key whose query ends in a
// LIMIT clause is answered from the cached result of the same query without
// that clause, sliced to the requested window.
func (c *PartialResultCache[R]) Get(k QueryKey) ([]R, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rows, ok := c.get(k); ok {
		return rows, true
	}
	if !HasLimit(k.query) {
		return nil, false
	}
	limit, offset, ok := ParseLimitOffset(k.query)
	if !ok {
		return nil, false
	}
	base := k.WithoutLimit()
	rows, ok := c.get(base)
	if !ok {
		return nil, false
	}
	c.logger.Debug().Str("query", k.query).Int("limit", limit).Int("offset", offset).Msg("Serving window from cached full result.")
	return SliceWindow(rows, limit, offset), true
}

// get must be called with c.mu held.
func (c *PartialResultCache[R]) get(k QueryKey) ([]R, bool) {
	for _, e := range c.buckets[k.Hash()] {
		if e.key.Equal(k) {
			return e.rows, true
		}
	}
	return nil, false
}

// Put stores rows under the exact key, replacing an equal key.
func (c *PartialResultCache[R]) Put(k QueryKey, rows []R) {
	h := k.Hash()
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.buckets[h]
	for i, e := range bucket {
		if e.key.Equal(k) {
			bucket[i].rows = rows
			return
		}
	}
	c.buckets[h] = append(bucket, partialEntry[R]{key: k, rows: rows})
	c.size++
}

// Purge drops every entry. It is typically called after any write.
func (c *PartialResultCache[R]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[uint64][]partialEntry[R])
	c.size = 0
}

// Len returns the number of stored result sets.
func (c *PartialResultCache[R]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// OnFlush purges the whole cache regardless of the event's group. Register it
// with cache.Manager.AddLocalListener so remote flushes purge it too.
func (c *PartialResultCache[R]) OnFlush(_ context.Context, event cache.Event) error {
	c.Purge()
	c.logger.Debug().Str("event", event.String()).Msg("Partial result cache purged.")
	return nil
}

package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// lruKey is the composite key stored in the LRU list.
type lruKey struct {
	group string
	key   string
}

// LRUBackend is a size-limited, thread-safe, in-memory backend with a Least
// Recently Used eviction policy. A group index is kept in step with the LRU
// through its eviction callback so that a group flush removes exactly the
// entries that belong to that group.
type LRUBackend[V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[lruKey, V]
	index map[string]map[string]struct{}
}

// NewLRUBackend creates a new size-limited LRU backend.
// - maxSize: The maximum number of entries across all groups. Must be > 0.
func NewLRUBackend[V any](maxSize int) (*LRUBackend[V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	b := &LRUBackend[V]{
		index: make(map[string]map[string]struct{}),
	}
	c, err := lru.NewWithEvict[lruKey, V](maxSize, b.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	b.cache = c
	return b, nil
}

// onEvict runs synchronously inside Add, Remove and Purge, all of which are
// called with b.mu held.
func (b *LRUBackend[V]) onEvict(k lruKey, _ V) {
	keys, ok := b.index[k.group]
	if !ok {
		return
	}
	delete(keys, k.key)
	if len(keys) == 0 {
		delete(b.index, k.group)
	}
}

// Get retrieves an item and marks it as recently used.
func (b *LRUBackend[V]) Get(_ context.Context, group, key string) (V, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.cache.Get(lruKey{group: group, key: key})
	return v, ok, nil
}

// Put adds an item, evicting the least recently used entry when full.
func (b *LRUBackend[V]) Put(_ context.Context, group, key string, value V) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, ok := b.index[group]
	if !ok {
		keys = make(map[string]struct{})
		b.index[group] = keys
	}
	keys[key] = struct{}{}
	b.cache.Add(lruKey{group: group, key: key}, value)
	return nil
}

// Flush removes a group or everything.
func (b *LRUBackend[V]) Flush(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event.Scope {
	case ScopeAll:
		b.cache.Purge()
		b.index = make(map[string]map[string]struct{})
	case ScopeGroup:
		for key := range b.index[event.Group] {
			b.cache.Remove(lruKey{group: event.Group, key: key})
		}
		delete(b.index, event.Group)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Scope)
	}
	return nil
}

// Len returns the total number of cached entries.
func (b *LRUBackend[V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Len()
}

// Close is a no-op for the in-memory LRU backend.
func (b *LRUBackend[V]) Close() error {
	return nil
}

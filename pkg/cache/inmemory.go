package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBackend is a thread-safe, in-process backend holding one map per group.
// It has no eviction; entries live until flushed.
type InMemoryBackend[V any] struct {
	mu     sync.RWMutex
	groups map[string]map[string]V
}

// NewInMemoryBackend creates an empty in-memory backend.
func NewInMemoryBackend[V any]() *InMemoryBackend[V] {
	return &InMemoryBackend[V]{
		groups: make(map[string]map[string]V),
	}
}

// Get retrieves an item from the group.
func (c *InMemoryBackend[V]) Get(_ context.Context, group, key string) (V, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.groups[group][key]
	return value, ok, nil
}

// Put adds an item to the group.
func (c *InMemoryBackend[V]) Put(_ context.Context, group, key string, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.groups[group]
	if !ok {
		entries = make(map[string]V)
		c.groups[group] = entries
	}
	entries[key] = value
	return nil
}

// Flush drops a group or everything.
func (c *InMemoryBackend[V]) Flush(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Scope {
	case ScopeAll:
		c.groups = make(map[string]map[string]V)
	case ScopeGroup:
		delete(c.groups, event.Group)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Scope)
	}
	return nil
}

// Len returns the number of entries held in a group.
func (c *InMemoryBackend[V]) Len(group string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.groups[group])
}

// Close is a no-op for the in-memory backend.
func (c *InMemoryBackend[V]) Close() error {
	return nil
}

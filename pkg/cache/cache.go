// Package cache provides the storage contract for cached query results, the
// flush event model and a set of concrete backends.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnsupportedEvent is returned by a backend that cannot honor a flush event.
// A flush must either evict or fail; it never silently does nothing.
var ErrUnsupportedEvent = errors.New("cache: unsupported flush event")

// Backend is a generic store of values partitioned into groups. A group is the
// name of the table whose query results it holds.
type Backend[V any] interface {
	// Get retrieves a value. The boolean is false on a miss, which is not an error.
	Get(ctx context.Context, group, key string) (V, bool, error)
	// Put stores a value under the group.
	Put(ctx context.Context, group, key string, value V) error
	// Flush evicts what the event names. When it returns nil the data is gone.
	Flush(ctx context.Context, event Event) error
	io.Closer
}

// Listener is notified after every successful flush.
type Listener interface {
	OnFlush(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, event Event) error

// OnFlush calls f.
func (f ListenerFunc) OnFlush(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type registration struct {
	id       string
	listener Listener
	local    bool
}

// Manager wraps a Backend with listener fan-out and the default key derivation.
// It is safe for concurrent use.
type Manager[V any] struct {
	backend Backend[V]
	logger  zerolog.Logger

	mu        sync.RWMutex
	listeners []registration
}

// NewManager wraps the given backend.
func NewManager[V any](backend Backend[V], logger zerolog.Logger) (*Manager[V], error) {
	if backend == nil {
		return nil, errors.New("cache backend cannot be nil")
	}
	return &Manager[V]{
		backend: backend,
		logger:  logger.With().Str("component", "CacheManager").Logger(),
	}, nil
}

// Get retrieves a value from the backend.
func (m *Manager[V]) Get(ctx context.Context, group, key string) (V, bool, error) {
	return m.backend.Get(ctx, group, key)
}

// Put stores a value in the backend.
func (m *Manager[V]) Put(ctx context.Context, group, key string, value V) error {
	return m.backend.Put(ctx, group, key, value)
}

// Flush evicts and notifies all listeners.
func (m *Manager[V]) Flush(ctx context.Context, event Event) error {
	return m.FlushWithPropagation(ctx, event, true)
}

// FlushWithPropagation evicts what the event names, then notifies local
// listeners and, if propagate is true, every other registered listener. A
// backend failure is returned and no listener runs. A failing listener is
// logged and does not stop the others.
func (m *Manager[V]) FlushWithPropagation(ctx context.Context, event Event, propagate bool) error {
	if err := m.backend.Flush(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("event", event.String()).Msg("Cache flush failed.")
		return fmt.Errorf("flush %s: %w", event, err)
	}
	m.propagate(ctx, event, propagate)
	if event.Scope == ScopeAll {
		m.logger.Debug().Msg("Cache purged: all caches.")
	} else {
		m.logger.Debug().Str("table", event.Group).Msg("Cache purged: table.")
	}
	return nil
}

func (m *Manager[V]) propagate(ctx context.Context, event Event, all bool) {
	m.mu.RLock()
	regs := make([]registration, len(m.listeners))
	copy(regs, m.listeners)
	m.mu.RUnlock()

	for _, reg := range regs {
		if reg.local || all {
			m.notify(ctx, reg, event)
		}
	}
}

func (m *Manager[V]) notify(ctx context.Context, reg registration, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("listener_id", reg.id).Str("event", event.String()).
				Msgf("Cache listener panicked: %v", r)
		}
	}()
	if err := reg.listener.OnFlush(ctx, event); err != nil {
		m.logger.Warn().Err(err).Str("listener_id", reg.id).Str("event", event.String()).
			Msg("Failed to propagate cache event to listener.")
	}
}

// AddListener registers a listener that is notified of propagated flushes and
// returns its registration id.
func (m *Manager[V]) AddListener(l Listener) string {
	return m.addListener(l, false)
}

// AddLocalListener registers a listener that is notified of every successful
// flush, including remote flushes applied without propagation. Use it for
// state held in this process, such as a PartialResultCache.
func (m *Manager[V]) AddLocalListener(l Listener) string {
	return m.addListener(l, true)
}

func (m *Manager[V]) addListener(l Listener, local bool) string {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, registration{id: id, listener: l, local: local})
	return id
}

// RemoveListener unregisters the listener with the given id.
func (m *Manager[V]) RemoveListener(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, reg := range m.listeners {
		if reg.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAllListeners drops every registered listener.
func (m *Manager[V]) RemoveAllListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = nil
}

// ListenerCount reports how many listeners are registered.
func (m *Manager[V]) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// Key derives the cache key for a query. It is an exact-text key: no
// normalization is applied to the query.
func (m *Manager[V]) Key(table, query string, params []any) string {
	return Key(table, query, params)
}

// Implementation returns the underlying backend.
func (m *Manager[V]) Implementation() Backend[V] {
	return m.backend
}

// Close closes the underlying backend.
func (m *Manager[V]) Close() error {
	return m.backend.Close()
}

// Key is the default key derivation: table + query + string form of params.
func Key(table, query string, params []any) string {
	var b strings.Builder
	b.WriteString(table)
	b.WriteString(query)
	b.WriteString(ParamString(params))
	return b.String()
}

// ParamString renders params as "null" when nil, otherwise as "[a, b, ...]".
func ParamString(params []any) string {
	if params == nil {
		return "null"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range params {
		if i > 0 {
			b.WriteString(", ")
		}
		if p == nil {
			b.WriteString("null")
			continue
		}
		fmt.Fprintf(&b, "%v", p)
	}
	b.WriteByte(']')
	return b.String()
}

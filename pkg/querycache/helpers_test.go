package querycache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Row is the row type used throughout the tests.
type Row = map[string]any

// spyBackend wraps an in-memory backend and records every call. Each method
// can be overridden with a Func field to inject failures.
type spyBackend struct {
	inner *cache.InMemoryBackend[[]Row]

	GetFunc   func(ctx context.Context, group, key string) ([]Row, bool, error)
	PutFunc   func(ctx context.Context, group, key string, value []Row) error
	FlushFunc func(ctx context.Context, event cache.Event) error

	gets    atomic.Int32
	puts    atomic.Int32
	flushes atomic.Int32

	mu     sync.Mutex
	events []cache.Event
}

func newSpyBackend() *spyBackend {
	return &spyBackend{inner: cache.NewInMemoryBackend[[]Row]()}
}

func (s *spyBackend) Get(ctx context.Context, group, key string) ([]Row, bool, error) {
	s.gets.Add(1)
	if s.GetFunc != nil {
		return s.GetFunc(ctx, group, key)
	}
	return s.inner.Get(ctx, group, key)
}

func (s *spyBackend) Put(ctx context.Context, group, key string, value []Row) error {
	s.puts.Add(1)
	if s.PutFunc != nil {
		return s.PutFunc(ctx, group, key, value)
	}
	return s.inner.Put(ctx, group, key, value)
}

func (s *spyBackend) Flush(ctx context.Context, event cache.Event) error {
	s.flushes.Add(1)
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	if s.FlushFunc != nil {
		return s.FlushFunc(ctx, event)
	}
	return s.inner.Flush(ctx, event)
}

func (s *spyBackend) Close() error { return nil }

func (s *spyBackend) calls() int32 {
	return s.gets.Load() + s.puts.Load() + s.flushes.Load()
}

func (s *spyBackend) flushedGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]string, 0, len(s.events))
	for _, e := range s.events {
		groups = append(groups, e.Group)
	}
	return groups
}

// newTestCache builds a ResultCache over a spy backend. A nil meta caches every table.
func newTestCache(t *testing.T, meta querycache.Metadata) (*querycache.ResultCache[Row], *spyBackend) {
	t.Helper()
	spy := newSpyBackend()
	mgr, err := cache.NewManager[[]Row](spy, zerolog.Nop())
	require.NoError(t, err)
	return querycache.New[Row](mgr, meta, zerolog.Nop()), spy
}

func rows(names ...string) []Row {
	out := make([]Row, len(names))
	for i, n := range names {
		out[i] = Row{"name": n}
	}
	return out
}

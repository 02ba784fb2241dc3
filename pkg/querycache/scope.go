package querycache

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// scopeState is the pending table set shared by an owning scope and every
// scope that joined it.
type scopeState struct {
	id     string
	mu     sync.Mutex
	tables map[string]struct{}
	closed bool
}

func (s *scopeState) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// scopeKey keys the active scope per ResultCache in a context.
type scopeKey[R any] struct {
	rc *ResultCache[R]
}

// Scope collects the tables touched by one logical write and flushes each of
// them once, when the owning scope closes.
//
// The owning scope is the first one opened on a context chain; scopes opened
// on a context that already carries an open scope join it. Closing a joined
// scope does nothing. Work started on an unrelated context forms its own scope.
type Scope[R any] struct {
	rc    *ResultCache[R]
	state *scopeState
	owner bool
}

// BeginScope opens a scope, joining the one carried by ctx if there is an open one.
// The returned context carries the scope; pass it down the write path and
// always Close the scope, typically with defer.
func (rc *ResultCache[R]) BeginScope(ctx context.Context) (context.Context, *Scope[R]) {
	key := scopeKey[R]{rc: rc}
	if st, ok := ctx.Value(key).(*scopeState); ok && !st.isClosed() {
		return ctx, &Scope[R]{rc: rc, state: st}
	}
	st := &scopeState{id: uuid.NewString(), tables: make(map[string]struct{})}
	rc.logger.Debug().Str("scope_id", st.id).Msg("Invalidation scope opened.")
	return context.WithValue(ctx, key, st), &Scope[R]{rc: rc, state: st, owner: true}
}

// Owner reports whether closing this scope flushes.
func (s *Scope[R]) Owner() bool { return s.owner }

// ID identifies the shared scope state in logs.
func (s *Scope[R]) ID() string { return s.state.id }

// Add records a table for invalidation. Tables that are not cacheable are skipped.
// A table added after the owning scope closed is purged immediately.
func (s *Scope[R]) Add(table string) *Scope[R] {
	if !s.rc.Cacheable(table) {
		s.rc.logger.Debug().Str("scope_id", s.state.id).Str("table", table).Msg("Scope skip.")
		return s
	}
	s.state.mu.Lock()
	if s.state.closed {
		s.state.mu.Unlock()
		s.rc.logger.Warn().Str("scope_id", s.state.id).Str("table", table).
			Msg("Table added to a closed invalidation scope, purging immediately.")
		if err := s.rc.PurgeTableCache(context.Background(), table); err != nil {
			s.rc.logger.Error().Err(err).Str("table", table).Msg("Immediate purge failed.")
		}
		return s
	}
	s.state.tables[table] = struct{}{}
	s.state.mu.Unlock()
	s.rc.logger.Debug().Str("scope_id", s.state.id).Str("table", table).Msg("Scope add.")
	return s
}

// AddEntity records the entity's table if the entity is cached.
func (s *Scope[R]) AddEntity(e Entity) *Scope[R] {
	if !e.Cached() {
		return s
	}
	return s.Add(e.TableName())
}

// Tables returns the pending tables in sorted order.
func (s *Scope[R]) Tables() []string {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return sortedTables(s.state.tables)
}

// Close flushes every distinct pending table once if this is the owning scope.
// Joined scopes and repeated calls do nothing. All tables are attempted;
// failures are joined into the returned error.
func (s *Scope[R]) Close(ctx context.Context) error {
	if !s.owner {
		return nil
	}
	s.state.mu.Lock()
	if s.state.closed {
		s.state.mu.Unlock()
		return nil
	}
	s.state.closed = true
	tables := sortedTables(s.state.tables)
	s.state.tables = nil
	s.state.mu.Unlock()

	s.rc.logger.Debug().Str("scope_id", s.state.id).Strs("tables", tables).Msg("Invalidation scope closing, purging tables.")
	var errs []error
	for _, table := range tables {
		if err := s.rc.PurgeTableCache(ctx, table); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InScope runs fn inside a scope and closes it on every exit path, including
// a panic, which is re-raised after the flush.
func (rc *ResultCache[R]) InScope(ctx context.Context, fn func(ctx context.Context, s *Scope[R]) error) (err error) {
	ctx, s := rc.BeginScope(ctx)
	defer func() {
		r := recover()
		if cerr := s.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx, s)
}

// Purge invalidates a single table through a scope. Inside an enclosing scope
// the flush is deferred to the owner's close.
func (rc *ResultCache[R]) Purge(ctx context.Context, table string) error {
	if !rc.Cacheable(table) {
		return nil
	}
	ctx, s := rc.BeginScope(ctx)
	s.Add(table)
	return s.Close(ctx)
}

func sortedTables(set map[string]struct{}) []string {
	tables := make([]string, 0, len(set))
	for t := range set {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

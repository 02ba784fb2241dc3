// Package querycache caches read query results per table, batches
// invalidations produced by cascading writes, and serves paginated queries
// from a cached unbounded result.
package querycache

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
)

const origin = "querycache.ResultCache"

// ResultCache is the read/write entry point for cached query results. Values
// are row slices so that a LIMIT/OFFSET query can be answered from the
// cached unbounded query.
//
// A ResultCache built without a Manager is disabled: lookups miss and writes
// and purges are no-ops.
type ResultCache[R any] struct {
	manager *cache.Manager[[]R]
	meta    Metadata
	logger  zerolog.Logger
}

// New creates a ResultCache. A nil manager disables caching; a nil meta
// treats every table as cacheable.
func New[R any](manager *cache.Manager[[]R], meta Metadata, logger zerolog.Logger) *ResultCache[R] {
	if meta == nil {
		meta = AllTables
	}
	rc := &ResultCache[R]{
		manager: manager,
		meta:    meta,
		logger:  logger.With().Str("component", "ResultCache").Logger(),
	}
	if manager == nil {
		rc.logger.Info().Msg("Result cache is disabled.")
	}
	return rc
}

// Enabled reports whether a backend is configured.
func (rc *ResultCache[R]) Enabled() bool {
	return rc.manager != nil
}

// Manager returns the backend manager, nil when disabled.
func (rc *ResultCache[R]) Manager() *cache.Manager[[]R] {
	return rc.manager
}

// Cacheable reports whether the table's results are cached.
func (rc *ResultCache[R]) Cacheable(table string) bool {
	return rc.Enabled() && rc.meta.Cacheable(table)
}

// GetItem returns the cached rows for a query. When the exact query misses and
// it carries a LIMIT clause, the cached result of the same query without the
// clause is sliced instead. Backend failures are reported as misses.
func (rc *ResultCache[R]) GetItem(ctx context.Context, table, query string, params []any) ([]R, bool) {
	if !rc.Cacheable(table) {
		return nil, false
	}

	if rows, ok := rc.lookup(ctx, table, query, params); ok {
		rc.logAccess(query, params, "HIT")
		return rows, true
	}

	if limit, offset, ok := ParseLimitOffset(query); ok {
		if base := TrimLimitOffset(query); base != query {
			if rows, ok := rc.lookup(ctx, table, base, params); ok {
				rc.logAccess(query, params, "HIT (sliced)")
				return SliceWindow(rows, limit, offset), true
			}
		}
	}

	rc.logAccess(query, params, "MISS")
	return nil, false
}

func (rc *ResultCache[R]) lookup(ctx context.Context, table, query string, params []any) (rows []R, found bool) {
	key := rc.manager.Key(table, query, params)
	defer func() {
		if r := recover(); r != nil {
			rc.logger.Warn().Str("table", table).Msgf("Cache backend panicked on get: %v", r)
			rows, found = nil, false
		}
	}()

	rows, found, err := rc.manager.Get(ctx, table, key)
	if err != nil {
		rc.logger.Warn().Err(err).Str("table", table).Msg("Cache backend get failed, treating as miss.")
		return nil, false
	}
	return rows, found
}

// AddItem stores the rows of a query. Failures are logged and swallowed: a
// caching write never fails the caller.
func (rc *ResultCache[R]) AddItem(ctx context.Context, table, query string, params []any, rows []R) {
	if !rc.Cacheable(table) {
		return
	}
	key := rc.manager.Key(table, query, params)
	defer func() {
		if r := recover(); r != nil {
			rc.logger.Warn().Str("table", table).Msgf("Cache backend panicked on put: %v", r)
		}
	}()
	if err := rc.manager.Put(ctx, table, key, rows); err != nil {
		rc.logger.Warn().Err(err).Str("table", table).Msg("Failed to add item to cache.")
	}
}

// GetOrLoad returns cached rows or calls load and caches its result.
func (rc *ResultCache[R]) GetOrLoad(
	ctx context.Context,
	table, query string,
	params []any,
	load func(ctx context.Context) ([]R, error),
) ([]R, error) {
	if rows, ok := rc.GetItem(ctx, table, query, params); ok {
		return rows, nil
	}
	rows, err := load(ctx)
	if err != nil {
		return nil, err
	}
	rc.AddItem(ctx, table, query, params, rows)
	return rows, nil
}

// PurgeTableCache flushes all cached results of a cacheable table. Flush
// failures are returned: after a nil return the data is gone.
func (rc *ResultCache[R]) PurgeTableCache(ctx context.Context, table string) error {
	if !rc.Cacheable(table) {
		return nil
	}
	if err := rc.manager.Flush(ctx, cache.GroupEvent(table, origin)); err != nil {
		return fmt.Errorf("purge table cache %s: %w", table, err)
	}
	return nil
}

// PurgeEntityCache flushes the cached results of an entity that opted into caching.
func (rc *ResultCache[R]) PurgeEntityCache(ctx context.Context, e Entity) error {
	if !rc.Enabled() || !e.Cached() {
		return nil
	}
	if err := rc.manager.Flush(ctx, cache.GroupEvent(e.TableName(), origin)); err != nil {
		return fmt.Errorf("purge table cache %s: %w", e.TableName(), err)
	}
	return nil
}

// FlushAll evicts every cached result.
func (rc *ResultCache[R]) FlushAll(ctx context.Context) error {
	if !rc.Enabled() {
		return nil
	}
	return rc.manager.Flush(ctx, cache.AllEvent(origin))
}

func (rc *ResultCache[R]) logAccess(query string, params []any, access string) {
	e := rc.logger.Debug()
	if !e.Enabled() {
		return
	}
	if len(params) > 0 {
		e = e.Str("params", cache.ParamString(params))
	}
	e.Str("query", query).Msg(access)
}

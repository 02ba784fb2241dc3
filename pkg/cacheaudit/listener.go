package cacheaudit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
)

// BatcherConfig controls how audit records are grouped before insertion.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
	// BufferSize bounds the records waiting for the worker. Records arriving
	// while it is full are dropped.
	BufferSize int
}

// NewBatcherDefaults provides a config with sensible defaults.
func NewBatcherDefaults() *BatcherConfig {
	return &BatcherConfig{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		InsertTimeout: 30 * time.Second,
		BufferSize:    1000,
	}
}

// Listener is a cache.Listener that audits every flush it sees. A flush is
// never held up by auditing: records are handed to a background worker and
// dropped if it falls behind.
type Listener struct {
	config     *BatcherConfig
	inserter   DataBatchInserter[Record]
	instanceID string
	logger     zerolog.Logger

	mu      sync.RWMutex
	input   chan *Record
	stopped bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewListener creates an audit listener writing through inserter.
func NewListener(
	config *BatcherConfig,
	inserter DataBatchInserter[Record],
	instanceID string,
	logger zerolog.Logger,
) (*Listener, error) {
	if inserter == nil {
		return nil, errors.New("audit inserter cannot be nil")
	}
	if config.BatchSize <= 0 || config.FlushInterval <= 0 {
		return nil, errors.New("batch size and flush interval must be positive")
	}
	cfg := *config
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.BatchSize * 2
	}
	return &Listener{
		config:     &cfg,
		inserter:   inserter,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "CacheAuditListener").Logger(),
		input:      make(chan *Record, cfg.BufferSize),
	}, nil
}

// OnFlush queues a record for the event.
func (l *Listener) OnFlush(_ context.Context, event cache.Event) error {
	rec := &Record{
		EventID:    uuid.NewString(),
		Scope:      event.Scope.String(),
		TableName:  event.Group,
		Origin:     event.Origin,
		InstanceID: l.instanceID,
		FlushedAt:  time.Now().UTC(),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return errors.New("audit listener is stopped")
	}
	select {
	case l.input <- rec:
		return nil
	default:
		l.dropped.Add(1)
		return errors.New("audit buffer full, record dropped")
	}
}

// Dropped reports how many records were discarded because the buffer was full.
func (l *Listener) Dropped() int64 {
	return l.dropped.Load()
}

// Start begins the batching worker.
func (l *Listener) Start(ctx context.Context) {
	l.logger.Info().Int("batch_size", l.config.BatchSize).Dur("flush_interval", l.config.FlushInterval).
		Msg("Starting cache audit worker...")
	l.wg.Add(1)
	go l.worker(ctx)
}

// Stop refuses new records, flushes what is buffered and waits for the worker,
// bounded by ctx.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.input)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for cache audit worker to stop.")
		return ctx.Err()
	}

	if err := l.inserter.Close(); err != nil {
		l.logger.Error().Err(err).Msg("Error closing audit inserter.")
	}
	l.logger.Info().Int64("dropped", l.dropped.Load()).Msg("Cache audit worker stopped.")
	return nil
}

func (l *Listener) worker(ctx context.Context) {
	defer l.wg.Done()
	batch := make([]*Record, 0, l.config.BatchSize)
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.flush(context.Background(), batch)
			return
		case rec, ok := <-l.input:
			if !ok {
				l.flush(context.Background(), batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= l.config.BatchSize {
				l.flush(ctx, batch)
				batch = make([]*Record, 0, l.config.BatchSize)
				ticker.Reset(l.config.FlushInterval)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(ctx, batch)
				batch = make([]*Record, 0, l.config.BatchSize)
			}
		}
	}
}

func (l *Listener) flush(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, l.config.InsertTimeout)
	defer cancel()
	if err := l.inserter.InsertBatch(insertCtx, batch); err != nil {
		l.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert audit batch, records lost.")
		return
	}
	l.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed audit batch.")
}

package cache

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// NewBackend resolves cfg.Kind to a concrete backend. It returns (nil, nil)
// when caching is disabled. Any other failure is a configuration error that
// callers should treat as fatal.
func NewBackend[V any](ctx context.Context, cfg *Config, logger zerolog.Logger) (Backend[V], error) {
	if !cfg.Enabled() {
		logger.Info().Msg("Query cache disabled: no backend configured.")
		return nil, nil
	}

	switch cfg.Kind {
	case KindMemory:
		return NewInMemoryBackend[V](), nil

	case KindLRU:
		size := cfg.LRUSize
		if size == 0 {
			size = defaultLRUSize
		}
		b, err := NewLRUBackend[V](size)
		if err != nil {
			return nil, err
		}
		return b, nil

	case KindRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("cache kind %q requires a redis section", cfg.Kind)
		}
		b, err := NewRedisBackend[V](ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case KindFirestore:
		if cfg.Firestore == nil {
			return nil, fmt.Errorf("cache kind %q requires a firestore section", cfg.Kind)
		}
		opts, err := clientOptions(cfg.Firestore.CredentialsFile)
		if err != nil {
			return nil, err
		}
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("firestore.NewClient: %w", err)
		}
		b, err := NewFirestoreBackend[V](cfg.Firestore, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &ownedClientBackend[V]{Backend: b, closeClient: client.Close}, nil

	case KindGCS:
		if cfg.GCS == nil {
			return nil, fmt.Errorf("cache kind %q requires a gcs section", cfg.Kind)
		}
		opts, err := clientOptions(cfg.GCS.CredentialsFile)
		if err != nil {
			return nil, err
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		b, err := NewGCSBackend[V](NewGCSClientAdapter(client), cfg.GCS, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &ownedClientBackend[V]{Backend: b, closeClient: client.Close}, nil

	default:
		return nil, fmt.Errorf("unknown cache backend kind %q", cfg.Kind)
	}
}

// NewManagerFromConfig builds the configured backend and wraps it in a Manager.
// A nil Manager with a nil error means caching is disabled.
func NewManagerFromConfig[V any](ctx context.Context, cfg *Config, logger zerolog.Logger) (*Manager[V], error) {
	backend, err := NewBackend[V](ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, nil
	}
	logger.Info().Str("kind", string(cfg.Kind)).Msg("Query cache backend configured.")
	return NewManager[V](backend, logger)
}

func clientOptions(credentialsFile string) ([]option.ClientOption, error) {
	if credentialsFile == "" {
		return nil, nil
	}
	if _, err := os.Stat(credentialsFile); err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", credentialsFile, err)
	}
	return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}, nil
}

// ownedClientBackend closes a client the registry created on the caller's behalf.
type ownedClientBackend[V any] struct {
	Backend[V]
	closeClient func() error
}

func (b *ownedClientBackend[V]) Close() error {
	if err := b.Backend.Close(); err != nil {
		return err
	}
	return b.closeClient()
}

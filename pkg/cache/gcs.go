package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
)

const defaultGCSObjectPrefix = "querycache"

// GCSConfig holds configuration specific to the GCS backend.
type GCSConfig struct {
	ProjectID       string `yaml:"project_id"`
	BucketName      string `yaml:"bucket_name"`
	ObjectPrefix    string `yaml:"object_prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSBackend keeps one JSON object per entry at <prefix>/<group>/<hash>.json,
// so a group flush is a prefix listing followed by deletes.
type GCSBackend[V any] struct {
	bucket GCSBucketHandle
	prefix string
	logger zerolog.Logger
}

// NewGCSBackend creates a backend on the configured bucket.
func NewGCSBackend[V any](
	gcsClient GCSClient,
	cfg *GCSConfig,
	logger zerolog.Logger,
) (*GCSBackend[V], error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg == nil || cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	prefix := strings.Trim(cfg.ObjectPrefix, "/")
	if prefix == "" {
		prefix = defaultGCSObjectPrefix
	}
	logger.Info().Str("bucket", cfg.BucketName).Str("prefix", prefix).Msg("GCSBackend initialized.")
	return &GCSBackend[V]{
		bucket: gcsClient.Bucket(cfg.BucketName),
		prefix: prefix,
		logger: logger.With().Str("component", "GCSBackend").Logger(),
	}, nil
}

// groupPrefix escapes the group into a single path segment, so every group
// name, including "" and names containing "/" or "..", maps to its own prefix.
func (b *GCSBackend[V]) groupPrefix(group string) string {
	return b.prefix + "/" + url.PathEscape(group) + "/"
}

func (b *GCSBackend[V]) objectName(group, key string) string {
	sum := sha256.Sum256([]byte(key))
	return b.groupPrefix(group) + hex.EncodeToString(sum[:]) + ".json"
}

// Get reads and decodes an entry object.
func (b *GCSBackend[V]) Get(ctx context.Context, group, key string) (V, bool, error) {
	var zero V
	name := b.objectName(group, key)
	r, err := b.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("gcs read %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return zero, false, fmt.Errorf("gcs read %s: %w", name, err)
	}
	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return value, true, nil
}

// Put writes an entry object. The object is only committed when the writer
// closes successfully.
func (b *GCSBackend[V]) Put(ctx context.Context, group, key string, value V) error {
	name := b.objectName(group, key)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	w := b.bucket.Object(name).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", name, err)
	}
	b.logger.Debug().Str("object", name).Msg("Successfully wrote entry to GCS.")
	return nil
}

// Flush deletes all objects of a group, or of the whole prefix.
func (b *GCSBackend[V]) Flush(ctx context.Context, event Event) error {
	var prefix string
	switch event.Scope {
	case ScopeGroup:
		prefix = b.groupPrefix(event.Group)
	case ScopeAll:
		prefix = b.prefix + "/"
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Scope)
	}

	names, err := b.bucket.ListObjects(ctx, prefix)
	if err != nil {
		return fmt.Errorf("gcs list %s: %w", prefix, err)
	}
	var errs []error
	for _, name := range names {
		if err := b.bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("gcs delete %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logger.Debug().Int("deleted", len(names)).Str("event", event.String()).Msg("GCS cache flushed.")
	return nil
}

// Close is a no-op; the storage client's lifecycle is managed externally.
func (b *GCSBackend[V]) Close() error {
	return nil
}

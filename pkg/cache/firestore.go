package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CollectionName  string `yaml:"collection_name"`
	CredentialsFile string `yaml:"credentials_file"`
}

// firestoreEntry is the stored document shape. The payload is the JSON
// encoding of the cached value, which keeps arbitrary values storable.
type firestoreEntry struct {
	Group   string `firestore:"group"`
	Key     string `firestore:"key"`
	Payload []byte `firestore:"payload"`
}

// FirestoreBackend stores one document per entry in a single collection.
// It suits low volume deployments:
// a group flush is a query plus a bulk delete, which is what redis is for at volume.
type FirestoreBackend[V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreBackend creates a new generic FirestoreBackend on an injected client.
func NewFirestoreBackend[V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreBackend[V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg == nil || cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreBackend initialized.")

	return &FirestoreBackend[V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreBackend").Logger(),
	}, nil
}

func (s *FirestoreBackend[V]) docID(group, key string) string {
	sum := sha256.Sum256([]byte(group + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Get retrieves a single entry. NotFound is a miss.
func (s *FirestoreBackend[V]) Get(ctx context.Context, group, key string) (V, bool, error) {
	var zero V
	id := s.docID(group, key)
	docSnap, err := s.client.Collection(s.collectionName).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("firestore get for %s: %w", id, err)
	}

	var entry firestoreEntry
	if err := docSnap.DataTo(&entry); err != nil {
		return zero, false, fmt.Errorf("firestore DataTo for %s: %w", id, err)
	}
	var value V
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal payload for %s: %w", id, err)
	}

	s.logger.Debug().Str("doc_id", id).Msg("Firestore cache hit.")
	return value, true, nil
}

// Put writes the entry document.
func (s *FirestoreBackend[V]) Put(ctx context.Context, group, key string, value V) error {
	id := s.docID(group, key)
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", id, err)
	}
	entry := firestoreEntry{Group: group, Key: key, Payload: payload}
	if _, err := s.client.Collection(s.collectionName).Doc(id).Set(ctx, entry); err != nil {
		return fmt.Errorf("firestore set for %s: %w", id, err)
	}
	s.logger.Debug().Str("doc_id", id).Msg("Successfully wrote entry to Firestore.")
	return nil
}

// Flush deletes the documents of a group, or of the whole collection.
func (s *FirestoreBackend[V]) Flush(ctx context.Context, event Event) error {
	coll := s.client.Collection(s.collectionName)
	var docs *firestore.DocumentIterator
	switch event.Scope {
	case ScopeGroup:
		docs = coll.Where("group", "==", event.Group).Documents(ctx)
	case ScopeAll:
		docs = coll.Documents(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Scope)
	}
	defer docs.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	var errs []error
	for {
		doc, err := docs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("firestore iterate: %w", err))
			break
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("firestore delete %s: %w", doc.Ref.ID, err))
			continue
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("firestore flush %s: %w", event, errors.Join(errs...))
	}
	s.logger.Debug().Int("deleted", len(jobs)).Str("event", event.String()).Msg("Firestore cache flushed.")
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreBackend[V]) Close() error {
	s.logger.Info().Msg("FirestoreBackend does not close the injected Firestore client.")
	return nil
}

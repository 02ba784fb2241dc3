// Package cacheaudit records every cache flush to BigQuery so that
// invalidation storms can be traced back to the writes that caused them.
package cacheaudit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Record is one audited flush.
type Record struct {
	EventID    string    `bigquery:"event_id"`
	Scope      string    `bigquery:"scope"`
	TableName  string    `bigquery:"table_name"`
	Origin     string    `bigquery:"origin"`
	InstanceID string    `bigquery:"instance_id"`
	FlushedAt  time.Time `bigquery:"flushed_at"`
}

// DataBatchInserter inserts batches of records into a data store.
type DataBatchInserter[T any] interface {
	InsertBatch(ctx context.Context, items []*T) error
	Close() error
}

// BigQueryDatasetConfig names the audit table.
type BigQueryDatasetConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string
}

// LoadBigQueryDatasetConfigFromEnv reads the audit table from the environment.
// It returns (nil, nil) when auditing is not configured.
func LoadBigQueryDatasetConfigFromEnv() (*BigQueryDatasetConfig, error) {
	cfg := &BigQueryDatasetConfig{
		ProjectID:       os.Getenv("QUERYCACHE_PROJECT_ID"),
		DatasetID:       os.Getenv("QUERYCACHE_AUDIT_DATASET"),
		TableID:         os.Getenv("QUERYCACHE_AUDIT_TABLE"),
		CredentialsFile: os.Getenv("QUERYCACHE_AUDIT_CREDENTIALS_FILE"),
	}
	if cfg.DatasetID == "" && cfg.TableID == "" {
		return nil, nil
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("QUERYCACHE_PROJECT_ID must be set for cache auditing")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("QUERYCACHE_AUDIT_DATASET and QUERYCACHE_AUDIT_TABLE must both be set")
	}
	return cfg, nil
}

// NewBigQueryClient creates a client using Application Default Credentials
// unless a credentials file is given.
func NewBigQueryClient(ctx context.Context, cfg *BigQueryDatasetConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", cfg.ProjectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// BigQueryInserter streams batches of T into one table.
type BigQueryInserter[T any] struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter opens the configured table, creating it from the schema
// inferred from T when it does not exist.
func NewBigQueryInserter[T any](
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryDatasetConfig,
	logger zerolog.Logger,
) (*BigQueryInserter[T], error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryDatasetConfig cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryInserter").
		Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		var zero T
		schema, err := bigquery.InferSchema(zero)
		if err != nil {
			return nil, fmt.Errorf("failed to infer schema for type %T: %w", zero, err)
		}
		if err := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Int("field_count", len(schema)).Msg("Audit table created from inferred schema.")
	}

	return &BigQueryInserter[T]{inserter: tableRef.Inserter(), logger: logger}, nil
}

// InsertBatch streams items to the table. Row-level failures are logged one by one.
func (i *BigQueryInserter[T]) InsertBatch(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}
	if err := i.inserter.Put(ctx, items); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	i.logger.Debug().Int("batch_size", len(items)).Msg("Inserted audit batch.")
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (i *BigQueryInserter[T]) Close() error {
	return nil
}

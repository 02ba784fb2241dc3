// Command querycache-admin runs a query cache node: it connects the configured
// backend, joins cluster invalidation over Pub/Sub, audits flushes to BigQuery
// and serves the cache admin routes.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/illmade-knight/go-querycache/pkg/cacheaudit"
	"github.com/illmade-knight/go-querycache/pkg/cachesync"
	"github.com/illmade-knight/go-querycache/pkg/microservice"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Row is a generic result row as produced by database/sql scanning into maps.
type Row = map[string]any

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(getenv("QUERYCACHE_LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "querycache-admin").Logger()
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cache.ConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid cache configuration.")
	}
	manager, err := cache.NewManagerFromConfig[[]Row](ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure cache backend.")
	}

	var meta querycache.Metadata
	if tables := os.Getenv("QUERYCACHE_CACHEABLE_TABLES"); tables != "" {
		meta = querycache.NewTables(strings.Split(tables, ",")...)
	}
	rc := querycache.New[Row](manager, meta, logger)

	instanceID := cachesync.NewInstanceID()
	var shutdowns []func(context.Context)

	if manager != nil {
		shutdowns = append(shutdowns, startSync(ctx, manager, instanceID, logger)...)
		shutdowns = append(shutdowns, startAudit(ctx, manager, instanceID, logger)...)
	}

	server := microservice.NewAdminServer(logger, getenv("QUERYCACHE_HTTP_PORT", ":8080"), rc)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start admin server.")
	}
	logger.Info().Str("instance_id", instanceID).Bool("cache_enabled", rc.Enabled()).Msg("Query cache node running.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Admin server shutdown failed.")
	}
	for i := len(shutdowns) - 1; i >= 0; i-- {
		shutdowns[i](shutdownCtx)
	}
	if manager != nil {
		if err := manager.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close cache backend.")
		}
	}
	logger.Info().Msg("Query cache node stopped.")
}

// startSync wires Pub/Sub invalidation when a topic or subscription is configured.
func startSync(ctx context.Context, manager *cache.Manager[[]Row], instanceID string, logger zerolog.Logger) []func(context.Context) {
	topicID := os.Getenv("QUERYCACHE_SYNC_TOPIC")
	subID := os.Getenv("QUERYCACHE_SYNC_SUBSCRIPTION")
	if topicID == "" && subID == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, os.Getenv("QUERYCACHE_PROJECT_ID"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub client.")
	}
	shutdowns := []func(context.Context){func(context.Context) { _ = client.Close() }}

	if topicID != "" {
		pubCfg, err := cachesync.NewPublisherDefaults(topicID)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid cache sync publisher configuration.")
		}
		publisher, err := cachesync.NewPublisher(ctx, pubCfg, client, instanceID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create cache sync publisher.")
		}
		id := manager.AddListener(publisher)
		shutdowns = append(shutdowns, func(context.Context) {
			manager.RemoveListener(id)
			publisher.Stop()
		})
	}
	if subID != "" {
		subscriber, err := cachesync.NewSubscriber[[]Row](ctx, cachesync.NewSubscriberDefaults(subID), client, manager, instanceID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create cache sync subscriber.")
		}
		if err := subscriber.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start cache sync subscriber.")
		}
		shutdowns = append(shutdowns, func(context.Context) { _ = subscriber.Stop() })
	}
	return shutdowns
}

// startAudit wires the BigQuery flush audit when an audit table is configured.
func startAudit(ctx context.Context, manager *cache.Manager[[]Row], instanceID string, logger zerolog.Logger) []func(context.Context) {
	bqCfg, err := cacheaudit.LoadBigQueryDatasetConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid cache audit configuration.")
	}
	if bqCfg == nil {
		return nil
	}
	client, err := cacheaudit.NewBigQueryClient(ctx, bqCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create BigQuery client.")
	}
	inserter, err := cacheaudit.NewBigQueryInserter[cacheaudit.Record](ctx, client, bqCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open cache audit table.")
	}
	listener, err := cacheaudit.NewListener(cacheaudit.NewBatcherDefaults(), inserter, instanceID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create cache audit listener.")
	}
	// the worker outlives the signal context so buffered records are flushed on Stop
	listener.Start(context.Background())
	id := manager.AddListener(listener)

	return []func(context.Context){
		func(context.Context) { _ = client.Close() },
		func(stopCtx context.Context) {
			manager.RemoveListener(id)
			if err := listener.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("Cache audit listener did not stop cleanly.")
			}
		},
	}
}

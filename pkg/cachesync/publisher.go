package cachesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
)

// PublisherConfig holds configuration for the flush event publisher.
type PublisherConfig struct {
	TopicID            string
	TopicExistsTimeout time.Duration
	PublishTimeout     time.Duration
}

// NewPublisherDefaults provides a config with sensible defaults, overridable
// through the environment. An unparsable override is an error.
func NewPublisherDefaults(topicID string) (*PublisherConfig, error) {
	cfg := &PublisherConfig{
		TopicID:            topicID,
		TopicExistsTimeout: 15 * time.Second,
		PublishTimeout:     10 * time.Second,
	}
	if pt := os.Getenv("QUERYCACHE_SYNC_PUBLISH_TIMEOUT"); pt != "" {
		val, err := time.ParseDuration(pt)
		if err != nil {
			return nil, fmt.Errorf("invalid QUERYCACHE_SYNC_PUBLISH_TIMEOUT %q: %w", pt, err)
		}
		cfg.PublishTimeout = val
	}
	return cfg, nil
}

// Publisher is a cache.Listener that forwards every local flush to a Pub/Sub
// topic. Register it on the Manager whose flushes other processes must see.
type Publisher struct {
	topic          *pubsub.Topic
	instanceID     string
	publishTimeout time.Duration
	logger         zerolog.Logger
}

// NewPublisher creates a Publisher. It validates the topic's existence before returning.
func NewPublisher(
	ctx context.Context,
	cfg *PublisherConfig,
	client *pubsub.Client,
	instanceID string,
	logger zerolog.Logger,
) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for publisher")
	}
	if instanceID == "" {
		return nil, errors.New("instance id is required")
	}

	topic := client.Topic(cfg.TopicID)
	// flush events are rare and latency matters more than throughput
	topic.PublishSettings.CountThreshold = 1

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Str("instance_id", instanceID).Msg("Cache sync publisher initialized.")
	return &Publisher{
		topic:          topic,
		instanceID:     instanceID,
		publishTimeout: cfg.PublishTimeout,
		logger:         logger.With().Str("component", "CacheSyncPublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// OnFlush publishes the event and waits for the server to confirm it.
func (p *Publisher) OnFlush(ctx context.Context, event cache.Event) error {
	msg := NewEventMessage(event, p.instanceID)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event, err)
	}

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{attrInstanceID: p.instanceID},
	})

	getCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	serverID, err := res.Get(getCtx)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event, err)
	}
	p.logger.Debug().Str("event", event.String()).Str("event_id", msg.EventID).Str("pubsub_msg_id", serverID).
		Msg("Flush event published.")
	return nil
}

// Stop flushes pending publishes and releases the topic's goroutines.
func (p *Publisher) Stop() {
	p.topic.Stop()
	p.logger.Info().Msg("Cache sync publisher stopped.")
}

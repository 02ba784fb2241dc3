package cachesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
)

// SubscriberConfig holds configuration for the flush event subscriber.
type SubscriberConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	StopTimeout            time.Duration
}

// NewSubscriberDefaults provides a config with sensible defaults.
func NewSubscriberDefaults(subID string) *SubscriberConfig {
	return &SubscriberConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          2,
		StopTimeout:            30 * time.Second,
	}
}

// SubscriberStats counts how received events were handled.
type SubscriberStats struct {
	Applied  int64
	Ignored  int64
	Rejected int64
	Failed   int64
}

// Subscriber applies flush events published by other instances to a local
// Manager. Remote events are applied without propagation so they are never
// published again; the Manager's local listeners still see them.
type Subscriber[V any] struct {
	subscription *pubsub.Subscription
	manager      *cache.Manager[V]
	instanceID   string
	stopTimeout  time.Duration
	logger       zerolog.Logger

	cancelReceive context.CancelFunc
	doneChan      chan struct{}
	stopOnce      sync.Once

	applied  atomic.Int64
	ignored  atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// NewSubscriber creates a Subscriber. It validates the subscription's existence before returning.
func NewSubscriber[V any](
	ctx context.Context,
	cfg *SubscriberConfig,
	client *pubsub.Client,
	manager *cache.Manager[V],
	instanceID string,
	logger zerolog.Logger,
) (*Subscriber[V], error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for subscriber")
	}
	if manager == nil {
		return nil, errors.New("cache manager cannot be nil for subscriber")
	}

	sub := client.Subscription(cfg.SubscriptionID)
	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return &Subscriber[V]{
		subscription: sub,
		manager:      manager,
		instanceID:   instanceID,
		stopTimeout:  stopTimeout,
		logger: logger.With().Str("component", "CacheSyncSubscriber").
			Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan: make(chan struct{}),
	}, nil
}

// Start begins receiving in the background. Cancel ctx or call Stop to end it.
func (s *Subscriber[V]) Start(ctx context.Context) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancelReceive = cancel
	s.logger.Info().Msg("Starting cache sync subscriber...")

	go func() {
		defer close(s.doneChan)
		defer s.logger.Info().Msg("Cache sync Receive goroutine stopped.")

		err := s.subscription.Receive(receiveCtx, s.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
	}()
	return nil
}

func (s *Subscriber[V]) handle(ctx context.Context, msg *pubsub.Message) {
	if msg.Attributes[attrInstanceID] == s.instanceID {
		s.ignored.Add(1)
		msg.Ack()
		return
	}

	var em EventMessage
	if err := json.Unmarshal(msg.Data, &em); err != nil {
		// redelivery cannot fix a malformed payload
		s.rejected.Add(1)
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to unmarshal flush event, dropping.")
		msg.Ack()
		return
	}
	if em.InstanceID == s.instanceID {
		s.ignored.Add(1)
		msg.Ack()
		return
	}
	event, err := em.Event()
	if err != nil {
		s.rejected.Add(1)
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Invalid flush event, dropping.")
		msg.Ack()
		return
	}

	if err := s.manager.FlushWithPropagation(ctx, event, false); err != nil {
		s.failed.Add(1)
		s.logger.Warn().Err(err).Str("event_id", em.EventID).Msg("Failed to apply remote flush, nacking.")
		msg.Nack()
		return
	}
	s.applied.Add(1)
	s.logger.Debug().Str("event", event.String()).Str("event_id", em.EventID).
		Str("from_instance", em.InstanceID).Msg("Remote flush applied.")
	msg.Ack()
}

// Stats returns the handling counters.
func (s *Subscriber[V]) Stats() SubscriberStats {
	return SubscriberStats{
		Applied:  s.applied.Load(),
		Ignored:  s.ignored.Load(),
		Rejected: s.rejected.Load(),
		Failed:   s.failed.Load(),
	}
}

// Stop cancels receiving and waits for the receive loop to exit.
func (s *Subscriber[V]) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping cache sync subscriber...")
		if s.cancelReceive == nil {
			close(s.doneChan)
			return
		}
		s.cancelReceive()
		select {
		case <-s.doneChan:
			s.logger.Info().Msg("Cache sync subscriber stopped.")
		case <-time.After(s.stopTimeout):
			err = errors.New("timeout waiting for cache sync subscriber to stop")
			s.logger.Error().Err(err).Send()
		}
	})
	return err
}

// Done is closed once the receive loop has exited.
func (s *Subscriber[V]) Done() <-chan struct{} { return s.doneChan }

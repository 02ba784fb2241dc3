package cachesync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/illmade-knight/go-querycache/pkg/cachesync"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	testProjectID = "test-project"
	testTopicID   = "cache-events"
	testSubID     = "cache-events-sub"
)

// setupTestPubsub creates a fake Pub/Sub server with one topic and subscription.
func setupTestPubsub(t *testing.T) (*pubsub.Client, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, testProjectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, testTopicID)
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, testSubID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return client, topic
}

func publisherConfig(t *testing.T, topicID string) *cachesync.PublisherConfig {
	t.Helper()
	cfg, err := cachesync.NewPublisherDefaults(topicID)
	require.NoError(t, err)
	return cfg
}

type instance struct {
	backend *cache.InMemoryBackend[[]string]
	manager *cache.Manager[[]string]
}

func newInstance(t *testing.T) instance {
	t.Helper()
	backend := cache.NewInMemoryBackend[[]string]()
	mgr, err := cache.NewManager[[]string](backend, zerolog.Nop())
	require.NoError(t, err)
	return instance{backend: backend, manager: mgr}
}

func startSubscriber(t *testing.T, ctx context.Context, client *pubsub.Client, inst instance, instanceID string) *cachesync.Subscriber[[]string] {
	t.Helper()
	sub, err := cachesync.NewSubscriber[[]string](ctx, cachesync.NewSubscriberDefaults(testSubID), client, inst.manager, instanceID, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))
	t.Cleanup(func() { _ = sub.Stop() })
	return sub
}

func TestPublisherSubscriber_PropagatesFlush(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, _ := setupTestPubsub(t)

	local := newInstance(t)
	publisher, err := cachesync.NewPublisher(ctx, publisherConfig(t, testTopicID), client, "instance-a", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(publisher.Stop)
	local.manager.AddListener(publisher)

	remote := newInstance(t)
	require.NoError(t, remote.backend.Put(ctx, "people", "k1", []string{"ana"}))
	require.NoError(t, remote.backend.Put(ctx, "orders", "k1", []string{"o1"}))
	var mu sync.Mutex
	var echoed []cache.Event
	remote.manager.AddListener(cache.ListenerFunc(func(_ context.Context, e cache.Event) error {
		mu.Lock()
		defer mu.Unlock()
		echoed = append(echoed, e)
		return nil
	}))
	sub := startSubscriber(t, ctx, client, remote, "instance-b")

	// Act
	require.NoError(t, local.manager.Flush(ctx, cache.GroupEvent("people", "test")))

	// Assert
	require.Eventually(t, func() bool {
		return remote.backend.Len("people") == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, remote.backend.Len("orders"))
	assert.Equal(t, int64(1), sub.Stats().Applied)
	mu.Lock()
	assert.Empty(t, echoed, "remote flushes are applied without propagation")
	mu.Unlock()

	t.Run("flush all", func(t *testing.T) {
		require.NoError(t, local.manager.Flush(ctx, cache.AllEvent("test")))
		require.Eventually(t, func() bool {
			return remote.backend.Len("orders") == 0
		}, 5*time.Second, 20*time.Millisecond)
	})
}

func TestSubscriber_RemoteFlushPurgesLocalListeners(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, _ := setupTestPubsub(t)

	writer := newInstance(t)
	publisher, err := cachesync.NewPublisher(ctx, publisherConfig(t, testTopicID), client, "instance-a", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(publisher.Stop)
	writer.manager.AddListener(publisher)

	reader := newInstance(t)
	partial := querycache.NewPartialResultCache[string](zerolog.Nop())
	partial.Put(querycache.NewQueryKey("select name from people"), []string{"ana"})
	reader.manager.AddLocalListener(partial)
	sub := startSubscriber(t, ctx, client, reader, "instance-b")

	// Act
	require.NoError(t, writer.manager.Flush(ctx, cache.GroupEvent("people", "test")))

	// Assert
	require.Eventually(t, func() bool {
		return sub.Stats().Applied == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, partial.Len())
	_, ok := partial.Get(querycache.NewQueryKey("select name from people"))
	assert.False(t, ok)
}

func TestSubscriber_IgnoresOwnEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, _ := setupTestPubsub(t)

	inst := newInstance(t)
	publisher, err := cachesync.NewPublisher(ctx, publisherConfig(t, testTopicID), client, "instance-a", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(publisher.Stop)
	require.NoError(t, inst.backend.Put(ctx, "people", "k1", []string{"ana"}))
	sub := startSubscriber(t, ctx, client, inst, "instance-a")

	require.NoError(t, publisher.OnFlush(ctx, cache.GroupEvent("people", "test")))

	require.Eventually(t, func() bool {
		return sub.Stats().Ignored == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, inst.backend.Len("people"))
	assert.Equal(t, int64(0), sub.Stats().Applied)
}

func TestSubscriber_DropsMalformedEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, topic := setupTestPubsub(t)
	t.Cleanup(topic.Stop)

	inst := newInstance(t)
	sub := startSubscriber(t, ctx, client, inst, "instance-b")

	for _, data := range []string{"not json", `{"scope":"SOMETIMES","eventId":"e1"}`, `{"scope":"GROUP","eventId":"e2"}`} {
		_, err := topic.Publish(ctx, &pubsub.Message{Data: []byte(data)}).Get(ctx)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return sub.Stats().Rejected == 3
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(0), sub.Stats().Applied)
}

func TestSubscriber_StopClosesDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, _ := setupTestPubsub(t)

	sub, err := cachesync.NewSubscriber[[]string](ctx, cachesync.NewSubscriberDefaults(testSubID), client, newInstance(t).manager, "x", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))

	require.NoError(t, sub.Stop())
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() was not closed after Stop")
	}
	require.NoError(t, sub.Stop(), "stopping twice is safe")
}

func TestConstructors_ValidateResources(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, _ := setupTestPubsub(t)

	_, err := cachesync.NewPublisher(ctx, publisherConfig(t, "missing-topic"), client, "a", zerolog.Nop())
	assert.Error(t, err)

	_, err = cachesync.NewPublisher(ctx, publisherConfig(t, testTopicID), client, "", zerolog.Nop())
	assert.Error(t, err)

	_, err = cachesync.NewSubscriber[[]string](ctx, cachesync.NewSubscriberDefaults("missing-sub"), client, newInstance(t).manager, "a", zerolog.Nop())
	assert.Error(t, err)

	_, err = cachesync.NewSubscriber[[]string](ctx, cachesync.NewSubscriberDefaults(testSubID), client, nil, "a", zerolog.Nop())
	assert.Error(t, err)
}

func TestNewPublisherDefaults(t *testing.T) {
	t.Run("timeout override", func(t *testing.T) {
		t.Setenv("QUERYCACHE_SYNC_PUBLISH_TIMEOUT", "3s")

		cfg, err := cachesync.NewPublisherDefaults(testTopicID)

		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, cfg.PublishTimeout)
	})

	t.Run("bad timeout is an error", func(t *testing.T) {
		t.Setenv("QUERYCACHE_SYNC_PUBLISH_TIMEOUT", "soon")

		_, err := cachesync.NewPublisherDefaults(testTopicID)

		require.Error(t, err)
	})
}

func TestEventMessage_Event(t *testing.T) {
	group := cachesync.NewEventMessage(cache.GroupEvent("people", "writer"), "a")
	ev, err := group.Event()
	require.NoError(t, err)
	assert.Equal(t, cache.GroupEvent("people", "writer"), ev)
	assert.NotEmpty(t, group.EventID)

	all := cachesync.NewEventMessage(cache.AllEvent("admin"), "a")
	ev, err = all.Event()
	require.NoError(t, err)
	assert.Equal(t, cache.AllEvent("admin"), ev)

	_, err = cachesync.EventMessage{Scope: "GROUP"}.Event()
	assert.Error(t, err)
	_, err = cachesync.EventMessage{Scope: "bogus"}.Event()
	assert.Error(t, err)
}

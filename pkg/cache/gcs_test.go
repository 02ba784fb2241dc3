package cache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock GCS Client Components ---

type mockGCSBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

type mockGCSWriter struct {
	bucket *mockGCSBucket
	name   string
	buf    bytes.Buffer
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockGCSWriter) Close() error {
	w.bucket.mu.Lock()
	defer w.bucket.mu.Unlock()
	w.bucket.objects[w.name] = w.buf.Bytes()
	return nil
}

type mockGCSObject struct {
	bucket *mockGCSBucket
	name   string
}

func (o *mockGCSObject) NewWriter(_ context.Context) io.WriteCloser {
	return &mockGCSWriter{bucket: o.bucket, name: o.name}
}

func (o *mockGCSObject) NewReader(_ context.Context) (io.ReadCloser, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	data, ok := o.bucket.objects[o.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *mockGCSObject) Delete(_ context.Context) error {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	if o.bucket.deleteErr != nil {
		return o.bucket.deleteErr
	}
	if _, ok := o.bucket.objects[o.name]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(o.bucket.objects, o.name)
	return nil
}

func (b *mockGCSBucket) Object(name string) cache.GCSObjectHandle {
	return &mockGCSObject{bucket: b, name: name}
}

func (b *mockGCSBucket) ListObjects(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *mockGCSBucket) names() []string {
	names, _ := b.ListObjects(context.Background(), "")
	return names
}

type mockGCSClient struct {
	bucket *mockGCSBucket
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{bucket: &mockGCSBucket{objects: make(map[string][]byte)}}
}

func (c *mockGCSClient) Bucket(_ string) cache.GCSBucketHandle { return c.bucket }

func TestGCSBackend(t *testing.T) {
	runBackendContract(t, func(t *testing.T) cache.Backend[[]cachedRow] {
		b, err := cache.NewGCSBackend[[]cachedRow](newMockGCSClient(), &cache.GCSConfig{BucketName: "bucket"}, zerolog.Nop())
		require.NoError(t, err)
		return b
	})
}

func TestGCSBackend_Layout(t *testing.T) {
	ctx := context.Background()
	client := newMockGCSClient()
	b, err := cache.NewGCSBackend[[]cachedRow](client, &cache.GCSConfig{
		BucketName:   "bucket",
		ObjectPrefix: "results",
	}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "people", "k1", []cachedRow{{ID: 1}}))
	require.NoError(t, b.Put(ctx, "orders", "k1", []cachedRow{{ID: 2}}))

	names := client.bucket.names()
	require.Len(t, names, 2)
	assert.True(t, strings.HasPrefix(names[0], "results/orders/"))
	assert.True(t, strings.HasPrefix(names[1], "results/people/"))
	assert.True(t, strings.HasSuffix(names[1], ".json"))

	t.Run("group names stay inside the prefix", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "../escape", "k1", []cachedRow{{ID: 3}}))
		require.NoError(t, b.Put(ctx, "", "k1", []cachedRow{{ID: 4}}))

		for _, name := range client.bucket.names() {
			assert.True(t, strings.HasPrefix(name, "results/"), name)
		}

		require.NoError(t, b.Flush(ctx, cache.GroupEvent("", "test")))
		assert.Len(t, client.bucket.names(), 3, "an empty group flush only removes that group")
	})

	t.Run("delete failures are joined and returned", func(t *testing.T) {
		client.bucket.deleteErr = errors.New("permission denied")
		t.Cleanup(func() { client.bucket.deleteErr = nil })

		err := b.Flush(ctx, cache.AllEvent("test"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
	})
}

func TestNewGCSBackend_Validation(t *testing.T) {
	_, err := cache.NewGCSBackend[int](nil, &cache.GCSConfig{BucketName: "b"}, zerolog.Nop())
	require.Error(t, err)

	_, err = cache.NewGCSBackend[int](newMockGCSClient(), &cache.GCSConfig{}, zerolog.Nop())
	require.Error(t, err)
}

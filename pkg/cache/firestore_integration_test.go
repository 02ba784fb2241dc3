//go:build integration

package cache_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestFirestoreBackend_Integration runs against the Firestore emulator named by
// FIRESTORE_EMULATOR_HOST, which the client library picks up on its own.
func TestFirestoreBackend_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"
	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	runBackendContract(t, func(t *testing.T) cache.Backend[[]cachedRow] {
		cfg := &cache.FirestoreConfig{
			ProjectID:      projectID,
			CollectionName: "querycache-" + strings.NewReplacer("/", "-", " ", "-").Replace(t.Name()),
		}
		b, err := cache.NewFirestoreBackend[[]cachedRow](cfg, client, zerolog.Nop())
		require.NoError(t, err)
		return b
	})
}

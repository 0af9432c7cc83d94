package remote_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirror-cache/mirror-cache/pkg/metadb/remote"
)

// TestRoundTrip exercises the remote MetaDB against a live Redis
// instance. Skipped unless MIRROR_CACHE_TEST_REDIS_URL is set, since no
// Redis server is assumed to be available in the default test run.
func TestRoundTrip(t *testing.T) {
	url := os.Getenv("MIRROR_CACHE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MIRROR_CACHE_TEST_REDIS_URL not set")
	}

	db, err := remote.Open(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.ZAdd(ctx, "lru:test", "a", 1))
	require.NoError(t, db.ZAdd(ctx, "lru:test", "b", 2))

	members, err := db.ZRangeByScore(ctx, "lru:test", 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, members, 2)

	victims, err := db.ZPopMin(ctx, "lru:test", 1)
	require.NoError(t, err)
	require.Equal(t, "a", victims[0].Member)
}

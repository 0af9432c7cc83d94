package embedded_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirror-cache/mirror-cache/pkg/metadb"
	"github.com/mirror-cache/mirror-cache/pkg/metadb/embedded"
)

func open(t *testing.T) *embedded.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	db, err := embedded.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMetaRoundTrip(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	_, found, err := db.GetMeta(ctx, "a")
	require.NoError(t, err)
	require.False(t, found)

	meta := metadb.Meta{Size: 42, ContentType: "text/plain"}
	require.NoError(t, db.PutMeta(ctx, "a", meta))

	got, found, err := db.GetMeta(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, meta.Size, got.Size)
	require.Equal(t, meta.ContentType, got.ContentType)

	require.NoError(t, db.DelMeta(ctx, "a"))
	_, found, err = db.GetMeta(ctx, "a")
	require.NoError(t, err)
	require.False(t, found)

	// idempotent
	require.NoError(t, db.DelMeta(ctx, "a"))
}

func TestZSetOrderingAndScoping(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	require.NoError(t, db.ZAdd(ctx, "lru:p1", "b", 20))
	require.NoError(t, db.ZAdd(ctx, "lru:p1", "a", 10))
	require.NoError(t, db.ZAdd(ctx, "lru:p1", "c", 30))
	// a different set must not interfere with p1's ordering
	require.NoError(t, db.ZAdd(ctx, "lru:p2", "z", 1))

	members, err := db.ZRangeByScore(ctx, "lru:p1", 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, "a", members[0].Member)
	require.Equal(t, "b", members[1].Member)
	require.Equal(t, "c", members[2].Member)

	victims, err := db.ZPopMin(ctx, "lru:p1", 1)
	require.NoError(t, err)
	require.Len(t, victims, 1)
	require.Equal(t, "a", victims[0].Member)

	remaining, err := db.ZRangeByScore(ctx, "lru:p1", 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	require.NoError(t, db.ZRem(ctx, "lru:p1", "b"))
	remaining, err = db.ZRangeByScore(ctx, "lru:p1", 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "c", remaining[0].Member)
}

func TestIncrBy(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	v, err := db.IncrBy(ctx, "total_size:p1", 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)

	v, err = db.IncrBy(ctx, "total_size:p1", -40)
	require.NoError(t, err)
	require.Equal(t, int64(60), v)
}

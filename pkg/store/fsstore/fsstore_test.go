package fsstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirror-cache/mirror-cache/pkg/store/fsstore"
)

func TestPutGetDel(t *testing.T) {
	fs, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := fs.Get(ctx, "pypi/simple/flask/")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := fs.Put(ctx, "pypi/simple/flask/", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	data, ok, err := fs.Get(ctx, "pypi/simple/flask/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(data))

	exists, err := fs.Exists(ctx, "pypi/simple/flask/")
	require.NoError(t, err)
	require.True(t, exists)

	size, ok, err := fs.Len(ctx, "pypi/simple/flask/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), size)

	require.NoError(t, fs.Del(ctx, "pypi/simple/flask/"))
	_, ok, err = fs.Get(ctx, "pypi/simple/flask/")
	require.NoError(t, err)
	require.False(t, ok)

	// idempotent delete
	require.NoError(t, fs.Del(ctx, "pypi/simple/flask/"))
}

func TestReconcileRemovesOrphans(t *testing.T) {
	fs, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = fs.Put(ctx, "keep", []byte("x"))
	require.NoError(t, err)
	_, err = fs.Put(ctx, "orphan", []byte("y"))
	require.NoError(t, err)

	deleted, err := fs.Reconcile(func(key string) bool { return key == "keep" })
	require.NoError(t, err)
	require.Equal(t, []string{"orphan"}, deleted)

	ok, err := fs.Exists(ctx, "keep")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fs.Exists(ctx, "orphan")
	require.NoError(t, err)
	require.False(t, ok)
}

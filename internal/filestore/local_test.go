package filestore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	store, err := newLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b.txt", bytes.NewBufferString("hello")))

	ok, err := store.Exists(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Get(ctx, "a/b.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, keys, "a/b.txt")

	require.NoError(t, store.Delete(ctx, "a/b.txt"))
	ok, err = store.Exists(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	store, err := newLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Put(ctx, "../escape.txt", bytes.NewBufferString("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Get(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLocalStoreRejectsNullByteKey(t *testing.T) {
	store, err := newLocalStore(t.TempDir())
	require.NoError(t, err)
	err = store.Put(context.Background(), "a\x00b", bytes.NewBufferString("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := newLocalStore(root)
	require.NoError(t, err)

	tarPath := filepath.Join(t.TempDir(), "workspace.tar.gz")
	require.NoError(t, os.WriteFile(tarPath, []byte("fake tar contents"), 0o644))

	ctx := context.Background()
	ok, err := store.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Upload(ctx, "sess-1", tarPath))

	ok, err = store.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)

	dest := filepath.Join(t.TempDir(), "restored.tar.gz")
	require.NoError(t, store.Download(ctx, "sess-1", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fake tar contents", string(data))

	require.NoError(t, store.Delete(ctx, "sess-1"))
	ok, err = store.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStoreDownloadMissingReturnsUnavailable(t *testing.T) {
	store, err := newLocalStore(t.TempDir())
	require.NoError(t, err)
	err = store.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPackUnpackExcludesEphemeralDirs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "junk.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0o644))

	tarPath := filepath.Join(t.TempDir(), "ws.tar.gz")
	require.NoError(t, Pack(src, tarPath))

	dest := t.TempDir()
	require.NoError(t, Unpack(tarPath, dest))

	_, err := os.Stat(filepath.Join(dest, "main.go"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "node_modules", "junk.js"))
	assert.True(t, os.IsNotExist(err))
}

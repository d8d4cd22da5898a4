package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBackendNonAuto(t *testing.T) {
	got, err := ResolveBackend(BackendRlimit)
	require.NoError(t, err)
	assert.Equal(t, BackendRlimit, got)
}

func TestDefaultResourceLimits(t *testing.T) {
	l := DefaultResourceLimits()
	assert.Greater(t, l.MemoryBytes, int64(0))
	assert.Greater(t, l.MaxProcesses, 0)
	assert.Greater(t, l.InstallTimeout.Seconds(), float64(0))
}

func TestBuildEnvIncludesAshVars(t *testing.T) {
	env := buildEnv("sbx-1", "sess-1", "/ws", []string{"FOO=bar"})
	assertContains(t, env, "ASH_SANDBOX_ID=sbx-1")
	assertContains(t, env, "ASH_SESSION_ID=sess-1")
	assertContains(t, env, "ASH_WORKSPACE_DIR=/ws")
	assertContains(t, env, "FOO=bar")
}

func assertContains(t *testing.T, list []string, want string) {
	t.Helper()
	for _, v := range list {
		if v == want {
			return
		}
	}
	t.Fatalf("expected %v to contain %q", list, want)
}

func TestCopyTreeCopiesFilesAndDirs(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o644))

	require.NoError(t, copyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), make([]byte, 100), 0o644))
	size, err := dirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(100), size)
}

func TestSocketPathForShortensWhenTooLong(t *testing.T) {
	longDataDir := "/var/lib/ash-data-directory-that-is-quite-long-on-purpose-to-trip-the-length-guard"
	id := "11111111-2222-3333-4444-555555555555"
	p := socketPathFor(longDataDir, id)
	assert.LessOrEqual(t, len(filepath.Base(p)), 108)
}

func TestLogBufferSinceFiltersBySeq(t *testing.T) {
	b := newLogBuffer()
	b.append("stdout", "one")
	b.append("stdout", "two")
	b.append("stderr", "three")

	all := b.since(-1)
	require.Len(t, all, 3)

	tail := b.since(all[0].Seq)
	require.Len(t, tail, 2)
	assert.Equal(t, "two", tail[0].Line)
}

func TestLogBufferTrimsToCapacity(t *testing.T) {
	b := newLogBuffer()
	for i := 0; i < logBufferCapacity+10; i++ {
		b.append("stdout", "x")
	}
	assert.LessOrEqual(t, len(b.entries), logBufferCapacity)
}

func TestRlimitBackendExecCapturesOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	backend := &rlimitBackend{}
	dir := t.TempDir()
	spec := spawnSpec{ID: "t1", WorkspaceDir: dir, Env: []string{"PATH=/usr/bin:/bin"}}

	res, err := backend.Exec(context.Background(), spec, "echo hi; exit 0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "hi")

	res, err = backend.Exec(context.Background(), spec, "exit 7", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRlimitBackendExecTimesOut(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	backend := &rlimitBackend{}
	dir := t.TempDir()
	spec := spawnSpec{ID: "t2", WorkspaceDir: dir, Env: []string{"PATH=/usr/bin:/bin"}}

	_, err := backend.Exec(context.Background(), spec, "sleep 5", 50*time.Millisecond)
	assert.Error(t, err)
}

package pages

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

func writePage(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

// TestLoadReadsAndCaches tests that a page is read once and then served from cache
func TestLoadReadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writePage(t, dir, NotFound, "custom 404")
	store := NewStore(dir, pslog.NoopLogger())

	data, err := store.Load(NotFound)
	require.NoError(t, err)
	assert.Equal(t, "custom 404", string(data))

	// Without a watcher the cached copy survives a rewrite.
	writePage(t, dir, NotFound, "changed")
	data, err = store.Load(NotFound)
	require.NoError(t, err)
	assert.Equal(t, "custom 404", string(data))
}

// TestLoadMissingPage tests the not-found sentinel
func TestLoadMissingPage(t *testing.T) {
	store := NewStore(t.TempDir(), pslog.NoopLogger())

	_, err := store.Load(NotImplemented)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestLoadRejectsPaths tests that names cannot escape the root
func TestLoadRejectsPaths(t *testing.T) {
	store := NewStore(t.TempDir(), pslog.NoopLogger())

	for _, name := range []string{"", "../404.html", "sub/404.html"} {
		_, err := store.Load(name)
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
}

// TestPageFallsBack tests the built-in payloads for missing files
func TestPageFallsBack(t *testing.T) {
	store := NewStore(t.TempDir(), pslog.NoopLogger())

	data, err := store.Page(NotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, Fallback(NotFound), data)

	data, err = store.Page(NotImplemented)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, string(data), "501")

	data, err = store.Page("other.html")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, data)
}

// TestWatchEvictsChangedPage tests cache invalidation on file writes
func TestWatchEvictsChangedPage(t *testing.T) {
	dir := t.TempDir()
	writePage(t, dir, NotImplemented, "v1")
	store := NewStore(dir, pslog.NoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))
	defer store.Close()

	data, err := store.Load(NotImplemented)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	writePage(t, dir, NotImplemented, "v2")
	assert.Eventually(t, func() bool {
		data, err := store.Load(NotImplemented)
		return err == nil && string(data) == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

// TestCloseWithoutWatch tests that Close is safe on an unwatched store
func TestCloseWithoutWatch(t *testing.T) {
	store := NewStore("", pslog.NoopLogger())

	assert.Equal(t, ".", store.Root())
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

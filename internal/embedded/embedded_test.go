package embedded

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNames tests the embedded page listing
func TestNames(t *testing.T) {
	assert.Equal(t, []string{"404.html", "not_implemented.html"}, Names())
}

// TestPage tests lookups of present and absent pages
func TestPage(t *testing.T) {
	assert.Contains(t, string(Page("404.html")), "404 Not Found")
	assert.Contains(t, string(Page("not_implemented.html")), "501 Not Implemented")
	assert.Nil(t, Page("missing.html"))
	assert.Nil(t, Page("../embedded.go"))
}

// TestExtract tests writing the pages and keeping existing files
func TestExtract(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "static")
	custom := []byte("<h1>mine</h1>")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "404.html"), custom, 0o644))

	written, err := Extract(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "not_implemented.html")}, written)

	data, err := os.ReadFile(filepath.Join(dir, "404.html"))
	require.NoError(t, err)
	assert.Equal(t, custom, data)

	written, err = Extract(dir, true)
	require.NoError(t, err)
	assert.Len(t, written, 2)
	data, err = os.ReadFile(filepath.Join(dir, "404.html"))
	require.NoError(t, err)
	assert.Equal(t, Page("404.html"), data)
}

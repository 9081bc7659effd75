// Package embedded carries the default error pages compiled into the binary.
// They are served when the static root has no override and can be extracted
// into a directory as a starting point for customised pages.
package embedded

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

//go:embed pages/*
var pagesFS embed.FS

// Page returns the embedded page called name, or nil when there is none.
func Page(name string) []byte {
	data, err := pagesFS.ReadFile("pages/" + name)
	if err != nil {
		return nil
	}
	return data
}

// Names lists the embedded pages in lexical order.
func Names() []string {
	entries, err := pagesFS.ReadDir("pages")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Extract writes every embedded page into dir and returns the paths written.
// Existing files are kept unless overwrite is set.
func Extract(dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("embedded: create %s: %w", dir, err)
	}
	var written []string
	for _, name := range Names() {
		dst := filepath.Join(dir, name)
		if !overwrite {
			if _, err := os.Stat(dst); err == nil {
				continue
			} else if !errors.Is(err, fs.ErrNotExist) {
				return written, fmt.Errorf("embedded: stat %s: %w", dst, err)
			}
		}
		if err := extractFile("pages/"+name, dst); err != nil {
			return written, fmt.Errorf("embedded: extract %s: %w", name, err)
		}
		written = append(written, dst)
	}
	return written, nil
}

func extractFile(srcPath, dstPath string) error {
	src, err := pagesFS.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Package pages serves the static error pages sent for unknown routes and
// unreadable requests. Pages are read from a root directory, cached, and
// evicted when the directory changes.
package pages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"keyrelay/internal/embedded"
	"keyrelay/internal/logging"
)

const (
	// NotFound is sent with 404 for requests that cannot be parsed.
	NotFound = "404.html"
	// NotImplemented is sent with 501 for unrouted method/path pairs.
	NotImplemented = "not_implemented.html"
)

// ErrNotFound is returned when a page file does not exist under the root.
var ErrNotFound = errors.New("pages: page not found")

// Fallback returns the built-in body for name, or nil when there is none.
func Fallback(name string) []byte {
	return embedded.Page(name)
}

// Store loads pages from a directory.
type Store struct {
	root   string
	logger pslog.Logger

	mu    sync.RWMutex
	cache map[string][]byte

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewStore creates a store rooted at root. A blank root means the working
// directory.
func NewStore(root string, logger pslog.Logger) *Store {
	if root == "" {
		root = "."
	}
	return &Store{
		root:   root,
		logger: logging.WithSubsystem(logger, "relay.pages"),
		cache:  make(map[string][]byte),
	}
}

// Root returns the directory pages are read from.
func (s *Store) Root() string {
	return s.root
}

// Load returns the contents of name, reading through the cache.
func (s *Store) Load(name string) ([]byte, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.mu.RLock()
	data, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return data, nil
	}

	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("pages: read %s: %w", name, err)
	}
	s.mu.Lock()
	s.cache[name] = data
	s.mu.Unlock()
	return data, nil
}

// Page returns the page body, substituting the built-in fallback when the file
// is missing or unreadable. The error, if any, is still reported so callers can
// count it.
func (s *Store) Page(name string) ([]byte, error) {
	data, err := s.Load(name)
	if err == nil {
		return data, nil
	}
	if fb := Fallback(name); fb != nil {
		return fb, err
	}
	return nil, err
}

// Watch evicts cached pages whenever the root directory changes. It returns
// once the watcher is installed and keeps running until ctx ends or Close is
// called.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pages: create watcher: %w", err)
	}
	if err := watcher.Add(s.root); err != nil {
		watcher.Close()
		return fmt.Errorf("pages: watch %q: %w", s.root, err)
	}
	s.watcher = watcher
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			s.mu.Lock()
			_, cached := s.cache[name]
			delete(s.cache, name)
			s.mu.Unlock()
			if cached {
				s.logger.Debug("relay.pages.evicted", "page", name, "op", ev.Op.String())
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.invalidate()
			s.logger.Warn("relay.pages.watch_error", "error", err)
		}
	}
}

func (s *Store) invalidate() {
	s.mu.Lock()
	clear(s.cache)
	s.mu.Unlock()
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.watcher == nil {
			return
		}
		close(s.stop)
		err = s.watcher.Close()
		<-s.done
	})
	return err
}

// Package scripts is the agent-local store of downloadable check scripts.
//
// Every script name gets exactly one lock for the life of the process. Writers
// (EnsurePresent, Refresh) hold it exclusively for the whole download and
// rename; executions hold it shared while the process starts. Names are never
// evicted, so the registry grows with the number of distinct checks seen.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chkbus/internal/telemetry"
)

var ErrInvalidName = errors.New("scripts: invalid script name")

// LockRegistry hands out one lock per script name, first-seen-wins.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: map[string]*sync.RWMutex{}}
}

// Handle returns the lock for name, allocating it on first use.
func (r *LockRegistry) Handle(name string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		r.locks[name] = l
	}
	return l
}

// Len reports how many distinct names have been seen.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// ValidName rejects names that would escape the cache directory.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Cache stores one executable file per script name under dir.
type Cache struct {
	dir     string
	fetcher Fetcher
	locks   *LockRegistry
}

func NewCache(dir string, fetcher Fetcher, locks *LockRegistry) *Cache {
	if locks == nil {
		locks = NewLockRegistry()
	}
	return &Cache{dir: dir, fetcher: fetcher, locks: locks}
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Locks() *LockRegistry { return c.locks }

// Path is where the script for name lives.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.dir, name)
}

// EnsurePresent downloads url into the cache unless a file for name exists.
func (c *Cache) EnsurePresent(ctx context.Context, name, url string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	h := c.locks.Handle(name)
	h.Lock()
	defer h.Unlock()

	if _, err := os.Stat(c.Path(name)); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return &WriteError{Name: name, Err: err}
	}
	return c.download(ctx, name, url)
}

// Refresh downloads url and replaces any cached copy of name.
func (c *Cache) Refresh(ctx context.Context, name, url string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	h := c.locks.Handle(name)
	h.Lock()
	defer h.Unlock()
	return c.download(ctx, name, url)
}

// download must be called with the name lock held. The file appears under its
// final name only once fully written.
func (c *Cache) download(ctx context.Context, name, url string) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return &WriteError{Name: name, Err: err}
	}
	tmp, err := os.CreateTemp(c.dir, "."+name+".*.part")
	if err != nil {
		return &WriteError{Name: name, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := c.fetcher.Fetch(ctx, url, tmp); err != nil {
		telemetry.RecordDownload(name, "error")
		return err
	}
	if err := tmp.Chmod(0755); err != nil {
		return &WriteError{Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Name: name, Err: err}
	}
	if err := os.Rename(tmpName, c.Path(name)); err != nil {
		return &WriteError{Name: name, Err: err}
	}
	committed = true
	telemetry.RecordDownload(name, "ok")
	log.Info().Str("check", name).Str("url", url).Msg("Script cached")
	return nil
}

// WriteError is a local filesystem failure while caching a script.
type WriteError struct {
	Name string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Package filecache materializes source files on local disk for
// processor invocation. Entries are keyed by content checksum, so a
// file fetched for one work item is reused by every later item whose
// source bytes are unchanged. The cache is advisory: eviction only
// costs a re-fetch.
package filecache

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

// Fill fetches the source bytes for a cache miss
type Fill func(ctx context.Context) (io.ReadCloser, error)

// Cache is a bounded, checksum keyed cache of local file copies.
// Least recently used entries are removed from disk when the entry
// bound is exceeded.
type Cache struct {
	dir        string
	maxEntries int
	logger     *slog.Logger

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List

	// inflight deduplicates concurrent fills of the same checksum
	inflight map[string]*sync.WaitGroup
}

type entry struct {
	checksum string
	path     string
}

// New creates a cache rooted at dir holding at most maxEntries files.
// The directory is created when missing.
func New(dir string, maxEntries int, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "FileCache", "New", "directory validation")
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WrapFatal(err, "FileCache", "New", "cache directory creation")
	}
	return &Cache{
		dir:        dir,
		maxEntries: maxEntries,
		logger:     logger,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		inflight:   make(map[string]*sync.WaitGroup),
	}, nil
}

// Ensure returns a local path holding the bytes for checksum, calling
// fill on a miss. Concurrent calls for the same checksum share one
// fill.
func (c *Cache) Ensure(ctx context.Context, checksum string, fill Fill) (string, error) {
	if checksum == "" {
		return "", errors.WrapInvalid(errors.ErrMissingChecksum, "FileCache", "Ensure", "checksum validation")
	}

	for {
		c.mu.Lock()
		if el, ok := c.items[checksum]; ok {
			c.order.MoveToFront(el)
			path := el.Value.(*entry).path
			c.mu.Unlock()
			return path, nil
		}
		if wg, busy := c.inflight[checksum]; busy {
			c.mu.Unlock()
			wg.Wait()
			continue // re-check the index; the fill may have failed
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		c.inflight[checksum] = wg
		c.mu.Unlock()

		path, err := c.fetch(ctx, checksum, fill)

		c.mu.Lock()
		delete(c.inflight, checksum)
		if err == nil {
			c.items[checksum] = c.order.PushFront(&entry{checksum: checksum, path: path})
			c.evictExcess()
		}
		c.mu.Unlock()
		wg.Done()

		if err != nil {
			return "", err
		}
		return path, nil
	}
}

// fetch fetches and writes the file. Runs without the index lock
// held so slow fetches do not serialize the cache.
func (c *Cache) fetch(ctx context.Context, checksum string, fill Fill) (string, error) {
	rc, err := fill(ctx)
	if err != nil {
		return "", errors.Wrap(err, "FileCache", "Ensure", "source fetch")
	}
	defer rc.Close()

	path := c.pathFor(checksum)
	tmp, err := os.CreateTemp(c.dir, ".fill-*")
	if err != nil {
		return "", errors.WrapTransient(err, "FileCache", "Ensure", "temp file creation")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return "", errors.WrapTransient(err, "FileCache", "Ensure", "file write")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.WrapTransient(err, "FileCache", "Ensure", "file close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.WrapTransient(err, "FileCache", "Ensure", "file rename")
	}
	return path, nil
}

// Contains reports whether checksum is currently cached
func (c *Cache) Contains(checksum string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[checksum]
	return ok
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Invalidate drops the entry for checksum and removes its file
func (c *Cache) Invalidate(checksum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[checksum]; ok {
		c.removeElement(el)
	}
}

// evictExcess drops least recently used entries beyond the bound.
// Must be called with the lock held.
func (c *Cache) evictExcess() {
	for len(c.items) > c.maxEntries {
		el := c.order.Back()
		if el == nil {
			return
		}
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.checksum)
	c.order.Remove(el)
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("cache file removal failed", "path", e.path, "error", err)
	}
}

// pathFor maps a checksum to its on-disk location. Algorithm prefixes
// like "sha1:" become part of the file name.
func (c *Cache) pathFor(checksum string) string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(checksum)
	return filepath.Join(c.dir, fmt.Sprintf("sbr-%s", name))
}

// Package fscache serves root filesystem content to the guest. Files
// are read from a read-only content root on first use, decompressed when
// their name marks them as zstd segments, and kept for the lifetime of
// the process.
package fscache

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a write-once map from content path to file contents.
//
// Concurrent misses for the same path share a single read and decode;
// misses for different paths run in parallel. Entries are never
// evicted or modified, so returned slices must be treated as read-only.
type Cache struct {
	root   fs.FS
	logger *slog.Logger

	entries sync.Map // path -> []byte
	flights singleflight.Group

	hits   atomic.Int64
	loads  atomic.Int64
	cached atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for per-file diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache over root.
func New(root fs.FS, options ...Option) *Cache {
	c := &Cache{root: root}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Open creates a cache over the directory dir.
func Open(dir string, options ...Option) (*Cache, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: content root: %w", ErrRead, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: content root %s is not a directory", ErrRead, dir)
	}
	return New(os.DirFS(dir), options...), nil
}

// Load returns the contents of the file at name. A leading slash is
// ignored. Failed loads are not cached and not retried; the next call
// for the same name tries again.
//
// ctx only bounds how long this caller waits. A load already in flight
// keeps running for the benefit of other callers.
func (c *Cache) Load(ctx context.Context, name string) ([]byte, error) {
	key, err := cleanPath(name)
	if err != nil {
		return nil, err
	}

	if data, ok := c.entries.Load(key); ok {
		c.hits.Add(1)
		return data.([]byte), nil
	}

	// Only the closure of the caller leading the flight runs; fetched is
	// read after the result is received.
	fetched := false
	result := c.flights.DoChan(key, func() (any, error) {
		// A flight that finished between our map check and DoChan has
		// already stored the entry.
		if data, ok := c.entries.Load(key); ok {
			return data, nil
		}
		fetched = true
		data, err := c.fetch(key)
		if err != nil {
			return nil, err
		}
		actual, _ := c.entries.LoadOrStore(key, data)
		return actual, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-result:
		if r.Err != nil {
			return nil, r.Err
		}
		if !fetched {
			c.hits.Add(1)
		}
		return r.Val.([]byte), nil
	}
}

// fetch reads and, for segments, decodes one file. It runs at most once
// per successfully cached key.
func (c *Cache) fetch(key string) ([]byte, error) {
	start := time.Now()
	c.loads.Add(1)

	seg, compressed, err := ParseSegmentName(path.Base(key))
	if err != nil {
		return nil, err
	}

	raw, err := fs.ReadFile(c.root, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	data := raw
	if compressed {
		data, err = decompress(raw, seg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	c.cached.Add(int64(len(data)))
	c.logger.Debug("loaded file",
		"path", key,
		"stored_bytes", len(raw),
		"bytes", len(data),
		"compressed", compressed,
		"elapsed", time.Since(start),
	)
	return data, nil
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	// Hits counts loads answered without doing the read themselves,
	// either from a stored entry or by joining an in-flight read.
	Hits int64

	// Loads counts underlying reads.
	Loads int64

	// Bytes is the total size of stored entries.
	Bytes int64
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:  c.hits.Load(),
		Loads: c.loads.Load(),
		Bytes: c.cached.Load(),
	}
}

// Contains reports whether name has been loaded successfully.
func (c *Cache) Contains(name string) bool {
	key, err := cleanPath(name)
	if err != nil {
		return false
	}
	_, ok := c.entries.Load(key)
	return ok
}

func cleanPath(name string) (string, error) {
	key := strings.TrimPrefix(name, "/")
	if key == "" || !fs.ValidPath(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return key, nil
}

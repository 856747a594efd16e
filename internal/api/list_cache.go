package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/fab/internal/storage"
	"github.com/randalmurphal/fab/internal/task"
)

// listCacheTTL is how long a list page stays fresh. Dashboards poll the
// same handful of filters aggressively; coalescing keeps that off the store.
const listCacheTTL = 150 * time.Millisecond

type listEntry struct {
	tasks    []*task.Task
	total    int
	loadedAt time.Time
}

// listCache memoizes list queries per filter with a short TTL and collapses
// concurrent misses for the same filter into a single store read.
type listCache struct {
	store *storage.Store
	ttl   time.Duration
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]listEntry
}

func newListCache(store *storage.Store, ttl time.Duration) *listCache {
	return &listCache{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]listEntry),
	}
}

func cacheKey(f storage.Filter) string {
	return fmt.Sprintf("%s|%s|%d|%d", f.Status, f.Kind, f.Limit, f.Offset)
}

// List returns the cached page for the filter, loading it through
// singleflight on a miss.
func (c *listCache) List(ctx context.Context, f storage.Filter) ([]*task.Task, int, error) {
	key := cacheKey(f)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(e.loadedAt) < c.ttl {
		return e.tasks, e.total, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: a concurrent caller may have refreshed the entry
		// while this one waited on the flight group.
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && time.Since(e.loadedAt) < c.ttl {
			return e, nil
		}

		tasks, total, err := c.store.List(ctx, f)
		if err != nil {
			return listEntry{}, err
		}

		e = listEntry{tasks: tasks, total: total, loadedAt: time.Now()}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, 0, err
	}

	e = v.(listEntry)
	return e.tasks, e.total, nil
}

// Invalidate drops every cached page. Called after writes that change
// list contents so read-your-write holds across the REST surface.
func (c *listCache) Invalidate() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

package llmledger

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// limitsCache holds the complete limit list in memory. It is populated lazily
// on first use and refreshed synchronously on every mutation through the
// quota service. Concurrent cold loads are collapsed into a single backend
// query.
type limitsCache struct {
	backend Backend
	metrics Metrics

	mu     sync.RWMutex
	loaded bool
	limits []UsageLimit

	group singleflight.Group
}

func newLimitsCache(backend Backend, metrics Metrics) *limitsCache {
	return &limitsCache{backend: backend, metrics: metrics}
}

// Get returns the cached limit list, loading it from the backend on first
// use. The returned slice must not be mutated by callers.
func (c *limitsCache) Get(ctx context.Context) ([]UsageLimit, error) {
	c.mu.RLock()
	if c.loaded {
		limits := c.limits
		c.mu.RUnlock()
		c.metrics.RecordCacheHit("limits")
		return limits, nil
	}
	c.mu.RUnlock()

	c.metrics.RecordCacheMiss("limits")
	_, err, _ := c.group.Do("limits", func() (interface{}, error) {
		return nil, c.Refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits, nil
}

// Refresh reloads the limit list from the backend.
func (c *limitsCache) Refresh(ctx context.Context) error {
	limits, err := c.backend.GetUsageLimits(ctx, LimitFilter{})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.limits = limits
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached list; the next Get reloads it.
func (c *limitsCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.limits = nil
	c.mu.Unlock()
}

// nameCache holds a set of allowed names (projects or enabled users) for
// membership enforcement. Same lazy-load and refresh-on-mutation discipline
// as the limits cache.
type nameCache struct {
	kind    string
	load    func(ctx context.Context) ([]string, error)
	metrics Metrics

	mu     sync.RWMutex
	loaded bool
	names  map[string]struct{}

	group singleflight.Group
}

func newNameCache(kind string, metrics Metrics, load func(ctx context.Context) ([]string, error)) *nameCache {
	return &nameCache{kind: kind, load: load, metrics: metrics}
}

// Contains reports whether the name is in the directory, loading the set on
// first use.
func (c *nameCache) Contains(ctx context.Context, name string) (bool, error) {
	c.mu.RLock()
	if c.loaded {
		_, ok := c.names[name]
		c.mu.RUnlock()
		c.metrics.RecordCacheHit(c.kind)
		return ok, nil
	}
	c.mu.RUnlock()

	c.metrics.RecordCacheMiss(c.kind)
	_, err, _ := c.group.Do(c.kind, func() (interface{}, error) {
		return nil, c.Refresh(ctx)
	})
	if err != nil {
		return false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.names[name]
	return ok, nil
}

// Refresh reloads the name set from the backend.
func (c *nameCache) Refresh(ctx context.Context) error {
	names, err := c.load(ctx)
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	c.mu.Lock()
	c.names = set
	c.loaded = true
	c.mu.Unlock()
	return nil
}

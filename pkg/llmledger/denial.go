package llmledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DenialKey identifies a request shape in the denial cache. Absent optional
// dimensions are encoded as empty strings.
type DenialKey struct {
	Model      string
	Username   string
	CallerName string
	Project    string
}

// String renders a stable cache key.
func (k DenialKey) String() string {
	return strings.Join([]string{k.Model, k.Username, k.CallerName, k.Project}, "\x1f")
}

func denialKeyFor(req Request) DenialKey {
	k := DenialKey{Model: req.Model}
	if req.Username != nil {
		k.Username = *req.Username
	}
	if req.CallerName != nil {
		k.CallerName = *req.CallerName
	}
	if req.Project != nil {
		k.Project = *req.Project
	}
	return k
}

// Denial is a memoized deny decision with the instant it stops applying.
type Denial struct {
	Reason  string
	ResetAt time.Time
}

// DenialCache absorbs retry storms after a deny: while a key's reset instant
// is in the future, repeated checks are answered without touching storage.
// The cache is a pure optimization; a cold process must behave identically to
// a warm one, modulo call counts.
type DenialCache interface {
	// Get returns the live denial for the key, or nil. Implementations
	// evict lazily once now reaches the reset instant.
	Get(ctx context.Context, key DenialKey, now time.Time) (*Denial, error)

	// Set memoizes a denial.
	Set(ctx context.Context, key DenialKey, d Denial) error

	// Delete drops a key, typically after an allowed check.
	Delete(ctx context.Context, key DenialKey) error
}

// MemoryDenialCache is the in-process DenialCache.
type MemoryDenialCache struct {
	mu      sync.Mutex
	entries map[string]Denial
}

// NewMemoryDenialCache creates an empty in-process denial cache.
func NewMemoryDenialCache() *MemoryDenialCache {
	return &MemoryDenialCache{entries: make(map[string]Denial)}
}

func (c *MemoryDenialCache) Get(ctx context.Context, key DenialKey, now time.Time) (*Denial, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.entries[key.String()]
	if !ok {
		return nil, nil
	}
	if !now.Before(d.ResetAt) {
		delete(c.entries, key.String())
		return nil, nil
	}
	return &d, nil
}

func (c *MemoryDenialCache) Set(ctx context.Context, key DenialKey, d Denial) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = d
	return nil
}

func (c *MemoryDenialCache) Delete(ctx context.Context, key DenialKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
	return nil
}

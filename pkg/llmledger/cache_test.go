package llmledger

import (
	"context"
	"testing"
)

func TestLimitsCacheLazyLoad(t *testing.T) {
	backend := newFakeBackend()
	backend.limits = []UsageLimit{{ID: 1, Scope: ScopeGlobal, LimitType: LimitRequests}}
	cache := newLimitsCache(backend, &NoopMetrics{})
	ctx := context.Background()

	limits, err := cache.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(limits) != 1 {
		t.Fatalf("got %d limits", len(limits))
	}

	// Backend mutations are invisible until a refresh.
	backend.limits = append(backend.limits, UsageLimit{ID: 2, Scope: ScopeGlobal, LimitType: LimitCost})
	limits, _ = cache.Get(ctx)
	if len(limits) != 1 {
		t.Errorf("stale read expected 1 limit, got %d", len(limits))
	}

	if err := cache.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	limits, _ = cache.Get(ctx)
	if len(limits) != 2 {
		t.Errorf("post-refresh expected 2 limits, got %d", len(limits))
	}
}

func TestLimitsCacheInvalidate(t *testing.T) {
	backend := newFakeBackend()
	cache := newLimitsCache(backend, &NoopMetrics{})
	ctx := context.Background()

	if _, err := cache.Get(ctx); err != nil {
		t.Fatal(err)
	}
	backend.limits = []UsageLimit{{ID: 1, Scope: ScopeGlobal, LimitType: LimitRequests}}
	cache.Invalidate()

	limits, err := cache.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(limits) != 1 {
		t.Errorf("post-invalidate expected reload with 1 limit, got %d", len(limits))
	}
}

func TestNameCacheContains(t *testing.T) {
	names := []string{"alice", "bob"}
	loads := 0
	cache := newNameCache("users", &NoopMetrics{}, func(ctx context.Context) ([]string, error) {
		loads++
		return names, nil
	})
	ctx := context.Background()

	ok, err := cache.Contains(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("alice: ok=%v err=%v", ok, err)
	}
	ok, _ = cache.Contains(ctx, "carol")
	if ok {
		t.Error("carol should be unknown")
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1 (lazy single load)", loads)
	}

	names = append(names, "carol")
	if err := cache.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	ok, _ = cache.Contains(ctx, "carol")
	if !ok {
		t.Error("carol should be known after refresh")
	}
}

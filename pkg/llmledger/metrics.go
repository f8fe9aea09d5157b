package llmledger

import "time"

// Metrics defines the interface for tracking accounting and quota operations.
type Metrics interface {
	// RecordQuotaCheck records one quota check and its outcome ("allowed",
	// "denied" or "cached_denial").
	RecordQuotaCheck(model, outcome string, duration time.Duration)

	// RecordUsageTracked records one inserted accounting row.
	RecordUsageTracked(model string)

	// RecordCacheHit records a cache hit for a cache type (e.g. "limits",
	// "users", "projects", "denial").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage
	// operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordQuotaCheck(model, outcome string, duration time.Duration)             {}
func (n *NoopMetrics) RecordUsageTracked(model string)                                            {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}

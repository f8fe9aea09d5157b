package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordQuotaCheck(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordQuotaCheck("gpt-4", "allowed", 5*time.Millisecond)
	m.RecordQuotaCheck("gpt-4", "denied", 5*time.Millisecond)
	m.RecordQuotaCheck("gpt-4", "denied", 5*time.Millisecond)

	got := testutil.ToFloat64(m.quotaChecksTotal.WithLabelValues("gpt-4", "denied"))
	if got != 2 {
		t.Errorf("expected 2 denied checks, got %v", got)
	}
}

func TestRecordUsageTracked(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordUsageTracked("gpt-4")
	m.RecordUsageTracked("gpt-4")

	got := testutil.ToFloat64(m.usageTrackedTotal.WithLabelValues("gpt-4"))
	if got != 2 {
		t.Errorf("expected 2 tracked rows, got %v", got)
	}
}

func TestRecordCacheHitMiss(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCacheHit("limits")
	m.RecordCacheMiss("limits")
	m.RecordCacheMiss("limits")

	if got := testutil.ToFloat64(m.cacheHitsTotal.WithLabelValues("limits")); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheMissesTotal.WithLabelValues("limits")); got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
}

func TestRecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStorageOperation("insert_usage", time.Millisecond, nil)
	m.RecordStorageOperation("insert_usage", time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.storageOpsErrors.WithLabelValues("insert_usage")); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
}

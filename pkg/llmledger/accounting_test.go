package llmledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func newTestAccounting(t *testing.T, backend Backend) *Accounting {
	t.Helper()
	acc, err := New(context.Background(), Config{Backend: backend})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = acc.Close() })
	return acc
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if !errors.Is(err, ErrBackendRequired) {
		t.Fatalf("err = %v, want ErrBackendRequired", err)
	}
}

func TestTrackUsageValidation(t *testing.T) {
	acc := newTestAccounting(t, newFakeBackend())
	ctx := context.Background()

	if err := acc.TrackUsage(ctx, TrackOptions{Model: " "}); !errors.Is(err, ErrEmptyModel) {
		t.Errorf("blank model: err = %v", err)
	}
	if err := acc.TrackUsage(ctx, TrackOptions{Model: "m", PromptTokens: -1}); !errors.Is(err, ErrNegativeValue) {
		t.Errorf("negative tokens: err = %v", err)
	}
	if err := acc.TrackUsage(ctx, TrackOptions{Model: "m", Cost: -0.5}); !errors.Is(err, ErrNegativeValue) {
		t.Errorf("negative cost: err = %v", err)
	}
}

func TestTrackUsageDefaults(t *testing.T) {
	backend := newFakeBackend()
	acc, err := New(context.Background(), Config{
		Backend:     backend,
		ProjectName: "atlas",
		AppName:     "batch-runner",
		UserName:    "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()

	err = acc.TrackUsage(context.Background(), TrackOptions{
		Model:            "gpt-4",
		PromptTokens:     100,
		CompletionTokens: 40,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(backend.entries) != 1 {
		t.Fatalf("entries = %d", len(backend.entries))
	}
	e := backend.entries[0]
	if e.Username == nil || *e.Username != "alice" {
		t.Errorf("username = %v", e.Username)
	}
	if e.CallerName == nil || *e.CallerName != "batch-runner" {
		t.Errorf("caller = %v", e.CallerName)
	}
	if e.Project == nil || *e.Project != "atlas" {
		t.Errorf("project = %v", e.Project)
	}
	if e.TotalTokens != 140 {
		t.Errorf("total tokens = %d, want prompt+completion", e.TotalTokens)
	}
	if e.Timestamp.IsZero() {
		t.Error("zero timestamp should default to now")
	}
}

func TestTrackUsageExplicitFieldsWin(t *testing.T) {
	backend := newFakeBackend()
	acc, err := New(context.Background(), Config{Backend: backend, UserName: "default-user"})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	err = acc.TrackUsage(context.Background(), TrackOptions{
		Model:       "gpt-4",
		Username:    strptr("bob"),
		TotalTokens: 999,
		Timestamp:   ts,
	})
	if err != nil {
		t.Fatal(err)
	}

	e := backend.entries[0]
	if *e.Username != "bob" {
		t.Errorf("username = %q, want explicit value", *e.Username)
	}
	if e.TotalTokens != 999 {
		t.Errorf("total tokens = %d, want explicit value", e.TotalTokens)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp, ts)
	}
}

func TestTrackUsageWithRemainingLimits(t *testing.T) {
	backend := newFakeBackend()
	backend.limits = []UsageLimit{
		{
			ID: 1, Scope: ScopeGlobal, LimitType: LimitRequests, MaxValue: 10,
			IntervalUnit: IntervalDay, IntervalValue: 1,
		},
		{
			ID: 2, Scope: ScopeGlobal, LimitType: LimitCost, MaxValue: -1,
			IntervalUnit: IntervalDay, IntervalValue: 1,
		},
		{
			ID: 3, Scope: ScopeGlobal, LimitType: LimitInputTokens, MaxValue: 0,
			IntervalUnit: IntervalDay, IntervalValue: 1,
		},
		{
			ID: 4, Scope: ScopeModel, LimitType: LimitRequests, MaxValue: 5,
			IntervalUnit: IntervalDay, IntervalValue: 1, Model: strptr("other-model"),
		},
	}
	acc := newTestAccounting(t, backend)

	remaining, err := acc.TrackUsageWithRemainingLimits(context.Background(), TrackOptions{Model: "gpt-4"})
	if err != nil {
		t.Fatal(err)
	}

	byID := map[int64]float64{}
	for _, r := range remaining {
		byID[r.Limit.ID] = r.Remaining
	}
	if len(byID) != 3 {
		t.Fatalf("applicable limits = %d, want 3 (the other-model limit is out)", len(byID))
	}
	if byID[1] != 9 {
		t.Errorf("requests remaining = %v, want 9", byID[1])
	}
	if !math.IsInf(byID[2], 1) {
		t.Errorf("unlimited remaining = %v, want +Inf", byID[2])
	}
	if byID[3] != 0 {
		t.Errorf("closed limit remaining = %v, want 0", byID[3])
	}
}

func TestPurgeClearsUsageAndLimits(t *testing.T) {
	backend := newFakeBackend()
	acc := newTestAccounting(t, backend)
	ctx := context.Background()

	if err := acc.TrackUsage(ctx, TrackOptions{Model: "gpt-4"}); err != nil {
		t.Fatal(err)
	}
	err := acc.SetUsageLimit(ctx, &UsageLimit{
		Scope: ScopeGlobal, LimitType: LimitRequests, MaxValue: 5,
		IntervalUnit: IntervalDay, IntervalValue: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := acc.Purge(ctx); err != nil {
		t.Fatal(err)
	}

	entries, err := acc.Tail(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("tail after purge = %d entries", len(entries))
	}
	limits, err := acc.GetUsageLimits(ctx, LimitFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(limits) != 0 {
		t.Errorf("limits after purge = %d", len(limits))
	}

	// The refreshed limits cache admits freely again.
	allowed, _, err := acc.CheckQuota(ctx, Request{Model: "gpt-4"})
	if err != nil || !allowed {
		t.Errorf("post-purge check: allowed=%v err=%v", allowed, err)
	}
}

func TestLimitRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	acc := newTestAccounting(t, backend)
	ctx := context.Background()

	limit := UsageLimit{
		Scope: ScopeCaller, LimitType: LimitCost, MaxValue: 12.5,
		IntervalUnit: IntervalWeekRolling, IntervalValue: 2,
		CallerName: strptr("batch"), Username: strptr("alice"),
	}
	if err := acc.SetUsageLimit(ctx, &limit); err != nil {
		t.Fatal(err)
	}
	if limit.ID == 0 {
		t.Fatal("insert did not assign an id")
	}

	got, err := acc.GetUsageLimits(ctx, LimitFilter{CallerName: FilterEquals("batch")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d limits", len(got))
	}
	l := got[0]
	if l.Scope != ScopeCaller || l.LimitType != LimitCost || l.MaxValue != 12.5 ||
		l.IntervalUnit != IntervalWeekRolling || l.IntervalValue != 2 {
		t.Errorf("round-trip mismatch: %+v", l)
	}
	if l.CreatedAt.IsZero() || l.CreatedAt.Location() != time.UTC {
		t.Errorf("created_at = %v, want UTC-aware", l.CreatedAt)
	}

	if err := acc.DeleteUsageLimit(ctx, l.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = acc.GetUsageLimits(ctx, LimitFilter{})
	if len(got) != 0 {
		t.Errorf("limit not deleted: %d left", len(got))
	}
}

func TestAuditLifecycle(t *testing.T) {
	backend := newFakeBackend()
	acc, err := New(context.Background(), Config{Backend: backend})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()

	if err := acc.LogAuditEvent(context.Background(), &AuditEntry{Model: "m", LogType: "prompt"}); err == nil {
		t.Error("expected error without an audit backend")
	}
}

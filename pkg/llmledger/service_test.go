package llmledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService(backend Backend, now func() time.Time) *QuotaService {
	cfg := Config{
		Backend:     backend,
		Logger:      &NoopLogger{},
		Metrics:     &NoopMetrics{},
		DenialCache: NewMemoryDenialCache(),
		Now:         now,
	}
	return newQuotaService(backend, cfg)
}

func TestCheckQuotaEmptyModel(t *testing.T) {
	s := newTestService(newFakeBackend(), func() time.Time { return time.Now().UTC() })
	_, err := s.CheckQuotaEnhanced(context.Background(), Request{Model: "  "})
	if !errors.Is(err, ErrEmptyModel) {
		t.Fatalf("err = %v, want ErrEmptyModel", err)
	}
}

func TestCheckQuotaAllowedWithNoLimits(t *testing.T) {
	s := newTestService(newFakeBackend(), func() time.Time { return time.Now().UTC() })
	allowed, reason, err := s.CheckQuota(context.Background(), Request{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed || reason != "" {
		t.Errorf("allowed = %v, reason = %q", allowed, reason)
	}
}

func TestDenialCacheAbsorbsRetries(t *testing.T) {
	backend := newFakeBackend()
	base := time.Date(2024, 3, 15, 12, 0, 30, 0, time.UTC)
	backend.entries = append(backend.entries, UsageEntry{Timestamp: base, Model: "gpt-4"})
	backend.limits = append(backend.limits, UsageLimit{
		ID: 1, Scope: ScopeGlobal, LimitType: LimitRequests, MaxValue: 1,
		IntervalUnit: IntervalSecondRolling, IntervalValue: 20,
	})

	now := base
	s := newTestService(backend, func() time.Time { return now })
	ctx := context.Background()
	req := Request{Model: "gpt-4"}

	// First check hits storage and is denied; the window frees up when the
	// base entry ages out at base+20s.
	result, err := s.CheckQuotaEnhanced(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected denial")
	}
	if result.RetryAfterSeconds != 20 {
		t.Errorf("retry after = %d, want 20", result.RetryAfterSeconds)
	}
	if backend.aggregateCalls != 1 {
		t.Fatalf("aggregate calls = %d, want 1", backend.aggregateCalls)
	}

	// Second, immediate check is served from the denial cache.
	result, err = s.CheckQuotaEnhanced(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected cached denial")
	}
	if backend.aggregateCalls != 1 {
		t.Errorf("aggregate calls = %d, want 1 (cached denial must not hit storage)", backend.aggregateCalls)
	}

	// Past the reset instant, with the usage gone, the check re-evaluates
	// once and is allowed.
	backend.entries = nil
	now = base.Add(21 * time.Second)
	result, err = s.CheckQuotaEnhanced(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected allowance, got %q", result.Reason)
	}
	if backend.aggregateCalls != 2 {
		t.Errorf("aggregate calls = %d, want 2", backend.aggregateCalls)
	}
}

func TestMembershipEnforcement(t *testing.T) {
	backend := newFakeBackend()
	if err := backend.CreateUser(context.Background(), &User{UserName: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.CreateProject(context.Background(), "atlas"); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Backend:             backend,
		Logger:              &NoopLogger{},
		Metrics:             &NoopMetrics{},
		DenialCache:         NewMemoryDenialCache(),
		Now:                 func() time.Time { return time.Now().UTC() },
		EnforceUserNames:    true,
		EnforceProjectNames: true,
	}
	s := newQuotaService(backend, cfg)
	ctx := context.Background()

	if _, err := s.CheckQuotaEnhanced(ctx, Request{Model: "m", Username: strptr("alice"), Project: strptr("atlas")}); err != nil {
		t.Fatalf("known names must pass: %v", err)
	}

	_, err := s.CheckQuotaEnhanced(ctx, Request{Model: "m", Username: strptr("ghost")})
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}

	_, err = s.CheckQuotaEnhanced(ctx, Request{Model: "m", Project: strptr("nowhere")})
	if !errors.Is(err, ErrUnknownProject) {
		t.Errorf("err = %v, want ErrUnknownProject", err)
	}

	// Anonymous requests are never membership-checked.
	if _, err := s.CheckQuotaEnhanced(ctx, Request{Model: "m"}); err != nil {
		t.Errorf("anonymous request must pass: %v", err)
	}
}

func TestDisabledUserIsUnknown(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()
	if err := backend.CreateUser(ctx, &User{UserName: "alice"}); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Backend:          backend,
		Logger:           &NoopLogger{},
		Metrics:          &NoopMetrics{},
		DenialCache:      NewMemoryDenialCache(),
		Now:              func() time.Time { return time.Now().UTC() },
		EnforceUserNames: true,
	}
	s := newQuotaService(backend, cfg)

	if _, err := s.CheckQuotaEnhanced(ctx, Request{Model: "m", Username: strptr("alice")}); err != nil {
		t.Fatalf("enabled user must pass: %v", err)
	}

	if err := s.SetUserEnabled(ctx, "alice", false); err != nil {
		t.Fatal(err)
	}
	_, err := s.CheckQuotaEnhanced(ctx, Request{Model: "m", Username: strptr("alice")})
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser for disabled user", err)
	}
}

func TestSetUsageLimitRefreshesCache(t *testing.T) {
	backend := newFakeBackend()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	s := newTestService(backend, func() time.Time { return now })
	ctx := context.Background()
	req := Request{Model: "gpt-4"}

	allowed, _, err := s.CheckQuota(ctx, req)
	if err != nil || !allowed {
		t.Fatalf("pre-limit check: allowed=%v err=%v", allowed, err)
	}

	// The new limit is visible on the next check without a manual refresh.
	err = s.SetUsageLimit(ctx, &UsageLimit{
		Scope: ScopeGlobal, LimitType: LimitRequests, MaxValue: 0,
		IntervalUnit: IntervalMinute, IntervalValue: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	allowed, reason, err := s.CheckQuota(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expected denial after limit insert")
	}
	if reason == "" {
		t.Error("expected a denial reason")
	}
}

func TestValidateLimit(t *testing.T) {
	valid := UsageLimit{
		Scope: ScopeUser, LimitType: LimitRequests, MaxValue: 1,
		IntervalUnit: IntervalDay, IntervalValue: 1, Username: strptr("alice"),
	}
	if err := validateLimit(&valid); err != nil {
		t.Fatalf("valid limit rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(l *UsageLimit)
		wantErr error
	}{
		{"bad scope", func(l *UsageLimit) { l.Scope = "TEAM" }, ErrInvalidScope},
		{"bad type", func(l *UsageLimit) { l.LimitType = "bytes" }, ErrInvalidLimitType},
		{"bad interval", func(l *UsageLimit) { l.IntervalUnit = "fortnight" }, ErrInvalidInterval},
		{"zero interval value", func(l *UsageLimit) { l.IntervalValue = 0 }, ErrInvalidInterval},
		{"user scope without username", func(l *UsageLimit) { l.Username = nil }, ErrScopeFieldRequired},
		{"model scope without model", func(l *UsageLimit) { l.Scope = ScopeModel }, ErrScopeFieldRequired},
		{"caller scope without caller", func(l *UsageLimit) { l.Scope = ScopeCaller }, ErrScopeFieldRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := valid
			tt.mutate(&l)
			if err := validateLimit(&l); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// PROJECT scope may leave the project NULL.
	projectless := UsageLimit{
		Scope: ScopeProject, LimitType: LimitRequests, MaxValue: 1,
		IntervalUnit: IntervalDay, IntervalValue: 1,
	}
	if err := validateLimit(&projectless); err != nil {
		t.Errorf("NULL-project PROJECT limit rejected: %v", err)
	}
}

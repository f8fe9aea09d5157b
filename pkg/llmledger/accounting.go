package llmledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Config holds accounting facade configuration.
type Config struct {
	// Backend is the usage store (required).
	Backend Backend

	// AuditBackend is an optional independent sink for prompt/response
	// events.
	AuditBackend AuditBackend

	// ProjectName, AppName and UserName are defaults applied to tracked
	// usage when the call site leaves the field unset.
	ProjectName string
	AppName     string
	UserName    string

	// EnforceProjectNames rejects tracked or checked requests naming a
	// project absent from the directory.
	EnforceProjectNames bool

	// EnforceUserNames rejects tracked or checked requests naming a user
	// absent from the directory (or disabled).
	EnforceUserNames bool

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking operations (default: NoopMetrics).
	Metrics Metrics

	// DenialCache memoizes deny decisions (default: in-process cache).
	DenialCache DenialCache

	// Now overrides the clock; tests inject deterministic time here.
	Now func() time.Time
}

// Accounting is the single entry point: it owns the usage backend, the
// optional audit backend and the quota service, and guarantees both backends
// are closed on teardown.
type Accounting struct {
	backend Backend
	audit   AuditBackend
	quota   *QuotaService
	logger  Logger
	metrics Metrics
	now     func() time.Time

	defaultProject string
	defaultApp     string
	defaultUser    string
}

// New initializes both backends and wires the quota service. On audit
// initialization failure the already-initialized usage backend is closed
// before returning.
func New(ctx context.Context, cfg Config) (*Accounting, error) {
	if cfg.Backend == nil {
		return nil, ErrBackendRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.DenialCache == nil {
		cfg.DenialCache = NewMemoryDenialCache()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	if err := cfg.Backend.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize backend: %w", err)
	}
	if cfg.AuditBackend != nil {
		if err := cfg.AuditBackend.Initialize(ctx); err != nil {
			closeErr := cfg.Backend.Close()
			return nil, errors.Join(fmt.Errorf("initialize audit backend: %w", err), closeErr)
		}
	}

	a := &Accounting{
		backend:        cfg.Backend,
		audit:          cfg.AuditBackend,
		quota:          newQuotaService(cfg.Backend, cfg),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		defaultProject: cfg.ProjectName,
		defaultApp:     cfg.AppName,
		defaultUser:    cfg.UserName,
	}
	return a, nil
}

// Close releases both backends. Safe to call once on every exit path.
func (a *Accounting) Close() error {
	var errs []error
	if err := a.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit backend: %w", err))
		}
	}
	return errors.Join(errs...)
}

// QuotaService exposes the quota facade for limit management and cache
// refreshes.
func (a *Accounting) QuotaService() *QuotaService {
	return a.quota
}

// TrackOptions describes one usage event. Zero Timestamp defaults to now
// (UTC); zero TotalTokens defaults to prompt plus completion tokens; nil
// Username, CallerName and Project fall back to the facade defaults.
type TrackOptions struct {
	Model string

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64

	LocalPromptTokens     int64
	LocalCompletionTokens int64
	LocalTotalTokens      int64

	CachedTokens    int64
	ReasoningTokens int64

	Cost          float64
	ExecutionTime float64

	Timestamp  time.Time
	Username   *string
	CallerName *string
	Project    *string
}

// TrackUsage validates and appends one accounting row.
func (a *Accounting) TrackUsage(ctx context.Context, opts TrackOptions) error {
	entry, err := a.buildEntry(ctx, opts)
	if err != nil {
		return err
	}

	started := a.now()
	err = a.backend.InsertUsage(ctx, entry)
	a.metrics.RecordStorageOperation("insert_usage", a.now().Sub(started), err)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}

	a.metrics.RecordUsageTracked(entry.Model)
	a.logger.Debug("usage tracked",
		Field{Key: "model", Value: entry.Model},
		Field{Key: "prompt_tokens", Value: entry.PromptTokens},
		Field{Key: "completion_tokens", Value: entry.CompletionTokens},
	)
	return nil
}

// RemainingLimit pairs a limit applicable to the tracked request with the
// headroom left after the insert: +Inf for unlimited rules, 0 for closed
// ones.
type RemainingLimit struct {
	Limit     UsageLimit
	Remaining float64
}

// TrackUsageWithRemainingLimits performs the insert, then reports the
// remaining allowance for every limit applicable to the tracked request.
func (a *Accounting) TrackUsageWithRemainingLimits(ctx context.Context, opts TrackOptions) ([]RemainingLimit, error) {
	entry, err := a.buildEntry(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := a.backend.InsertUsage(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert usage: %w", err)
	}
	a.metrics.RecordUsageTracked(entry.Model)

	limits, err := a.quota.limits.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load limits: %w", err)
	}

	req := Request{
		Model:      entry.Model,
		Username:   entry.Username,
		CallerName: entry.CallerName,
		Project:    entry.Project,
	}
	now := a.now().UTC()

	var out []RemainingLimit
	for i := range limits {
		l := &limits[i]
		if !limitApplies(l, req) {
			continue
		}
		switch {
		case l.MaxValue < 0:
			out = append(out, RemainingLimit{Limit: *l, Remaining: math.Inf(1)})
			continue
		case l.MaxValue == 0:
			out = append(out, RemainingLimit{Limit: *l, Remaining: 0})
			continue
		}

		start, end, err := PeriodBounds(now, l.IntervalUnit, l.IntervalValue)
		if err != nil {
			return nil, fmt.Errorf("limit %d: %w", l.ID, err)
		}
		usage, err := a.backend.AggregateUsage(ctx, aggregationFor(l, start, end))
		if err != nil {
			return nil, fmt.Errorf("aggregate usage for limit %d: %w", l.ID, err)
		}
		remaining := l.MaxValue - usage
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, RemainingLimit{Limit: *l, Remaining: remaining})
	}
	return out, nil
}

// buildEntry validates options, applies facade defaults and enforcement, and
// produces the row to insert.
func (a *Accounting) buildEntry(ctx context.Context, opts TrackOptions) (*UsageEntry, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, ErrEmptyModel
	}
	for _, v := range []int64{
		opts.PromptTokens, opts.CompletionTokens, opts.TotalTokens,
		opts.LocalPromptTokens, opts.LocalCompletionTokens, opts.LocalTotalTokens,
		opts.CachedTokens, opts.ReasoningTokens,
	} {
		if v < 0 {
			return nil, ErrNegativeValue
		}
	}
	if opts.Cost < 0 || opts.ExecutionTime < 0 {
		return nil, ErrNegativeValue
	}

	username := orDefault(opts.Username, a.defaultUser)
	caller := orDefault(opts.CallerName, a.defaultApp)
	project := orDefault(opts.Project, a.defaultProject)

	if err := a.quota.validateMembership(ctx, username, project); err != nil {
		return nil, err
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	total := opts.TotalTokens
	if total == 0 {
		total = opts.PromptTokens + opts.CompletionTokens
	}
	localTotal := opts.LocalTotalTokens
	if localTotal == 0 {
		localTotal = opts.LocalPromptTokens + opts.LocalCompletionTokens
	}

	return &UsageEntry{
		Timestamp:             ts.UTC(),
		Model:                 opts.Model,
		Username:              username,
		CallerName:            caller,
		Project:               project,
		PromptTokens:          opts.PromptTokens,
		CompletionTokens:      opts.CompletionTokens,
		TotalTokens:           total,
		LocalPromptTokens:     opts.LocalPromptTokens,
		LocalCompletionTokens: opts.LocalCompletionTokens,
		LocalTotalTokens:      localTotal,
		CachedTokens:          opts.CachedTokens,
		ReasoningTokens:       opts.ReasoningTokens,
		Cost:                  opts.Cost,
		ExecutionTime:         opts.ExecutionTime,
	}, nil
}

func orDefault(v *string, def string) *string {
	if v != nil {
		return v
	}
	if def == "" {
		return nil
	}
	return &def
}

// CheckQuota reports whether the projected request is admissible.
func (a *Accounting) CheckQuota(ctx context.Context, req Request) (bool, string, error) {
	return a.quota.CheckQuota(ctx, req)
}

// CheckQuotaEnhanced is CheckQuota plus retry-after information.
func (a *Accounting) CheckQuotaEnhanced(ctx context.Context, req Request) (CheckResult, error) {
	return a.quota.CheckQuotaEnhanced(ctx, req)
}

// SetUsageLimit stores a limit through the quota service.
func (a *Accounting) SetUsageLimit(ctx context.Context, limit *UsageLimit) error {
	return a.quota.SetUsageLimit(ctx, limit)
}

// GetUsageLimits returns limits matching the filter.
func (a *Accounting) GetUsageLimits(ctx context.Context, filter LimitFilter) ([]UsageLimit, error) {
	return a.quota.GetUsageLimits(ctx, filter)
}

// DeleteUsageLimit removes a limit by id.
func (a *Accounting) DeleteUsageLimit(ctx context.Context, id int64) error {
	return a.quota.DeleteUsageLimit(ctx, id)
}

// Tail returns the most recent n usage rows, newest first.
func (a *Accounting) Tail(ctx context.Context, n int) ([]UsageEntry, error) {
	return a.backend.Tail(ctx, n)
}

// Purge deletes all usage rows and all limits, then refreshes the limits
// cache.
func (a *Accounting) Purge(ctx context.Context) error {
	if err := a.backend.Purge(ctx); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return a.quota.RefreshLimitsCache(ctx)
}

// GetPeriodStats returns aggregate statistics over [start, end).
func (a *Accounting) GetPeriodStats(ctx context.Context, start, end time.Time) (*PeriodStats, error) {
	return a.backend.GetPeriodStats(ctx, start, end)
}

// GetModelStats returns per-model statistics over [start, end).
func (a *Accounting) GetModelStats(ctx context.Context, start, end time.Time) ([]ModelStats, error) {
	return a.backend.GetModelStats(ctx, start, end)
}

// GetModelRankings returns per-metric model orderings over [start, end).
func (a *Accounting) GetModelRankings(ctx context.Context, start, end time.Time) (*ModelRankings, error) {
	return a.backend.GetModelRankings(ctx, start, end)
}

// LogAuditEvent appends an entry to the audit sink, if one is configured.
func (a *Accounting) LogAuditEvent(ctx context.Context, entry *AuditEntry) error {
	if a.audit == nil {
		return errors.New("no audit backend configured")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now().UTC()
	}
	return a.audit.LogEvent(ctx, entry)
}

// GetAuditEntries queries the audit sink, if one is configured.
func (a *Accounting) GetAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if a.audit == nil {
		return nil, errors.New("no audit backend configured")
	}
	return a.audit.GetEntries(ctx, filter)
}

// Package memory provides in-memory implementations of the
// llmledger.Backend and llmledger.AuditBackend interfaces. They are the
// reference implementation of the aggregation and filter semantics and are
// primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// Backend implements llmledger.Backend using mutex-guarded slices.
type Backend struct {
	mu sync.RWMutex

	entries  []llmledger.UsageEntry
	limits   []llmledger.UsageLimit
	users    []llmledger.User
	projects []llmledger.Project

	nextEntryID int64
	nextLimitID int64
	nextUserID  int64
	nextProjID  int64

	now func() time.Time
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		nextEntryID: 1,
		nextLimitID: 1,
		nextUserID:  1,
		nextProjID:  1,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for audit timestamps; tests inject
// deterministic time here.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Initialize implements llmledger.Backend.
func (b *Backend) Initialize(ctx context.Context) error { return nil }

// Close implements llmledger.Backend.
func (b *Backend) Close() error { return nil }

// InsertUsage implements llmledger.Backend.
func (b *Backend) InsertUsage(ctx context.Context, entry *llmledger.UsageEntry) error {
	if entry == nil {
		return fmt.Errorf("nil usage entry")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := *entry
	stored.ID = b.nextEntryID
	b.nextEntryID++
	stored.Timestamp = stored.Timestamp.UTC()
	b.entries = append(b.entries, stored)
	entry.ID = stored.ID
	return nil
}

// GetPeriodStats implements llmledger.Backend.
func (b *Backend) GetPeriodStats(ctx context.Context, start, end time.Time) (*llmledger.PeriodStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := &llmledger.PeriodStats{}
	for i := range b.entries {
		e := &b.entries[i]
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		stats.Requests++
		stats.SumPromptTokens += e.PromptTokens
		stats.SumCompletionTokens += e.CompletionTokens
		stats.SumTotalTokens += e.TotalTokens
		stats.SumCost += e.Cost
		stats.SumExecutionTime += e.ExecutionTime
	}
	if stats.Requests > 0 {
		n := float64(stats.Requests)
		stats.AvgPromptTokens = float64(stats.SumPromptTokens) / n
		stats.AvgCompletionTokens = float64(stats.SumCompletionTokens) / n
		stats.AvgTotalTokens = float64(stats.SumTotalTokens) / n
		stats.AvgCost = stats.SumCost / n
		stats.AvgExecutionTime = stats.SumExecutionTime / n
	}
	return stats, nil
}

// GetModelStats implements llmledger.Backend.
func (b *Backend) GetModelStats(ctx context.Context, start, end time.Time) ([]llmledger.ModelStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byModel := make(map[string]*llmledger.ModelStats)
	for i := range b.entries {
		e := &b.entries[i]
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		s, ok := byModel[e.Model]
		if !ok {
			s = &llmledger.ModelStats{Model: e.Model}
			byModel[e.Model] = s
		}
		s.Requests++
		s.PromptTokens += e.PromptTokens
		s.CompletionTokens += e.CompletionTokens
		s.TotalTokens += e.TotalTokens
		s.Cost += e.Cost
		s.ExecutionTime += e.ExecutionTime
	}

	out := make([]llmledger.ModelStats, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// GetModelRankings implements llmledger.Backend.
func (b *Backend) GetModelRankings(ctx context.Context, start, end time.Time) (*llmledger.ModelRankings, error) {
	stats, err := b.GetModelStats(ctx, start, end)
	if err != nil {
		return nil, err
	}

	rank := func(value func(llmledger.ModelStats) float64) []llmledger.ModelRank {
		ranks := make([]llmledger.ModelRank, 0, len(stats))
		for _, s := range stats {
			ranks = append(ranks, llmledger.ModelRank{Model: s.Model, Value: value(s)})
		}
		sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].Value > ranks[j].Value })
		return ranks
	}

	return &llmledger.ModelRankings{
		PromptTokens:     rank(func(s llmledger.ModelStats) float64 { return float64(s.PromptTokens) }),
		CompletionTokens: rank(func(s llmledger.ModelStats) float64 { return float64(s.CompletionTokens) }),
		TotalTokens:      rank(func(s llmledger.ModelStats) float64 { return float64(s.TotalTokens) }),
		Cost:             rank(func(s llmledger.ModelStats) float64 { return s.Cost }),
	}, nil
}

// Tail implements llmledger.Backend.
func (b *Backend) Tail(ctx context.Context, n int) ([]llmledger.UsageEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]llmledger.UsageEntry, len(b.entries))
	copy(out, b.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}

// Purge implements llmledger.Backend: it clears usage rows and limits, but
// not the directories.
func (b *Backend) Purge(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.limits = nil
	return nil
}

// InsertUsageLimit implements llmledger.Backend.
func (b *Backend) InsertUsageLimit(ctx context.Context, limit *llmledger.UsageLimit) error {
	if limit == nil {
		return fmt.Errorf("nil usage limit")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	stored := *limit
	stored.ID = b.nextLimitID
	b.nextLimitID++
	stored.CreatedAt = now
	stored.UpdatedAt = now
	b.limits = append(b.limits, stored)

	limit.ID = stored.ID
	limit.CreatedAt = stored.CreatedAt
	limit.UpdatedAt = stored.UpdatedAt
	return nil
}

// DeleteUsageLimit implements llmledger.Backend; deleting a missing id is a
// no-op.
func (b *Backend) DeleteUsageLimit(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.limits {
		if b.limits[i].ID == id {
			b.limits = append(b.limits[:i], b.limits[i+1:]...)
			return nil
		}
	}
	return nil
}

// GetUsageLimits implements llmledger.Backend.
func (b *Backend) GetUsageLimits(ctx context.Context, filter llmledger.LimitFilter) ([]llmledger.UsageLimit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []llmledger.UsageLimit
	for i := range b.limits {
		l := &b.limits[i]
		if filter.Scope != nil && l.Scope != *filter.Scope {
			continue
		}
		if !filter.Model.Match(l.Model) ||
			!filter.Username.Match(l.Username) ||
			!filter.CallerName.Match(l.CallerName) ||
			!filter.ProjectName.Match(l.ProjectName) {
			continue
		}
		out = append(out, *l)
	}
	return out, nil
}

// AggregateUsage implements llmledger.Backend. The window end is inclusive
// for rolling intervals and exclusive for fixed ones; no matching rows yields
// zero, never a null.
func (b *Backend) AggregateUsage(ctx context.Context, q llmledger.AggregationQuery) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total float64
	for i := range b.entries {
		e := &b.entries[i]
		if e.Timestamp.Before(q.Start) {
			continue
		}
		if q.EndInclusive() {
			if e.Timestamp.After(q.End) {
				continue
			}
		} else if !e.Timestamp.Before(q.End) {
			continue
		}
		if !q.Model.Match(&e.Model) ||
			!q.Username.Match(e.Username) ||
			!q.Caller.Match(e.CallerName) ||
			!q.Project.Match(e.Project) {
			continue
		}

		switch q.LimitType {
		case llmledger.LimitRequests:
			total++
		case llmledger.LimitInputTokens:
			total += float64(e.PromptTokens)
		case llmledger.LimitOutputTokens:
			total += float64(e.CompletionTokens)
		case llmledger.LimitTotalTokens:
			total += float64(e.PromptTokens + e.CompletionTokens)
		case llmledger.LimitCost:
			total += e.Cost
		default:
			return 0, fmt.Errorf("unknown limit type %q", q.LimitType)
		}
	}
	return total, nil
}

// OldestUsageTime implements llmledger.Backend.
func (b *Backend) OldestUsageTime(ctx context.Context, q llmledger.AggregationQuery) (*time.Time, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var oldest *time.Time
	for i := range b.entries {
		e := &b.entries[i]
		if e.Timestamp.Before(q.Start) {
			continue
		}
		if q.EndInclusive() {
			if e.Timestamp.After(q.End) {
				continue
			}
		} else if !e.Timestamp.Before(q.End) {
			continue
		}
		if !q.Model.Match(&e.Model) ||
			!q.Username.Match(e.Username) ||
			!q.Caller.Match(e.CallerName) ||
			!q.Project.Match(e.Project) {
			continue
		}
		if oldest == nil || e.Timestamp.Before(*oldest) {
			ts := e.Timestamp
			oldest = &ts
		}
	}
	return oldest, nil
}

// CreateProject implements llmledger.Backend.
func (b *Backend) CreateProject(ctx context.Context, name string) (*llmledger.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.projects {
		if b.projects[i].Name == name {
			return nil, fmt.Errorf("%w: %q", llmledger.ErrProjectExists, name)
		}
	}
	now := b.now()
	p := llmledger.Project{ID: b.nextProjID, Name: name, CreatedAt: now, UpdatedAt: now}
	b.nextProjID++
	b.projects = append(b.projects, p)
	return &p, nil
}

// ListProjects implements llmledger.Backend.
func (b *Backend) ListProjects(ctx context.Context) ([]llmledger.Project, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]llmledger.Project, len(b.projects))
	copy(out, b.projects)
	return out, nil
}

// UpdateProject implements llmledger.Backend.
func (b *Backend) UpdateProject(ctx context.Context, name, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.projects {
		if b.projects[i].Name == name {
			b.projects[i].Name = newName
			b.projects[i].UpdatedAt = b.now()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", llmledger.ErrProjectNotFound, name)
}

// DeleteProject implements llmledger.Backend.
func (b *Backend) DeleteProject(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.projects {
		if b.projects[i].Name == name {
			b.projects = append(b.projects[:i], b.projects[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", llmledger.ErrProjectNotFound, name)
}

// CreateUser implements llmledger.Backend. New users start enabled.
func (b *Backend) CreateUser(ctx context.Context, user *llmledger.User) error {
	if user == nil || user.UserName == "" {
		return fmt.Errorf("invalid user")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.users {
		if b.users[i].UserName == user.UserName {
			return fmt.Errorf("%w: %q", llmledger.ErrUserExists, user.UserName)
		}
	}
	now := b.now()
	stored := *user
	stored.ID = b.nextUserID
	b.nextUserID++
	stored.Enabled = true
	stored.CreatedAt = now
	stored.LastEnabledAt = &now
	b.users = append(b.users, stored)

	user.ID = stored.ID
	user.Enabled = true
	user.CreatedAt = now
	user.LastEnabledAt = &now
	return nil
}

// ListUsers implements llmledger.Backend.
func (b *Backend) ListUsers(ctx context.Context) ([]llmledger.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]llmledger.User, len(b.users))
	copy(out, b.users)
	return out, nil
}

// UpdateUser implements llmledger.Backend.
func (b *Backend) UpdateUser(ctx context.Context, name string, update llmledger.UserUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.users {
		if b.users[i].UserName != name {
			continue
		}
		if update.NewName != nil {
			b.users[i].UserName = *update.NewName
		}
		if update.OU != nil {
			b.users[i].OU = update.OU
		}
		if update.Email != nil {
			b.users[i].Email = update.Email
		}
		return nil
	}
	return fmt.Errorf("%w: %q", llmledger.ErrUserNotFound, name)
}

// SetUserEnabled implements llmledger.Backend, stamping
// last_enabled_at/last_disabled_at on transitions.
func (b *Backend) SetUserEnabled(ctx context.Context, name string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.users {
		if b.users[i].UserName != name {
			continue
		}
		if b.users[i].Enabled == enabled {
			return nil
		}
		now := b.now()
		b.users[i].Enabled = enabled
		if enabled {
			b.users[i].LastEnabledAt = &now
		} else {
			b.users[i].LastDisabledAt = &now
		}
		return nil
	}
	return fmt.Errorf("%w: %q", llmledger.ErrUserNotFound, name)
}

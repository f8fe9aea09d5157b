package llmledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// fakeBackend is the in-package test double. It implements the full Backend
// contract over slices and counts aggregation calls so cache behavior is
// observable.
type fakeBackend struct {
	entries  []UsageEntry
	limits   []UsageLimit
	users    []User
	projects []Project
	nextID   int64

	aggregateCalls int
	aggregateErr   error
}

func newFakeBackend() *fakeBackend { return &fakeBackend{nextID: 1} }

func (f *fakeBackend) Initialize(ctx context.Context) error { return nil }
func (f *fakeBackend) Close() error                         { return nil }

func (f *fakeBackend) InsertUsage(ctx context.Context, entry *UsageEntry) error {
	entry.ID = f.nextID
	f.nextID++
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeBackend) GetPeriodStats(ctx context.Context, start, end time.Time) (*PeriodStats, error) {
	stats := &PeriodStats{}
	for _, e := range f.entries {
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

func (f *fakeBackend) GetModelStats(ctx context.Context, start, end time.Time) ([]ModelStats, error) {
	byModel := map[string]*ModelStats{}
	for _, e := range f.entries {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		s, ok := byModel[e.Model]
		if !ok {
			s = &ModelStats{Model: e.Model}
			byModel[e.Model] = s
		}
		s.Requests++
		s.PromptTokens += e.PromptTokens
		s.CompletionTokens += e.CompletionTokens
		s.TotalTokens += e.TotalTokens
		s.Cost += e.Cost
		s.ExecutionTime += e.ExecutionTime
	}
	out := make([]ModelStats, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (f *fakeBackend) GetModelRankings(ctx context.Context, start, end time.Time) (*ModelRankings, error) {
	return &ModelRankings{}, nil
}

func (f *fakeBackend) Tail(ctx context.Context, n int) ([]UsageEntry, error) {
	out := append([]UsageEntry(nil), f.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (f *fakeBackend) Purge(ctx context.Context) error {
	f.entries = nil
	f.limits = nil
	return nil
}

func (f *fakeBackend) InsertUsageLimit(ctx context.Context, limit *UsageLimit) error {
	limit.ID = f.nextID
	f.nextID++
	now := time.Now().UTC()
	limit.CreatedAt = now
	limit.UpdatedAt = now
	f.limits = append(f.limits, *limit)
	return nil
}

func (f *fakeBackend) DeleteUsageLimit(ctx context.Context, id int64) error {
	for i, l := range f.limits {
		if l.ID == id {
			f.limits = append(f.limits[:i], f.limits[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeBackend) GetUsageLimits(ctx context.Context, filter LimitFilter) ([]UsageLimit, error) {
	var out []UsageLimit
	for _, l := range f.limits {
		if filter.Scope != nil && l.Scope != *filter.Scope {
			continue
		}
		if !filter.Model.Match(l.Model) || !filter.Username.Match(l.Username) ||
			!filter.CallerName.Match(l.CallerName) || !filter.ProjectName.Match(l.ProjectName) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeBackend) AggregateUsage(ctx context.Context, q AggregationQuery) (float64, error) {
	f.aggregateCalls++
	if f.aggregateErr != nil {
		return 0, f.aggregateErr
	}
	var total float64
	for _, e := range f.entries {
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
		if !q.Model.Match(&e.Model) || !q.Username.Match(e.Username) ||
			!q.Caller.Match(e.CallerName) || !q.Project.Match(e.Project) {
			continue
		}
		switch q.LimitType {
		case LimitRequests:
			total++
		case LimitInputTokens:
			total += float64(e.PromptTokens)
		case LimitOutputTokens:
			total += float64(e.CompletionTokens)
		case LimitTotalTokens:
			total += float64(e.PromptTokens + e.CompletionTokens)
		case LimitCost:
			total += e.Cost
		}
	}
	return total, nil
}

func (f *fakeBackend) OldestUsageTime(ctx context.Context, q AggregationQuery) (*time.Time, error) {
	var oldest *time.Time
	for _, e := range f.entries {
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
		if !q.Model.Match(&e.Model) || !q.Username.Match(e.Username) ||
			!q.Caller.Match(e.CallerName) || !q.Project.Match(e.Project) {
			continue
		}
		if oldest == nil || e.Timestamp.Before(*oldest) {
			ts := e.Timestamp
			oldest = &ts
		}
	}
	return oldest, nil
}

func (f *fakeBackend) CreateProject(ctx context.Context, name string) (*Project, error) {
	for _, p := range f.projects {
		if p.Name == name {
			return nil, fmt.Errorf("%w: %q", ErrProjectExists, name)
		}
	}
	now := time.Now().UTC()
	p := Project{ID: f.nextID, Name: name, CreatedAt: now, UpdatedAt: now}
	f.nextID++
	f.projects = append(f.projects, p)
	return &p, nil
}

func (f *fakeBackend) ListProjects(ctx context.Context) ([]Project, error) {
	return append([]Project(nil), f.projects...), nil
}

func (f *fakeBackend) UpdateProject(ctx context.Context, name, newName string) error {
	for i := range f.projects {
		if f.projects[i].Name == name {
			f.projects[i].Name = newName
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrProjectNotFound, name)
}

func (f *fakeBackend) DeleteProject(ctx context.Context, name string) error {
	for i := range f.projects {
		if f.projects[i].Name == name {
			f.projects = append(f.projects[:i], f.projects[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrProjectNotFound, name)
}

func (f *fakeBackend) CreateUser(ctx context.Context, user *User) error {
	for _, u := range f.users {
		if u.UserName == user.UserName {
			return fmt.Errorf("%w: %q", ErrUserExists, user.UserName)
		}
	}
	user.ID = f.nextID
	f.nextID++
	user.Enabled = true
	f.users = append(f.users, *user)
	return nil
}

func (f *fakeBackend) ListUsers(ctx context.Context) ([]User, error) {
	return append([]User(nil), f.users...), nil
}

func (f *fakeBackend) UpdateUser(ctx context.Context, name string, update UserUpdate) error {
	for i := range f.users {
		if f.users[i].UserName == name {
			if update.NewName != nil {
				f.users[i].UserName = *update.NewName
			}
			if update.OU != nil {
				f.users[i].OU = update.OU
			}
			if update.Email != nil {
				f.users[i].Email = update.Email
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUserNotFound, name)
}

func (f *fakeBackend) SetUserEnabled(ctx context.Context, name string, enabled bool) error {
	for i := range f.users {
		if f.users[i].UserName == name {
			f.users[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUserNotFound, name)
}

func strptr(s string) *string { return &s }

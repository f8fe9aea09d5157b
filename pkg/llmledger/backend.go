package llmledger

import (
	"context"
	"time"
)

// Backend defines the interface for usage persistence. All methods use
// concrete types from this package to avoid import cycles.
//
// Implementations must return UTC-aware timestamps regardless of how they
// were stored, and AggregateUsage must return 0 (never an SQL NULL) when no
// rows match.
type Backend interface {
	// Initialize acquires the underlying store. It is called once by the
	// accounting facade before any other method.
	Initialize(ctx context.Context) error

	// Close releases the underlying store. The facade guarantees it is
	// called on every exit path.
	Close() error

	// InsertUsage appends one accounting row. The entry's ID is assigned
	// by the backend.
	InsertUsage(ctx context.Context, entry *UsageEntry) error

	// GetPeriodStats returns sums and averages over [start, end). Not on
	// the hot path.
	GetPeriodStats(ctx context.Context, start, end time.Time) (*PeriodStats, error)

	// GetModelStats returns per-model sums over [start, end).
	GetModelStats(ctx context.Context, start, end time.Time) ([]ModelStats, error)

	// GetModelRankings returns per-metric model orderings over [start, end).
	GetModelRankings(ctx context.Context, start, end time.Time) (*ModelRankings, error)

	// Tail returns the most recent n rows by timestamp, descending.
	Tail(ctx context.Context, n int) ([]UsageEntry, error)

	// Purge deletes all accounting rows and all limits.
	Purge(ctx context.Context) error

	// InsertUsageLimit stores a new limit and assigns its ID and audit
	// timestamps on the passed struct.
	InsertUsageLimit(ctx context.Context, limit *UsageLimit) error

	// DeleteUsageLimit removes a limit by id. Deleting a missing id is a
	// no-op.
	DeleteUsageLimit(ctx context.Context, id int64) error

	// GetUsageLimits returns limits matching the filter.
	GetUsageLimits(ctx context.Context, filter LimitFilter) ([]UsageLimit, error)

	// AggregateUsage is the hot aggregation: one scalar appropriate to the
	// query's limit type (row count for requests, sums otherwise) over the
	// query's window and dimensional filters.
	AggregateUsage(ctx context.Context, q AggregationQuery) (float64, error)

	// OldestUsageTime returns the timestamp of the oldest row matching the
	// query's window and filters, or nil when none match. Called on the
	// deny path to compute when a rolling window frees up.
	OldestUsageTime(ctx context.Context, q AggregationQuery) (*time.Time, error)

	// Project directory.
	CreateProject(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, name, newName string) error
	DeleteProject(ctx context.Context, name string) error

	// User directory.
	CreateUser(ctx context.Context, user *User) error
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, name string, update UserUpdate) error
	SetUserEnabled(ctx context.Context, name string, enabled bool) error
}

// AuditBackend is the optional append-only sink for prompt/response events.
// It is independent of the usage backend; the accounting facade owns the
// lifecycle of both.
type AuditBackend interface {
	Initialize(ctx context.Context) error
	Close() error

	// LogEvent appends one audit entry. The entry's ID is assigned by the
	// backend.
	LogEvent(ctx context.Context, entry *AuditEntry) error

	// GetEntries returns audit entries matching the filter, newest first.
	GetEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	// Purge deletes all audit entries.
	Purge(ctx context.Context) error
}

// Package sqlite provides a SQLite implementation of the llmledger.Backend
// interface over database/sql with the modernc.org/sqlite driver. Timestamps
// are stored as fixed-width UTC text so range predicates compare correctly.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// timeLayout is fixed-width so lexicographic ordering of stored text matches
// chronological ordering.
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Config holds SQLite backend configuration.
type Config struct {
	// Path is the database file, or ":memory:" for an in-memory database.
	Path string

	// MigrationCachePath overrides the local migration cache file.
	// Default: <user cache dir>/llmledger/migrations.json.
	MigrationCachePath string

	// Logger is used for structured logging (default: NoopLogger).
	Logger llmledger.Logger
}

// Backend implements llmledger.Backend using SQLite.
type Backend struct {
	path      string
	cachePath string
	logger    llmledger.Logger
	memory    bool

	db *sql.DB
}

// New creates a SQLite backend. No I/O happens until Initialize.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = &llmledger.NoopLogger{}
	}
	cachePath := cfg.MigrationCachePath
	if cachePath == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cachePath = filepath.Join(dir, "llmledger", "migrations.json")
		} else {
			cachePath = filepath.Join(os.TempDir(), "llmledger-migrations.json")
		}
	}
	return &Backend{
		path:      cfg.Path,
		cachePath: cachePath,
		logger:    logger,
		memory:    cfg.Path == ":memory:" || strings.Contains(cfg.Path, "mode=memory"),
	}
}

// identity is the connection identity recorded in the migration cache.
func (b *Backend) identity() string {
	if abs, err := filepath.Abs(b.path); err == nil {
		return abs
	}
	return b.path
}

// Initialize opens (or creates) the database and brings the schema to head.
func (b *Backend) Initialize(ctx context.Context) error {
	if !b.memory {
		if dir := filepath.Dir(b.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", b.path)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	// The modernc driver serializes writes per connection; a single
	// connection avoids table-lock errors under concurrent use.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil && !b.memory {
		_ = db.Close()
		return fmt.Errorf("enable WAL: %w", err)
	}

	b.db = db
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}
	return nil
}

// Close releases the database handle.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// InsertUsage implements llmledger.Backend.
func (b *Backend) InsertUsage(ctx context.Context, entry *llmledger.UsageEntry) error {
	res, err := b.db.ExecContext(ctx, `
INSERT INTO usage_entries (
	timestamp, model, username, caller_name, project,
	prompt_tokens, completion_tokens, total_tokens,
	local_prompt_tokens, local_completion_tokens, local_total_tokens,
	cached_tokens, reasoning_tokens, cost, execution_time
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(entry.Timestamp), entry.Model, entry.Username, entry.CallerName, entry.Project,
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens,
		entry.LocalPromptTokens, entry.LocalCompletionTokens, entry.LocalTotalTokens,
		entry.CachedTokens, entry.ReasoningTokens, entry.Cost, entry.ExecutionTime,
	)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// GetPeriodStats implements llmledger.Backend.
func (b *Backend) GetPeriodStats(ctx context.Context, start, end time.Time) (*llmledger.PeriodStats, error) {
	row := b.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(cost), 0),
	COALESCE(SUM(execution_time), 0)
FROM usage_entries
WHERE timestamp >= ? AND timestamp < ?`,
		formatTime(start), formatTime(end))

	stats := &llmledger.PeriodStats{}
	if err := row.Scan(
		&stats.Requests,
		&stats.SumPromptTokens, &stats.SumCompletionTokens, &stats.SumTotalTokens,
		&stats.SumCost, &stats.SumExecutionTime,
	); err != nil {
		return nil, fmt.Errorf("period stats: %w", err)
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
	rows, err := b.db.QueryContext(ctx, `
SELECT
	model,
	COUNT(*),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(cost), 0),
	COALESCE(SUM(execution_time), 0)
FROM usage_entries
WHERE timestamp >= ? AND timestamp < ?
GROUP BY model
ORDER BY model`,
		formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("model stats: %w", err)
	}
	defer rows.Close()

	var out []llmledger.ModelStats
	for rows.Next() {
		var s llmledger.ModelStats
		if err := rows.Scan(&s.Model, &s.Requests, &s.PromptTokens, &s.CompletionTokens,
			&s.TotalTokens, &s.Cost, &s.ExecutionTime); err != nil {
			return nil, fmt.Errorf("model stats scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetModelRankings implements llmledger.Backend.
func (b *Backend) GetModelRankings(ctx context.Context, start, end time.Time) (*llmledger.ModelRankings, error) {
	stats, err := b.GetModelStats(ctx, start, end)
	if err != nil {
		return nil, err
	}
	rankings := &llmledger.ModelRankings{}
	for _, column := range []struct {
		out   *[]llmledger.ModelRank
		value func(llmledger.ModelStats) float64
	}{
		{&rankings.PromptTokens, func(s llmledger.ModelStats) float64 { return float64(s.PromptTokens) }},
		{&rankings.CompletionTokens, func(s llmledger.ModelStats) float64 { return float64(s.CompletionTokens) }},
		{&rankings.TotalTokens, func(s llmledger.ModelStats) float64 { return float64(s.TotalTokens) }},
		{&rankings.Cost, func(s llmledger.ModelStats) float64 { return s.Cost }},
	} {
		ranks := make([]llmledger.ModelRank, 0, len(stats))
		for _, s := range stats {
			ranks = append(ranks, llmledger.ModelRank{Model: s.Model, Value: column.value(s)})
		}
		for i := 1; i < len(ranks); i++ {
			for j := i; j > 0 && ranks[j].Value > ranks[j-1].Value; j-- {
				ranks[j], ranks[j-1] = ranks[j-1], ranks[j]
			}
		}
		*column.out = ranks
	}
	return rankings, nil
}

const entryColumns = `id, timestamp, model, username, caller_name, project,
	prompt_tokens, completion_tokens, total_tokens,
	local_prompt_tokens, local_completion_tokens, local_total_tokens,
	cached_tokens, reasoning_tokens, cost, execution_time`

func scanEntry(rows *sql.Rows) (llmledger.UsageEntry, error) {
	var e llmledger.UsageEntry
	var ts string
	err := rows.Scan(&e.ID, &ts, &e.Model, &e.Username, &e.CallerName, &e.Project,
		&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens,
		&e.LocalPromptTokens, &e.LocalCompletionTokens, &e.LocalTotalTokens,
		&e.CachedTokens, &e.ReasoningTokens, &e.Cost, &e.ExecutionTime)
	if err != nil {
		return e, err
	}
	e.Timestamp, err = parseTime(ts)
	return e, err
}

// Tail implements llmledger.Backend.
func (b *Backend) Tail(ctx context.Context, n int) ([]llmledger.UsageEntry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM usage_entries ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("tail: %w", err)
	}
	defer rows.Close()

	var out []llmledger.UsageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("tail scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge implements llmledger.Backend: usage rows and limits, not the
// directories.
func (b *Backend) Purge(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM usage_entries`); err != nil {
		return fmt.Errorf("purge usage entries: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM usage_limits`); err != nil {
		return fmt.Errorf("purge usage limits: %w", err)
	}
	return nil
}

// InsertUsageLimit implements llmledger.Backend.
func (b *Backend) InsertUsageLimit(ctx context.Context, limit *llmledger.UsageLimit) error {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
INSERT INTO usage_limits (
	scope, limit_type, max_value, interval_unit, interval_value,
	model, username, caller_name, project_name, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(limit.Scope), string(limit.LimitType), limit.MaxValue,
		string(limit.IntervalUnit), limit.IntervalValue,
		limit.Model, limit.Username, limit.CallerName, limit.ProjectName,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert usage limit: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		limit.ID = id
	}
	limit.CreatedAt = now
	limit.UpdatedAt = now
	return nil
}

// DeleteUsageLimit implements llmledger.Backend; deleting a missing id is a
// no-op.
func (b *Backend) DeleteUsageLimit(ctx context.Context, id int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM usage_limits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete usage limit: %w", err)
	}
	return nil
}

// filterPredicate appends the tri-state NULL predicate for one column.
func filterPredicate(where *[]string, args *[]interface{}, column string, f llmledger.StringFilter) {
	switch {
	case f.Value != nil:
		*where = append(*where, column+" = ?")
		*args = append(*args, *f.Value)
	case f.IsNull != nil && *f.IsNull:
		*where = append(*where, column+" IS NULL")
	case f.IsNull != nil:
		*where = append(*where, column+" IS NOT NULL")
	}
}

// GetUsageLimits implements llmledger.Backend.
func (b *Backend) GetUsageLimits(ctx context.Context, filter llmledger.LimitFilter) ([]llmledger.UsageLimit, error) {
	where := []string{}
	args := []interface{}{}
	if filter.Scope != nil {
		where = append(where, "scope = ?")
		args = append(args, string(*filter.Scope))
	}
	filterPredicate(&where, &args, "model", filter.Model)
	filterPredicate(&where, &args, "username", filter.Username)
	filterPredicate(&where, &args, "caller_name", filter.CallerName)
	filterPredicate(&where, &args, "project_name", filter.ProjectName)

	query := `SELECT id, scope, limit_type, max_value, interval_unit, interval_value,
	model, username, caller_name, project_name, created_at, updated_at
FROM usage_limits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get usage limits: %w", err)
	}
	defer rows.Close()

	var out []llmledger.UsageLimit
	for rows.Next() {
		var l llmledger.UsageLimit
		var scope, limitType, unit, createdAt, updatedAt string
		if err := rows.Scan(&l.ID, &scope, &limitType, &l.MaxValue, &unit, &l.IntervalValue,
			&l.Model, &l.Username, &l.CallerName, &l.ProjectName, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("usage limit scan: %w", err)
		}
		l.Scope = llmledger.LimitScope(scope)
		l.LimitType = llmledger.LimitType(limitType)
		l.IntervalUnit = llmledger.TimeInterval(unit)
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("usage limit created_at: %w", err)
		}
		if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("usage limit updated_at: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AggregateUsage implements llmledger.Backend. The end comparator is <= for
// rolling intervals and < for fixed ones; COALESCE keeps empty windows at
// zero.
func (b *Backend) AggregateUsage(ctx context.Context, q llmledger.AggregationQuery) (float64, error) {
	var selectExpr string
	switch q.LimitType {
	case llmledger.LimitRequests:
		selectExpr = "COUNT(*)"
	case llmledger.LimitInputTokens:
		selectExpr = "COALESCE(SUM(prompt_tokens), 0)"
	case llmledger.LimitOutputTokens:
		selectExpr = "COALESCE(SUM(completion_tokens), 0)"
	case llmledger.LimitTotalTokens:
		selectExpr = "COALESCE(SUM(prompt_tokens + completion_tokens), 0)"
	case llmledger.LimitCost:
		selectExpr = "COALESCE(SUM(cost), 0)"
	default:
		return 0, fmt.Errorf("unknown limit type %q", q.LimitType)
	}

	endOp := "<"
	if q.EndInclusive() {
		endOp = "<="
	}

	where := []string{"timestamp >= ?", "timestamp " + endOp + " ?"}
	args := []interface{}{formatTime(q.Start), formatTime(q.End)}
	filterPredicate(&where, &args, "model", q.Model)
	filterPredicate(&where, &args, "username", q.Username)
	filterPredicate(&where, &args, "caller_name", q.Caller)
	filterPredicate(&where, &args, "project", q.Project)

	var total float64
	err := b.db.QueryRowContext(ctx,
		`SELECT `+selectExpr+` FROM usage_entries WHERE `+strings.Join(where, " AND "),
		args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("aggregate usage: %w", err)
	}
	return total, nil
}

// OldestUsageTime implements llmledger.Backend.
func (b *Backend) OldestUsageTime(ctx context.Context, q llmledger.AggregationQuery) (*time.Time, error) {
	endOp := "<"
	if q.EndInclusive() {
		endOp = "<="
	}
	where := []string{"timestamp >= ?", "timestamp " + endOp + " ?"}
	args := []interface{}{formatTime(q.Start), formatTime(q.End)}
	filterPredicate(&where, &args, "model", q.Model)
	filterPredicate(&where, &args, "username", q.Username)
	filterPredicate(&where, &args, "caller_name", q.Caller)
	filterPredicate(&where, &args, "project", q.Project)

	var ts *string
	err := b.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp) FROM usage_entries WHERE `+strings.Join(where, " AND "),
		args...).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("oldest usage time: %w", err)
	}
	if ts == nil {
		return nil, nil
	}
	parsed, err := parseTime(*ts)
	if err != nil {
		return nil, fmt.Errorf("oldest usage time: %w", err)
	}
	return &parsed, nil
}

// Select runs an arbitrary read-only query and returns column names plus
// rows rendered as strings. Backs the CLI's select command.
func (b *Backend) Select(ctx context.Context, query string) ([]string, [][]string, error) {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("select columns: %w", err)
	}

	var out [][]string
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("select scan: %w", err)
		}
		row := make([]string, len(columns))
		for i, v := range values {
			row[i] = renderValue(v)
		}
		out = append(out, row)
	}
	return columns, out, rows.Err()
}

func renderValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// CreateProject implements llmledger.Backend.
func (b *Backend) CreateProject(ctx context.Context, name string) (*llmledger.Project, error) {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO projects (name, created_at, updated_at) VALUES (?, ?, ?)`,
		name, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %q", llmledger.ErrProjectExists, name)
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	p := &llmledger.Project{Name: name, CreatedAt: now, UpdatedAt: now}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	return p, nil
}

// ListProjects implements llmledger.Backend.
func (b *Backend) ListProjects(ctx context.Context) ([]llmledger.Project, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []llmledger.Project
	for rows.Next() {
		var p llmledger.Project
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("project scan: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("project created_at: %w", err)
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("project updated_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject implements llmledger.Backend.
func (b *Backend) UpdateProject(ctx context.Context, name, newName string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, updated_at = ? WHERE name = ?`,
		newName, formatTime(time.Now().UTC()), name)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", llmledger.ErrProjectNotFound, name)
	}
	return nil
}

// DeleteProject implements llmledger.Backend.
func (b *Backend) DeleteProject(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", llmledger.ErrProjectNotFound, name)
	}
	return nil
}

// CreateUser implements llmledger.Backend. New users start enabled.
func (b *Backend) CreateUser(ctx context.Context, user *llmledger.User) error {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
INSERT INTO users (user_name, ou, email, enabled, created_at, last_enabled_at)
VALUES (?, ?, ?, 1, ?, ?)`,
		user.UserName, user.OU, user.Email, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %q", llmledger.ErrUserExists, user.UserName)
		}
		return fmt.Errorf("create user: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		user.ID = id
	}
	user.Enabled = true
	user.CreatedAt = now
	user.LastEnabledAt = &now
	return nil
}

// ListUsers implements llmledger.Backend.
func (b *Backend) ListUsers(ctx context.Context) ([]llmledger.User, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT id, user_name, ou, email, enabled, created_at, last_enabled_at, last_disabled_at
FROM users ORDER BY user_name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []llmledger.User
	for rows.Next() {
		var u llmledger.User
		var createdAt string
		var enabledAt, disabledAt *string
		if err := rows.Scan(&u.ID, &u.UserName, &u.OU, &u.Email, &u.Enabled,
			&createdAt, &enabledAt, &disabledAt); err != nil {
			return nil, fmt.Errorf("user scan: %w", err)
		}
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("user created_at: %w", err)
		}
		if enabledAt != nil {
			t, err := parseTime(*enabledAt)
			if err != nil {
				return nil, fmt.Errorf("user last_enabled_at: %w", err)
			}
			u.LastEnabledAt = &t
		}
		if disabledAt != nil {
			t, err := parseTime(*disabledAt)
			if err != nil {
				return nil, fmt.Errorf("user last_disabled_at: %w", err)
			}
			u.LastDisabledAt = &t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUser implements llmledger.Backend.
func (b *Backend) UpdateUser(ctx context.Context, name string, update llmledger.UserUpdate) error {
	set := []string{}
	args := []interface{}{}
	if update.NewName != nil {
		set = append(set, "user_name = ?")
		args = append(args, *update.NewName)
	}
	if update.OU != nil {
		set = append(set, "ou = ?")
		args = append(args, *update.OU)
	}
	if update.Email != nil {
		set = append(set, "email = ?")
		args = append(args, *update.Email)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, name)

	res, err := b.db.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(set, ", ")+` WHERE user_name = ?`, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", llmledger.ErrUserNotFound, name)
	}
	return nil
}

// SetUserEnabled implements llmledger.Backend, stamping the transition time.
func (b *Backend) SetUserEnabled(ctx context.Context, name string, enabled bool) error {
	column := "last_disabled_at"
	if enabled {
		column = "last_enabled_at"
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE users SET enabled = ?, `+column+` = ? WHERE user_name = ?`,
		enabled, formatTime(time.Now().UTC()), name)
	if err != nil {
		return fmt.Errorf("set user enabled: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", llmledger.ErrUserNotFound, name)
	}
	return nil
}

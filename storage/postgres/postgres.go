// Package postgres provides a PostgreSQL implementation of the
// llmledger.Backend interface over pgx connection pools. Schema revisions are
// stamped in a schema_version table inside the database itself; unlike the
// SQLite backend there is no local migration cache file, since writing
// connection identities to disk would leak host and credential material.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// Config holds PostgreSQL backend configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger llmledger.Logger
}

// DefaultConfig returns a Config with sensible pool defaults.
func DefaultConfig(connString string) Config {
	return Config{
		ConnectionString: connString,
		MaxConns:         10,
		MinConns:         2,
		MaxConnLifetime:  time.Hour,
		MaxConnIdleTime:  30 * time.Minute,
	}
}

// Backend implements llmledger.Backend using PostgreSQL.
type Backend struct {
	cfg    Config
	logger llmledger.Logger
	pool   *pgxpool.Pool
}

// New creates a PostgreSQL backend. No connection is made until Initialize.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = &llmledger.NoopLogger{}
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Initialize connects the pool, verifies the connection, and brings the
// schema to head.
func (b *Backend) Initialize(ctx context.Context) error {
	if b.cfg.ConnectionString == "" {
		return fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(b.cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}
	if b.cfg.MaxConns > 0 {
		poolConfig.MaxConns = b.cfg.MaxConns
	}
	if b.cfg.MinConns > 0 {
		poolConfig.MinConns = b.cfg.MinConns
	}
	if b.cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = b.cfg.MaxConnLifetime
	}
	if b.cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = b.cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	b.pool = pool
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		b.pool = nil
		return err
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// InsertUsage implements llmledger.Backend.
func (b *Backend) InsertUsage(ctx context.Context, entry *llmledger.UsageEntry) error {
	err := b.pool.QueryRow(ctx, `
INSERT INTO usage_entries (
	ts, model, username, caller_name, project,
	prompt_tokens, completion_tokens, total_tokens,
	local_prompt_tokens, local_completion_tokens, local_total_tokens,
	cached_tokens, reasoning_tokens, cost, execution_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING id`,
		entry.Timestamp.UTC(), entry.Model, entry.Username, entry.CallerName, entry.Project,
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens,
		entry.LocalPromptTokens, entry.LocalCompletionTokens, entry.LocalTotalTokens,
		entry.CachedTokens, entry.ReasoningTokens, entry.Cost, entry.ExecutionTime,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// GetPeriodStats implements llmledger.Backend.
func (b *Backend) GetPeriodStats(ctx context.Context, start, end time.Time) (*llmledger.PeriodStats, error) {
	stats := &llmledger.PeriodStats{}
	err := b.pool.QueryRow(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(cost), 0),
	COALESCE(SUM(execution_time), 0)
FROM usage_entries
WHERE ts >= $1 AND ts < $2`,
		start.UTC(), end.UTC(),
	).Scan(&stats.Requests,
		&stats.SumPromptTokens, &stats.SumCompletionTokens, &stats.SumTotalTokens,
		&stats.SumCost, &stats.SumExecutionTime)
	if err != nil {
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
	rows, err := b.pool.Query(ctx, `
SELECT
	model,
	COUNT(*),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(total_tokens), 0),
	COALESCE(SUM(cost), 0),
	COALESCE(SUM(execution_time), 0)
FROM usage_entries
WHERE ts >= $1 AND ts < $2
GROUP BY model
ORDER BY model`,
		start.UTC(), end.UTC())
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

const entryColumns = `id, ts, model, username, caller_name, project,
	prompt_tokens, completion_tokens, total_tokens,
	local_prompt_tokens, local_completion_tokens, local_total_tokens,
	cached_tokens, reasoning_tokens, cost, execution_time`

func scanEntry(rows pgx.Rows) (llmledger.UsageEntry, error) {
	var e llmledger.UsageEntry
	err := rows.Scan(&e.ID, &e.Timestamp, &e.Model, &e.Username, &e.CallerName, &e.Project,
		&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens,
		&e.LocalPromptTokens, &e.LocalCompletionTokens, &e.LocalTotalTokens,
		&e.CachedTokens, &e.ReasoningTokens, &e.Cost, &e.ExecutionTime)
	e.Timestamp = e.Timestamp.UTC()
	return e, err
}

// Tail implements llmledger.Backend.
func (b *Backend) Tail(ctx context.Context, n int) ([]llmledger.UsageEntry, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM usage_entries ORDER BY ts DESC, id DESC LIMIT $1`, n)
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
	if _, err := b.pool.Exec(ctx, `DELETE FROM usage_entries`); err != nil {
		return fmt.Errorf("purge usage entries: %w", err)
	}
	if _, err := b.pool.Exec(ctx, `DELETE FROM usage_limits`); err != nil {
		return fmt.Errorf("purge usage limits: %w", err)
	}
	return nil
}

// InsertUsageLimit implements llmledger.Backend.
func (b *Backend) InsertUsageLimit(ctx context.Context, limit *llmledger.UsageLimit) error {
	now := time.Now().UTC()
	err := b.pool.QueryRow(ctx, `
INSERT INTO usage_limits (
	scope, limit_type, max_value, interval_unit, interval_value,
	model, username, caller_name, project_name, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`,
		string(limit.Scope), string(limit.LimitType), limit.MaxValue,
		string(limit.IntervalUnit), limit.IntervalValue,
		limit.Model, limit.Username, limit.CallerName, limit.ProjectName,
		now, now,
	).Scan(&limit.ID)
	if err != nil {
		return fmt.Errorf("insert usage limit: %w", err)
	}
	limit.CreatedAt = now
	limit.UpdatedAt = now
	return nil
}

// DeleteUsageLimit implements llmledger.Backend; deleting a missing id is a
// no-op.
func (b *Backend) DeleteUsageLimit(ctx context.Context, id int64) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM usage_limits WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete usage limit: %w", err)
	}
	return nil
}

// filterPredicate appends the tri-state NULL predicate for one column.
func filterPredicate(where *[]string, args *[]interface{}, column string, f llmledger.StringFilter) {
	switch {
	case f.Value != nil:
		*args = append(*args, *f.Value)
		*where = append(*where, fmt.Sprintf("%s = $%d", column, len(*args)))
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
		args = append(args, string(*filter.Scope))
		where = append(where, fmt.Sprintf("scope = $%d", len(args)))
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

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get usage limits: %w", err)
	}
	defer rows.Close()

	var out []llmledger.UsageLimit
	for rows.Next() {
		var l llmledger.UsageLimit
		var scope, limitType, unit string
		if err := rows.Scan(&l.ID, &scope, &limitType, &l.MaxValue, &unit, &l.IntervalValue,
			&l.Model, &l.Username, &l.CallerName, &l.ProjectName, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("usage limit scan: %w", err)
		}
		l.Scope = llmledger.LimitScope(scope)
		l.LimitType = llmledger.LimitType(limitType)
		l.IntervalUnit = llmledger.TimeInterval(unit)
		l.CreatedAt = l.CreatedAt.UTC()
		l.UpdatedAt = l.UpdatedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// AggregateUsage implements llmledger.Backend.
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

	args := []interface{}{q.Start.UTC(), q.End.UTC()}
	where := []string{"ts >= $1", "ts " + endOp + " $2"}
	filterPredicate(&where, &args, "model", q.Model)
	filterPredicate(&where, &args, "username", q.Username)
	filterPredicate(&where, &args, "caller_name", q.Caller)
	filterPredicate(&where, &args, "project", q.Project)

	var total float64
	err := b.pool.QueryRow(ctx,
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
	args := []interface{}{q.Start.UTC(), q.End.UTC()}
	where := []string{"ts >= $1", "ts " + endOp + " $2"}
	filterPredicate(&where, &args, "model", q.Model)
	filterPredicate(&where, &args, "username", q.Username)
	filterPredicate(&where, &args, "caller_name", q.Caller)
	filterPredicate(&where, &args, "project", q.Project)

	var ts *time.Time
	err := b.pool.QueryRow(ctx,
		`SELECT MIN(ts) FROM usage_entries WHERE `+strings.Join(where, " AND "),
		args...).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("oldest usage time: %w", err)
	}
	if ts == nil {
		return nil, nil
	}
	utc := ts.UTC()
	return &utc, nil
}

// Select runs an arbitrary read-only query and returns column names plus
// rows rendered as strings. Backs the CLI's select command.
func (b *Backend) Select(ctx context.Context, query string) ([]string, [][]string, error) {
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out [][]string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("select scan: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				row[i] = "NULL"
			} else {
				row[i] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, row)
	}
	return columns, out, rows.Err()
}

// CreateProject implements llmledger.Backend.
func (b *Backend) CreateProject(ctx context.Context, name string) (*llmledger.Project, error) {
	now := time.Now().UTC()
	p := &llmledger.Project{Name: name, CreatedAt: now, UpdatedAt: now}
	err := b.pool.QueryRow(ctx,
		`INSERT INTO projects (name, created_at, updated_at) VALUES ($1, $2, $3) RETURNING id`,
		name, now, now).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", llmledger.ErrProjectExists, name)
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// ListProjects implements llmledger.Backend.
func (b *Backend) ListProjects(ctx context.Context) ([]llmledger.Project, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT id, name, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []llmledger.Project
	for rows.Next() {
		var p llmledger.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("project scan: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject implements llmledger.Backend.
func (b *Backend) UpdateProject(ctx context.Context, name, newName string) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE projects SET name = $1, updated_at = $2 WHERE name = $3`,
		newName, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", llmledger.ErrProjectNotFound, name)
	}
	return nil
}

// DeleteProject implements llmledger.Backend.
func (b *Backend) DeleteProject(ctx context.Context, name string) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM projects WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", llmledger.ErrProjectNotFound, name)
	}
	return nil
}

// CreateUser implements llmledger.Backend. New users start enabled.
func (b *Backend) CreateUser(ctx context.Context, user *llmledger.User) error {
	now := time.Now().UTC()
	err := b.pool.QueryRow(ctx, `
INSERT INTO users (user_name, ou, email, enabled, created_at, last_enabled_at)
VALUES ($1, $2, $3, TRUE, $4, $5)
RETURNING id`,
		user.UserName, user.OU, user.Email, now, now).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", llmledger.ErrUserExists, user.UserName)
		}
		return fmt.Errorf("create user: %w", err)
	}
	user.Enabled = true
	user.CreatedAt = now
	user.LastEnabledAt = &now
	return nil
}

// ListUsers implements llmledger.Backend.
func (b *Backend) ListUsers(ctx context.Context) ([]llmledger.User, error) {
	rows, err := b.pool.Query(ctx, `
SELECT id, user_name, ou, email, enabled, created_at, last_enabled_at, last_disabled_at
FROM users ORDER BY user_name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []llmledger.User
	for rows.Next() {
		var u llmledger.User
		if err := rows.Scan(&u.ID, &u.UserName, &u.OU, &u.Email, &u.Enabled,
			&u.CreatedAt, &u.LastEnabledAt, &u.LastDisabledAt); err != nil {
			return nil, fmt.Errorf("user scan: %w", err)
		}
		u.CreatedAt = u.CreatedAt.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUser implements llmledger.Backend.
func (b *Backend) UpdateUser(ctx context.Context, name string, update llmledger.UserUpdate) error {
	set := []string{}
	args := []interface{}{}
	if update.NewName != nil {
		args = append(args, *update.NewName)
		set = append(set, fmt.Sprintf("user_name = $%d", len(args)))
	}
	if update.OU != nil {
		args = append(args, *update.OU)
		set = append(set, fmt.Sprintf("ou = $%d", len(args)))
	}
	if update.Email != nil {
		args = append(args, *update.Email)
		set = append(set, fmt.Sprintf("email = $%d", len(args)))
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, name)

	tag, err := b.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET %s WHERE user_name = $%d`, strings.Join(set, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	tag, err := b.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET enabled = $1, %s = $2 WHERE user_name = $3`, column),
		enabled, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("set user enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", llmledger.ErrUserNotFound, name)
	}
	return nil
}

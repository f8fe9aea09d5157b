package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

type migration struct {
	revision string
	stmts    []string
}

var migrations = []migration{
	{
		revision: "0001_initial",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS usage_entries (
				id BIGSERIAL PRIMARY KEY,
				ts TIMESTAMPTZ NOT NULL,
				model TEXT NOT NULL,
				username TEXT,
				caller_name TEXT,
				project TEXT,
				prompt_tokens BIGINT NOT NULL DEFAULT 0,
				completion_tokens BIGINT NOT NULL DEFAULT 0,
				total_tokens BIGINT NOT NULL DEFAULT 0,
				cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				execution_time DOUBLE PRECISION NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_entries_ts ON usage_entries(ts)`,
			`CREATE TABLE IF NOT EXISTS usage_limits (
				id BIGSERIAL PRIMARY KEY,
				scope TEXT NOT NULL,
				limit_type TEXT NOT NULL,
				max_value DOUBLE PRECISION NOT NULL,
				interval_unit TEXT NOT NULL,
				interval_value INTEGER NOT NULL,
				model TEXT,
				username TEXT,
				caller_name TEXT,
				project_name TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		},
	},
	{
		revision: "0002_directories",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				user_name TEXT NOT NULL UNIQUE,
				ou TEXT,
				email TEXT,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL,
				last_enabled_at TIMESTAMPTZ,
				last_disabled_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS projects (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		},
	},
	{
		revision: "0003_extended_tokens",
		stmts: []string{
			`ALTER TABLE usage_entries ADD COLUMN IF NOT EXISTS local_prompt_tokens BIGINT NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN IF NOT EXISTS local_completion_tokens BIGINT NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN IF NOT EXISTS local_total_tokens BIGINT NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN IF NOT EXISTS cached_tokens BIGINT NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN IF NOT EXISTS reasoning_tokens BIGINT NOT NULL DEFAULT 0`,
		},
	},
}

func headRevision() string {
	return migrations[len(migrations)-1].revision
}

// migrate brings the schema to head. The stamped revision lives in the
// schema_version table; revisions after it are applied in one transaction.
func (b *Backend) migrate(ctx context.Context) error {
	stamped, err := b.stampedRevision(ctx)
	if err != nil {
		return fmt.Errorf("%w: read stamp: %v", llmledger.ErrMigration, err)
	}
	if stamped == headRevision() {
		return nil
	}

	start := 0
	if stamped != "" {
		for i, m := range migrations {
			if m.revision == stamped {
				start = i + 1
				break
			}
		}
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", llmledger.ErrMigration, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range migrations[start:] {
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%w: revision %s: %v", llmledger.ErrMigration, m.revision, err)
			}
		}
	}

	if _, err := tx.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (revision TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("%w: version table: %v", llmledger.ErrMigration, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("%w: clear stamp: %v", llmledger.ErrMigration, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (revision) VALUES ($1)`, headRevision()); err != nil {
		return fmt.Errorf("%w: stamp: %v", llmledger.ErrMigration, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", llmledger.ErrMigration, err)
	}
	return nil
}

func (b *Backend) stampedRevision(ctx context.Context) (string, error) {
	var exists bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_version')`).Scan(&exists)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}

	var revision string
	err = b.pool.QueryRow(ctx, `SELECT revision FROM schema_version LIMIT 1`).Scan(&revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return revision, err
}

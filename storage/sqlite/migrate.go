package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// migration is one schema revision. Revisions are applied in order inside a
// transaction and stamped into the schema_version table.
type migration struct {
	revision string
	stmts    []string
}

var migrations = []migration{
	{
		revision: "0001_initial",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS usage_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				model TEXT NOT NULL,
				username TEXT,
				caller_name TEXT,
				project TEXT,
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0,
				total_tokens INTEGER NOT NULL DEFAULT 0,
				cost REAL NOT NULL DEFAULT 0,
				execution_time REAL NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_entries_timestamp ON usage_entries(timestamp)`,
			`CREATE TABLE IF NOT EXISTS usage_limits (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				scope TEXT NOT NULL,
				limit_type TEXT NOT NULL,
				max_value REAL NOT NULL,
				interval_unit TEXT NOT NULL,
				interval_value INTEGER NOT NULL,
				model TEXT,
				username TEXT,
				caller_name TEXT,
				project_name TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		revision: "0002_directories",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_name TEXT NOT NULL UNIQUE,
				ou TEXT,
				email TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				last_enabled_at TEXT,
				last_disabled_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS projects (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		revision: "0003_extended_tokens",
		stmts: []string{
			`ALTER TABLE usage_entries ADD COLUMN local_prompt_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN local_completion_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN local_total_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN cached_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE usage_entries ADD COLUMN reasoning_tokens INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

func headRevision() string {
	return migrations[len(migrations)-1].revision
}

// migrationCache is the tiny local file recording the last-known head
// revision per connection identity. A corrupt or missing file is rebuilt on
// the next run.
type migrationCache struct {
	path string
}

func (c *migrationCache) read() map[string]string {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]string{}
	}
	return m
}

func (c *migrationCache) get(identity string) string {
	return c.read()[identity]
}

func (c *migrationCache) put(identity, revision string) error {
	m := c.read()
	m[identity] = revision
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}

// migrate brings the schema to head. Decision logic:
//
//   - in-memory DB: create the schema unconditionally, never touch the cache
//   - fresh database (no target tables): apply everything, stamp head,
//     update the cache
//   - existing database, cache matches head: skip
//   - otherwise: apply the revisions past the stamped one, stamp head,
//     update the cache
func (b *Backend) migrate(ctx context.Context) error {
	if b.memory {
		return b.applyFrom(ctx, "")
	}

	cache := &migrationCache{path: b.cachePath}
	identity := b.identity()

	fresh, err := b.isFresh(ctx)
	if err != nil {
		return fmt.Errorf("%w: probe: %v", llmledger.ErrMigration, err)
	}
	if fresh {
		if err := b.applyFrom(ctx, ""); err != nil {
			return err
		}
		if err := cache.put(identity, headRevision()); err != nil {
			b.logger.Warn("migration cache write failed", llmledger.Field{Key: "error", Value: err})
		}
		return nil
	}

	if cache.get(identity) == headRevision() {
		return nil
	}

	stamped, err := b.stampedRevision(ctx)
	if err != nil {
		return fmt.Errorf("%w: read stamp: %v", llmledger.ErrMigration, err)
	}
	if err := b.applyFrom(ctx, stamped); err != nil {
		return err
	}
	if err := cache.put(identity, headRevision()); err != nil {
		b.logger.Warn("migration cache write failed", llmledger.Field{Key: "error", Value: err})
	}
	return nil
}

func (b *Backend) isFresh(ctx context.Context) (bool, error) {
	var name string
	err := b.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'usage_entries'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

// stampedRevision reads the revision recorded in the database itself. An
// existing database without a schema_version table predates the stamping
// scheme and is migrated from the beginning; the IF NOT EXISTS guards make
// re-running revision 0001 safe there.
func (b *Backend) stampedRevision(ctx context.Context) (string, error) {
	var name string
	err := b.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var revision string
	err = b.db.QueryRowContext(ctx, `SELECT revision FROM schema_version LIMIT 1`).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return revision, err
}

// applyFrom applies every revision after the given one and stamps head.
func (b *Backend) applyFrom(ctx context.Context, after string) error {
	start := 0
	if after != "" {
		for i, m := range migrations {
			if m.revision == after {
				start = i + 1
				break
			}
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", llmledger.ErrMigration, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range migrations[start:] {
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				// Pre-stamp databases may already carry later columns.
				if strings.Contains(err.Error(), "duplicate column name") {
					continue
				}
				return fmt.Errorf("%w: revision %s: %v", llmledger.ErrMigration, m.revision, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (revision TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("%w: version table: %v", llmledger.ErrMigration, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("%w: clear stamp: %v", llmledger.ErrMigration, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (revision) VALUES (?)`, headRevision()); err != nil {
		return fmt.Errorf("%w: stamp: %v", llmledger.ErrMigration, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", llmledger.ErrMigration, err)
	}
	return nil
}

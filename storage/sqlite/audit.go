package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// AuditStore implements llmledger.AuditBackend on its own SQLite database.
// Keeping the audit log in a separate file lets it grow (prompt and response
// text) without bloating the accounting database.
type AuditStore struct {
	path   string
	memory bool
	db     *sql.DB
}

// NewAuditStore creates a SQLite audit sink at the given path (":memory:" for
// an in-memory log).
func NewAuditStore(path string) *AuditStore {
	return &AuditStore{
		path:   path,
		memory: path == ":memory:" || strings.Contains(path, "mode=memory"),
	}
}

// Initialize opens the database and creates the audit table.
func (s *AuditStore) Initialize(ctx context.Context) error {
	if !s.memory {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create audit directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS audit_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	app_name TEXT,
	user_name TEXT,
	model TEXT NOT NULL,
	prompt_text TEXT,
	response_text TEXT,
	remote_completion_id TEXT,
	log_type TEXT NOT NULL,
	project TEXT
)`); err != nil {
		_ = db.Close()
		return fmt.Errorf("create audit table: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// LogEvent implements llmledger.AuditBackend.
func (s *AuditStore) LogEvent(ctx context.Context, entry *llmledger.AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO audit_entries (
	timestamp, app_name, user_name, model,
	prompt_text, response_text, remote_completion_id, log_type, project
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(ts), entry.AppName, entry.UserName, entry.Model,
		entry.PromptText, entry.ResponseText, entry.RemoteCompletionID,
		entry.LogType, entry.Project)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	entry.Timestamp = ts
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// GetEntries implements llmledger.AuditBackend, newest first.
func (s *AuditStore) GetEntries(ctx context.Context, filter llmledger.AuditFilter) ([]llmledger.AuditEntry, error) {
	where := []string{}
	args := []interface{}{}
	if filter.Start != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*filter.Start))
	}
	if filter.End != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*filter.End))
	}
	if filter.UserName != nil {
		where = append(where, "user_name = ?")
		args = append(args, *filter.UserName)
	}
	if filter.Project != nil {
		where = append(where, "project = ?")
		args = append(args, *filter.Project)
	}
	if filter.LogType != nil {
		where = append(where, "log_type = ?")
		args = append(args, *filter.LogType)
	}

	query := `SELECT id, timestamp, app_name, user_name, model,
	prompt_text, response_text, remote_completion_id, log_type, project
FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get audit entries: %w", err)
	}
	defer rows.Close()

	var out []llmledger.AuditEntry
	for rows.Next() {
		var e llmledger.AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.AppName, &e.UserName, &e.Model,
			&e.PromptText, &e.ResponseText, &e.RemoteCompletionID, &e.LogType, &e.Project); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("audit timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge implements llmledger.AuditBackend.
func (s *AuditStore) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries`); err != nil {
		return fmt.Errorf("purge audit entries: %w", err)
	}
	return nil
}

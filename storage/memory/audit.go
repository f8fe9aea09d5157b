package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// AuditStore implements llmledger.AuditBackend in memory.
type AuditStore struct {
	mu      sync.RWMutex
	entries []llmledger.AuditEntry
	nextID  int64
	now     func() time.Time
}

// NewAuditStore creates an empty in-memory audit sink.
func NewAuditStore() *AuditStore {
	return &AuditStore{
		nextID: 1,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Initialize implements llmledger.AuditBackend.
func (s *AuditStore) Initialize(ctx context.Context) error { return nil }

// Close implements llmledger.AuditBackend.
func (s *AuditStore) Close() error { return nil }

// LogEvent implements llmledger.AuditBackend.
func (s *AuditStore) LogEvent(ctx context.Context, entry *llmledger.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("nil audit entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.ID = s.nextID
	s.nextID++
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now()
	}
	s.entries = append(s.entries, stored)
	entry.ID = stored.ID
	return nil
}

// GetEntries implements llmledger.AuditBackend, newest first.
func (s *AuditStore) GetEntries(ctx context.Context, filter llmledger.AuditFilter) ([]llmledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []llmledger.AuditEntry
	for i := range s.entries {
		e := &s.entries[i]
		if filter.Start != nil && e.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && e.Timestamp.After(*filter.End) {
			continue
		}
		if filter.UserName != nil && (e.UserName == nil || *e.UserName != *filter.UserName) {
			continue
		}
		if filter.Project != nil && (e.Project == nil || *e.Project != *filter.Project) {
			continue
		}
		if filter.LogType != nil && e.LogType != *filter.LogType {
			continue
		}
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Purge implements llmledger.AuditBackend.
func (s *AuditStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

package llmledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QuotaService orchestrates membership validation, limit evaluation and the
// denial cache. It owns the limits and membership caches; mutations go
// through it so invalidation stays synchronous in-process. Across processes,
// operators call RefreshLimitsCache (or restart).
type QuotaService struct {
	backend Backend
	logger  Logger
	metrics Metrics
	now     func() time.Time

	limits   *limitsCache
	users    *nameCache
	projects *nameCache
	denials  DenialCache
	eval     *evaluator

	enforceUserNames    bool
	enforceProjectNames bool
}

// newQuotaService wires the service; called by the accounting facade.
func newQuotaService(backend Backend, cfg Config) *QuotaService {
	s := &QuotaService{
		backend:             backend,
		logger:              cfg.Logger,
		metrics:             cfg.Metrics,
		now:                 cfg.Now,
		denials:             cfg.DenialCache,
		enforceUserNames:    cfg.EnforceUserNames,
		enforceProjectNames: cfg.EnforceProjectNames,
	}
	s.limits = newLimitsCache(backend, cfg.Metrics)
	s.users = newNameCache("users", cfg.Metrics, func(ctx context.Context) ([]string, error) {
		users, err := backend.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(users))
		for _, u := range users {
			if u.Enabled {
				names = append(names, u.UserName)
			}
		}
		return names, nil
	})
	s.projects = newNameCache("projects", cfg.Metrics, func(ctx context.Context) ([]string, error) {
		projects, err := backend.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(projects))
		for _, p := range projects {
			names = append(names, p.Name)
		}
		return names, nil
	})
	s.eval = &evaluator{backend: backend, logger: cfg.Logger}
	return s
}

// CheckQuota reports whether the projected request keeps every applicable
// limit within bounds. The denial reason is empty when allowed.
func (s *QuotaService) CheckQuota(ctx context.Context, req Request) (bool, string, error) {
	result, err := s.CheckQuotaEnhanced(ctx, req)
	if err != nil {
		return false, "", err
	}
	return result.Allowed, result.Reason, nil
}

// CheckQuotaEnhanced is CheckQuota plus retry-after information. It consults
// the denial cache before storage, memoizes new denials with their reset
// instant, and evicts the key on an allowed check.
func (s *QuotaService) CheckQuotaEnhanced(ctx context.Context, req Request) (CheckResult, error) {
	started := s.now()
	if strings.TrimSpace(req.Model) == "" {
		return CheckResult{}, ErrEmptyModel
	}
	if err := s.validateMembership(ctx, req.Username, req.Project); err != nil {
		return CheckResult{}, err
	}

	now := s.now()
	key := denialKeyFor(req)

	if cached, err := s.denials.Get(ctx, key, now); err != nil {
		s.logger.Warn("denial cache read failed", Field{Key: "error", Value: err})
	} else if cached != nil {
		s.metrics.RecordCacheHit("denial")
		s.metrics.RecordQuotaCheck(req.Model, "cached_denial", s.now().Sub(started))
		return CheckResult{
			Reason:            cached.Reason,
			RetryAfterSeconds: RetryAfter(now, cached.ResetAt),
			ResetAt:           cached.ResetAt,
		}, nil
	}

	limits, err := s.limits.Get(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("load limits: %w", err)
	}

	result, err := s.eval.Evaluate(ctx, req, limits, now)
	if err != nil {
		return CheckResult{}, err
	}

	if result.Allowed {
		if err := s.denials.Delete(ctx, key); err != nil {
			s.logger.Warn("denial cache evict failed", Field{Key: "error", Value: err})
		}
		s.metrics.RecordQuotaCheck(req.Model, "allowed", s.now().Sub(started))
		return result, nil
	}

	if err := s.denials.Set(ctx, key, Denial{Reason: result.Reason, ResetAt: result.ResetAt}); err != nil {
		s.logger.Warn("denial cache write failed", Field{Key: "error", Value: err})
	}
	s.metrics.RecordQuotaCheck(req.Model, "denied", s.now().Sub(started))
	return result, nil
}

// validateMembership fast-fails requests naming directory entries that do not
// exist, when enforcement is enabled.
func (s *QuotaService) validateMembership(ctx context.Context, username, project *string) error {
	if s.enforceUserNames && username != nil {
		ok, err := s.users.Contains(ctx, *username)
		if err != nil {
			return fmt.Errorf("load user directory: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownUser, *username)
		}
	}
	if s.enforceProjectNames && project != nil {
		ok, err := s.projects.Contains(ctx, *project)
		if err != nil {
			return fmt.Errorf("load project directory: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProject, *project)
		}
	}
	return nil
}

// SetUsageLimit validates and stores a limit, then refreshes the limits
// cache.
func (s *QuotaService) SetUsageLimit(ctx context.Context, limit *UsageLimit) error {
	if err := validateLimit(limit); err != nil {
		return err
	}
	if err := s.backend.InsertUsageLimit(ctx, limit); err != nil {
		return fmt.Errorf("insert usage limit: %w", err)
	}
	return s.RefreshLimitsCache(ctx)
}

// DeleteUsageLimit removes a limit by id (a missing id is a no-op) and
// refreshes the limits cache.
func (s *QuotaService) DeleteUsageLimit(ctx context.Context, id int64) error {
	if err := s.backend.DeleteUsageLimit(ctx, id); err != nil {
		return fmt.Errorf("delete usage limit: %w", err)
	}
	return s.RefreshLimitsCache(ctx)
}

// GetUsageLimits returns limits matching the filter, straight from the
// backend.
func (s *QuotaService) GetUsageLimits(ctx context.Context, filter LimitFilter) ([]UsageLimit, error) {
	return s.backend.GetUsageLimits(ctx, filter)
}

// RefreshLimitsCache reloads the in-memory limit list. Operators call this
// after out-of-process limit mutations.
func (s *QuotaService) RefreshLimitsCache(ctx context.Context) error {
	return s.limits.Refresh(ctx)
}

// RefreshUserCache reloads the enabled-user name set.
func (s *QuotaService) RefreshUserCache(ctx context.Context) error {
	return s.users.Refresh(ctx)
}

// RefreshProjectCache reloads the project name set.
func (s *QuotaService) RefreshProjectCache(ctx context.Context) error {
	return s.projects.Refresh(ctx)
}

// CreateUser adds a directory entry and refreshes the membership cache.
func (s *QuotaService) CreateUser(ctx context.Context, user *User) error {
	if err := s.backend.CreateUser(ctx, user); err != nil {
		return err
	}
	return s.RefreshUserCache(ctx)
}

// UpdateUser mutates a directory entry and refreshes the membership cache.
func (s *QuotaService) UpdateUser(ctx context.Context, name string, update UserUpdate) error {
	if err := s.backend.UpdateUser(ctx, name, update); err != nil {
		return err
	}
	return s.RefreshUserCache(ctx)
}

// SetUserEnabled flips a user's enabled flag and refreshes the membership
// cache.
func (s *QuotaService) SetUserEnabled(ctx context.Context, name string, enabled bool) error {
	if err := s.backend.SetUserEnabled(ctx, name, enabled); err != nil {
		return err
	}
	return s.RefreshUserCache(ctx)
}

// CreateProject adds a directory entry and refreshes the membership cache.
func (s *QuotaService) CreateProject(ctx context.Context, name string) (*Project, error) {
	p, err := s.backend.CreateProject(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.RefreshProjectCache(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProject renames a project and refreshes the membership cache.
func (s *QuotaService) UpdateProject(ctx context.Context, name, newName string) error {
	if err := s.backend.UpdateProject(ctx, name, newName); err != nil {
		return err
	}
	return s.RefreshProjectCache(ctx)
}

// DeleteProject removes a project and refreshes the membership cache.
func (s *QuotaService) DeleteProject(ctx context.Context, name string) error {
	if err := s.backend.DeleteProject(ctx, name); err != nil {
		return err
	}
	return s.RefreshProjectCache(ctx)
}

// validateLimit enforces the limit invariants before storage: known enum
// values, interval value of at least 1, and a concrete dimensional field for
// the scopes that require one. PROJECT-scope limits may leave the project
// NULL; that form constrains project-less requests.
func validateLimit(l *UsageLimit) error {
	if l == nil {
		return fmt.Errorf("%w: nil limit", ErrInvalidScope)
	}
	if !l.Scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, l.Scope)
	}
	if !l.LimitType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLimitType, l.LimitType)
	}
	if !l.IntervalUnit.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, l.IntervalUnit)
	}
	if l.IntervalValue < 1 {
		return fmt.Errorf("%w: interval value %d", ErrInvalidInterval, l.IntervalValue)
	}
	switch l.Scope {
	case ScopeModel:
		if l.Model == nil {
			return fmt.Errorf("%w: MODEL scope needs a model", ErrScopeFieldRequired)
		}
	case ScopeUser:
		if l.Username == nil {
			return fmt.Errorf("%w: USER scope needs a username", ErrScopeFieldRequired)
		}
	case ScopeCaller:
		if l.CallerName == nil {
			return fmt.Errorf("%w: CALLER scope needs a caller name", ErrScopeFieldRequired)
		}
	}
	return nil
}

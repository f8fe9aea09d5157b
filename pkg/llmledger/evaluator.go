package llmledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is the context of one admission check.
type Request struct {
	Model      string
	Username   *string
	CallerName *string
	Project    *string

	InputTokens      int64
	CompletionTokens int64
	Cost             float64
}

// CheckResult is the outcome of a quota check. Denials are values, never
// errors.
type CheckResult struct {
	Allowed bool

	// Reason is the human-readable denial sentence; empty when allowed.
	Reason string

	// RetryAfterSeconds is the whole-seconds wait until the denying
	// window resets; 0 when allowed.
	RetryAfterSeconds int64

	// ResetAt is the instant the denying window resets; zero when allowed.
	ResetAt time.Time
}

// evaluator selects the limits applicable to a request, materializes current
// usage per (limit, window) through the backend, and produces the first
// denial in the contractual scope order.
type evaluator struct {
	backend Backend
	logger  Logger
}

// Scope categories are evaluated in this fixed order; the first denial wins.
// The ordering is observable in denial messages and is a contract.
var scopeOrder = [...]string{
	"model",
	"project",
	"global",
	"user",
	"caller",
	"user_caller",
}

func (e *evaluator) category(l *UsageLimit) string {
	switch l.Scope {
	case ScopeModel:
		return "model"
	case ScopeProject:
		return "project"
	case ScopeGlobal:
		return "global"
	case ScopeUser:
		return "user"
	case ScopeCaller:
		if l.Username == nil {
			return "caller"
		}
		return "user_caller"
	}
	return ""
}

// Evaluate runs the request against the given limits at the given instant.
func (e *evaluator) Evaluate(ctx context.Context, req Request, limits []UsageLimit, now time.Time) (CheckResult, error) {
	now = now.UTC()

	buckets := make(map[string][]*UsageLimit, len(scopeOrder))
	for i := range limits {
		l := &limits[i]
		if cat := e.category(l); cat != "" {
			buckets[cat] = append(buckets[cat], l)
		}
	}

	for _, cat := range scopeOrder {
		result, err := e.evaluateBucket(ctx, req, buckets[cat], now)
		if err != nil {
			return CheckResult{}, err
		}
		if !result.Allowed {
			return result, nil
		}
	}
	return CheckResult{Allowed: true}, nil
}

// evaluateBucket checks one scope category. Within the category, an
// applicable limit with a negative max value suppresses every deny of the
// same limit type that is not more specific than itself.
func (e *evaluator) evaluateBucket(ctx context.Context, req Request, bucket []*UsageLimit, now time.Time) (CheckResult, error) {
	var applicable []*UsageLimit
	for _, l := range bucket {
		if limitApplies(l, req) {
			applicable = append(applicable, l)
		}
	}
	if len(applicable) == 0 {
		return CheckResult{Allowed: true}, nil
	}

	// Best override specificity per limit type.
	overrides := make(map[LimitType]int)
	for _, l := range applicable {
		if l.MaxValue >= 0 {
			continue
		}
		s := specificity(l)
		if cur, ok := overrides[l.LimitType]; !ok || s > cur {
			overrides[l.LimitType] = s
		}
	}

	for _, l := range applicable {
		if l.MaxValue < 0 {
			continue
		}
		if ov, ok := overrides[l.LimitType]; ok && ov >= specificity(l) {
			continue
		}

		start, end, err := PeriodBounds(now, l.IntervalUnit, l.IntervalValue)
		if err != nil {
			return CheckResult{}, fmt.Errorf("limit %d: %w", l.ID, err)
		}
		usage, err := e.backend.AggregateUsage(ctx, aggregationFor(l, start, end))
		if err != nil {
			return CheckResult{}, fmt.Errorf("aggregate usage for limit %d: %w", l.ID, err)
		}

		reqVal := requestValue(l.LimitType, req)
		if usage+reqVal > l.MaxValue {
			reset, err := e.resetFor(ctx, l, start, end)
			if err != nil {
				return CheckResult{}, err
			}
			result := CheckResult{
				Reason:            denialReason(l, usage, reqVal),
				RetryAfterSeconds: RetryAfter(now, reset),
				ResetAt:           reset,
			}
			e.logger.Debug("quota denied",
				Field{Key: "limit_id", Value: l.ID},
				Field{Key: "scope", Value: string(l.Scope)},
				Field{Key: "reason", Value: result.Reason},
			)
			return result, nil
		}
	}
	return CheckResult{Allowed: true}, nil
}

// resetFor computes the denying window's reset instant. Fixed windows reset
// at the next aligned boundary. A rolling window frees up when its oldest
// counted event ages out; when no event can be retrieved the period-based
// instant is used instead.
func (e *evaluator) resetFor(ctx context.Context, l *UsageLimit, start, end time.Time) (time.Time, error) {
	if !l.IntervalUnit.IsRolling() {
		return end, nil
	}
	oldest, err := e.backend.OldestUsageTime(ctx, aggregationFor(l, start, end))
	if err != nil {
		return time.Time{}, fmt.Errorf("oldest usage for limit %d: %w", l.ID, err)
	}
	if oldest == nil {
		return ResetInstant(start, end, l.IntervalUnit, l.IntervalValue), nil
	}
	return ResetInstant(oldest.UTC(), end, l.IntervalUnit, l.IntervalValue), nil
}

// limitApplies implements the dimensional applicability test: every non-NULL
// field on the limit must equal the request's value or be the wildcard.
// GLOBAL limits always apply; a PROJECT-scope limit with a NULL project name
// applies only to project-less requests.
func limitApplies(l *UsageLimit, req Request) bool {
	if l.Scope == ScopeGlobal {
		return true
	}
	if l.Scope == ScopeProject && l.ProjectName == nil {
		return req.Project == nil
	}
	if !fieldMatches(l.Model, &req.Model) {
		return false
	}
	if !fieldMatches(l.Username, req.Username) {
		return false
	}
	if !fieldMatches(l.CallerName, req.CallerName) {
		return false
	}
	if !fieldMatches(l.ProjectName, req.Project) {
		return false
	}
	return true
}

func fieldMatches(limitField, reqField *string) bool {
	if limitField == nil {
		return true
	}
	if *limitField == Wildcard {
		return true
	}
	return reqField != nil && *reqField == *limitField
}

// specificity counts the concrete (non-NULL, non-wildcard) dimensional fields
// of a limit. A wildcard-over-everything limit has specificity 0.
func specificity(l *UsageLimit) int {
	n := 0
	for _, f := range []*string{l.Model, l.Username, l.CallerName, l.ProjectName} {
		if f != nil && *f != Wildcard {
			n++
		}
	}
	return n
}

// aggregationFor derives the usage query from the limit's own fields:
// wildcards collapse to no predicate, concrete values become equality
// predicates, and a PROJECT-scope NULL project becomes an IS NULL predicate.
func aggregationFor(l *UsageLimit, start, end time.Time) AggregationQuery {
	q := AggregationQuery{
		Start:     start,
		End:       end,
		LimitType: l.LimitType,
		Interval:  l.IntervalUnit,
		Model:     fieldFilter(l.Model),
		Username:  fieldFilter(l.Username),
		Caller:    fieldFilter(l.CallerName),
		Project:   fieldFilter(l.ProjectName),
	}
	if l.Scope == ScopeProject && l.ProjectName == nil {
		q.Project = FilterNull()
	}
	return q
}

func fieldFilter(f *string) StringFilter {
	if f == nil || *f == Wildcard {
		return StringFilter{}
	}
	return FilterEquals(*f)
}

// requestValue is the request's projected contribution for a limit type.
func requestValue(t LimitType, req Request) float64 {
	switch t {
	case LimitRequests:
		return 1
	case LimitInputTokens:
		return float64(req.InputTokens)
	case LimitOutputTokens:
		return float64(req.CompletionTokens)
	case LimitTotalTokens:
		return float64(req.InputTokens + req.CompletionTokens)
	case LimitCost:
		return req.Cost
	}
	return 0
}

// denialReason builds the contractual denial sentence, e.g.
//
//	USER (user: alice) limit: 3.00 requests per 1 minute exceeded. Current usage: 3.00, request: 1.00.
func denialReason(l *UsageLimit, usage, reqVal float64) string {
	var b strings.Builder
	b.WriteString(string(l.Scope))
	if details := scopeDetails(l); details != "" {
		b.WriteString(" (")
		b.WriteString(details)
		b.WriteString(")")
	}
	unit := string(l.IntervalUnit)
	if l.IntervalValue > 1 && !strings.HasSuffix(unit, "s") {
		unit += "s"
	}
	fmt.Fprintf(&b, " limit: %.2f %s per %d %s exceeded. Current usage: %.2f, request: %.2f.",
		l.MaxValue, l.LimitType, l.IntervalValue, unit, usage, reqVal)
	return b.String()
}

// scopeDetails lists the dimensions that distinguish this limit in its scope.
func scopeDetails(l *UsageLimit) string {
	switch l.Scope {
	case ScopeGlobal:
		return ""
	case ScopeModel:
		if l.Model != nil {
			return "model: " + *l.Model
		}
		return ""
	case ScopeUser:
		if l.Username != nil {
			return "user: " + *l.Username
		}
		return ""
	case ScopeCaller:
		var parts []string
		if l.Username != nil {
			parts = append(parts, "user: "+*l.Username)
		}
		if l.CallerName != nil {
			parts = append(parts, "caller: "+*l.CallerName)
		}
		return strings.Join(parts, ", ")
	case ScopeProject:
		if l.ProjectName == nil {
			return "no project"
		}
		return "project: " + *l.ProjectName
	}
	return ""
}

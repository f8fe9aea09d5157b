// Package llmledger provides usage accounting and quota enforcement for
// metered LLM (or arbitrary API) calls. Per-request consumption events are
// recorded through a pluggable storage backend, aggregated over fixed or
// rolling time windows, and checked against multi-dimensional usage limits
// before a caller is admitted.
package llmledger

import (
	"strings"
	"time"
)

// LimitScope is the dimension a usage limit is declared against. It controls
// both which requests the limit applies to and how denial messages are worded.
type LimitScope string

const (
	// ScopeGlobal limits apply to every request regardless of dimensions.
	ScopeGlobal LimitScope = "GLOBAL"
	// ScopeModel limits apply per model.
	ScopeModel LimitScope = "MODEL"
	// ScopeUser limits apply per username.
	ScopeUser LimitScope = "USER"
	// ScopeCaller limits apply per caller, optionally narrowed to a user.
	ScopeCaller LimitScope = "CALLER"
	// ScopeProject limits apply per project, or to project-less requests
	// when the limit's project name is NULL.
	ScopeProject LimitScope = "PROJECT"
)

// Valid reports whether the scope is one of the known values.
func (s LimitScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeModel, ScopeUser, ScopeCaller, ScopeProject:
		return true
	}
	return false
}

// LimitType is the quantity a usage limit bounds.
type LimitType string

const (
	// LimitRequests bounds the number of requests.
	LimitRequests LimitType = "requests"
	// LimitInputTokens bounds the sum of prompt tokens.
	LimitInputTokens LimitType = "input_tokens"
	// LimitOutputTokens bounds the sum of completion tokens.
	LimitOutputTokens LimitType = "output_tokens"
	// LimitTotalTokens bounds the sum of prompt plus completion tokens.
	LimitTotalTokens LimitType = "total_tokens"
	// LimitCost bounds the accumulated cost.
	LimitCost LimitType = "cost"
)

// Valid reports whether the limit type is one of the known values.
func (t LimitType) Valid() bool {
	switch t {
	case LimitRequests, LimitInputTokens, LimitOutputTokens, LimitTotalTokens, LimitCost:
		return true
	}
	return false
}

// TimeInterval is the unit of a limit's window. Fixed units align to calendar
// boundaries; rolling units are sliding windows ending at the current instant.
type TimeInterval string

const (
	IntervalSecond TimeInterval = "second"
	IntervalMinute TimeInterval = "minute"
	IntervalHour   TimeInterval = "hour"
	IntervalDay    TimeInterval = "day"
	IntervalWeek   TimeInterval = "week"
	IntervalMonth  TimeInterval = "month"

	IntervalSecondRolling TimeInterval = "second_rolling"
	IntervalMinuteRolling TimeInterval = "minute_rolling"
	IntervalHourRolling   TimeInterval = "hour_rolling"
	IntervalDayRolling    TimeInterval = "day_rolling"
	IntervalWeekRolling   TimeInterval = "week_rolling"
	IntervalMonthRolling  TimeInterval = "month_rolling"
)

const rollingSuffix = "_rolling"

// IsRolling reports whether the interval is a sliding window. Rolling windows
// use a closed end comparator in aggregations and reset when the oldest
// counted event ages out.
func (i TimeInterval) IsRolling() bool {
	return strings.HasSuffix(string(i), rollingSuffix)
}

// Base returns the fixed unit underlying a rolling interval. For fixed
// intervals it returns the interval unchanged.
func (i TimeInterval) Base() TimeInterval {
	return TimeInterval(strings.TrimSuffix(string(i), rollingSuffix))
}

// Valid reports whether the interval is one of the known units.
func (i TimeInterval) Valid() bool {
	switch i.Base() {
	case IntervalSecond, IntervalMinute, IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return true
	}
	return false
}

// Wildcard is the dimensional filter value that matches any request value.
const Wildcard = "*"

// UsageEntry is one append-only usage record. Identity is assigned by the
// backend at insert; rows are never updated.
type UsageEntry struct {
	ID        int64
	Timestamp time.Time
	Model     string

	Username   *string
	CallerName *string
	Project    *string

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64

	LocalPromptTokens     int64
	LocalCompletionTokens int64
	LocalTotalTokens      int64

	CachedTokens    int64
	ReasoningTokens int64

	Cost          float64
	ExecutionTime float64
}

// UsageLimit is one quota rule. MaxValue 0 denies all matching requests; a
// negative MaxValue means unlimited and can override a broader deny-all rule
// (see the evaluator's override semantics). A dimensional field of Wildcard
// matches any value; a nil field is unconstrained, except that a PROJECT-scope
// limit with nil ProjectName applies only to project-less requests.
type UsageLimit struct {
	ID            int64
	Scope         LimitScope
	LimitType     LimitType
	MaxValue      float64
	IntervalUnit  TimeInterval
	IntervalValue int

	Model       *string
	Username    *string
	CallerName  *string
	ProjectName *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StringFilter is a tri-state predicate on an optional string column:
//
//	Value set            -> column equals *Value
//	Value nil, IsNull set -> column IS NULL (true) or IS NOT NULL (false)
//	both nil             -> no predicate
type StringFilter struct {
	Value  *string
	IsNull *bool
}

// FilterEquals returns a filter matching the exact value.
func FilterEquals(v string) StringFilter {
	return StringFilter{Value: &v}
}

// FilterNull returns a filter matching NULL columns only.
func FilterNull() StringFilter {
	t := true
	return StringFilter{IsNull: &t}
}

// FilterNotNull returns a filter matching non-NULL columns only.
func FilterNotNull() StringFilter {
	f := false
	return StringFilter{IsNull: &f}
}

// Empty reports whether the filter constrains nothing.
func (f StringFilter) Empty() bool {
	return f.Value == nil && f.IsNull == nil
}

// Match evaluates the filter against an optional value. Backends without a
// query language (the in-memory store) use this directly; SQL backends
// translate the same semantics into predicates.
func (f StringFilter) Match(v *string) bool {
	switch {
	case f.Value != nil:
		return v != nil && *v == *f.Value
	case f.IsNull != nil:
		if *f.IsNull {
			return v == nil
		}
		return v != nil
	default:
		return true
	}
}

// LimitFilter narrows GetUsageLimits results.
type LimitFilter struct {
	Scope       *LimitScope
	Model       StringFilter
	Username    StringFilter
	CallerName  StringFilter
	ProjectName StringFilter
}

// AggregationQuery describes the hot-path scalar aggregation: one number over
// usage rows in [Start, End) for fixed intervals or [Start, End] for rolling
// intervals, filtered on the dimensional columns.
type AggregationQuery struct {
	Start     time.Time
	End       time.Time
	LimitType LimitType

	// Interval selects the end comparator: rolling intervals include rows
	// at exactly End, fixed intervals exclude them.
	Interval TimeInterval

	Model    StringFilter
	Username StringFilter
	Caller   StringFilter
	Project  StringFilter
}

// EndInclusive reports whether rows at exactly End are counted.
func (q AggregationQuery) EndInclusive() bool {
	return q.Interval.IsRolling()
}

// PeriodStats aggregates usage rows over a time range for dashboards.
type PeriodStats struct {
	Requests int64

	SumPromptTokens     int64
	SumCompletionTokens int64
	SumTotalTokens      int64
	SumCost             float64
	SumExecutionTime    float64

	AvgPromptTokens     float64
	AvgCompletionTokens float64
	AvgTotalTokens      float64
	AvgCost             float64
	AvgExecutionTime    float64
}

// ModelStats aggregates usage rows for one model.
type ModelStats struct {
	Model            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             float64
	ExecutionTime    float64
}

// ModelRank is one model's position in a per-metric ranking.
type ModelRank struct {
	Model string
	Value float64
}

// ModelRankings orders models by each tracked metric, descending.
type ModelRankings struct {
	PromptTokens     []ModelRank
	CompletionTokens []ModelRank
	TotalTokens      []ModelRank
	Cost             []ModelRank
}

// User is a directory entry consulted when user-name enforcement is enabled.
type User struct {
	ID       int64
	UserName string
	OU       *string
	Email    *string
	Enabled  bool

	CreatedAt      time.Time
	LastEnabledAt  *time.Time
	LastDisabledAt *time.Time
}

// UserUpdate carries the mutable user fields; nil fields are left unchanged.
type UserUpdate struct {
	NewName *string
	OU      *string
	Email   *string
}

// Project is a directory entry consulted when project-name enforcement is
// enabled.
type Project struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEntry is one record in the optional append-only audit log of prompts
// and responses. The audit log is an independent sink; quota evaluation never
// reads it.
type AuditEntry struct {
	ID        int64
	Timestamp time.Time
	AppName   *string
	UserName  *string
	Model     string

	PromptText         *string
	ResponseText       *string
	RemoteCompletionID *string

	LogType string
	Project *string
}

// AuditFilter narrows audit log queries.
type AuditFilter struct {
	Start    *time.Time
	End      *time.Time
	UserName *string
	Project  *string
	LogType  *string

	// Limit caps the number of returned entries; 0 means no cap.
	Limit int
}

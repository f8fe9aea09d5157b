package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// optStr registers a string flag whose value is nil when the flag was never
// passed, preserving the NULL/absent distinction on dimensional fields.
func optStr(fs *flag.FlagSet, name, usage string) **string {
	var out *string
	fs.Func(name, usage, func(v string) error {
		out = &v
		return nil
	})
	return &out
}

func printTable(header []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func deref(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (a *app) cmdTrack(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("track", flag.ContinueOnError)
	model := fs.String("model", "", "model name (required)")
	prompt := fs.Int64("prompt-tokens", 0, "prompt tokens consumed")
	completion := fs.Int64("completion-tokens", 0, "completion tokens produced")
	total := fs.Int64("total-tokens", 0, "total tokens (default: prompt + completion)")
	cached := fs.Int64("cached-tokens", 0, "tokens served from cache")
	reasoning := fs.Int64("reasoning-tokens", 0, "reasoning tokens")
	cost := fs.Float64("cost", 0, "cost in account currency")
	execTime := fs.Float64("execution-time", 0, "execution time in seconds")
	timestamp := fs.String("timestamp", "", "event time, RFC3339 (default: now)")
	username := optStr(fs, "username", "username dimension")
	caller := optStr(fs, "caller", "caller name dimension")
	project := optStr(fs, "project", "project dimension")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *model == "" {
		fmt.Fprintln(os.Stderr, "llmledger track: -model is required")
		return exitUsage
	}

	opts := llmledger.TrackOptions{
		Model:            *model,
		PromptTokens:     *prompt,
		CompletionTokens: *completion,
		TotalTokens:      *total,
		CachedTokens:     *cached,
		ReasoningTokens:  *reasoning,
		Cost:             *cost,
		ExecutionTime:    *execTime,
		Username:         *username,
		CallerName:       *caller,
		Project:          *project,
	}
	if *timestamp != "" {
		ts, err := time.Parse(time.RFC3339, *timestamp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "llmledger track: bad -timestamp: %v\n", err)
			return exitUsage
		}
		opts.Timestamp = ts
	}

	if err := a.accounting.TrackUsage(ctx, opts); err != nil {
		return fail(err)
	}
	return exitOK
}

func (a *app) cmdTail(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	n := fs.Int("n", 10, "number of entries")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	entries, err := a.accounting.Tail(ctx, *n)
	if err != nil {
		return fail(err)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			fmt.Sprintf("%d", e.ID),
			formatTS(e.Timestamp),
			e.Model,
			deref(e.Username),
			deref(e.CallerName),
			deref(e.Project),
			fmt.Sprintf("%d", e.PromptTokens),
			fmt.Sprintf("%d", e.CompletionTokens),
			fmt.Sprintf("%d", e.TotalTokens),
			fmt.Sprintf("%.4f", e.Cost),
		})
	}
	printTable([]string{"ID", "TIMESTAMP", "MODEL", "USER", "CALLER", "PROJECT", "PROMPT", "COMPLETION", "TOTAL", "COST"}, rows)
	return exitOK
}

func (a *app) cmdStats(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	startFlag := fs.String("start", "", "window start, RFC3339 (default: 30 days ago)")
	endFlag := fs.String("end", "", "window end, RFC3339, exclusive (default: now)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	var err error
	if *startFlag != "" {
		if start, err = time.Parse(time.RFC3339, *startFlag); err != nil {
			fmt.Fprintf(os.Stderr, "llmledger stats: bad -start: %v\n", err)
			return exitUsage
		}
	}
	if *endFlag != "" {
		if end, err = time.Parse(time.RFC3339, *endFlag); err != nil {
			fmt.Fprintf(os.Stderr, "llmledger stats: bad -end: %v\n", err)
			return exitUsage
		}
	}

	stats, err := a.accounting.GetPeriodStats(ctx, start, end)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("Period %s .. %s\n", formatTS(start), formatTS(end))
	fmt.Printf("  requests:          %d\n", stats.Requests)
	fmt.Printf("  prompt tokens:     %d (avg %.1f)\n", stats.SumPromptTokens, stats.AvgPromptTokens)
	fmt.Printf("  completion tokens: %d (avg %.1f)\n", stats.SumCompletionTokens, stats.AvgCompletionTokens)
	fmt.Printf("  total tokens:      %d (avg %.1f)\n", stats.SumTotalTokens, stats.AvgTotalTokens)
	fmt.Printf("  cost:              %.4f (avg %.4f)\n", stats.SumCost, stats.AvgCost)
	fmt.Printf("  execution time:    %.2fs (avg %.2fs)\n", stats.SumExecutionTime, stats.AvgExecutionTime)

	models, err := a.accounting.GetModelStats(ctx, start, end)
	if err != nil {
		return fail(err)
	}
	if len(models) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(models))
		for _, m := range models {
			rows = append(rows, []string{
				m.Model,
				fmt.Sprintf("%d", m.Requests),
				fmt.Sprintf("%d", m.PromptTokens),
				fmt.Sprintf("%d", m.CompletionTokens),
				fmt.Sprintf("%d", m.TotalTokens),
				fmt.Sprintf("%.4f", m.Cost),
			})
		}
		printTable([]string{"MODEL", "REQUESTS", "PROMPT", "COMPLETION", "TOTAL", "COST"}, rows)
	}
	return exitOK
}

func (a *app) cmdPurge(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "skip confirmation")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if !*yes {
		fmt.Print("Delete ALL usage entries and limits? Type 'yes' to confirm: ")
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil || answer != "yes" {
			fmt.Fprintln(os.Stderr, "llmledger purge: aborted")
			return exitError
		}
	}
	if err := a.accounting.Purge(ctx); err != nil {
		return fail(err)
	}
	return exitOK
}

func (a *app) cmdSelect(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	query := fs.String("query", "", "SQL query to run (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *query == "" {
		fmt.Fprintln(os.Stderr, "llmledger select: -query is required")
		return exitUsage
	}

	sb, ok := a.backend.(selectBackend)
	if !ok {
		return fail(fmt.Errorf("select is only supported on SQL backends"))
	}
	columns, rows, err := sb.Select(ctx, *query)
	if err != nil {
		return fail(err)
	}
	printTable(columns, rows)
	return exitOK
}

func (a *app) cmdLimits(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "llmledger limits: expected add, view or delete")
		return exitUsage
	}
	switch args[0] {
	case "add":
		return a.cmdLimitsAdd(ctx, args[1:])
	case "view":
		return a.cmdLimitsView(ctx, args[1:])
	case "delete":
		return a.cmdLimitsDelete(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "llmledger limits: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func (a *app) cmdLimitsAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("limits add", flag.ContinueOnError)
	scope := fs.String("scope", "", "GLOBAL, MODEL, USER, CALLER or PROJECT (required)")
	limitType := fs.String("type", "", "requests, input_tokens, output_tokens, total_tokens or cost (required)")
	max := fs.Float64("max", 0, "maximum value; 0 denies all, negative is unlimited")
	interval := fs.String("interval", "", "second, minute, hour, day, week, month, or a _rolling variant (required)")
	intervalValue := fs.Int("interval-value", 1, "window length in interval units")
	model := optStr(fs, "model", "model the limit applies to, or *")
	username := optStr(fs, "username", "username the limit applies to, or *")
	caller := optStr(fs, "caller", "caller the limit applies to, or *")
	project := optStr(fs, "project", "project the limit applies to, or *")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	limit := llmledger.UsageLimit{
		Scope:         llmledger.LimitScope(*scope),
		LimitType:     llmledger.LimitType(*limitType),
		MaxValue:      *max,
		IntervalUnit:  llmledger.TimeInterval(*interval),
		IntervalValue: *intervalValue,
		Model:         *model,
		Username:      *username,
		CallerName:    *caller,
		ProjectName:   *project,
	}
	if err := a.accounting.SetUsageLimit(ctx, &limit); err != nil {
		return fail(err)
	}
	fmt.Printf("created limit %d\n", limit.ID)
	return exitOK
}

func (a *app) cmdLimitsView(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("limits view", flag.ContinueOnError)
	scopeFlag := fs.String("scope", "", "filter by scope")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var filter llmledger.LimitFilter
	if *scopeFlag != "" {
		scope := llmledger.LimitScope(*scopeFlag)
		filter.Scope = &scope
	}
	limits, err := a.accounting.GetUsageLimits(ctx, filter)
	if err != nil {
		return fail(err)
	}

	rows := make([][]string, 0, len(limits))
	for _, l := range limits {
		rows = append(rows, []string{
			fmt.Sprintf("%d", l.ID),
			string(l.Scope),
			string(l.LimitType),
			fmt.Sprintf("%.2f", l.MaxValue),
			fmt.Sprintf("%d %s", l.IntervalValue, l.IntervalUnit),
			deref(l.Model),
			deref(l.Username),
			deref(l.CallerName),
			deref(l.ProjectName),
			formatTS(l.CreatedAt),
		})
	}
	printTable([]string{"ID", "SCOPE", "TYPE", "MAX", "INTERVAL", "MODEL", "USER", "CALLER", "PROJECT", "CREATED"}, rows)
	return exitOK
}

func (a *app) cmdLimitsDelete(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("limits delete", flag.ContinueOnError)
	id := fs.Int64("id", 0, "limit id (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == 0 {
		fmt.Fprintln(os.Stderr, "llmledger limits delete: -id is required")
		return exitUsage
	}
	if err := a.accounting.DeleteUsageLimit(ctx, *id); err != nil {
		return fail(err)
	}
	return exitOK
}

func (a *app) cmdUsers(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "llmledger users: expected add, list, update or deactivate")
		return exitUsage
	}
	quota := a.accounting.QuotaService()
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("users add", flag.ContinueOnError)
		name := fs.String("name", "", "user name (required)")
		ou := optStr(fs, "ou", "organizational unit")
		email := optStr(fs, "email", "email address")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "llmledger users add: -name is required")
			return exitUsage
		}
		u := llmledger.User{UserName: *name, OU: *ou, Email: *email}
		if err := quota.CreateUser(ctx, &u); err != nil {
			return fail(err)
		}
		return exitOK

	case "list":
		users, err := a.backend.ListUsers(ctx)
		if err != nil {
			return fail(err)
		}
		rows := make([][]string, 0, len(users))
		for _, u := range users {
			enabled := "yes"
			if !u.Enabled {
				enabled = "no"
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", u.ID), u.UserName, deref(u.OU), deref(u.Email),
				enabled, formatTS(u.CreatedAt),
			})
		}
		printTable([]string{"ID", "NAME", "OU", "EMAIL", "ENABLED", "CREATED"}, rows)
		return exitOK

	case "update":
		fs := flag.NewFlagSet("users update", flag.ContinueOnError)
		name := fs.String("name", "", "user name (required)")
		newName := optStr(fs, "new-name", "rename the user")
		ou := optStr(fs, "ou", "new organizational unit")
		email := optStr(fs, "email", "new email address")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "llmledger users update: -name is required")
			return exitUsage
		}
		update := llmledger.UserUpdate{NewName: *newName, OU: *ou, Email: *email}
		if err := quota.UpdateUser(ctx, *name, update); err != nil {
			return fail(err)
		}
		return exitOK

	case "deactivate":
		fs := flag.NewFlagSet("users deactivate", flag.ContinueOnError)
		name := fs.String("name", "", "user name (required)")
		enable := fs.Bool("enable", false, "re-enable instead of deactivating")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "llmledger users deactivate: -name is required")
			return exitUsage
		}
		if err := quota.SetUserEnabled(ctx, *name, *enable); err != nil {
			return fail(err)
		}
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "llmledger users: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func (a *app) cmdProjects(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "llmledger projects: expected add, list, update or delete")
		return exitUsage
	}
	quota := a.accounting.QuotaService()
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("projects add", flag.ContinueOnError)
		name := fs.String("name", "", "project name (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "llmledger projects add: -name is required")
			return exitUsage
		}
		if _, err := quota.CreateProject(ctx, *name); err != nil {
			return fail(err)
		}
		return exitOK

	case "list":
		projects, err := a.backend.ListProjects(ctx)
		if err != nil {
			return fail(err)
		}
		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			rows = append(rows, []string{
				fmt.Sprintf("%d", p.ID), p.Name, formatTS(p.CreatedAt), formatTS(p.UpdatedAt),
			})
		}
		printTable([]string{"ID", "NAME", "CREATED", "UPDATED"}, rows)
		return exitOK

	case "update":
		fs := flag.NewFlagSet("projects update", flag.ContinueOnError)
		name := fs.String("name", "", "project name (required)")
		newName := fs.String("new-name", "", "new project name (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" || *newName == "" {
			fmt.Fprintln(os.Stderr, "llmledger projects update: -name and -new-name are required")
			return exitUsage
		}
		if err := quota.UpdateProject(ctx, *name, *newName); err != nil {
			return fail(err)
		}
		return exitOK

	case "delete":
		fs := flag.NewFlagSet("projects delete", flag.ContinueOnError)
		name := fs.String("name", "", "project name (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "llmledger projects delete: -name is required")
			return exitUsage
		}
		if err := quota.DeleteProject(ctx, *name); err != nil {
			return fail(err)
		}
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "llmledger projects: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

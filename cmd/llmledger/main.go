// Command llmledger is the operator CLI for the usage ledger: it records
// usage events, inspects recent activity and statistics, and manages limits
// and the user/project directories.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/llmledger/llmledger/pkg/llmledger"
	zladapter "github.com/llmledger/llmledger/pkg/llmledger/logger/zerolog"
	"github.com/llmledger/llmledger/storage/memory"
	"github.com/llmledger/llmledger/storage/postgres"
	"github.com/llmledger/llmledger/storage/sqlite"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usageText = `Usage: llmledger [-config file] <command> [flags]

Commands:
  track     record one usage event
  tail      show the most recent usage entries
  stats     show aggregate and per-model statistics
  purge     delete all usage entries and limits
  select    run a raw read-only query (SQL backends only)
  limits    manage usage limits (add|view|delete)
  users     manage the user directory (add|list|update|deactivate)
  projects  manage the project directory (add|list|update|delete)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// selectBackend is the optional raw-query capability of SQL backends.
type selectBackend interface {
	Select(ctx context.Context, query string) ([]string, [][]string, error)
}

// app bundles everything a command needs.
type app struct {
	accounting *llmledger.Accounting
	backend    llmledger.Backend
	logger     zerolog.Logger
}

func run(args []string) int {
	global := flag.NewFlagSet("llmledger", flag.ContinueOnError)
	global.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	configPath := global.String("config", "", "path to YAML config (default: ./llmledger.yaml if present)")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmledger: %v\n", err)
		return exitError
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmledger: unknown log level %q\n", cfg.LogLevel)
		return exitError
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	ctx := context.Background()

	var backend llmledger.Backend
	switch cfg.Backend {
	case "sqlite":
		backend = sqlite.New(sqlite.Config{
			Path:               cfg.SQLite.Path,
			MigrationCachePath: cfg.SQLite.MigrationCache,
			Logger:             zladapter.NewLogger(logger),
		})
	case "postgres":
		backend = postgres.New(postgres.DefaultConfig(cfg.Postgres.DSN))
	case "memory":
		backend = memory.New()
	}

	var audit llmledger.AuditBackend
	if cfg.Audit.Path != "" {
		audit = sqlite.NewAuditStore(cfg.Audit.Path)
	}

	acc, err := llmledger.New(ctx, llmledger.Config{
		Backend:             backend,
		AuditBackend:        audit,
		ProjectName:         cfg.Defaults.Project,
		AppName:             cfg.Defaults.App,
		UserName:            cfg.Defaults.User,
		EnforceUserNames:    cfg.Enforce.Users,
		EnforceProjectNames: cfg.Enforce.Projects,
		Logger:              zladapter.NewLogger(logger),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmledger: %v\n", err)
		return exitError
	}
	defer func() {
		if err := acc.Close(); err != nil {
			logger.Warn().Err(err).Msg("close")
		}
	}()

	a := &app{accounting: acc, backend: backend, logger: logger}

	var code int
	switch rest[0] {
	case "track":
		code = a.cmdTrack(ctx, rest[1:])
	case "tail":
		code = a.cmdTail(ctx, rest[1:])
	case "stats":
		code = a.cmdStats(ctx, rest[1:])
	case "purge":
		code = a.cmdPurge(ctx, rest[1:])
	case "select":
		code = a.cmdSelect(ctx, rest[1:])
	case "limits":
		code = a.cmdLimits(ctx, rest[1:])
	case "users":
		code = a.cmdUsers(ctx, rest[1:])
	case "projects":
		code = a.cmdProjects(ctx, rest[1:])
	default:
		fmt.Fprintf(os.Stderr, "llmledger: unknown command %q\n\n", rest[0])
		global.Usage()
		code = exitUsage
	}
	return code
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "llmledger: %v\n", err)
	return exitError
}

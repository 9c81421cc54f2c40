package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stoneforge-ai/stewards/internal/common/config"
	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/common/tracing"
	"github.com/stoneforge-ai/stewards/internal/dispatch"
	"github.com/stoneforge-ai/stewards/internal/docs"
	"github.com/stoneforge-ai/stewards/internal/eventstream"
	"github.com/stoneforge-ai/stewards/internal/gitops"
	"github.com/stoneforge-ai/stewards/internal/history"
	"github.com/stoneforge-ai/stewards/internal/merge"
	"github.com/stoneforge-ai/stewards/internal/ports"
	"github.com/stoneforge-ai/stewards/internal/ports/localsession"
	"github.com/stoneforge-ai/stewards/internal/ports/logdispatch"
	"github.com/stoneforge-ai/stewards/internal/ports/memoryregistry"
	"github.com/stoneforge-ai/stewards/internal/ports/memorystore"
	"github.com/stoneforge-ai/stewards/internal/scheduler"
	"github.com/stoneforge-ai/stewards/internal/sessionmonitor"
)

// deps bundles every collaborator a subcommand might need. Not every
// subcommand uses every field; scan-docs and process-merges only touch
// their own steward, while run wires the full scheduler graph.
type deps struct {
	cfg *config.Config
	log *logger.Logger

	store     ports.Store
	registry  *memoryregistry.Registry
	playbooks *memoryregistry.PlaybookStore
	dispatch  ports.Dispatch
	sessions  ports.SessionManager
	git       *gitops.Repo
	worktrees ports.WorktreeManager

	mergeSteward *merge.Steward
	docsSteward  *docs.Steward
	history      ports.HistoryStore
	hub          *eventstream.Hub
}

// buildDeps loads configuration and constructs every reference adapter
// rooted at workspaceRoot, matching SPEC_FULL.md §6's adapter table.
func buildDeps(workspaceRoot string) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger.SetDefault(log)

	if _, err := tracing.Init(context.Background(), cfg.Tracing); err != nil {
		log.Warn("tracing initialization failed, continuing without a real exporter")
	}

	repo, err := gitops.Open(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("opening git repository at %s: %w", workspaceRoot, err)
	}
	worktrees := gitops.NewWorktreeManager(repo, worktreeBaseDir(workspaceRoot))

	store := memorystore.New()
	registry := memoryregistry.New()
	playbooks := memoryregistry.NewPlaybookStore()
	dispatcher := logdispatch.New(log)
	sessions := localsession.New(defaultCommandFactory)

	mergeSteward := merge.New(merge.Config{
		TestCommand:            cfg.Merge.TestCommand,
		TestTimeout:            cfg.Merge.TestTimeout(),
		AutoMerge:              cfg.Merge.AutoMerge,
		AutoCleanup:            cfg.Merge.AutoCleanup,
		DeleteBranchAfterMerge: cfg.Merge.DeleteBranchAfterMerge,
		MergeStrategy:          ports.MergeStrategy(cfg.Merge.MergeStrategy),
		AutoPushAfterMerge:     cfg.Merge.AutoPushAfterMerge,
		TargetBranch:           cfg.Merge.TargetBranch,
		StewardEntityID:        cfg.Merge.StewardEntityID,
		WorkspaceRoot:          workspaceRoot,
	}, store, repo, worktrees, dispatcher, registry, log)

	docsSteward := docs.New(docs.Config{
		DocsDir:       cfg.Docs.DocsDir,
		SourceDir:     firstSourceDir(cfg.Docs.SourceDirs),
		CLICommandDir: "packages/quarry/src/cli/commands",
		WorkspaceRoot: workspaceRoot,
		AutoPush:      cfg.Docs.AutoPush,
		StewardName:   "docs-steward",
	}, worktrees, repo, log)

	historyStore, err := buildHistoryStore(cfg)
	if err != nil {
		return nil, err
	}

	return &deps{
		cfg: cfg, log: log,
		store: store, registry: registry, playbooks: playbooks,
		dispatch: dispatcher, sessions: sessions, git: repo, worktrees: worktrees,
		mergeSteward: mergeSteward, docsSteward: docsSteward,
		history: historyStore,
	}, nil
}

func buildHistoryStore(cfg *config.Config) (ports.HistoryStore, error) {
	switch cfg.History.Backend {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "sqlite":
		db, err := sqlx.Connect("sqlite3", cfg.History.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite history store: %w", err)
		}
		store := history.NewSQLStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("migrating sqlite history store: %w", err)
		}
		return store, nil
	case "postgres":
		db, err := sqlx.Connect("pgx", cfg.History.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres history store: %w", err)
		}
		store := history.NewSQLStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("migrating postgres history store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history.backend %q", cfg.History.Backend)
	}
}

// buildScheduler assembles the executor dispatch table and the
// scheduler over it; only the run/daemon path needs the full graph.
func (d *deps) buildScheduler() *scheduler.Scheduler {
	executor := dispatch.NewExecutor(dispatch.Dependencies{
		Merge:       d.mergeSteward,
		Docs:        d.docsSteward,
		Sessions:    d.sessions,
		Playbooks:   d.playbooks,
		RolePrompts: d.playbooks,
		MonitorCfg: sessionMonitorConfig(d.cfg),
		ProjectRoot: workspaceRoot,
		Log:         d.log,
	})

	sched := scheduler.New(d.history, executor, d.registry, scheduler.Config{
		MaxHistoryPerSteward: d.cfg.Scheduler.MaxHistoryPerSteward,
		DefaultTimeout:       d.cfg.Scheduler.DefaultTimeout(),
		StartImmediately:     d.cfg.Scheduler.StartImmediately,
	}, d.log)

	if d.cfg.EventStream.Enabled {
		d.hub = eventstream.NewHub(d.log)
		d.hub.SubscribeTo(sched)
	}

	return sched
}

func sessionMonitorConfig(cfg *config.Config) sessionmonitor.Config {
	return sessionmonitor.Config{
		IdleTimeout: cfg.SessionGuard.IdleTimeout(),
		MaxDuration: cfg.SessionGuard.MaxDuration(),
	}
}

func worktreeBaseDir(workspaceRoot string) string {
	return workspaceRoot + "/.stoneforge/.worktrees"
}

func firstSourceDir(dirs []string) string {
	if len(dirs) == 0 {
		return ""
	}
	return dirs[0]
}

// defaultCommandFactory spawns the agent command named by
// STEWARD_AGENT_COMMAND (space-separated argv), falling back to a no-op
// "true" invocation so a standalone run never blocks on a missing agent
// binary. A real deployment overrides this via an injected CommandFactory.
func defaultCommandFactory(ctx context.Context, agentID string, opts ports.StartSessionOptions) *exec.Cmd {
	argv := strings.Fields(os.Getenv("STEWARD_AGENT_COMMAND"))
	if len(argv) == 0 {
		argv = []string{"true"}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Stdin = strings.NewReader(opts.InitialPrompt)
	return cmd
}

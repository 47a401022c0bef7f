package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/agent/providers"
	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/history"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/plans"
	"github.com/loomhq/loom/internal/revert"
	"github.com/loomhq/loom/internal/server"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokenizer"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/tools/control"
	"github.com/loomhq/loom/internal/tools/files"
	"github.com/loomhq/loom/internal/tools/shell"
	"github.com/loomhq/loom/internal/tools/subagent"
	"github.com/loomhq/loom/internal/tools/todo"
	"github.com/loomhq/loom/internal/tools/websearch"
)

// defaultSystemPrompt is used when the config does not set one.
const defaultSystemPrompt = `You are a coding assistant working inside the user's project. Use the
available tools to read, search, and edit files, run commands, and manage the
todo list. Keep edits minimal and always finish with submit_task or a final
answer.`

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backend daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	var provider agent.Provider
	switch cfg.Provider.Name {
	case "anthropic":
		provider = providers.NewAnthropicProvider(cfg.APIKey())
	default:
		provider = providers.NewOpenAIProvider(cfg.APIKey())
	}

	eventBus := bus.New(logger, bus.WithRegistry(prometheus.DefaultRegisterer))
	est := tokenizer.New(cfg.Provider.Model)
	spill := artifacts.NewStore(cfg.Database.DataDir, db, est, logger)
	waiter := approval.NewWaiter()
	matcher := approval.NewMatcher(cfg.Approval.Rules)

	registry := tools.NewRegistry()
	subRegistry := tools.NewRegistry()
	registerBuiltins(registry, cfg)
	registerBuiltins(subRegistry, cfg)
	// Sub-agents delegate but never recurse.
	registry.Register(subagent.NewSpawnTool(
		newSubAgentRunner(db, provider, subRegistry, eventBus, cfg.Provider.Model, logger), eventBus))

	if cfg.Tools.PluginsDir != "" {
		loader := tools.NewPluginLoader(cfg.Tools.PluginsDir, registry, logger)
		if err := loader.Load(); err != nil {
			logger.Warn("plugin load failed", "dir", cfg.Tools.PluginsDir, "error", err)
		}
		go func() {
			if err := loader.Watch(ctx); err != nil {
				logger.Warn("plugin watch stopped", "error", err)
			}
		}()
	}

	mcpManager := mcp.NewManager(&cfg.MCP, registry, logger)
	if err := mcpManager.Start(ctx); err != nil {
		logger.Warn("mcp startup incomplete", "error", err)
	}
	defer mcpManager.Stop()

	var scheduler *memory.Scheduler
	var memoryStrategy agent.MemoryStrategy
	if cfg.Memory.Enabled {
		runner := memory.NewRunner(db, provider, est, eventBus, &cfg.Memory.Runner, logger)
		scheduler = memory.NewScheduler(runner, logger)
		defer scheduler.Stop()
		memoryStrategy = memory.NewStrategy(db)
	}

	systemPrompt := cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	budget := agent.NewBudgetManager(db, est, provider, memoryStrategy, cfg.Agent.RecentWindow, logger)
	streamer := agent.NewStreamer(provider, eventBus, logger)
	executor := agent.NewExecutor(registry, db, spill, matcher, waiter, eventBus, cfg.Agent.Parallelism, logger)
	if cfg.Agent.ApprovalTimeout > 0 {
		executor.SetApprovalTimeout(cfg.Agent.ApprovalTimeout)
	}
	var verifier *agent.Verifier
	if cfg.Agent.Verification {
		verifier = agent.NewVerifier(logger)
	}

	loopCfg := agent.LoopConfig{
		Model:           cfg.Provider.Model,
		SystemPrompt:    systemPrompt,
		MaxIterations:   cfg.Agent.MaxIterations,
		EnableReasoning: cfg.Agent.EnableReasoning,
		ReasoningBudget: cfg.Agent.ReasoningBudget,
		ContextLimit:    agent.ContextWindowFor(cfg.Provider.Model),
	}
	var obsScheduler agent.ObservationScheduler
	if scheduler != nil {
		obsScheduler = scheduler
	}
	loop := agent.NewLoop(db, eventBus, streamer, executor, budget, registry, waiter, provider, obsScheduler, verifier, loopCfg, logger)

	reverter := revert.NewEngine(db, eventBus, schedulerOrNil(scheduler), logger)
	tasks := agent.NewTaskManager(logger)
	projector := history.NewProjector(db)

	planMgr := plans.NewManager(db, eventBus, cfg.Database.DataDir, logger)

	service := server.NewService(db, eventBus, projector, reverter, waiter, tasks, loop, budget,
		memorySchedulerOrNil(scheduler), spill, planMgr,
		server.TurnConfig{
			Model:        loopCfg.Model,
			SystemPrompt: loopCfg.SystemPrompt,
			ContextLimit: loopCfg.ContextLimit,
		}, logger)

	srv := server.New(service, cfg.Server.Addr(), logger)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// registerBuiltins installs the core tool set.
func registerBuiltins(registry *tools.Registry, cfg *config.Config) {
	registry.Register(files.NewReadTool())
	registry.Register(files.NewStructureTool())
	registry.Register(files.NewEditTool())
	registry.Register(files.NewListTool())
	registry.Register(files.NewGrepTool())
	registry.Register(shell.NewCommandTool())
	registry.Register(todo.NewUpdateTool())
	registry.Register(control.NewSubmitTool())
	registry.Register(control.NewQueryTool())
	if cfg.Tools.WebSearch {
		registry.Register(websearch.NewSearchTool(websearch.Config{
			BraveAPIKey: os.Getenv(cfg.Tools.BraveAPIKeyEnv),
		}))
	}
}

// schedulerOrNil keeps the typed-nil interface pitfall out of the wiring.
func schedulerOrNil(s *memory.Scheduler) revert.MemoryCanceller {
	if s == nil {
		return nil
	}
	return s
}

func memorySchedulerOrNil(s *memory.Scheduler) server.MemoryScheduler {
	if s == nil {
		return nil
	}
	return s
}

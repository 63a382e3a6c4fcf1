package main

import (
	"context"
	"fmt"
	"time"

	"mama/internal/agent"
	"mama/internal/audit"
	"mama/internal/channels/telegram"
	"mama/internal/config"
	"mama/internal/daemon"
	"mama/internal/heartbeat"
	"mama/internal/llm"
	"mama/internal/llm/costs"
	"mama/internal/llm/ollama"
	"mama/internal/llm/openai"
	"mama/internal/logging"
	"mama/internal/memory"
	"mama/internal/sandbox"
	"mama/internal/sandbox/fscap"
	"mama/internal/sandbox/netcap"
	"mama/internal/sandbox/shellcap"
	"mama/internal/scheduler"
	"mama/internal/server"
	"mama/internal/store"
	"mama/internal/tools"
	"mama/internal/triggers"
)

// app is the composition root: everything the daemon and the chat REPL
// share.
type app struct {
	cfg    *config.Config
	paths  config.Paths
	logger logging.Logger

	db       *store.Store
	auditLog audit.Store
	tracker  *costs.Tracker
	router   *llm.Router

	episodes      *memory.EpisodicStore
	memories      *memory.ConsolidatedStore
	soul          *memory.SoulManager
	retriever     *memory.Retriever
	decay         *memory.DecayEngine
	consolidation *memory.ConsolidationEngine

	sandbox   *sandbox.Sandbox
	registry  *tools.Registry
	scheduler *scheduler.Service
	agent     *agent.Agent

	startedAt time.Time
}

// newApp opens the store, runs migrations, and wires the full object graph.
// Components that are disabled in configuration stay nil.
func newApp(ctx context.Context, cfg *config.Config, paths config.Paths, logger logging.Logger) (*app, error) {
	a := &app{cfg: cfg, paths: paths, logger: logger, startedAt: time.Now()}

	db, err := store.Open(paths.Database, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a.auditLog = audit.NewSQLiteStore(db)
	a.tracker = costs.NewTracker(db)
	a.router = buildRouter(cfg, a.tracker, logger)

	embedding := memory.NewEmbeddingService(a.router, logger)
	a.episodes = memory.NewEpisodicStore(db, embedding, logger)
	a.memories = memory.NewConsolidatedStore(db, embedding, logger)
	a.soul = memory.NewSoulManager(paths.Soul, logger)
	if err := a.soul.Load(); err != nil {
		logger.Warn("Soul document unavailable: %v", err)
	}
	a.decay = memory.NewDecayEngine(db, memory.DecayConfig{
		Threshold:       time.Duration(cfg.Memory.InactiveDaysThreshold) * 24 * time.Hour,
		Factor:          cfg.Memory.DecayFactor,
		DeactivateBelow: cfg.Memory.DeactivateThreshold,
	}, logger)

	a.sandbox, err = buildSandbox(cfg, paths, a.auditLog, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.registry = tools.NewRegistry()
	tools.RegisterBuiltins(a.registry)

	parser := scheduler.NewParser(a.router, logger)
	a.scheduler = scheduler.New(db, a.runTask, parser, a.auditLog, logger)

	a.retriever = memory.NewRetriever(a.memories, a.episodes, a.scheduler, logger)

	a.agent = agent.New(agent.Options{
		LLM:       a.router,
		Working:   memory.NewWorkingMemory(0, logger),
		Soul:      a.soul,
		Sandbox:   a.sandbox,
		Registry:  a.registry,
		Jobs:      a.scheduler,
		Retriever: a.retriever,
		Episodes:  a.episodes,
		Config:    agent.Config{RetrievalBudget: cfg.Memory.RetrievalTokenBudget},
		Logger:    logger,
	})

	a.consolidation = memory.NewConsolidationEngine(db, a.episodes, a.memories, embedding,
		a.router, a.soul, a.decay, memory.ConsolidationConfig{
			MinEpisodes:     cfg.Memory.MinEpisodesToConsolidate,
			DeactivateBelow: cfg.Memory.DeactivateThreshold,
		}, logger)

	return a, nil
}

// runTask executes a background task (scheduler, heartbeat, trigger) as a
// fresh one-shot agent session so background work never pollutes the main
// conversation buffer.
func (a *app) runTask(ctx context.Context, task, invocationContext string) (string, error) {
	session := agent.New(agent.Options{
		LLM:       a.router,
		Soul:      a.soul,
		Sandbox:   a.sandbox,
		Registry:  a.registry,
		Jobs:      a.scheduler,
		Retriever: a.retriever,
		Episodes:  a.episodes,
		Config:    agent.Config{RetrievalBudget: a.cfg.Memory.RetrievalTokenBudget},
		Logger:    a.logger,
	})
	resp, err := session.ProcessMessage(ctx, invocationContext, task, agent.Callbacks{})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// isIdle reports whether no agent message is in flight.
func (a *app) isIdle() bool {
	return !a.agent.Busy()
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// buildSupervisor assembles the daemon's service set in startup order.
func (a *app) buildSupervisor() *daemon.Supervisor {
	sup := daemon.New(a.paths.PIDFile, 30*time.Second, a.logger)

	if a.cfg.Scheduler.Enabled {
		sup.Register(daemon.Service{
			Name:  "scheduler",
			Start: a.scheduler.Start,
			Stop:  a.scheduler.Stop,
		})
	}

	interval := time.Duration(a.cfg.Memory.ConsolidationIntervalHours * float64(time.Hour))
	consolidationLoop := memory.NewConsolidationScheduler(a.consolidation, interval, a.isIdle,
		memory.RunOptions{RunDecay: true, RegenerateSoul: true}, a.logger)
	sup.Register(daemon.Service{
		Name:  "consolidation",
		Start: consolidationLoop.Start,
		Stop:  consolidationLoop.Stop,
	})

	if a.cfg.Heartbeat.Enabled {
		checklist := a.cfg.Heartbeat.ChecklistPath
		if checklist == "" {
			checklist = a.paths.Heartbeat
		}
		hb := heartbeat.New(heartbeat.Config{
			Interval:      time.Duration(a.cfg.Heartbeat.IntervalMinutes) * time.Minute,
			ChecklistPath: checklist,
		}, a.runTask, a.auditLog, nil, a.logger)
		sup.Register(daemon.Service{Name: "heartbeat", Start: hb.Start, Stop: hb.Stop})
	}

	if len(a.cfg.Triggers.Watchers) > 0 {
		watchers := triggers.NewWatcherEngine(a.cfg.Triggers.Watchers, a.runTask, a.logger)
		sup.Register(daemon.Service{Name: "watchers", Start: watchers.Start, Stop: watchers.Stop})
	}
	if a.cfg.Triggers.Webhook.Enabled {
		webhook := triggers.NewWebhookServer(a.cfg.Triggers.Webhook, a.runTask, a.logger)
		sup.Register(daemon.Service{Name: "webhook", Start: webhook.Start, Stop: webhook.Stop})
	}

	if a.cfg.Server.Enabled {
		api := server.New(server.Options{
			Port:     a.cfg.Server.Port,
			Token:    a.cfg.Server.Token,
			Agent:    a.agent,
			Jobs:     a.scheduler,
			Audit:    a.auditLog,
			Memories: a.memories,
			Costs:    a.tracker,
			Status:   a.statusSnapshot,
			Logger:   a.logger,
		})
		sup.Register(daemon.Service{Name: "api", Start: api.Start, Stop: api.Stop})
	}

	if a.cfg.Telegram.Enabled && a.cfg.Telegram.BotToken != "" {
		adapter := telegram.New(telegram.Config{
			BotToken: a.cfg.Telegram.BotToken,
			ChatID:   a.cfg.Telegram.ChatID,
		}, func(ctx context.Context, chatID int64, text string) (string, error) {
			resp, err := a.agent.ProcessMessage(ctx, "telegram", text, agent.Callbacks{})
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		}, a.logger)
		a.sandbox.SetApprovalHandler(adapter.ApprovalHandler(a.cfg.Telegram.ChatID))
		sup.Register(daemon.Service{Name: "telegram", Start: adapter.Start, Stop: adapter.Stop})
	}

	return sup
}

func (a *app) statusSnapshot() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pending, _ := a.episodes.CountPending(ctx)
	return map[string]any{
		"uptime_seconds":    int(time.Since(a.startedAt).Seconds()),
		"busy":              a.agent.Busy(),
		"pending_episodes":  pending,
		"consolidating":     a.consolidation.Running(),
		"scheduler_enabled": a.cfg.Scheduler.Enabled,
	}
}

func buildRouter(cfg *config.Config, tracker *costs.Tracker, logger logging.Logger) *llm.Router {
	router := llm.NewRouter(cfg.LLM.Routing, tracker, logger)
	if cfg.LLM.Ollama.BaseURL != "" {
		router.RegisterProvider(ollama.New(ollama.Config{
			BaseURL:        cfg.LLM.Ollama.BaseURL,
			DefaultModel:   cfg.LLM.Ollama.DefaultModel,
			SmartModel:     cfg.LLM.Ollama.SmartModel,
			FastModel:      cfg.LLM.Ollama.FastModel,
			EmbeddingModel: cfg.LLM.Ollama.EmbeddingModel,
		}, logger))
	}
	if cfg.LLM.OpenAI.APIKey != "" {
		router.RegisterProvider(openai.New(openai.Config{
			APIKey:         cfg.LLM.OpenAI.APIKey,
			BaseURL:        cfg.LLM.OpenAI.BaseURL,
			Model:          cfg.LLM.OpenAI.Model,
			EmbeddingModel: cfg.LLM.OpenAI.EmbeddingModel,
		}, logger))
	}
	return router
}

func buildSandbox(cfg *config.Config, paths config.Paths, auditLog audit.Store, logger logging.Logger) (*sandbox.Sandbox, error) {
	sb := sandbox.New(auditLog, logger)

	workspace := cfg.Sandbox.Workspace
	if workspace == "" {
		workspace = paths.Workspace
	}
	rules := make([]fscap.Rule, 0, len(cfg.Sandbox.AllowedPaths))
	for _, r := range cfg.Sandbox.AllowedPaths {
		rules = append(rules, fscap.Rule{Glob: r.Glob, Actions: r.Actions, Level: r.Level})
	}
	fs, err := fscap.New(fscap.Config{
		Workspace:    workspace,
		AllowedPaths: rules,
		DeniedPaths:  cfg.Sandbox.DeniedPaths,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("filesystem capability: %w", err)
	}
	sb.Register(fs)

	sb.Register(shellcap.New(shellcap.Config{
		SafeCommands:   cfg.Sandbox.Shell.SafeCommands,
		AskCommands:    cfg.Sandbox.Shell.AskCommands,
		DeniedPatterns: cfg.Sandbox.Shell.DeniedPatterns,
		Timeout:        time.Duration(cfg.Sandbox.Shell.TimeoutSeconds) * time.Second,
		Secrets:        []string{cfg.LLM.OpenAI.APIKey, cfg.Telegram.BotToken},
	}, logger))

	sb.Register(netcap.New(netcap.Config{
		AllowedDomains:     cfg.Sandbox.Network.AllowedDomains,
		AskDomains:         cfg.Sandbox.Network.AskDomains,
		RateLimitPerMinute: cfg.Sandbox.Network.RateLimitPerMinute,
		LogAllRequests:     cfg.Sandbox.Network.LogAllRequests,
	}, logger))

	return sb, nil
}

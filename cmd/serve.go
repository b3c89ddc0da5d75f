package cmd

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/channels/telegram"
	"github.com/nanobot-ai/nanobot/internal/channels/webui"
	"github.com/nanobot-ai/nanobot/internal/channels/whatsapp"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/cron"
	"github.com/nanobot-ai/nanobot/internal/heartbeat"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
	"github.com/nanobot-ai/nanobot/internal/store/pg"
	"github.com/nanobot-ai/nanobot/internal/telemetry"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant (bus, agent loop, channels, cron, heartbeat)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging(false)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		slog.Error("no provider API key configured; set NANOBOT_ANTHROPIC_API_KEY or NANOBOT_OPENAI_API_KEY")
		os.Exit(1)
	}
	if err := cfg.EnsureDirs(); err != nil {
		slog.Error("failed to create data directories", "error", err)
		os.Exit(1)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.Setup(rootCtx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without", "error", err)
		tel, _ = telemetry.Setup(rootCtx, config.TelemetryConfig{})
	}

	if seeded, err := bootstrap.EnsureWorkspaceFiles(cfg.WorkspaceDir()); err != nil {
		slog.Warn("workspace template seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	provider := buildProvider(cfg)
	msgBus := bus.New(bus.Config{
		InboundCapacity:  cfg.Bus.InboundCapacity,
		OutboundCapacity: cfg.Bus.OutboundCapacity,
	})

	sessionStore, err := sessions.NewStore(cfg.SessionsDir(), cfg.Agent.SessionCacheSize)
	if err != nil {
		slog.Error("session store init failed", "error", err)
		os.Exit(1)
	}
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			slog.Warn("postgres archive unavailable", "error", err)
		} else {
			sessionStore.SetArchiver(pg.NewArchive(db))
			defer db.Close()
			slog.Info("session archive enabled")
		}
	}

	memIndex, err := memory.Open(cfg.MemoryDir(), cfg.MemoryDBPath())
	if err != nil {
		slog.Error("memory index unavailable, continuing degraded", "error", err)
		tel.MarkDegraded()
		memIndex = nil
	} else {
		defer memIndex.Close()
	}

	skillsReg, err := skills.NewRegistry(cfg.SkillsDir())
	if err != nil {
		slog.Warn("skills registry unavailable", "error", err)
		skillsReg = nil
	}

	newRegistry := func(withSpawn bool, sm *tools.SubagentManager) *tools.Registry {
		reg, err := tools.NewRegistry(tools.Config{
			CacheSize:      cfg.Tools.CacheSize,
			DefaultTTL:     cfg.ToolCacheTTL(),
			DefaultTimeout: cfg.ToolDefaultTimeout(),
			Parallelism:    cfg.Tools.Parallelism,
		}, cfg.Tools.Allowed)
		if err != nil {
			slog.Error("tool registry init failed", "error", err)
			os.Exit(1)
		}
		mustRegister(reg, tools.NewReadFileTool(cfg.WorkspaceDir()))
		mustRegister(reg, tools.NewEchoTool())
		if memIndex != nil {
			mustRegister(reg, tools.NewMemoryAppendTool(memIndex))
			mustRegister(reg, tools.NewMemorySearchTool(memIndex))
		}
		if skillsReg != nil {
			mustRegister(reg, tools.NewSkillTool(skillsReg))
		}
		if withSpawn && sm != nil {
			mustRegister(reg, tools.NewSpawnTool(sm))
			mustRegister(reg, tools.NewSubagentListTool(sm))
			mustRegister(reg, tools.NewSubagentCancelTool(sm))
		}
		return reg
	}

	subagents := tools.NewSubagentManager(provider, cfg.Agent.Model, msgBus,
		func() *tools.Registry { return newRegistry(false, nil) },
		tools.SubagentConfig{
			MaxConcurrent:  cfg.Subagents.MaxConcurrent,
			MaxIterations:  cfg.Subagents.MaxIterations,
			Timeout:        cfg.SubagentTimeout(),
			ResultMaxChars: cfg.Agent.SubagentResultMaxChars,
		})

	registry := newRegistry(true, subagents)

	builder := agent.NewContextBuilder(cfg.WorkspaceDir(), memIndex, skillsReg, agent.ContextCaps{
		BootstrapMaxChars: cfg.Agent.BootstrapMaxChars,
		MemoryMaxChars:    cfg.Agent.MemoryMaxChars,
		SkillsMaxChars:    cfg.Agent.SkillsMaxChars,
		HistoryMaxChars:   cfg.Agent.HistoryMaxChars,
		MediaMaxBytes:     cfg.Agent.MediaMaxBytes,
	})

	loop := agent.NewLoop(agent.LoopConfig{
		Provider: provider,
		Bus:      msgBus,
		Sessions: sessionStore,
		Tools:    registry,
		Builder:  builder,
		Tel:      tel,

		Model:       cfg.Agent.Model,
		MaxTokens:   cfg.Agent.MaxTokens,
		Temperature: cfg.Agent.Temperature,

		MaxToolIterations:     cfg.Agent.MaxToolIterations,
		ToolErrorBackoff:      cfg.Agent.ToolErrorBackoff,
		MaxConcurrentMessages: cfg.Agent.MaxConcurrentMessages,

		SubagentResultMaxChars: cfg.Agent.SubagentResultMaxChars,
		VerboseToolErrors:      cfg.Agent.VerboseToolErrors,
	})

	// Channels
	adapters := buildChannels(cfg)
	for _, a := range adapters {
		if err := a.Start(rootCtx, msgBus); err != nil {
			slog.Error("channel start failed", "channel", a.Name(), "error", err)
		}
	}

	// Outbound dispatcher: bus → channel adapters.
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		byName := make(map[string]channels.Adapter, len(adapters))
		for _, a := range adapters {
			byName[a.Name()] = a
		}
		for {
			msg, ok := msgBus.ConsumeOutbound(rootCtx)
			if !ok {
				return
			}
			a := byName[msg.Channel]
			if a == nil {
				slog.Debug("outbound for unknown channel dropped", "channel", msg.Channel)
				continue
			}
			if err := a.Send(rootCtx, msg); err != nil {
				slog.Warn("outbound send failed", "channel", msg.Channel, "error", err)
			}
		}
	}()

	// Cron
	var cronSvc *cron.Service
	if cfg.CronEnabled() {
		cronStore, err := cron.NewStore(cfg.CronPath())
		if err != nil {
			slog.Error("cron store unavailable, continuing degraded", "error", err)
			tel.MarkDegraded()
		} else {
			cronSvc = cron.NewService(cronStore, loop, msgBus)
			go cronSvc.Run(rootCtx)
		}
	}

	// Heartbeat
	hb := heartbeat.NewService(cfg.HeartbeatPath(), cfg.HeartbeatInterval(), loop)
	go hb.Run(rootCtx)

	slog.Info("nanobot running", "version", Version, "config_hash", cfg.Hash())
	loop.Run(rootCtx)

	// Shutdown: cancel root, drain the bus, wait for handlers with the
	// bounded grace period, then force-cancel remaining work.
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()

	msgBus.Shutdown()
	subagents.Shutdown()
	loop.Stop(cfg.ShutdownGrace())
	for _, a := range adapters {
		if err := a.Stop(shutdownCtx); err != nil {
			slog.Warn("channel stop failed", "channel", a.Name(), "error", err)
		}
	}
	if cronSvc != nil {
		cronSvc.Wait()
	}
	hb.Wait()
	<-dispatcherDone
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Debug("telemetry shutdown failed", "error", err)
	}
	slog.Info("shutdown complete")
}

func mustRegister(reg *tools.Registry, t *tools.Tool) {
	if err := reg.Register(t); err != nil {
		slog.Error("tool registration failed", "tool", t.Name, "error", err)
		os.Exit(1)
	}
}

func buildProvider(cfg *config.Config) providers.Provider {
	switch cfg.Agent.Provider {
	case "openai":
		return providers.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey,
			providers.WithOpenAIBaseURL(cfg.Providers.OpenAI.APIBase),
			providers.WithOpenAIModel(firstNonEmpty(cfg.Providers.OpenAI.Model, cfg.Agent.Model)))
	default:
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey,
			providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase),
			providers.WithAnthropicModel(firstNonEmpty(cfg.Providers.Anthropic.Model, cfg.Agent.Model)))
	}
}

func buildChannels(cfg *config.Config) []channels.Adapter {
	var adapters []channels.Adapter

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, cfg.UploadsDir())
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			adapters = append(adapters, tg)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp)
		if err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			adapters = append(adapters, wa)
		}
	}
	if cfg.Channels.WebUI.Enabled {
		adapters = append(adapters, webui.New(cfg.Channels.WebUI, cfg.UploadsDir()))
	}

	if len(adapters) == 0 {
		slog.Warn("no channels enabled; only cron and heartbeat will drive the agent")
	}
	return adapters
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

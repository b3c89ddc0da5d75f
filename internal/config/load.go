package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"

	"github.com/nanobot-ai/nanobot/internal/errs"
)

// Default returns a Config with the kernel's stated defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:          "anthropic",
			Model:             "claude-sonnet-4-5-20250929",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 20,
			ToolErrorBackoff:  3,

			MaxConcurrentMessages: 4,
			ShutdownGraceSeconds:  10,

			BootstrapMaxChars: 24_000,
			MemoryMaxChars:    8_000,
			SkillsMaxChars:    4_000,
			HistoryMaxChars:   64_000,

			MediaMaxBytes:          8 * 1024 * 1024,
			SubagentResultMaxChars: 32 * 1024,

			RestrictWorkspace: true,
			SessionCacheSize:  256,
		},
		Bus: BusConfig{
			InboundCapacity:  256,
			OutboundCapacity: 256,
		},
		Tools: ToolsConfig{
			CacheSize:             256,
			CacheTTLSeconds:       300,
			DefaultTimeoutSeconds: 30,
			Parallelism:           8,
		},
		Subagents: SubagentsConfig{
			MaxConcurrent:  8,
			MaxIterations:  15,
			TimeoutSeconds: 900,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{
				Host: "127.0.0.1",
				Port: 18791,
			},
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 1800,
		},
	}
}

// Load reads the config file (JSON5), overlays env vars, and validates.
// A malformed or invalid file is refused with a Validation error — the
// caller keeps whatever config it already holds instead of silently
// falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, errs.New(errs.External, "config.Load", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, errs.New(errs.Validation, "config.Load", fmt.Errorf("parse %s: %w", path, err))
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("NANOBOT_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("NANOBOT_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("NANOBOT_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("NANOBOT_OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)
	envStr("NANOBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOBOT_WEBUI_TOKEN", &c.Channels.WebUI.Token)
	envStr("NANOBOT_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("NANOBOT_DATA_DIR", &c.DataDir)
	envStr("NANOBOT_PROVIDER", &c.Agent.Provider)
	envStr("NANOBOT_MODEL", &c.Agent.Model)

	// Profile suffixes the default data directory (~/.nanobot_<profile>).
	if v := os.Getenv("NANOBOT_PROFILE"); v != "" && c.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, ".nanobot_"+v)
	}

	// Credentials arriving via env auto-enable the channel.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	envStr("NANOBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NANOBOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NANOBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("NANOBOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NANOBOT_WEBUI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Channels.WebUI.Port = port
		}
	}
}

// validate refuses configs a running kernel cannot honor. Unlike normalize,
// these are user errors worth surfacing rather than coercing.
func (c *Config) validate() error {
	if c.Bus.InboundCapacity < 0 || c.Bus.OutboundCapacity < 0 {
		return errs.New(errs.Validation, "config.Load", fmt.Errorf("bus capacities must be >= 0"))
	}
	if c.Agent.MaxConcurrentMessages < 0 {
		return errs.New(errs.Validation, "config.Load", fmt.Errorf("max_concurrent_messages must be >= 0"))
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return errs.New(errs.Validation, "config.Load", fmt.Errorf("temperature %v out of range [0,2]", c.Agent.Temperature))
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return errs.New(errs.Validation, "config.Load", fmt.Errorf("telemetry protocol %q (want grpc or http)", c.Telemetry.Protocol))
	}
	return nil
}

// normalize coerces out-of-range knobs to usable values. MaxToolIterations
// must end up >= 1: a loop that never calls the LLM cannot reply.
func (c *Config) normalize() {
	if c.Agent.MaxToolIterations <= 0 {
		slog.Warn("max_tool_iterations <= 0, coercing to 1", "configured", c.Agent.MaxToolIterations)
		c.Agent.MaxToolIterations = 1
	}
	if c.Agent.ToolErrorBackoff <= 0 {
		c.Agent.ToolErrorBackoff = 3
	}
	if c.Agent.MaxConcurrentMessages == 0 {
		c.Agent.MaxConcurrentMessages = 4
	}
	if c.Agent.ShutdownGraceSeconds <= 0 {
		c.Agent.ShutdownGraceSeconds = 10
	}
	if c.Agent.SubagentResultMaxChars <= 0 {
		c.Agent.SubagentResultMaxChars = 32 * 1024
	}
	if c.Agent.MediaMaxBytes <= 0 {
		c.Agent.MediaMaxBytes = 8 * 1024 * 1024
	}
	if c.Subagents.MaxConcurrent <= 0 {
		c.Subagents.MaxConcurrent = 8
	}
	if c.Subagents.MaxIterations <= 0 {
		c.Subagents.MaxIterations = 15
	}
	if c.Subagents.TimeoutSeconds <= 0 {
		c.Subagents.TimeoutSeconds = 900
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		c.Heartbeat.IntervalSeconds = 1800
	}
}

// Save writes the config to disk atomically (temp + rename), preserving the
// prior file on any failure.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return errs.New(errs.Fatal, "config.Save", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.External, "config.Save", err)
	}
	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return errs.New(errs.External, "config.Save", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.New(errs.External, "config.Save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.New(errs.External, "config.Save", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return errs.New(errs.External, "config.Save", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.New(errs.External, "config.Save", err)
	}
	return nil
}

// Hash returns a short SHA-256 of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ToolCacheTTL returns the tool cache TTL as a duration.
func (c *Config) ToolCacheTTL() time.Duration {
	return time.Duration(c.Tools.CacheTTLSeconds) * time.Second
}

// ToolDefaultTimeout returns the default per-tool timeout.
func (c *Config) ToolDefaultTimeout() time.Duration {
	return time.Duration(c.Tools.DefaultTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the bounded grace period for stop().
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Agent.ShutdownGraceSeconds) * time.Second
}

// SubagentTimeout returns the subagent wall-clock timeout.
func (c *Config) SubagentTimeout() time.Duration {
	return time.Duration(c.Subagents.TimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat tick interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// CronEnabled reports whether the cron service should run.
func (c *Config) CronEnabled() bool {
	return c.Cron.Enabled == nil || *c.Cron.Enabled
}

// HasAnyProvider reports whether at least one provider has credentials.
func (c *Config) HasAnyProvider() bool {
	return c.Providers.Anthropic.APIKey != "" || c.Providers.OpenAI.APIKey != ""
}

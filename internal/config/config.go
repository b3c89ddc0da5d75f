// Package config holds the root configuration for the nanobot kernel:
// a JSON5 file on disk overlaid with NANOBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultProfile is the data-directory suffix when no profile is set.
const DefaultProfile = ""

// Config is the root configuration. All durations are expressed in seconds
// in the file; accessors convert where a time.Duration is more natural.
type Config struct {
	// DataDir is the root of all on-disk state (~/.nanobot[_profile] by
	// default). Everything else is laid out beneath it.
	DataDir string `json:"data_dir,omitempty"`

	Agent     AgentConfig     `json:"agent"`
	Bus       BusConfig       `json:"bus"`
	Tools     ToolsConfig     `json:"tools"`
	Subagents SubagentsConfig `json:"subagents"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`

	mu sync.RWMutex
}

// AgentConfig tunes the agent loop and context assembly.
type AgentConfig struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
	ToolErrorBackoff  int     `json:"tool_error_backoff"`

	MaxConcurrentMessages int `json:"max_concurrent_messages"`
	ShutdownGraceSeconds  int `json:"shutdown_grace_seconds"`

	// Context assembly caps, in characters.
	BootstrapMaxChars int `json:"bootstrap_max_chars"`
	MemoryMaxChars    int `json:"memory_max_chars"`
	SkillsMaxChars    int `json:"skills_max_chars"`
	HistoryMaxChars   int `json:"history_max_chars"`

	MediaMaxBytes          int64 `json:"media_max_bytes"`
	SubagentResultMaxChars int   `json:"subagent_result_max_chars"`

	// RestrictWorkspace is the default for new sessions; sessions may toggle
	// it only when AllowUnrestrictedWorkspace is set.
	RestrictWorkspace          bool `json:"restrict_workspace"`
	AllowUnrestrictedWorkspace bool `json:"allow_unrestricted_workspace"`

	// VerboseToolErrors surfaces the full text of the last tool error to the
	// user instead of the telemetry error id and a truncated excerpt.
	VerboseToolErrors bool `json:"verbose_tool_errors,omitempty"`

	SessionCacheSize int `json:"session_cache_size"`
}

// BusConfig sets the bounded queue capacities.
type BusConfig struct {
	InboundCapacity  int `json:"inbound_capacity"`
	OutboundCapacity int `json:"outbound_capacity"`
}

// ToolsConfig tunes the tool registry.
type ToolsConfig struct {
	CacheSize             int      `json:"cache_size"`
	CacheTTLSeconds       int      `json:"cache_ttl_seconds"`
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds"`
	Parallelism           int      `json:"parallelism"`
	Allowed               []string `json:"allowed,omitempty"` // empty = all registered tools
}

// SubagentsConfig tunes the background agent pool.
type SubagentsConfig struct {
	MaxConcurrent  int `json:"max_concurrent"`
	MaxIterations  int `json:"max_iterations"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// ProvidersConfig holds per-provider credentials. API keys come from env
// vars only and are never persisted.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one LLM provider endpoint.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ChannelsConfig holds the channel adapter settings. Telegram and WhatsApp
// carry their own trusted flag and the web UI is always trusted: only
// trusted channels may override session routing via message metadata.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	WebUI    WebUIConfig    `json:"webui,omitempty"`
}

// TelegramConfig configures the Telegram bot adapter.
type TelegramConfig struct {
	Enabled       bool     `json:"enabled,omitempty"`
	Token         string   `json:"-"` // env only
	AllowFrom     []string `json:"allow_from,omitempty"`
	RateLimit     int      `json:"rate_limit,omitempty"` // messages per minute per sender
	Trusted       bool     `json:"trusted,omitempty"`
	StatusUpdates bool     `json:"status_updates,omitempty"`
}

// WhatsAppConfig configures the WhatsApp sidecar bridge adapter.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	BridgeURL string   `json:"bridge_url,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
	RateLimit int      `json:"rate_limit,omitempty"`
	Trusted   bool     `json:"trusted,omitempty"`
}

// WebUIConfig configures the local browser UI adapter. It is always
// trusted; by default it binds to loopback and runs as the host principal.
type WebUIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Token   string `json:"-"` // env only; optional bearer token for the /ws and /upload endpoints
}

// CronConfig tunes the scheduled-job engine.
type CronConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // nil = enabled
}

// HeartbeatConfig tunes the periodic workspace-file wake-ups.
type HeartbeatConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// DatabaseConfig configures the optional Postgres session archive.
// The DSN is never read from the config file — env NANOBOT_POSTGRES_DSN only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// --- on-disk layout helpers ---

func (c *Config) dataDir() string {
	if c.DataDir != "" {
		return ExpandHome(c.DataDir)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nanobot")
}

func (c *Config) SessionsDir() string  { return filepath.Join(c.dataDir(), "sessions") }
func (c *Config) WorkspaceDir() string { return filepath.Join(c.dataDir(), "workspace") }
func (c *Config) MemoryDir() string    { return filepath.Join(c.WorkspaceDir(), "memory") }
func (c *Config) MemoryDBPath() string { return filepath.Join(c.MemoryDir(), "memory.db") }
func (c *Config) SkillsDir() string    { return filepath.Join(c.WorkspaceDir(), "skills") }
func (c *Config) HeartbeatPath() string {
	return filepath.Join(c.WorkspaceDir(), "HEARTBEAT.md")
}
func (c *Config) CronPath() string    { return filepath.Join(c.dataDir(), "cron", "jobs.record") }
func (c *Config) UploadsDir() string  { return filepath.Join(c.dataDir(), "uploads") }

// EnsureDirs creates the on-disk layout beneath the data directory.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.dataDir(),
		c.SessionsDir(),
		c.WorkspaceDir(),
		c.MemoryDir(),
		c.SkillsDir(),
		filepath.Dir(c.CronPath()),
		c.UploadsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

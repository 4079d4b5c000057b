package config

import (
	"fmt"

	"github.com/haasonsaas/turnstile/internal/tools/policy"
)

// Config is the main configuration structure for turnstile.
type Config struct {
	Version       int                 `yaml:"version,omitempty"`
	Session       SessionConfig       `yaml:"session,omitempty"`
	Queue         QueueConfig         `yaml:"queue,omitempty"`
	Concurrency   ConcurrencyConfig   `yaml:"concurrency,omitempty"`
	Agents        AgentsConfig        `yaml:"agents,omitempty"`
	Tools         ToolsConfig         `yaml:"tools,omitempty"`
	Store         StoreConfig         `yaml:"store,omitempty"`
	Server        ServerConfig        `yaml:"server,omitempty"`
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// SessionConfig controls session identity and lifecycle.
type SessionConfig struct {
	// Scope is "per-sender" (default) or "global".
	Scope string `yaml:"scope,omitempty"`

	// DMScope controls how DM sessions are scoped:
	// - "main": all DMs share the main session (default)
	// - "per-peer": separate session per peer
	// - "per-channel-peer": separate session per channel+peer combination
	// - "per-account-channel-peer": additionally split by channel account
	DMScope string `yaml:"dm_scope,omitempty"`

	// MainKey names the main session. Values other than "main" are aliases.
	MainKey string `yaml:"main_key,omitempty"`

	// IdentityLinks maps canonical IDs to platform-specific peer IDs.
	// Format: canonical_id -> ["provider:peer_id", "provider:peer_id", ...]
	IdentityLinks map[string][]string `yaml:"identity_links,omitempty"`

	// Reset configures default session reset behavior.
	Reset ResetConfig `yaml:"reset,omitempty"`

	// ResetByType configures reset behavior per conversation type (dm, group, thread).
	ResetByType map[string]ResetConfig `yaml:"reset_by_type,omitempty"`

	// ResetByChannel configures reset behavior per channel (slack, discord, etc).
	ResetByChannel map[string]ResetConfig `yaml:"reset_by_channel,omitempty"`

	// IdleMinutes is the legacy idle-only reset setting.
	IdleMinutes int `yaml:"idle_minutes,omitempty" jsonschema:"minimum=0"`

	// Timezone is the IANA zone daily resets are evaluated in (default local).
	Timezone string `yaml:"timezone,omitempty"`
}

// ResetConfig controls when sessions are automatically reset.
type ResetConfig struct {
	// Mode is the reset mode: "daily", "idle" or "daily+idle".
	Mode string `yaml:"mode,omitempty" jsonschema:"enum=daily,enum=idle,enum=daily+idle"`

	// AtHour is the hour (0-23) to reset sessions when mode includes "daily".
	AtHour *int `yaml:"at_hour,omitempty" jsonschema:"minimum=0,maximum=23"`

	// IdleMinutes is the number of minutes of inactivity before reset.
	IdleMinutes int `yaml:"idle_minutes,omitempty" jsonschema:"minimum=0"`
}

// QueueConfig is the global turn queue configuration.
type QueueConfig struct {
	Mode       string `yaml:"mode,omitempty"`
	DebounceMs *int   `yaml:"debounce_ms,omitempty" jsonschema:"minimum=0"`
	Cap        int    `yaml:"cap,omitempty" jsonschema:"minimum=0"`
	Drop       string `yaml:"drop,omitempty"`

	// ByChannel overrides the mode per channel.
	ByChannel map[string]string `yaml:"by_channel,omitempty"`

	// DebounceMsByChannel overrides the debounce window per channel.
	DebounceMsByChannel map[string]int `yaml:"debounce_ms_by_channel,omitempty"`
}

// ConcurrencyConfig bounds how many turns run at once. An explicit zero is
// unbounded; an omitted value takes the default.
type ConcurrencyConfig struct {
	MaxConcurrent      *int `yaml:"max_concurrent,omitempty" jsonschema:"minimum=0"`
	AgentMaxConcurrent *int `yaml:"agent_max_concurrent,omitempty" jsonschema:"minimum=0"`
}

// AgentsConfig lists configured agents.
type AgentsConfig struct {
	// Default is the agent used when an event names none.
	Default  string        `yaml:"default,omitempty"`
	Defaults AgentDefaults `yaml:"defaults,omitempty"`
	List     []AgentConfig `yaml:"list,omitempty"`
}

// AgentDefaults apply to every agent without its own setting.
type AgentDefaults struct {
	// Model is the "provider/model" (or bare "provider") agents run on. It
	// selects tools.by_provider policies for turns without a session override.
	Model   string        `yaml:"model,omitempty"`
	Sandbox SandboxConfig `yaml:"sandbox,omitempty"`
}

// AgentConfig is one agent's overrides.
type AgentConfig struct {
	ID string `yaml:"id"`

	// MaxConcurrent overrides concurrency.agent_max_concurrent.
	MaxConcurrent *int `yaml:"max_concurrent,omitempty" jsonschema:"minimum=0"`

	// Model overrides agents.defaults.model.
	Model string `yaml:"model,omitempty"`

	Tools   *policy.Policy `yaml:"tools,omitempty"`
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
}

// SandboxConfig selects which turns run sandboxed and where.
type SandboxConfig struct {
	// Mode is "off", "all" or "non-main".
	Mode string `yaml:"mode,omitempty"`

	// Scope is "session", "run", "agent" or "shared".
	Scope string `yaml:"scope,omitempty"`

	// WorkspaceAccess is "none", "ro" or "rw".
	WorkspaceAccess string `yaml:"workspace_access,omitempty"`

	// WorkspaceRoot is the directory sandbox workspaces are created in.
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`
}

// ToolsConfig is the tool policy surface. The embedded policy is the
// global scope.
type ToolsConfig struct {
	policy.Policy `yaml:",inline"`

	// Groups holds group and per-sender policies keyed by
	// "<channel>:<groupID>" or "<channel>:*".
	Groups map[string]*policy.GroupPolicy `yaml:"groups,omitempty"`

	// Subagents adds to the baseline deny list applied to subagent sessions.
	Subagents policy.SubagentPolicy `yaml:"subagents,omitempty"`

	Sandbox SandboxToolsConfig `yaml:"sandbox,omitempty"`

	// CustomGroups registers extra "group:<name>" expansions.
	CustomGroups map[string][]string `yaml:"custom_groups,omitempty"`
}

// SandboxToolsConfig restricts tools for sandboxed turns.
type SandboxToolsConfig struct {
	Tools *policy.Policy `yaml:"tools,omitempty"`
}

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty" jsonschema:"enum=memory,enum=sqlite,enum=postgres"`

	// Path is the SQLite database file.
	Path string `yaml:"path,omitempty"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn,omitempty"`

	MaxOpenConns int `yaml:"max_open_conns,omitempty" jsonschema:"minimum=0"`
	MaxIdleConns int `yaml:"max_idle_conns,omitempty" jsonschema:"minimum=0"`

	// ConnectAttempts bounds how often opening the store is tried at startup.
	ConnectAttempts int `yaml:"connect_attempts,omitempty" jsonschema:"minimum=0"`
}

// ServerConfig configures the diagnostics HTTP listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr,omitempty"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error"`
	Format         string   `yaml:"format,omitempty" jsonschema:"enum=json,enum=text"`
	AddSource      bool     `yaml:"add_source,omitempty"`
	RedactPatterns []string `yaml:"redact_patterns,omitempty"`
}

// ObservabilityConfig configures diagnostics and tracing.
type ObservabilityConfig struct {
	// Heartbeat is the cron schedule of the diagnostics heartbeat.
	Heartbeat string `yaml:"heartbeat,omitempty"`

	// StuckAfter is a duration ("2m") after which a processing session is
	// reported as stuck.
	StuckAfter string `yaml:"stuck_after,omitempty"`

	Tracing TracingConfig `yaml:"tracing,omitempty"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	Environment  string  `yaml:"environment,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty" jsonschema:"minimum=0,maximum=1"`
	Insecure     bool    `yaml:"insecure,omitempty"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Agent returns the agent entry with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents.List {
		if normalizeID(a.ID) == normalizeID(id) {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Load reads, schema-checks, decodes, defaults and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	return FromRaw(raw)
}

// FromRaw turns a merged raw map into a validated Config.
func FromRaw(raw map[string]any) (*Config, error) {
	if err := ValidateRaw(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

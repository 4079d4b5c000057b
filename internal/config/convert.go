package config

import (
	"strings"
	"time"

	"github.com/haasonsaas/turnstile/internal/admission"
	"github.com/haasonsaas/turnstile/internal/observability"
	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/internal/sessions"
	"github.com/haasonsaas/turnstile/internal/tools/policy"
)

// SessionScope returns the session identity and lifecycle settings.
func (c *Config) SessionScope() sessions.ScopeConfig {
	s := c.Session
	out := sessions.ScopeConfig{
		MainKey:        s.MainKey,
		Scope:          s.Scope,
		DMScope:        s.DMScope,
		IdentityLinks:  s.IdentityLinks,
		DefaultAgentID: c.Agents.Default,
		Reset:          s.Reset.toSessions(),
		IdleMinutes:    s.IdleMinutes,
	}
	if len(s.ResetByType) > 0 {
		out.ResetByType = make(map[string]sessions.ResetConfig, len(s.ResetByType))
		for k, rc := range s.ResetByType {
			out.ResetByType[strings.ToLower(k)] = rc.toSessions()
		}
	}
	if len(s.ResetByChannel) > 0 {
		out.ResetByChannel = make(map[string]sessions.ResetConfig, len(s.ResetByChannel))
		for k, rc := range s.ResetByChannel {
			out.ResetByChannel[strings.ToLower(k)] = rc.toSessions()
		}
	}
	return out
}

func (rc ResetConfig) toSessions() sessions.ResetConfig {
	out := sessions.ResetConfig{Mode: rc.Mode, IdleMinutes: rc.IdleMinutes}
	if rc.AtHour != nil {
		out.AtHour = *rc.AtHour
	}
	return out
}

// Location returns the zone daily resets are evaluated in.
func (c *Config) Location() *time.Location {
	if tz := strings.TrimSpace(c.Session.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

// QueueSettings returns the scheduler's configured queue surface.
func (c *Config) QueueSettings() queue.Config {
	q := c.Queue
	out := queue.Config{
		DebounceMs:          q.DebounceMs,
		Cap:                 q.Cap,
		DebounceMsByChannel: lowerKeys(q.DebounceMsByChannel),
	}
	if m, ok := queue.ParseMode(q.Mode); ok {
		out.Mode = m
	}
	if d, ok := queue.ParseDropPolicy(q.Drop); ok {
		out.Drop = d
	}
	if len(q.ByChannel) > 0 {
		out.ByChannel = make(map[string]queue.Mode, len(q.ByChannel))
		for ch, raw := range q.ByChannel {
			if m, ok := queue.ParseMode(raw); ok {
				out.ByChannel[strings.ToLower(ch)] = m
			}
		}
	}
	return out
}

// AdmissionLimits returns the concurrency ceilings.
func (c *Config) AdmissionLimits() admission.Limits {
	limits := admission.Limits{
		Global:   derefInt(c.Concurrency.MaxConcurrent, DefaultMaxConcurrent),
		PerAgent: derefInt(c.Concurrency.AgentMaxConcurrent, DefaultAgentMaxConcurrent),
	}
	for _, a := range c.Agents.List {
		if a.MaxConcurrent == nil {
			continue
		}
		if limits.Agents == nil {
			limits.Agents = make(map[string]int)
		}
		limits.Agents[sessions.NormalizeAgentID(a.ID)] = *a.MaxConcurrent
	}
	return limits
}

// ToolPolicy returns the layered tool policy configuration.
func (c *Config) ToolPolicy() policy.Config {
	out := policy.Config{
		Groups:   c.Tools.Groups,
		Subagent: c.Tools.Subagents,
		Sandbox:  c.Tools.Sandbox.Tools,
	}
	if global := c.Tools.Policy; !global.IsZero() || len(global.ByProvider) > 0 {
		out.Global = &global
	}
	for _, a := range c.Agents.List {
		if a.Tools == nil {
			continue
		}
		if out.Agents == nil {
			out.Agents = make(map[string]*policy.Policy)
		}
		out.Agents[sessions.NormalizeAgentID(a.ID)] = a.Tools
	}
	return out
}

// AgentModel returns the provider and model an agent runs on, from its own
// entry or agents.defaults.model. Both are empty when neither is set.
func (c *Config) AgentModel(agentID string) (provider, model string) {
	ref := c.Agents.Defaults.Model
	if a, ok := c.Agent(agentID); ok && strings.TrimSpace(a.Model) != "" {
		ref = a.Model
	}
	return splitModelRef(ref)
}

func splitModelRef(ref string) (provider, model string) {
	ref = strings.TrimSpace(ref)
	if p, m, ok := strings.Cut(ref, "/"); ok {
		return strings.TrimSpace(p), strings.TrimSpace(m)
	}
	return ref, ""
}

// SandboxDefaults returns the sandbox settings every agent inherits.
func (c *Config) SandboxDefaults() sandbox.Config {
	return c.Agents.Defaults.Sandbox.toSandbox()
}

// SandboxAgents returns per-agent sandbox overrides.
func (c *Config) SandboxAgents() map[string]sandbox.Config {
	var out map[string]sandbox.Config
	for _, a := range c.Agents.List {
		if a.Sandbox == nil {
			continue
		}
		if out == nil {
			out = make(map[string]sandbox.Config)
		}
		out[sessions.NormalizeAgentID(a.ID)] = a.Sandbox.toSandbox()
	}
	return out
}

// WorkspaceRoot is the directory sandbox workspaces are created under.
func (c *Config) WorkspaceRoot() string {
	return strings.TrimSpace(c.Agents.Defaults.Sandbox.WorkspaceRoot)
}

func (sb SandboxConfig) toSandbox() sandbox.Config {
	var out sandbox.Config
	if m, ok := sandbox.ParseMode(sb.Mode); ok {
		out.Mode = m
	}
	if s, ok := sandbox.ParseScope(sb.Scope); ok {
		out.Scope = s
	}
	if strings.TrimSpace(sb.WorkspaceAccess) != "" {
		out.Access = sandbox.ParseWorkspaceAccess(sb.WorkspaceAccess)
	}
	return out
}

// LogConfig returns the logger settings.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:          c.Logging.Level,
		Format:         c.Logging.Format,
		AddSource:      c.Logging.AddSource,
		RedactPatterns: c.Logging.RedactPatterns,
	}
}

// TraceConfig returns the tracer settings.
func (c *Config) TraceConfig(version string) observability.TraceConfig {
	t := c.Observability.Tracing
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
		EnableInsecure: t.Insecure,
	}
}

// TrackerConfig returns the diagnostics tracker settings.
func (c *Config) TrackerConfig() observability.TrackerConfig {
	d, err := time.ParseDuration(c.Observability.StuckAfter)
	if err != nil {
		d = 0
	}
	return observability.TrackerConfig{StuckAfter: d}
}

// PostgresConfig returns pool settings for the Postgres store.
func (c *Config) PostgresConfig() *sessions.PostgresConfig {
	pg := sessions.DefaultPostgresConfig()
	if c.Store.MaxOpenConns > 0 {
		pg.MaxOpenConns = c.Store.MaxOpenConns
	}
	if c.Store.MaxIdleConns > 0 {
		pg.MaxIdleConns = c.Store.MaxIdleConns
	}
	return pg
}

func derefInt(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func lowerKeys(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

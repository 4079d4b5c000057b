package config

import (
	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/internal/sessions"
)

const (
	DefaultMaxConcurrent      = 4
	DefaultAgentMaxConcurrent = 1
	DefaultHeartbeat          = "@every 30s"
	DefaultStuckAfter         = "2m"
	DefaultHTTPAddr           = "127.0.0.1:7420"
	DefaultStoreDriver        = "sqlite"
	DefaultStorePath          = "turnstile.db"
	DefaultConnectAttempts    = 5
)

// ApplyDefaults fills unset fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Session.Scope == "" {
		cfg.Session.Scope = sessions.ScopePerSender
	}
	if cfg.Session.DMScope == "" {
		cfg.Session.DMScope = sessions.DMScopeMain
	}
	if cfg.Session.MainKey == "" {
		cfg.Session.MainKey = sessions.DefaultMainKey
	}
	applyResetDefaults(&cfg.Session.Reset)
	for k, rc := range cfg.Session.ResetByType {
		applyResetDefaults(&rc)
		cfg.Session.ResetByType[k] = rc
	}
	for k, rc := range cfg.Session.ResetByChannel {
		applyResetDefaults(&rc)
		cfg.Session.ResetByChannel[k] = rc
	}

	if cfg.Queue.Mode == "" {
		cfg.Queue.Mode = string(queue.DefaultMode)
	}
	if cfg.Queue.DebounceMs == nil {
		ms := int(queue.DefaultDebounce.Milliseconds())
		cfg.Queue.DebounceMs = &ms
	}
	if cfg.Queue.Cap == 0 {
		cfg.Queue.Cap = queue.DefaultCap
	}
	if cfg.Queue.Drop == "" {
		cfg.Queue.Drop = string(queue.DefaultDrop)
	}

	if cfg.Concurrency.MaxConcurrent == nil {
		n := DefaultMaxConcurrent
		cfg.Concurrency.MaxConcurrent = &n
	}
	if cfg.Concurrency.AgentMaxConcurrent == nil {
		n := DefaultAgentMaxConcurrent
		cfg.Concurrency.AgentMaxConcurrent = &n
	}

	if cfg.Agents.Default == "" {
		cfg.Agents.Default = sessions.DefaultAgentID
	}
	sb := &cfg.Agents.Defaults.Sandbox
	if sb.Mode == "" {
		sb.Mode = string(sandbox.ModeOff)
	}
	if sb.Scope == "" {
		sb.Scope = string(sandbox.ScopeSession)
	}
	if sb.WorkspaceAccess == "" {
		sb.WorkspaceAccess = string(sandbox.AccessReadOnly)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}

	if cfg.Store.ConnectAttempts == 0 {
		cfg.Store.ConnectAttempts = DefaultConnectAttempts
	}

	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Heartbeat == "" {
		cfg.Observability.Heartbeat = DefaultHeartbeat
	}
	if cfg.Observability.StuckAfter == "" {
		cfg.Observability.StuckAfter = DefaultStuckAfter
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "turnstile"
	}
}

func applyResetDefaults(rc *ResetConfig) {
	if rc.Mode == "" || rc.AtHour != nil {
		return
	}
	hour := sessions.DefaultResetAtHour
	rc.AtHour = &hour
}

package sandbox

import (
	"sync"

	"github.com/google/uuid"
	"github.com/haasonsaas/turnstile/internal/sessions"
)

// Context describes the sandbox a turn runs in.
type Context struct {
	Key        string     `json:"key"`
	Mode       Mode       `json:"mode"`
	Scope      Scope      `json:"scope"`
	Access     AccessMode `json:"access"`
	AgentID    string     `json:"agent_id"`
	SessionKey string     `json:"session_key"`
	RunID      string     `json:"run_id,omitempty"`
	// Dir is the workspace directory; empty when no workspace manager is
	// configured.
	Dir string `json:"dir,omitempty"`

	once    sync.Once
	release func() error
	err     error
}

// Release returns the workspace. It is safe to call more than once.
func (c *Context) Release() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		if c.release != nil {
			c.err = c.release()
		}
	})
	return c.err
}

// Resolver decides sandboxing per session and hands out workspaces.
type Resolver struct {
	keys       *sessions.Resolver
	defaults   Config
	agents     map[string]Config
	workspaces *Workspaces
}

// NewResolver creates a resolver. agents holds per-agent overrides layered
// over defaults; workspaces may be nil to resolve without directories.
func NewResolver(keys *sessions.Resolver, defaults Config, agents map[string]Config, workspaces *Workspaces) *Resolver {
	normalizedAgents := make(map[string]Config, len(agents))
	for id, cfg := range agents {
		normalizedAgents[sessions.NormalizeAgentID(id)] = cfg
	}
	return &Resolver{
		keys:       keys,
		defaults:   defaults,
		agents:     normalizedAgents,
		workspaces: workspaces,
	}
}

// ConfigFor returns the effective sandbox config for an agent.
func (r *Resolver) ConfigFor(agentID string) Config {
	cfg := r.defaults
	if o, ok := r.agents[r.keys.AgentID(agentID)]; ok {
		cfg = cfg.Overlay(o)
	}
	return cfg.normalized()
}

// Plan resolves the sandbox for a session without touching the filesystem.
// It returns nil when the session is not sandboxed. The owning agent is
// taken from the key when it carries one.
func (r *Resolver) Plan(sessionKey, agentID, runID string) *Context {
	canonical := r.keys.Canonicalize(sessionKey, agentID)
	if owner := sessions.ParseAgentID(canonical); owner != "" {
		agentID = owner
	}
	agentID = r.keys.AgentID(agentID)

	cfg := r.ConfigFor(agentID)
	if !cfg.ShouldSandbox(r.keys.IsMain(canonical, agentID)) {
		return nil
	}
	if cfg.Scope == ScopeRun && runID == "" {
		runID = uuid.NewString()
	}
	return &Context{
		Key:        cfg.Key(agentID, canonical, runID),
		Mode:       cfg.Mode,
		Scope:      cfg.Scope,
		Access:     cfg.Access,
		AgentID:    agentID,
		SessionKey: canonical,
		RunID:      runID,
	}
}

// Acquire resolves the sandbox for a turn and materializes its workspace.
// It returns nil, nil when the session is not sandboxed.
func (r *Resolver) Acquire(sessionKey, agentID, runID string) (*Context, error) {
	sc := r.Plan(sessionKey, agentID, runID)
	if sc == nil || r.workspaces == nil {
		return sc, nil
	}
	dir, err := r.workspaces.acquire(sc.Key)
	if err != nil {
		return nil, err
	}
	sc.Dir = dir
	key, ephemeral := sc.Key, sc.Scope == ScopeRun
	sc.release = func() error { return r.workspaces.release(key, ephemeral) }
	return sc, nil
}

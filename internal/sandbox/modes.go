// Package sandbox decides whether a session's turns run inside an isolated
// workspace and manages those workspaces.
package sandbox

import "strings"

// Mode determines which sessions are sandboxed.
type Mode string

const (
	// ModeOff disables sandboxing entirely.
	ModeOff Mode = "off"
	// ModeAll sandboxes every session, including main.
	ModeAll Mode = "all"
	// ModeNonMain sandboxes every session except the agent's main session.
	ModeNonMain Mode = "non-main"
)

// ParseMode normalizes a configured mode.
func ParseMode(raw string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "none", "disabled":
		return ModeOff, true
	case "all", "always":
		return ModeAll, true
	case "non-main", "nonmain", "non_main":
		return ModeNonMain, true
	default:
		return "", false
	}
}

// Scope determines how sandboxes are shared.
type Scope string

const (
	// ScopeSession reuses one sandbox across a session's turns.
	ScopeSession Scope = "session"
	// ScopeRun creates a fresh sandbox for every turn.
	ScopeRun Scope = "run"
	// ScopeAgent shares one sandbox per agent.
	ScopeAgent Scope = "agent"
	// ScopeShared uses a single sandbox for everything.
	ScopeShared Scope = "shared"
)

// ParseScope normalizes a configured scope.
func ParseScope(raw string) (Scope, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "session":
		return ScopeSession, true
	case "run", "turn":
		return ScopeRun, true
	case "agent":
		return ScopeAgent, true
	case "shared":
		return ScopeShared, true
	default:
		return "", false
	}
}

// AccessMode controls how the agent workspace is exposed in the sandbox.
type AccessMode string

const (
	AccessNone      AccessMode = "none"
	AccessReadOnly  AccessMode = "ro"
	AccessReadWrite AccessMode = "rw"
)

// ParseWorkspaceAccess converts a config string to a workspace access mode.
func ParseWorkspaceAccess(raw string) AccessMode {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "rw", "readwrite", "read-write", "write":
		return AccessReadWrite
	case "none", "disabled":
		return AccessNone
	default:
		return AccessReadOnly
	}
}

// Config holds resolved sandbox settings for one agent.
type Config struct {
	Mode   Mode
	Scope  Scope
	Access AccessMode
}

// DefaultConfig is sandboxing off, session scope, read-only workspace.
func DefaultConfig() Config {
	return Config{Mode: ModeOff, Scope: ScopeSession, Access: AccessReadOnly}
}

func (c Config) normalized() Config {
	if m, ok := ParseMode(string(c.Mode)); ok {
		c.Mode = m
	} else {
		c.Mode = ModeOff
	}
	if s, ok := ParseScope(string(c.Scope)); ok {
		c.Scope = s
	} else {
		c.Scope = ScopeSession
	}
	if c.Access == "" {
		c.Access = AccessReadOnly
	} else {
		c.Access = ParseWorkspaceAccess(string(c.Access))
	}
	return c
}

// ShouldSandbox determines whether a session is sandboxed under c.
func (c Config) ShouldSandbox(isMain bool) bool {
	switch c.Mode {
	case ModeAll:
		return true
	case ModeNonMain:
		return !isMain
	default:
		return false
	}
}

// Key generates the workspace key for the configured scope.
func (c Config) Key(agentID, sessionKey, runID string) string {
	switch c.Scope {
	case ScopeRun:
		return "run:" + runID
	case ScopeShared:
		return "shared"
	case ScopeAgent:
		return "agent:" + agentID
	default:
		return "session:" + sessionKey
	}
}

// Overlay applies the non-empty fields of o over c.
func (c Config) Overlay(o Config) Config {
	if o.Mode != "" {
		c.Mode = o.Mode
	}
	if o.Scope != "" {
		c.Scope = o.Scope
	}
	if o.Access != "" {
		c.Access = o.Access
	}
	return c
}

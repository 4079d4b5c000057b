package models

import "time"

// SessionEntry is the durable record kept per session key.
type SessionEntry struct {
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Queue overrides; empty/nil means "inherit from config".
	QueueMode       string `json:"queue_mode,omitempty"`
	QueueDebounceMs *int   `json:"queue_debounce_ms,omitempty"`
	QueueCap        *int   `json:"queue_cap,omitempty"`
	QueueDrop       string `json:"queue_drop,omitempty"`

	// SpawnedBy holds the parent session key for subagent sessions.
	SpawnedBy string `json:"spawned_by,omitempty"`

	Channel      ChannelType `json:"channel,omitempty"`
	ChatType     ChatType    `json:"chat_type,omitempty"`
	GroupID      string      `json:"group_id,omitempty"`
	GroupChannel string      `json:"group_channel,omitempty"`
	Space        string      `json:"space,omitempty"`

	ModelOverride       string `json:"model_override,omitempty"`
	ProviderOverride    string `json:"provider_override,omitempty"`
	AuthProfileOverride string `json:"auth_profile_override,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *SessionEntry) Clone() *SessionEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.QueueDebounceMs != nil {
		v := *e.QueueDebounceMs
		clone.QueueDebounceMs = &v
	}
	if e.QueueCap != nil {
		v := *e.QueueCap
		clone.QueueCap = &v
	}
	return &clone
}

// Touch moves UpdatedAt forward to ts. Earlier timestamps are ignored.
func (e *SessionEntry) Touch(ts time.Time) {
	if ts.After(e.UpdatedAt) {
		e.UpdatedAt = ts
	}
}

// ClearModelOverrides drops per-session model/provider/auth overrides.
func (e *SessionEntry) ClearModelOverrides() {
	e.ModelOverride = ""
	e.ProviderOverride = ""
	e.AuthProfileOverride = ""
}

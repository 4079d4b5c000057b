package sessions

import (
	"strings"
)

// DMScope constants for session scoping.
const (
	DMScopeMain                  = "main"
	DMScopePerPeer               = "per-peer"
	DMScopePerChannelPeer        = "per-channel-peer"
	DMScopePerAccountChannelPeer = "per-account-channel-peer"
)

// Scope constants. ScopeGlobal collapses every conversation into one session.
const (
	ScopePerSender = "per-sender"
	ScopeGlobal    = "global"
)

// GlobalSessionKey is the only key produced under ScopeGlobal.
const GlobalSessionKey = "global"

// ScopeConfig holds session scoping configuration.
// This mirrors config.SessionConfig to avoid import cycles.
type ScopeConfig struct {
	// MainKey is the configured name of the main session ("main" when empty).
	// A custom value such as "work" is treated as an alias of "main".
	MainKey string

	// Scope is "per-sender" (default) or "global".
	Scope string

	// DMScope controls how DM sessions are scoped:
	// - "main": all DMs share the main session (default)
	// - "per-peer": separate session per peer
	// - "per-channel-peer": separate session per channel+peer combination
	// - "per-account-channel-peer": additionally split by channel account
	DMScope string

	// IdentityLinks maps canonical IDs to platform-specific peer IDs.
	// Format: canonical_id -> ["provider:peer_id", "provider:peer_id", ...]
	IdentityLinks map[string][]string

	// DefaultAgentID is used when an event does not name an agent.
	DefaultAgentID string

	// Reset configures default session reset behavior.
	Reset ResetConfig

	// ResetByType configures reset behavior per conversation type (dm, group, thread).
	ResetByType map[string]ResetConfig

	// ResetByChannel configures reset behavior per channel (slack, discord, etc).
	ResetByChannel map[string]ResetConfig

	// IdleMinutes is the legacy idle-only setting; it implies idle mode.
	IdleMinutes int
}

// ResetConfig controls when sessions are automatically reset.
type ResetConfig struct {
	// Mode is "daily" or "idle". "daily+idle" is accepted as daily with an idle window.
	Mode string

	// AtHour is the local hour (0-23) of the daily boundary.
	AtHour int

	// IdleMinutes is the inactivity window. It applies in any mode when set.
	IdleMinutes int
}

// IsZero reports whether the config carries no settings at all.
func (c ResetConfig) IsZero() bool {
	return strings.TrimSpace(c.Mode) == "" && c.AtHour == 0 && c.IdleMinutes == 0
}

func (c ScopeConfig) mainKey() string {
	return NormalizeMainKey(c.MainKey)
}

func (c ScopeConfig) defaultAgent() string {
	return NormalizeAgentID(c.DefaultAgentID)
}

func (c ScopeConfig) isGlobal() bool {
	return strings.EqualFold(strings.TrimSpace(c.Scope), ScopeGlobal)
}

func (c ScopeConfig) dmScope() string {
	scope := strings.ToLower(strings.TrimSpace(c.DMScope))
	switch scope {
	case DMScopePerPeer, DMScopePerChannelPeer, DMScopePerAccountChannelPeer:
		return scope
	default:
		return DMScopeMain
	}
}

// ResolveLinkedPeerID resolves a peer ID through identity links.
// Returns canonical ID if linked, otherwise empty string.
func ResolveLinkedPeerID(identityLinks map[string][]string, channel, peerID string) string {
	if len(identityLinks) == 0 {
		return ""
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ""
	}

	candidates := map[string]struct{}{normalizeToken(peerID): {}}
	if ch := normalizeToken(channel); ch != "" {
		candidates[normalizeToken(ch+":"+peerID)] = struct{}{}
	}

	// Iterate canonical names in sorted order so a peer listed under two
	// canonical ids always resolves the same way.
	for _, canonical := range sortedKeys(identityLinks) {
		name := strings.TrimSpace(canonical)
		if name == "" {
			continue
		}
		for _, id := range identityLinks[canonical] {
			if _, ok := candidates[normalizeToken(id)]; ok {
				return name
			}
		}
	}
	return ""
}

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

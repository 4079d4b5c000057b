package sessions

import (
	"errors"
	"strings"

	"github.com/haasonsaas/turnstile/pkg/models"
)

// ErrEmptyPeer is returned when an event carries no usable peer identity.
var ErrEmptyPeer = errors.New("sessions: empty peer identity")

// KeyInput is the identity portion of an inbound event.
type KeyInput struct {
	Channel   models.ChannelType
	AccountID string
	PeerID    string
	ThreadID  string
	ChatType  models.ChatType
	AgentID   string

	// SessionKey is an explicit key supplied by the caller. When set it is
	// canonicalized instead of derived from the other fields.
	SessionKey string
}

// KeyInputFromEvent extracts the identity fields of an inbound event.
func KeyInputFromEvent(ev *models.InboundEvent) KeyInput {
	return KeyInput{
		Channel:    ev.Channel,
		AccountID:  ev.AccountID,
		PeerID:     ev.PeerID,
		ThreadID:   ev.ThreadID,
		ChatType:   ev.ChatType,
		AgentID:    ev.AgentID,
		SessionKey: ev.SessionKey,
	}
}

// Resolver derives canonical session keys. It is safe for concurrent use
// and has no side effects.
type Resolver struct {
	cfg ScopeConfig
}

// NewResolver creates a Resolver for the given scoping configuration.
func NewResolver(cfg ScopeConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Config returns the scoping configuration the resolver was built with.
func (r *Resolver) Config() ScopeConfig {
	return r.cfg
}

// AgentID returns the normalized agent, falling back to the configured default.
func (r *Resolver) AgentID(agentID string) string {
	if strings.TrimSpace(agentID) == "" {
		return r.cfg.defaultAgent()
	}
	return NormalizeAgentID(agentID)
}

// MainKey returns the canonical main session key for an agent.
func (r *Resolver) MainKey(agentID string) string {
	if r.cfg.isGlobal() {
		return GlobalSessionKey
	}
	return "agent:" + r.AgentID(agentID) + ":" + r.cfg.mainKey()
}

// Resolve computes the session key for an inbound identity.
//
// Keys follow "agent:<agentId>:<rest>":
//   - DM, main scope:               agent:<id>:<mainKey>
//   - DM, per-peer:                 agent:<id>:dm:<peer>
//   - DM, per-channel-peer:         agent:<id>:<channel>:dm:<peer>
//   - DM, per-account-channel-peer: agent:<id>:<channel>:<account>:dm:<peer>
//   - group/channel:                agent:<id>:<channel>:group:<peer>
//
// A thread id appends ":thread:<threadId>".
func (r *Resolver) Resolve(in KeyInput) (string, error) {
	if explicit := strings.TrimSpace(in.SessionKey); explicit != "" {
		return r.Canonicalize(explicit, in.AgentID), nil
	}

	peerID := strings.TrimSpace(in.PeerID)
	if peerID == "" {
		return "", ErrEmptyPeer
	}
	if r.cfg.isGlobal() {
		return GlobalSessionKey, nil
	}

	agentID := r.AgentID(in.AgentID)
	channel := normalizeToken(string(in.Channel))
	if channel == "" {
		channel = "unknown"
	}

	var base string
	if in.ChatType.IsGroup() {
		kind := "group"
		if in.ChatType == models.ChatChannel {
			kind = "channel"
		}
		base = "agent:" + agentID + ":" + channel + ":" + kind + ":" + peerID
	} else {
		base = r.directKey(agentID, channel, in.AccountID, peerID)
	}

	if threadID := strings.TrimSpace(in.ThreadID); threadID != "" {
		base += ":thread:" + threadID
	}
	return base, nil
}

func (r *Resolver) directKey(agentID, channel, accountID, peerID string) string {
	scope := r.cfg.dmScope()
	if scope == DMScopeMain {
		return r.MainKey(agentID)
	}
	if linked := ResolveLinkedPeerID(r.cfg.IdentityLinks, channel, peerID); linked != "" {
		peerID = linked
	}
	switch scope {
	case DMScopePerPeer:
		return "agent:" + agentID + ":dm:" + peerID
	case DMScopePerChannelPeer:
		return "agent:" + agentID + ":" + channel + ":dm:" + peerID
	default:
		return "agent:" + agentID + ":" + channel + ":" + NormalizeAccountID(accountID) + ":dm:" + peerID
	}
}

// Canonicalize maps an explicit key to its internal form. Bare keys are
// scoped to agentID, and every spelling of the main session ("main", the
// configured main key, or either of those behind an agent prefix) maps to
// MainKey.
func (r *Resolver) Canonicalize(key, agentID string) string {
	raw := strings.TrimSpace(key)
	if raw == "" {
		return r.MainKey(agentID)
	}
	if r.cfg.isGlobal() {
		return GlobalSessionKey
	}
	if strings.EqualFold(raw, GlobalSessionKey) {
		return GlobalSessionKey
	}

	owner := r.AgentID(agentID)
	rest := raw
	if parsed := ParseAgentSessionKey(raw); parsed != nil {
		owner = NormalizeAgentID(parsed.AgentID)
		rest = parsed.Rest
	}
	if r.isMainAlias(rest) {
		return r.MainKey(owner)
	}
	return "agent:" + owner + ":" + rest
}

// IsMain reports whether key names the main session of agentID after alias
// normalization.
func (r *Resolver) IsMain(key, agentID string) bool {
	canonical := r.Canonicalize(key, agentID)
	if r.cfg.isGlobal() {
		return canonical == GlobalSessionKey
	}
	owner := ParseAgentID(canonical)
	if owner == "" {
		return false
	}
	return canonical == r.MainKey(owner) && (strings.TrimSpace(agentID) == "" || owner == r.AgentID(agentID))
}

func (r *Resolver) isMainAlias(rest string) bool {
	rest = normalizeToken(rest)
	return rest == DefaultMainKey || rest == r.cfg.mainKey()
}

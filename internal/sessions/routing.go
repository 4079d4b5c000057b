package sessions

import (
	"regexp"
	"sort"
	"strings"
)

const (
	DefaultAgentID   = "main"
	DefaultMainKey   = "main"
	DefaultAccountID = "default"
)

// ParsedAgentSessionKey is the result of parsing "agent:<agentId>:<rest>".
type ParsedAgentSessionKey struct {
	AgentID string
	Rest    string
}

// ParseAgentSessionKey parses an agent-scoped session key.
// Returns nil if the key is not agent-scoped.
func ParseAgentSessionKey(sessionKey string) *ParsedAgentSessionKey {
	raw := strings.TrimSpace(sessionKey)
	if raw == "" {
		return nil
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 3 || !strings.EqualFold(parts[0], "agent") {
		return nil
	}
	agentID := strings.TrimSpace(parts[1])
	rest := strings.TrimSpace(parts[2])
	if agentID == "" || rest == "" {
		return nil
	}
	return &ParsedAgentSessionKey{AgentID: agentID, Rest: rest}
}

// ParseAgentID returns the agent a session key belongs to, or "" for keys
// that are not agent-scoped.
func ParseAgentID(sessionKey string) string {
	if parsed := ParseAgentSessionKey(sessionKey); parsed != nil {
		return NormalizeAgentID(parsed.AgentID)
	}
	return ""
}

// IsSubagentKey reports whether a session key belongs to a spawned subagent.
func IsSubagentKey(sessionKey string) bool {
	raw := strings.ToLower(strings.TrimSpace(sessionKey))
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "subagent:") {
		return true
	}
	if parsed := ParseAgentSessionKey(raw); parsed != nil {
		return strings.HasPrefix(parsed.Rest, "subagent:")
	}
	return strings.Contains(raw, ":subagent:")
}

// agentIDRegex matches valid agent IDs: [a-z0-9][a-z0-9_-]{0,63}
var agentIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

var (
	invalidCharsRegex    = regexp.MustCompile(`[^a-z0-9_-]+`)
	leadingHyphensRegex  = regexp.MustCompile(`^-+`)
	trailingHyphensRegex = regexp.MustCompile(`-+$`)
)

// NormalizeAgentID normalizes an agent ID to be path-safe and shell-friendly.
func NormalizeAgentID(value string) string {
	return normalizeID(value, DefaultAgentID)
}

// NormalizeAccountID normalizes a channel account ID.
func NormalizeAccountID(value string) string {
	return normalizeID(value, DefaultAccountID)
}

// NormalizeMainKey normalizes a main session key.
func NormalizeMainKey(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return DefaultMainKey
	}
	return trimmed
}

func normalizeID(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	if agentIDRegex.MatchString(normalized) {
		return normalized
	}

	// Best-effort fallback: collapse invalid characters to "-"
	normalized = invalidCharsRegex.ReplaceAllString(normalized, "-")
	normalized = leadingHyphensRegex.ReplaceAllString(normalized, "")
	normalized = trailingHyphensRegex.ReplaceAllString(normalized, "")
	if len(normalized) > 64 {
		normalized = normalized[:64]
	}
	if normalized == "" {
		return fallback
	}
	return normalized
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

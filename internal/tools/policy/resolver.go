package policy

import (
	"strings"
	"sync"

	"github.com/haasonsaas/turnstile/internal/sessions"
)

// GroupPolicy is the tool policy of a channel group, with optional
// per-sender overrides inside that group.
type GroupPolicy struct {
	Policy   `yaml:",inline"`
	BySender map[string]*Policy `json:"by_sender,omitempty" yaml:"by_sender,omitempty"`
}

// SubagentPolicy adds to the built-in subagent baseline.
type SubagentPolicy struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Config holds every configured policy scope.
type Config struct {
	Global *Policy
	Agents map[string]*Policy
	// Groups is keyed by "<channel>:<groupID>"; "<channel>:*" applies to
	// every group on the channel without its own entry.
	Groups   map[string]*GroupPolicy
	Subagent SubagentPolicy
	// Sandbox applies only to sandboxed turns.
	Sandbox *Policy
}

// Scope identifies the turn a policy is resolved for.
type Scope struct {
	SessionKey string
	AgentID    string
	Provider   string
	ModelID    string
	Channel    string
	GroupID    string
	SenderID   string
	Sandboxed  bool
}

// Resolver composes configured scopes into effective policies.
type Resolver struct {
	mu     sync.RWMutex
	cfg    Config
	groups map[string][]string
}

// NewResolver creates a resolver over cfg with the built-in tool groups.
func NewResolver(cfg Config) *Resolver {
	groups := make(map[string][]string, len(ToolGroups))
	for name, tools := range ToolGroups {
		groups[name] = tools
	}
	return &Resolver{cfg: cfg, groups: groups}
}

// AddGroup adds a custom tool group, e.g. tools contributed by a plugin.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[NormalizeTool(name)] = append([]string(nil), tools...)
}

// SetConfig swaps the configured scopes.
func (r *Resolver) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// ExpandGroups expands group references in a tool list.
func (r *Resolver) ExpandGroups(items []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return expandGroups(r.groups, items)
}

// IsAllowed checks a tool against a single policy, ignoring its
// provider-scoped entries.
func (r *Resolver) IsAllowed(p *Policy, toolName string) bool {
	r.mu.RLock()
	layers := policyLayers("policy", r.groups, p)
	r.mu.RUnlock()
	return (&Effective{layers: layers}).Allowed(toolName)
}

// Resolve composes the effective policy for a turn. Layers are ordered
// most to least specific: subagent, group/sender, provider, agent, global,
// sandbox.
func (r *Resolver) Resolve(scope Scope) *Effective {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.cfg

	var layers []Layer
	if sessions.IsSubagentKey(scope.SessionKey) {
		deny := append(append([]string{}, SubagentDefaultDeny...), cfg.Subagent.Deny...)
		layers = append(layers, newLayer("subagent", r.groups, cfg.Subagent.Allow, nil, deny))
	}

	if gp := lookupGroup(cfg.Groups, scope.Channel, scope.GroupID); gp != nil {
		if sp, ok := gp.BySender[strings.TrimSpace(scope.SenderID)]; ok && sp != nil && scope.SenderID != "" {
			layers = append(layers, policyLayers("sender", r.groups, sp)...)
		} else {
			layers = append(layers, policyLayers("group", r.groups, &gp.Policy)...)
		}
	}

	agentID := sessions.NormalizeAgentID(scope.AgentID)
	agent := cfg.Agents[agentID]
	if key, pp := lookupProvider(agent, cfg.Global, scope.Provider, scope.ModelID); pp != nil {
		layers = append(layers, policyLayers("provider:"+key, r.groups, pp)...)
	}
	layers = append(layers, policyLayers("agent:"+agentID, r.groups, agent)...)
	layers = append(layers, policyLayers("global", r.groups, cfg.Global)...)

	if scope.Sandboxed {
		layers = append(layers, policyLayers("sandbox", r.groups, cfg.Sandbox)...)
	}
	return &Effective{layers: layers}
}

func lookupGroup(groups map[string]*GroupPolicy, channel, groupID string) *GroupPolicy {
	channel = strings.ToLower(strings.TrimSpace(channel))
	groupID = strings.TrimSpace(groupID)
	if channel == "" || groupID == "" || len(groups) == 0 {
		return nil
	}
	if gp, ok := groups[channel+":"+groupID]; ok {
		return gp
	}
	return groups[channel+":*"]
}

// lookupProvider finds the provider policy, preferring "provider/model" over
// "provider" and the agent's entries over global ones.
func lookupProvider(agent, global *Policy, provider, model string) (string, *Policy) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", nil
	}
	keys := []string{provider}
	if model = strings.ToLower(strings.TrimSpace(model)); model != "" {
		keys = []string{provider + "/" + model, provider}
	}
	for _, scope := range []*Policy{agent, global} {
		if scope == nil {
			continue
		}
		for _, key := range keys {
			for k, p := range scope.ByProvider {
				if strings.ToLower(k) == key && p != nil {
					return key, p
				}
			}
		}
	}
	return "", nil
}

// Decision explains a tool check.
type Decision struct {
	Tool    string `json:"tool"`
	Allowed bool   `json:"allowed"`
	// Layer is the first layer that rejected the tool.
	Layer  string `json:"layer,omitempty"`
	Reason string `json:"reason"`
}

// Effective is the composed policy for one turn.
type Effective struct {
	layers []Layer
}

// Layers returns the names of the composed layers in evaluation order.
func (e *Effective) Layers() []string {
	names := make([]string, 0, len(e.layers))
	for _, l := range e.layers {
		names = append(names, l.Name)
	}
	return names
}

// Decide checks tool against every layer.
func (e *Effective) Decide(toolName string) Decision {
	tool := NormalizeTool(toolName)
	if tool == "" {
		return Decision{Tool: tool, Reason: "empty tool name"}
	}
	for _, l := range e.layers {
		if ok, reason := l.check(tool); !ok {
			return Decision{Tool: tool, Layer: l.Name, Reason: reason}
		}
	}
	if len(e.layers) == 0 {
		return Decision{Tool: tool, Allowed: true, Reason: "no layer restricts this tool"}
	}
	return Decision{Tool: tool, Allowed: true, Reason: "permitted by every layer"}
}

// Allowed reports whether tool passes every layer.
func (e *Effective) Allowed(toolName string) bool {
	return e.Decide(toolName).Allowed
}

// Filter returns the permitted subset of tools, preserving order.
func (e *Effective) Filter(tools []string) []string {
	var out []string
	for _, t := range tools {
		if e.Allowed(t) {
			out = append(out, t)
		}
	}
	return out
}

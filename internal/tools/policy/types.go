// Package policy decides which tools an agent turn may call.
// Policies are configured at several scopes (global, agent, provider,
// group/sender, subagent, sandbox); each present scope becomes a layer and
// a tool is permitted only if every layer permits it.
package policy

import (
	"strings"
)

// Profile defines a pre-configured tool access profile that provides
// sensible defaults for common use cases like coding, messaging, or full access.
type Profile string

const (
	// ProfileMinimal allows only status tools.
	ProfileMinimal Profile = "minimal"

	// ProfileCoding allows filesystem, runtime, web and memory tools.
	ProfileCoding Profile = "coding"

	// ProfileMessaging allows messaging tools.
	ProfileMessaging Profile = "messaging"

	// ProfileReadonly allows tools that do not modify state.
	ProfileReadonly Profile = "readonly"

	// ProfileFull allows all tools (except explicitly denied).
	ProfileFull Profile = "full"
)

// Profiles lists the built-in profiles.
var Profiles = []Profile{ProfileMinimal, ProfileCoding, ProfileMessaging, ProfileReadonly, ProfileFull}

// Valid reports whether p names a built-in profile.
func (p Profile) Valid() bool {
	_, ok := profileAllow[p]
	return ok
}

// Policy defines tool access rules for one scope. Deny rules always take
// precedence over allow rules within the scope.
type Policy struct {
	// Profile is a pre-configured access level. It forms its own layer.
	Profile Profile `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Allow restricts the scope to matching tools. Absent means allow-all.
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`

	// AlsoAllow is unioned onto Allow after everything else for the scope.
	AlsoAllow []string `json:"also_allow,omitempty" yaml:"also_allow,omitempty"`

	// Deny rejects matching tools regardless of allow.
	Deny []string `json:"deny,omitempty" yaml:"deny,omitempty"`

	// ByProvider holds provider-scoped policies keyed by "provider" or
	// "provider/model".
	ByProvider map[string]*Policy `json:"by_provider,omitempty" yaml:"by_provider,omitempty"`
}

// IsZero reports whether the policy contributes no rules of its own.
func (p *Policy) IsZero() bool {
	return p == nil || (p.Profile == "" && p.Allow == nil && p.AlsoAllow == nil && p.Deny == nil)
}

// NewPolicy creates a policy with the given profile.
func NewPolicy(profile Profile) *Policy {
	return &Policy{Profile: profile}
}

// WithAllow adds tools to the allow list.
func (p *Policy) WithAllow(tools ...string) *Policy {
	p.Allow = append(p.Allow, tools...)
	return p
}

// WithAlsoAllow adds tools to the additive allow list.
func (p *Policy) WithAlsoAllow(tools ...string) *Policy {
	p.AlsoAllow = append(p.AlsoAllow, tools...)
	return p
}

// WithDeny adds tools to the deny list.
func (p *Policy) WithDeny(tools ...string) *Policy {
	p.Deny = append(p.Deny, tools...)
	return p
}

// ToolAliases maps alternative names to canonical tool names.
var ToolAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"apply-patch": "apply_patch",
	"websearch":   "web_search",
	"webfetch":    "web_fetch",
}

// NormalizeTool normalizes a tool name to its canonical form by converting
// to lowercase and resolving known aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// NormalizeTools normalizes a list of tool names to their canonical forms.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		normalized := NormalizeTool(name)
		if normalized != "" {
			result = append(result, normalized)
		}
	}
	return result
}

package policy

import "sort"

// ToolGroups defines named groups of tools for easier policy configuration.
// Group names use the "group:" prefix to distinguish them from tool names.
var ToolGroups = map[string][]string{
	// Runtime/execution tools - commands that run code or processes
	"group:runtime": {"exec", "process", "execute_code"},

	// Filesystem tools - read/write/modify files
	"group:fs": {"read", "write", "edit", "apply_patch"},

	// Session management tools
	"group:sessions": {
		"sessions_list",
		"sessions_history",
		"sessions_send",
		"sessions_spawn",
		"session_status",
	},

	// Memory/knowledge retrieval tools
	"group:memory": {"memory_search", "memory_get"},

	// UI/browser automation tools
	"group:ui": {"browser", "canvas"},

	// Automation/scheduling tools
	"group:automation": {"cron", "gateway"},

	// Messaging tools - send messages to users/channels
	"group:messaging": {"message", "send_message"},

	// Web tools - search and fetch from the web
	"group:web": {"web_search", "web_fetch"},

	// Read-only tools - safe tools that don't modify state
	"group:readonly": {
		"read",
		"web_search", "web_fetch",
		"memory_search", "memory_get",
		"sessions_list", "sessions_history", "session_status",
	},
}

// profileAllow is the allow list each profile contributes. A nil list
// means the profile does not restrict tools.
var profileAllow = map[Profile][]string{
	ProfileMinimal:   {"session_status"},
	ProfileCoding:    {"group:fs", "group:runtime", "group:web", "group:memory", "group:sessions", "group:automation"},
	ProfileMessaging: {"group:messaging", "session_status"},
	ProfileReadonly:  {"group:readonly"},
	ProfileFull:      nil,
}

// SubagentDefaultDeny is the baseline deny list for subagent sessions.
// Subagents may not spawn or steer other sessions, touch the gateway, or
// read long-term memory.
var SubagentDefaultDeny = []string{
	"sessions_list",
	"sessions_history",
	"sessions_send",
	"sessions_spawn",
	"session_status",
	"gateway",
	"cron",
	"memory_search",
	"memory_get",
}

// expandGroups expands group references in a tool list to their constituent
// tools, deduplicating the result. Unknown names pass through normalized.
func expandGroups(groups map[string][]string, items []string) []string {
	var result []string
	seen := make(map[string]bool)

	add := func(tool string) {
		if tool != "" && !seen[tool] {
			seen[tool] = true
			result = append(result, tool)
		}
	}

	for _, item := range items {
		normalized := NormalizeTool(item)
		if tools, ok := groups[normalized]; ok {
			for _, tool := range tools {
				add(NormalizeTool(tool))
			}
			continue
		}
		add(normalized)
	}
	return result
}

// ListGroups returns all built-in group names, sorted.
func ListGroups() []string {
	groups := make([]string, 0, len(ToolGroups))
	for name := range ToolGroups {
		groups = append(groups, name)
	}
	sort.Strings(groups)
	return groups
}

// GetGroupTools returns the tools in a group, or nil if the group doesn't exist.
func GetGroupTools(name string) []string {
	tools, ok := ToolGroups[name]
	if !ok {
		return nil
	}
	result := make([]string, len(tools))
	copy(result, tools)
	return result
}

// KnownTools returns every tool named by a built-in group, sorted.
func KnownTools() []string {
	seen := make(map[string]bool)
	var tools []string
	for _, members := range ToolGroups {
		for _, tool := range members {
			if !seen[tool] {
				seen[tool] = true
				tools = append(tools, tool)
			}
		}
	}
	sort.Strings(tools)
	return tools
}

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/turnstile/internal/config"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/internal/sessions"
	"github.com/haasonsaas/turnstile/internal/tools/policy"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// =============================================================================
// Session Command Handlers
// =============================================================================

func runSessionKey(cmd *cobra.Command, opts sessionKeyOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys := sessions.NewResolver(cfg.SessionScope())
	in := sessions.KeyInput{
		Channel:    models.NormalizeChannel(models.ChannelType(opts.channel)),
		AccountID:  opts.account,
		PeerID:     opts.peer,
		ThreadID:   opts.thread,
		ChatType:   models.ChatType(strings.ToLower(strings.TrimSpace(opts.chatType))),
		AgentID:    opts.agent,
		SessionKey: opts.sessionKey,
	}
	key, err := keys.Resolve(in)
	if err != nil {
		return err
	}
	agentID := sessions.ParseAgentID(key)
	if agentID == "" {
		agentID = keys.AgentID(opts.agent)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\t%s\n", key)
	fmt.Fprintf(w, "AGENT\t%s\n", agentID)
	fmt.Fprintf(w, "TYPE\t%s\n", sessions.ResolveSessionType(key, sessions.ThreadHints{ThreadID: opts.thread}))
	fmt.Fprintf(w, "MAIN\t%t\n", keys.IsMain(key, agentID))
	return w.Flush()
}

func runSessionFreshness(cmd *cobra.Command, opts freshnessOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	updatedAt, err := time.Parse(time.RFC3339, opts.updatedAt)
	if err != nil {
		return fmt.Errorf("--updated-at: %w", err)
	}
	now := time.Now()
	if opts.now != "" {
		if now, err = time.Parse(time.RFC3339, opts.now); err != nil {
			return fmt.Errorf("--now: %w", err)
		}
	}

	lifecycle := sessions.NewLifecycleWithLocation(cfg.SessionScope(), cfg.Location())
	lifecycle.SetNowFunc(func() time.Time { return now })
	rc := sessions.ResetContext{
		Channel:     models.NormalizeChannel(models.ChannelType(opts.channel)),
		SessionType: sessions.ResolveSessionType(opts.sessionKey, sessions.ThreadHints{}),
	}
	resetPolicy := sessions.ResolveResetPolicy(cfg.SessionScope(), rc)
	result := lifecycle.Check(&models.SessionEntry{UpdatedAt: updatedAt}, rc)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TYPE\t%s\n", rc.SessionType)
	fmt.Fprintf(w, "POLICY\t%s\n", describeResetPolicy(resetPolicy))
	fmt.Fprintf(w, "FRESH\t%t\n", result.Fresh)
	if !result.Fresh {
		fmt.Fprintf(w, "REASON\t%s\n", result.Reason)
	}
	if !result.DailyResetAt.IsZero() {
		fmt.Fprintf(w, "DAILY RESET AT\t%s\n", result.DailyResetAt.Format(time.RFC3339))
	}
	if !result.IdleExpiresAt.IsZero() {
		fmt.Fprintf(w, "IDLE EXPIRES AT\t%s\n", result.IdleExpiresAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func describeResetPolicy(p sessions.ResetPolicy) string {
	switch p.Mode {
	case sessions.ResetModeIdle:
		return fmt.Sprintf("idle after %dm", p.IdleMinutes)
	default:
		if p.IdleMinutes > 0 {
			return fmt.Sprintf("daily at %02d:00, idle after %dm", p.AtHour, p.IdleMinutes)
		}
		return fmt.Sprintf("daily at %02d:00", p.AtHour)
	}
}

// =============================================================================
// Policy Command Handlers
// =============================================================================

func runPolicyCheck(cmd *cobra.Command, opts policyCheckOptions, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resolver := policy.NewResolver(cfg.ToolPolicy())
	for name, tools := range cfg.Tools.CustomGroups {
		resolver.AddGroup(name, tools)
	}

	tools := policy.KnownTools()
	if len(args) > 0 {
		tools = resolver.ExpandGroups(args)
	}

	keys := sessions.NewResolver(cfg.SessionScope())
	agentID := opts.agent
	if owner := sessions.ParseAgentID(opts.sessionKey); owner != "" && agentID == "" {
		agentID = owner
	}
	agentID = keys.AgentID(agentID)
	provider, model := cfg.AgentModel(agentID)
	if opts.provider != "" {
		provider, model = opts.provider, opts.model
	} else if opts.model != "" {
		model = opts.model
	}
	eff := resolver.Resolve(policy.Scope{
		SessionKey: opts.sessionKey,
		AgentID:    agentID,
		Provider:   provider,
		ModelID:    model,
		Channel:    strings.ToLower(strings.TrimSpace(opts.channel)),
		GroupID:    opts.group,
		SenderID:   opts.sender,
		Sandboxed:  opts.sandboxed,
	})

	decisions := make([]policy.Decision, 0, len(tools))
	for _, tool := range tools {
		decisions = append(decisions, eff.Decide(tool))
	}

	if opts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"layers":    eff.Layers(),
			"decisions": decisions,
		})
	}

	out := cmd.OutOrStdout()
	layers := eff.Layers()
	if len(layers) == 0 {
		fmt.Fprintln(out, "Layers: (none)")
	} else {
		fmt.Fprintf(out, "Layers: %s\n", strings.Join(layers, " > "))
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tALLOWED\tLAYER\tREASON")
	for _, d := range decisions {
		layer := d.Layer
		if layer == "" {
			layer = "-"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", d.Tool, d.Allowed, layer, d.Reason)
	}
	return w.Flush()
}

// =============================================================================
// Sandbox Command Handlers
// =============================================================================

func runSandboxResolve(cmd *cobra.Command, sessionKey, agent string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys := sessions.NewResolver(cfg.SessionScope())
	var workspaces *sandbox.Workspaces
	if root := cfg.WorkspaceRoot(); root != "" {
		workspaces = sandbox.NewWorkspaces(root, nil)
	}
	resolver := sandbox.NewResolver(keys, cfg.SandboxDefaults(), cfg.SandboxAgents(), workspaces)

	sc := resolver.Plan(sessionKey, agent, "")
	out := cmd.OutOrStdout()
	if sc == nil {
		fmt.Fprintln(out, "Not sandboxed.")
		return nil
	}
	if workspaces != nil {
		sc.Dir = workspaces.Path(sc.Key)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sc)
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	path, ok := resolveConfigPath()
	if !ok {
		return fmt.Errorf("no config file: pass --config or set TURNSTILE_CONFIG")
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
	return nil
}

func runConfigSchema(cmd *cobra.Command, _ []string) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

type serveOptions struct {
	events      string
	output      string
	httpAddr    string
	engineDelay time.Duration
	once        bool
	debug       bool
}

// buildServeCmd creates the "serve" command that runs the scheduler.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the turn scheduler",
		Long: `Run the turn scheduler.

The server will:
1. Load configuration and watch it for changes
2. Open the session store
3. Start the HTTP server for health checks, metrics and event submission
4. Read inbound events as JSON lines from --events, if given
5. Emit a diagnostic heartbeat on the configured schedule

Dispatched turns are written as JSON lines to --output. Graceful shutdown
is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Read events from stdin and exit once they are processed
  turnstile serve --events - --once

  # Accept events over HTTP only
  turnstile serve --config /etc/turnstile.yaml --http-addr :7420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.events, "events", "", `File of JSON-line inbound events ("-" for stdin)`)
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", `Where dispatched turns are written ("-" for stdout)`)
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "HTTP listen address (overrides server.http_addr; \"off\" disables)")
	cmd.Flags().DurationVar(&opts.engineDelay, "engine-delay", 0, "Hold each turn open this long before completing it")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Exit after --events is drained and every session is idle")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Session Commands
// =============================================================================

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect session keying and lifecycle",
	}
	cmd.AddCommand(buildSessionKeyCmd(), buildSessionFreshnessCmd())
	return cmd
}

type sessionKeyOptions struct {
	channel    string
	account    string
	peer       string
	thread     string
	chatType   string
	agent      string
	sessionKey string
}

func buildSessionKeyCmd() *cobra.Command {
	var opts sessionKeyOptions
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Resolve the session key for an inbound identity",
		Example: `  turnstile session key --channel telegram --peer 42
  turnstile session key --channel discord --peer ops --chat-type group --thread t1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionKey(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel the event arrived on")
	cmd.Flags().StringVar(&opts.account, "account", "", "Channel account id")
	cmd.Flags().StringVar(&opts.peer, "peer", "", "Peer id (user, group or channel)")
	cmd.Flags().StringVar(&opts.thread, "thread", "", "Thread id")
	cmd.Flags().StringVar(&opts.chatType, "chat-type", "direct", "direct, group or channel")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "Agent id (default: agents.default)")
	cmd.Flags().StringVar(&opts.sessionKey, "session-key", "", "Explicit session key to canonicalize")
	return cmd
}

type freshnessOptions struct {
	sessionKey string
	channel    string
	updatedAt  string
	now        string
}

func buildSessionFreshnessCmd() *cobra.Command {
	var opts freshnessOptions
	cmd := &cobra.Command{
		Use:   "freshness",
		Short: "Evaluate whether a session would be reset",
		Example: `  turnstile session freshness --session-key agent:main:main --updated-at 2026-01-02T03:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionFreshness(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.sessionKey, "session-key", "", "Session key (selects the session type)")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel (selects per-channel reset rules)")
	cmd.Flags().StringVar(&opts.updatedAt, "updated-at", "", "Last activity, RFC 3339")
	cmd.Flags().StringVar(&opts.now, "now", "", "Evaluation time, RFC 3339 (default: now)")
	_ = cmd.MarkFlagRequired("session-key")
	_ = cmd.MarkFlagRequired("updated-at")
	return cmd
}

// =============================================================================
// Policy Commands
// =============================================================================

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect tool policy",
	}
	cmd.AddCommand(buildPolicyCheckCmd())
	return cmd
}

type policyCheckOptions struct {
	sessionKey string
	agent      string
	provider   string
	model      string
	channel    string
	group      string
	sender     string
	sandboxed  bool
	jsonOut    bool
}

func buildPolicyCheckCmd() *cobra.Command {
	var opts policyCheckOptions
	cmd := &cobra.Command{
		Use:   "check [tool...]",
		Short: "Show which tools a turn in the given scope may use",
		Long: `Show which tools a turn in the given scope may use.

Without arguments every known tool is checked. Group names such as
group:fs are expanded.`,
		Example: `  turnstile policy check --agent coder exec read
  turnstile policy check --channel discord --group ops --sender alice --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyCheck(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.sessionKey, "session-key", "", "Session key (subagent keys add the subagent layer)")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "Agent id (default: agents.default)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Model provider (defaults to the agent's configured model)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model id")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel")
	cmd.Flags().StringVar(&opts.group, "group", "", "Group id")
	cmd.Flags().StringVar(&opts.sender, "sender", "", "Sender id")
	cmd.Flags().BoolVar(&opts.sandboxed, "sandboxed", false, "Evaluate as a sandboxed turn")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print decisions as JSON")
	return cmd
}

// =============================================================================
// Sandbox Commands
// =============================================================================

func buildSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Inspect sandbox resolution",
	}
	cmd.AddCommand(buildSandboxResolveCmd())
	return cmd
}

func buildSandboxResolveCmd() *cobra.Command {
	var sessionKey, agent string
	cmd := &cobra.Command{
		Use:     "resolve",
		Short:   "Show the sandbox a session's turns would run in",
		Example: `  turnstile sandbox resolve --session-key agent:main:dm:alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandboxResolve(cmd, sessionKey, agent)
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "Session key")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent id (default: taken from the key)")
	_ = cmd.MarkFlagRequired("session-key")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and describe configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration file",
			RunE:  runConfigValidate,
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE:  runConfigSchema,
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with defaults applied",
			RunE:  runConfigShow,
		},
	)
	return cmd
}

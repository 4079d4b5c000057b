// Package main provides the turnstile CLI.
//
// turnstile schedules agent turns for multi-channel conversations: it keys
// inbound events to sessions, serializes each session's turns, admits them
// under global and per-agent concurrency ceilings and composes the tool
// policy and sandbox each turn runs with.
//
// # Basic Usage
//
// Start the scheduler, reading JSON-line events from stdin:
//
//	turnstile serve --config turnstile.yaml --events -
//
// Inspect how an event would be keyed or which tools a turn may use:
//
//	turnstile session key --channel telegram --peer 42
//	turnstile policy check --agent main exec read
//
// # Environment Variables
//
//   - TURNSTILE_CONFIG: path to the configuration file (default: turnstile.yaml)
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/turnstile/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "turnstile.yaml"

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnstile",
		Short: "Session turn scheduler and tool policy engine for agent gateways",
		Long: `turnstile turns inbound channel events into serialized, admission-controlled
agent turns.

Each event is keyed to a session, reset when its session has gone stale,
queued according to the session's queue mode and admitted under global and
per-agent concurrency ceilings. Admitted turns carry their effective tool
policy and sandbox.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (or set TURNSTILE_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSessionCmd(),
		buildPolicyCmd(),
		buildSandboxCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the config file: flag, then environment, then the
// default name. The default is only used when it exists.
func resolveConfigPath() (string, bool) {
	if p := strings.TrimSpace(configPath); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv("TURNSTILE_CONFIG")); p != "" {
		return p, true
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath, true
	}
	return "", false
}

// loadConfig loads the resolved config file, or the built-in defaults when
// none is configured and the default file is absent.
func loadConfig() (*config.Config, error) {
	path, ok := resolveConfigPath()
	if !ok {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file %s not found", path)
	}
	return cfg, err
}

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/internal/sessions"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "turnstile.yaml", `{}`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	qs := cfg.QueueSettings()
	if qs.Mode != queue.ModeCollect || *qs.DebounceMs != 1000 || qs.Cap != 20 || qs.Drop != queue.DropSummarize {
		t.Errorf("queue defaults = %+v", qs)
	}
	limits := cfg.AdmissionLimits()
	if limits.Global != 4 || limits.PerAgent != 1 {
		t.Errorf("admission defaults = %+v", limits)
	}
	scope := cfg.SessionScope()
	if scope.MainKey != "main" || scope.DefaultAgentID != "main" || scope.DMScope != sessions.DMScopeMain {
		t.Errorf("session defaults = %+v", scope)
	}
	if p := sessions.ResolveResetPolicy(scope, sessions.ResetContext{}); p.Mode != sessions.ResetModeDaily || p.AtHour != 4 {
		t.Errorf("reset default = %+v", p)
	}
	if sb := cfg.SandboxDefaults(); sb.Mode != sandbox.ModeOff || sb.Scope != sandbox.ScopeSession {
		t.Errorf("sandbox defaults = %+v", sb)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != DefaultStorePath || cfg.Store.ConnectAttempts != DefaultConnectAttempts {
		t.Errorf("store defaults = %+v", cfg.Store)
	}
	if tc := cfg.TrackerConfig(); tc.StuckAfter != 2*time.Minute {
		t.Errorf("StuckAfter = %v", tc.StuckAfter)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "turnstile.yaml", `
queue:
  mode: collect
  extra: true
`)
	_, err := Load(path)
	if err == nil || !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
	if !strings.Contains(err.Error(), "extra") {
		t.Fatalf("error should name the unknown field: %v", err)
	}
}

func TestLoadRejectsWrongTypes(t *testing.T) {
	path := writeConfig(t, "turnstile.yaml", `
queue:
  cap: lots
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoadReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, "turnstile.yaml", `
queue:
  mode: shout
  drop: random
session:
  dm_scope: per-planet
  timezone: Mars/Olympus
store:
  driver: postgres
agents:
  list:
    - id: ops
      sandbox:
        mode: sometimes
    - id: OPS
      model: openai/
observability:
  stuck_after: soon
`)
	_, err := Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{
		"queue.mode", "queue.drop", "session.dm_scope", "session.timezone",
		"store.dsn", "agents.list[0].sandbox.mode", "duplicate agent", "stuck_after",
		"agents.list[1].model",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TURNSTILE_TEST_CAP", "7")
	writeFile(t, dir, "base.yaml", `
queue:
  mode: steer
  cap: 3
concurrency:
  max_concurrent: 0
`)
	writeFile(t, dir, "tools.json5", `{
  // tool policy lives in its own file
  tools: {deny: ["exec"], profile: "coding",},
}`)
	path := writeFile(t, dir, "turnstile.yaml", `
$include:
  - base.yaml
  - tools.json5
queue:
  cap: ${TURNSTILE_TEST_CAP}
store:
  driver: postgres
  dsn: ${TURNSTILE_TEST_DSN:-postgres://localhost/turnstile}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Mode != "steer" || cfg.Queue.Cap != 7 {
		t.Errorf("queue = %+v, want included mode and env cap", cfg.Queue)
	}
	if cfg.Store.DSN != "postgres://localhost/turnstile" {
		t.Errorf("DSN = %q, want fallback", cfg.Store.DSN)
	}
	if got := cfg.AdmissionLimits().Global; got != 0 {
		t.Errorf("explicit zero max_concurrent = %d, want 0 (unbounded)", got)
	}
	tp := cfg.ToolPolicy()
	if tp.Global == nil || tp.Global.Profile != "coding" || len(tp.Global.Deny) != 1 {
		t.Errorf("global tool policy = %+v", tp.Global)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestConversions(t *testing.T) {
	path := writeConfig(t, "turnstile.yaml", `
session:
  main_key: work
  dm_scope: per-channel-peer
  reset:
    mode: idle
    idle_minutes: 90
  reset_by_channel:
    Slack:
      mode: daily
  timezone: UTC
queue:
  by_channel:
    Discord: steer+backlog
  debounce_ms_by_channel:
    Slack: 0
agents:
  default: ops
  defaults:
    model: anthropic/claude-sonnet
    sandbox:
      mode: non-main
      workspace_root: /var/lib/turnstile
  list:
    - id: ops
      max_concurrent: 2
      model: openai
      tools:
        allow: [read]
      sandbox:
        scope: agent
        workspace_access: rw
tools:
  groups:
    "slack:*":
      deny: [exec]
  sandbox:
    tools:
      deny: [browser]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	scope := cfg.SessionScope()
	if scope.MainKey != "work" || scope.DefaultAgentID != "ops" {
		t.Errorf("scope = %+v", scope)
	}
	if rc := scope.ResetByChannel["slack"]; rc.Mode != "daily" || rc.AtHour != sessions.DefaultResetAtHour {
		t.Errorf("slack reset = %+v, want daily at default hour", rc)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v", cfg.Location())
	}

	qs := cfg.QueueSettings()
	if qs.ByChannel["discord"] != queue.ModeSteerBacklog {
		t.Errorf("ByChannel = %v", qs.ByChannel)
	}
	if s := queue.ResolveSettings(qs, "slack", queue.Overrides{}); s.Debounce != 0 {
		t.Errorf("slack debounce = %v, want 0", s.Debounce)
	}

	if got := cfg.AdmissionLimits().Agents["ops"]; got != 2 {
		t.Errorf("ops limit = %d", got)
	}
	tp := cfg.ToolPolicy()
	if tp.Agents["ops"] == nil || tp.Sandbox == nil || tp.Groups["slack:*"] == nil || tp.Global != nil {
		t.Errorf("tool policy = %+v", tp)
	}
	if sb := cfg.SandboxAgents()["ops"]; sb.Scope != sandbox.ScopeAgent || sb.Access != sandbox.AccessReadWrite || sb.Mode != "" {
		t.Errorf("ops sandbox = %+v", sb)
	}
	if cfg.WorkspaceRoot() != "/var/lib/turnstile" {
		t.Errorf("WorkspaceRoot() = %q", cfg.WorkspaceRoot())
	}
	for _, tt := range []struct{ agent, provider, model string }{
		{"ops", "openai", ""},
		{"main", "anthropic", "claude-sonnet"},
	} {
		if p, m := cfg.AgentModel(tt.agent); p != tt.provider || m != tt.model {
			t.Errorf("AgentModel(%q) = %q/%q, want %q/%q", tt.agent, p, m, tt.provider, tt.model)
		}
	}
	if a, ok := cfg.Agent("OPS"); !ok || a.ID != "ops" {
		t.Errorf("Agent(OPS) = %+v, %v", a, ok)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, want := range []string{`"queue"`, `"max_concurrent"`, `"workspace_root"`, `"also_allow"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestValidateRawRejectsNonStringKeys(t *testing.T) {
	raw := map[string]any{"queue": map[any]any{1: "x"}}
	if err := ValidateRaw(raw); err == nil {
		t.Fatal("expected error for non-string keys")
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), name, contents)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

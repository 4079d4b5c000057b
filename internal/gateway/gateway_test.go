package gateway

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/turnstile/internal/config"
	"github.com/haasonsaas/turnstile/internal/observability"
	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sessions"
	"github.com/haasonsaas/turnstile/internal/tools/policy"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// captureEngine records every dispatch and optionally blocks until released.
type captureEngine struct {
	dispatches chan *Dispatch
	block      chan struct{}
	err        error
}

func newCaptureEngine() *captureEngine {
	return &captureEngine{dispatches: make(chan *Dispatch, 16)}
}

func (e *captureEngine) Execute(ctx context.Context, d *Dispatch) error {
	e.dispatches <- d
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.err
}

func (e *captureEngine) next(t *testing.T) *Dispatch {
	t.Helper()
	select {
	case d := <-e.dispatches:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatch")
		return nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	zero := 0
	cfg.Queue.DebounceMs = &zero
	cfg.Session.Timezone = "UTC"
	cfg.Store.Driver = "memory"
	return cfg
}

var fixedNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T, cfg *config.Config, store sessions.Store, engine Engine) *Gateway {
	t.Helper()
	g, err := New(cfg, store, engine, WithNowFunc(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Close(ctx)
	})
	return g
}

func directEvent(peer, text string) *models.InboundEvent {
	return &models.InboundEvent{
		Channel:  models.ChannelTelegram,
		PeerID:   peer,
		ChatType: models.ChatDirect,
		SenderID: peer,
		Payload:  models.TurnPayload{MessageID: "m-" + text, Text: text},
	}
}

func TestHandleInboundCreatesSessionAndDispatches(t *testing.T) {
	store := sessions.NewMemoryStore()
	engine := newCaptureEngine()
	g := newTestGateway(t, testConfig(t), store, engine)

	decision, err := g.HandleInbound(context.Background(), directEvent("alice", "hello"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if decision.Action != queue.ActionStarted {
		t.Fatalf("Action = %q, want %q", decision.Action, queue.ActionStarted)
	}

	d := engine.next(t)
	if d.Turn.SessionKey != "agent:main:main" {
		t.Errorf("SessionKey = %q, want agent:main:main", d.Turn.SessionKey)
	}
	if d.Prompt != "hello" {
		t.Errorf("Prompt = %q, want hello", d.Prompt)
	}
	if d.Sandbox != nil {
		t.Errorf("Sandbox = %+v, want nil with sandboxing off", d.Sandbox)
	}
	if !slices.Equal(d.AllowedTools, policy.KnownTools()) {
		t.Errorf("AllowedTools = %v, want the full catalog", d.AllowedTools)
	}

	entry, err := store.Load(context.Background(), "agent:main:main")
	if err != nil || entry == nil {
		t.Fatalf("Load() = %v, %v", entry, err)
	}
	if d.SessionID != entry.SessionID {
		t.Errorf("dispatch SessionID = %q, stored %q", d.SessionID, entry.SessionID)
	}
	if entry.Channel != models.ChannelTelegram || entry.ChatType != models.ChatDirect {
		t.Errorf("routing not recorded: %+v", entry)
	}
	if !entry.CreatedAt.Equal(fixedNow) {
		t.Errorf("CreatedAt = %v, want %v", entry.CreatedAt, fixedNow)
	}
}

func TestHandleInboundResetsStaleSession(t *testing.T) {
	store := sessions.NewMemoryStore()
	engine := newCaptureEngine()
	g := newTestGateway(t, testConfig(t), store, engine)

	var (
		mu     sync.Mutex
		resets []observability.SessionResetEvent
	)
	g.Emitter().Subscribe(func(ev observability.DiagnosticEventPayload) {
		if r, ok := ev.(*observability.SessionResetEvent); ok {
			mu.Lock()
			resets = append(resets, *r)
			mu.Unlock()
		}
	})

	capAt := 5
	old := &models.SessionEntry{
		SessionID:     "old-session",
		AgentID:       "main",
		CreatedAt:     fixedNow.Add(-48 * time.Hour),
		UpdatedAt:     fixedNow.Add(-30 * time.Hour),
		QueueMode:     "queue",
		QueueCap:      &capAt,
		ModelOverride: "gpt-x",
	}
	if err := store.Save(context.Background(), "agent:main:main", old); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := g.HandleInbound(context.Background(), directEvent("alice", "morning")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	d := engine.next(t)
	if d.SessionID == "old-session" || d.SessionID == "" {
		t.Fatalf("SessionID = %q, want a new session id", d.SessionID)
	}
	if d.Turn.Mode != queue.ModeQueue {
		t.Errorf("Mode = %q, want the stored override %q", d.Turn.Mode, queue.ModeQueue)
	}

	entry, _ := store.Load(context.Background(), "agent:main:main")
	if entry.QueueCap == nil || *entry.QueueCap != 5 {
		t.Errorf("QueueCap not carried across reset: %v", entry.QueueCap)
	}
	if entry.ModelOverride != "" {
		t.Errorf("ModelOverride = %q, want cleared", entry.ModelOverride)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(resets) != 1 {
		t.Fatalf("reset events = %d, want 1", len(resets))
	}
	if resets[0].OldSessionID != "old-session" || resets[0].Reason != "daily" {
		t.Errorf("reset event = %+v", resets[0])
	}
}

func TestHandleInboundKeepsFreshSession(t *testing.T) {
	store := sessions.NewMemoryStore()
	engine := newCaptureEngine()
	g := newTestGateway(t, testConfig(t), store, engine)

	fresh := &models.SessionEntry{
		SessionID: "current",
		CreatedAt: fixedNow.Add(-time.Hour),
		UpdatedAt: fixedNow.Add(-time.Hour),
	}
	if err := store.Save(context.Background(), "agent:main:main", fresh); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := g.HandleInbound(context.Background(), directEvent("alice", "again")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if d := engine.next(t); d.SessionID != "current" {
		t.Errorf("SessionID = %q, want current", d.SessionID)
	}
	entry, _ := store.Load(context.Background(), "agent:main:main")
	if !entry.UpdatedAt.Equal(fixedNow) {
		t.Errorf("UpdatedAt = %v, want touched to %v", entry.UpdatedAt, fixedNow)
	}
}

func TestHandleInboundRejectsInvalidEvents(t *testing.T) {
	g := newTestGateway(t, testConfig(t), sessions.NewMemoryStore(), newCaptureEngine())

	tests := []struct {
		name string
		ev   *models.InboundEvent
	}{
		{name: "nil", ev: nil},
		{name: "empty text", ev: directEvent("alice", "  ")},
		{name: "empty peer", ev: directEvent("", "hi")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.HandleInbound(context.Background(), tt.ev)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("error = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestRunnerAppliesPolicyAndSandbox(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.DMScope = sessions.DMScopePerPeer
	cfg.Tools.Deny = []string{"group:runtime"}
	cfg.Tools.Sandbox.Tools = &policy.Policy{Deny: []string{"write"}}
	cfg.Agents.Defaults.Sandbox.Mode = "non-main"
	cfg.Agents.Defaults.Sandbox.WorkspaceRoot = t.TempDir()

	engine := newCaptureEngine()
	g := newTestGateway(t, cfg, sessions.NewMemoryStore(), engine)

	if _, err := g.HandleInbound(context.Background(), directEvent("bob", "build it")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	d := engine.next(t)
	if d.Turn.SessionKey != "agent:main:dm:bob" {
		t.Fatalf("SessionKey = %q", d.Turn.SessionKey)
	}
	if d.Sandbox == nil {
		t.Fatal("Sandbox = nil, want a sandbox for a non-main session")
	}
	if _, err := os.Stat(d.Sandbox.Dir); err != nil {
		t.Errorf("sandbox dir: %v", err)
	}
	for _, denied := range []string{"exec", "process", "write"} {
		if slices.Contains(d.AllowedTools, denied) {
			t.Errorf("AllowedTools contains %q: %v", denied, d.AllowedTools)
		}
	}
	if !slices.Contains(d.AllowedTools, "read") {
		t.Errorf("AllowedTools missing read: %v", d.AllowedTools)
	}
	if layers := d.Tools.Layers(); !slices.Contains(layers, "sandbox") {
		t.Errorf("Layers() = %v, want a sandbox layer", layers)
	}
}

func TestRunnerAppliesProviderPolicy(t *testing.T) {
	providerConfig := func(t *testing.T) *config.Config {
		cfg := testConfig(t)
		cfg.Agents.Defaults.Model = "anthropic/claude-sonnet"
		cfg.Tools.ByProvider = map[string]*policy.Policy{
			"anthropic":          {Deny: []string{"exec"}},
			"openai/gpt-4o-mini": {Deny: []string{"browser"}},
		}
		return cfg
	}

	t.Run("agent model", func(t *testing.T) {
		engine := newCaptureEngine()
		g := newTestGateway(t, providerConfig(t), sessions.NewMemoryStore(), engine)

		if _, err := g.HandleInbound(context.Background(), directEvent("alice", "hi")); err != nil {
			t.Fatalf("HandleInbound() error = %v", err)
		}
		d := engine.next(t)
		if d.Provider != "anthropic" || d.Model != "claude-sonnet" {
			t.Errorf("Provider/Model = %q/%q", d.Provider, d.Model)
		}
		if layers := d.Tools.Layers(); !slices.Contains(layers, "provider:anthropic") {
			t.Errorf("Layers() = %v, want provider:anthropic", layers)
		}
		if decision := d.Tools.Decide("exec"); decision.Allowed || decision.Layer != "provider:anthropic" {
			t.Errorf("Decide(exec) = %+v", decision)
		}
		if !slices.Contains(d.AllowedTools, "browser") {
			t.Errorf("AllowedTools missing browser: %v", d.AllowedTools)
		}
	})

	t.Run("session override wins", func(t *testing.T) {
		store := sessions.NewMemoryStore()
		err := store.Save(context.Background(), "agent:main:main", &models.SessionEntry{
			SessionID:        "sess-override",
			AgentID:          "main",
			CreatedAt:        fixedNow,
			UpdatedAt:        fixedNow,
			ProviderOverride: "openai",
			ModelOverride:    "gpt-4o-mini",
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		engine := newCaptureEngine()
		g := newTestGateway(t, providerConfig(t), store, engine)

		if _, err := g.HandleInbound(context.Background(), directEvent("alice", "hi")); err != nil {
			t.Fatalf("HandleInbound() error = %v", err)
		}
		d := engine.next(t)
		if d.SessionID != "sess-override" {
			t.Fatalf("SessionID = %q, want the stored session", d.SessionID)
		}
		if layers := d.Tools.Layers(); !slices.Contains(layers, "provider:openai/gpt-4o-mini") {
			t.Errorf("Layers() = %v, want provider:openai/gpt-4o-mini", layers)
		}
		if !slices.Contains(d.AllowedTools, "exec") || slices.Contains(d.AllowedTools, "browser") {
			t.Errorf("AllowedTools = %v", d.AllowedTools)
		}
	})
}

func TestGroupPolicyUsesPeerAsGroup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Groups = map[string]*policy.GroupPolicy{
		"discord:ops": {Policy: policy.Policy{Deny: []string{"browser"}}},
	}
	engine := newCaptureEngine()
	g := newTestGateway(t, cfg, sessions.NewMemoryStore(), engine)

	ev := &models.InboundEvent{
		Channel:  models.ChannelDiscord,
		PeerID:   "ops",
		ChatType: models.ChatGroup,
		SenderID: "carol",
		Payload:  models.TurnPayload{Text: "status?"},
	}
	if _, err := g.HandleInbound(context.Background(), ev); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	d := engine.next(t)
	if slices.Contains(d.AllowedTools, "browser") {
		t.Errorf("AllowedTools contains browser: %v", d.AllowedTools)
	}
	if decision := d.Tools.Decide("browser"); decision.Layer != "group" {
		t.Errorf("Decide(browser).Layer = %q, want group", decision.Layer)
	}
}

func TestApplyConfigSwapsPolicy(t *testing.T) {
	cfg := testConfig(t)
	engine := newCaptureEngine()
	g := newTestGateway(t, cfg, sessions.NewMemoryStore(), engine)

	if _, err := g.HandleInbound(context.Background(), directEvent("alice", "one")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if d := engine.next(t); !slices.Contains(d.AllowedTools, "exec") {
		t.Fatalf("exec should be allowed before reload: %v", d.AllowedTools)
	}

	next := testConfig(t)
	next.Tools.Deny = []string{"exec"}
	g.ApplyConfig(next)
	if g.Config() != next {
		t.Fatal("Config() did not return the applied config")
	}

	// Wait for the first lane to go idle so the next event starts a turn.
	deadline := time.Now().Add(2 * time.Second)
	for len(g.Snapshot().Sessions) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := g.HandleInbound(context.Background(), directEvent("alice", "two")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if d := engine.next(t); slices.Contains(d.AllowedTools, "exec") {
		t.Errorf("exec still allowed after reload: %v", d.AllowedTools)
	}
}

func TestHandleInboundCollectsWhileBusy(t *testing.T) {
	engine := newCaptureEngine()
	engine.block = make(chan struct{})
	g := newTestGateway(t, testConfig(t), sessions.NewMemoryStore(), engine)

	if _, err := g.HandleInbound(context.Background(), directEvent("alice", "first")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	engine.next(t)

	for _, text := range []string{"second", "third"} {
		decision, err := g.HandleInbound(context.Background(), directEvent("alice", text))
		if err != nil {
			t.Fatalf("HandleInbound(%s) error = %v", text, err)
		}
		if decision.Action == queue.ActionStarted {
			t.Fatalf("HandleInbound(%s) started a second turn while busy", text)
		}
	}
	snap := g.Snapshot()
	if len(snap.Sessions) != 1 || snap.Sessions[0].State != queue.StateProcessing {
		t.Fatalf("Snapshot().Sessions = %+v", snap.Sessions)
	}

	close(engine.block)
	d := engine.next(t)
	if len(d.Turn.Payloads) != 2 {
		t.Errorf("collected payloads = %d, want 2", len(d.Turn.Payloads))
	}
}

func TestCloseCancelsInflightTurn(t *testing.T) {
	engine := newCaptureEngine()
	engine.block = make(chan struct{})
	g, err := New(testConfig(t), sessions.NewMemoryStore(), engine)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := g.HandleInbound(context.Background(), directEvent("alice", "long")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	engine.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := g.HandleInbound(context.Background(), directEvent("alice", "late")); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("HandleInbound after Close error = %v, want ErrClosed", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	cfg := testConfig(t)
	store := sessions.NewMemoryStore()
	engine := newCaptureEngine()
	if _, err := New(nil, store, engine); err == nil {
		t.Error("New(nil config) succeeded")
	}
	if _, err := New(cfg, nil, engine); err == nil {
		t.Error("New(nil store) succeeded")
	}
	if _, err := New(cfg, store, nil); err == nil {
		t.Error("New(nil engine) succeeded")
	}
}

// Package gateway turns inbound channel events into scheduled agent turns.
//
// For each event the gateway resolves the session key, loads or creates the
// session entry, resets it when the configured reset policy says it is
// stale, resolves queue settings and submits the payload to the scheduler.
// When a turn is admitted the gateway composes its tool policy, acquires
// its sandbox and hands everything to the Engine as a Dispatch.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/turnstile/internal/admission"
	"github.com/haasonsaas/turnstile/internal/config"
	"github.com/haasonsaas/turnstile/internal/observability"
	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/internal/sessions"
	"github.com/haasonsaas/turnstile/internal/tools/policy"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// ErrInvalidEvent is returned for inbound events that cannot be routed.
var ErrInvalidEvent = errors.New("gateway: invalid inbound event")

const entryLockStripes = 64

// state holds everything derived from one config generation. It is swapped
// as a unit on reload.
type state struct {
	cfg       *config.Config
	keys      *sessions.Resolver
	lifecycle *sessions.Lifecycle
	sandboxes *sandbox.Resolver
	queue     queue.Config
}

// Gateway routes inbound events into per-session turns.
type Gateway struct {
	store      sessions.Store
	engine     Engine
	scheduler  *queue.Scheduler
	admission  *admission.Controller
	policies   *policy.Resolver
	workspaces *sandbox.Workspaces

	emitter  *observability.Emitter
	tracker  *observability.Tracker
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *prometheus.Registry
	logger   *slog.Logger

	tools     []string
	nowFunc   func() time.Time
	startedAt time.Time

	state      atomic.Pointer[state]
	entryLocks [entryLockStripes]sync.Mutex
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRegistry registers gateway metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) {
		if reg != nil {
			g.registry = reg
		}
	}
}

// WithTracer sets the tracer turns are recorded on.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		if tracer != nil {
			g.tracer = tracer
		}
	}
}

// WithTools sets the tool catalog filtered through each turn's policy.
func WithTools(tools []string) Option {
	return func(g *Gateway) {
		g.tools = append([]string(nil), tools...)
	}
}

// WithNowFunc overrides the clock used for session timestamps and
// freshness checks.
func WithNowFunc(fn func() time.Time) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.nowFunc = fn
		}
	}
}

// New builds a gateway from cfg. The store is borrowed and not closed by
// Close.
func New(cfg *config.Config, store sessions.Store, engine Engine, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	if store == nil {
		return nil, errors.New("gateway: session store is required")
	}
	if engine == nil {
		return nil, errors.New("gateway: engine is required")
	}

	g := &Gateway{
		store:   store,
		engine:  engine,
		logger:  slog.Default(),
		tools:   policy.KnownTools(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
	}
	if g.tracer == nil {
		g.tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	g.logger = g.logger.With("component", "gateway")
	g.startedAt = g.nowFunc()

	g.metrics = observability.NewMetrics(g.registry)
	g.emitter = observability.NewEmitter()
	g.emitter.SetLogger(g.logger)
	g.tracker = observability.NewTracker(g.emitter, g.metrics, g.logger, cfg.TrackerConfig())
	g.tracker.SetNowFunc(g.nowFunc)

	g.admission = admission.NewController(cfg.AdmissionLimits())
	g.admission.SetNowFunc(g.nowFunc)
	g.policies = policy.NewResolver(cfg.ToolPolicy())
	for name, tools := range cfg.Tools.CustomGroups {
		g.policies.AddGroup(name, tools)
	}
	if root := cfg.WorkspaceRoot(); root != "" {
		g.workspaces = sandbox.NewWorkspaces(root, g.logger)
	}
	g.state.Store(g.buildState(cfg))

	g.scheduler = queue.NewScheduler(runner{g: g}, g.admission,
		queue.WithObserver(g.tracker),
		queue.WithLogger(g.logger),
	)
	g.scheduler.SetNowFunc(g.nowFunc)
	return g, nil
}

func (g *Gateway) buildState(cfg *config.Config) *state {
	scope := cfg.SessionScope()
	keys := sessions.NewResolver(scope)
	lifecycle := sessions.NewLifecycleWithLocation(scope, cfg.Location())
	lifecycle.SetNowFunc(g.nowFunc)
	return &state{
		cfg:       cfg,
		keys:      keys,
		lifecycle: lifecycle,
		sandboxes: sandbox.NewResolver(keys, cfg.SandboxDefaults(), cfg.SandboxAgents(), g.workspaces),
		queue:     cfg.QueueSettings(),
	}
}

// ApplyConfig swaps in a new config generation. Queued and running turns
// keep the settings they were submitted with; the workspace root is fixed
// for the life of the gateway.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	prev := g.state.Load()
	if root := cfg.WorkspaceRoot(); root != prev.cfg.WorkspaceRoot() {
		g.logger.Warn("workspace root change ignored until restart", "current", prev.cfg.WorkspaceRoot(), "configured", root)
	}
	g.policies.SetConfig(cfg.ToolPolicy())
	for name, tools := range cfg.Tools.CustomGroups {
		g.policies.AddGroup(name, tools)
	}
	g.admission.SetLimits(cfg.AdmissionLimits())
	g.state.Store(g.buildState(cfg))
	g.logger.Info("config applied", "version", cfg.Version)
}

// Config returns the config generation currently in effect.
func (g *Gateway) Config() *config.Config {
	return g.state.Load().cfg
}

// Tracker returns the diagnostics tracker fed by the scheduler.
func (g *Gateway) Tracker() *observability.Tracker {
	return g.tracker
}

// Emitter returns the diagnostic event emitter.
func (g *Gateway) Emitter() *observability.Emitter {
	return g.emitter
}

// Registry returns the registry gateway metrics are registered on.
func (g *Gateway) Registry() *prometheus.Registry {
	return g.registry
}

// HandleInbound routes one inbound event and returns the scheduling
// decision. ctx should live as long as the originating connection: the
// turn the event lands in is cancelled when ctx is done.
func (g *Gateway) HandleInbound(ctx context.Context, ev *models.InboundEvent) (queue.Decision, error) {
	if ev == nil {
		return queue.Decision{}, fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.Payload.Text) == "" {
		return queue.Decision{}, fmt.Errorf("%w: payload text is empty", ErrInvalidEvent)
	}
	st := g.state.Load()
	g.metrics.InboundEvent(string(models.NormalizeChannel(ev.Channel)))

	key, err := st.keys.Resolve(sessions.KeyInputFromEvent(ev))
	if err != nil {
		return queue.Decision{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	agentID := sessions.ParseAgentID(key)
	if agentID == "" {
		agentID = st.keys.AgentID(ev.AgentID)
	}

	entry, err := g.ensureEntry(ctx, st, key, agentID, ev)
	if err != nil {
		return queue.Decision{}, err
	}

	settings := queue.ResolveSettings(st.queue, string(ev.Channel), queue.Overrides{
		Mode:       entry.QueueMode,
		DebounceMs: entry.QueueDebounceMs,
		Cap:        entry.QueueCap,
		Drop:       entry.QueueDrop,
	})

	payload := ev.Payload
	if payload.SenderID == "" {
		payload.SenderID = ev.SenderID
	}
	if payload.SenderName == "" {
		payload.SenderName = ev.SenderName
	}
	if payload.ReceivedAt.IsZero() {
		payload.ReceivedAt = ev.ReceivedAt
	}

	decision, err := g.scheduler.Submit(queue.Request{
		SessionKey: key,
		AgentID:    agentID,
		Payload:    payload,
		Settings:   settings,
		Event:      ev,
		Abort:      ctx,
	})
	if err != nil {
		return queue.Decision{}, err
	}
	g.logger.Debug("inbound event scheduled",
		"session_key", key,
		"channel", ev.Channel,
		"action", decision.Action,
		"queue_depth", decision.QueueDepth,
		"mode", settings.Mode,
	)
	return decision, nil
}

// ensureEntry loads the entry for key, creating it when missing and
// replacing it when the reset policy reports it stale.
func (g *Gateway) ensureEntry(ctx context.Context, st *state, key, agentID string, ev *models.InboundEvent) (*models.SessionEntry, error) {
	mu := g.entryLock(key)
	mu.Lock()
	defer mu.Unlock()

	entry, err := g.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	now := g.nowFunc()

	if entry == nil {
		entry = newEntry(agentID, ev, now)
		if err := g.store.Save(ctx, key, entry); err != nil {
			return nil, fmt.Errorf("create session %s: %w", key, err)
		}
		g.logger.Debug("session created", "session_key", key, "session_id", entry.SessionID)
		return entry, nil
	}

	freshness := st.lifecycle.Check(entry, sessions.ResetContext{
		Channel: models.NormalizeChannel(ev.Channel),
		SessionType: sessions.ResolveSessionType(key, sessions.ThreadHints{
			ThreadID:          ev.ThreadID,
			ThreadLabel:       ev.ThreadLabel,
			ThreadStarterBody: ev.ThreadStarterBody,
			ParentSessionKey:  ev.ParentSessionKey,
		}),
	})
	if freshness.Fresh {
		return entry, nil
	}

	next := resetEntry(entry, agentID, ev, now)
	if err := g.store.Save(ctx, key, next); err != nil {
		return nil, fmt.Errorf("reset session %s: %w", key, err)
	}
	g.tracker.SessionReset(key, entry.SessionID, next.SessionID, freshness.Reason)
	return next, nil
}

func (g *Gateway) entryLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.entryLocks[h.Sum32()%entryLockStripes]
}

func newEntry(agentID string, ev *models.InboundEvent, now time.Time) *models.SessionEntry {
	entry := &models.SessionEntry{
		SessionID: uuid.NewString(),
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
		SpawnedBy: ev.ParentSessionKey,
	}
	applyRouting(entry, ev)
	return entry
}

// resetEntry starts a new session id for key. Queue overrides and routing
// survive a reset; model overrides do not.
func resetEntry(prev *models.SessionEntry, agentID string, ev *models.InboundEvent, now time.Time) *models.SessionEntry {
	next := prev.Clone()
	next.SessionID = uuid.NewString()
	next.AgentID = agentID
	next.CreatedAt = now
	next.UpdatedAt = now
	next.ClearModelOverrides()
	applyRouting(next, ev)
	return next
}

func applyRouting(entry *models.SessionEntry, ev *models.InboundEvent) {
	if ch := models.NormalizeChannel(ev.Channel); ch != "" {
		entry.Channel = ch
	}
	if ev.ChatType != "" {
		entry.ChatType = ev.ChatType
	}
	if ev.GroupID != "" {
		entry.GroupID = ev.GroupID
	}
	if ev.GroupChannel != "" {
		entry.GroupChannel = ev.GroupChannel
	}
	if ev.Space != "" {
		entry.Space = ev.Space
	}
}

// Cancel aborts the in-flight turn of a session.
func (g *Gateway) Cancel(sessionKey string) bool {
	return g.scheduler.Cancel(sessionKey)
}

// Snapshot describes the gateway's live scheduling state.
type Snapshot struct {
	StartedAt time.Time            `json:"started_at"`
	Sessions  []queue.LaneSnapshot `json:"sessions"`
	Admission admission.Stats      `json:"admission"`
	Sandboxes int                  `json:"sandboxes_in_use"`
}

// Snapshot returns the current lanes and admission counters.
func (g *Gateway) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt: g.startedAt,
		Sessions:  g.scheduler.Snapshot(),
		Admission: g.admission.Stats(),
	}
	if snap.Sessions == nil {
		snap.Sessions = []queue.LaneSnapshot{}
	}
	if g.workspaces != nil {
		snap.Sandboxes = g.workspaces.InUse()
	}
	return snap
}

// Close stops accepting events, cancels in-flight turns and waits for them
// to finish or for ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	err := g.scheduler.Close(ctx)
	g.admission.Close()
	return err
}

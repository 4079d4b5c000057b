package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/turnstile/internal/observability"
	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sessions"
	"github.com/haasonsaas/turnstile/internal/tools/policy"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// runner executes admitted turns on behalf of the scheduler.
type runner struct {
	g *Gateway
}

var _ queue.Runner = runner{}

func (r runner) Run(ctx context.Context, turn *queue.Turn) error {
	g := r.g
	st := g.state.Load()

	entry, err := g.touch(ctx, turn.SessionKey)
	if err != nil {
		return err
	}

	sc, err := st.sandboxes.Acquire(turn.SessionKey, turn.AgentID, turn.ID)
	if err != nil {
		return fmt.Errorf("acquire sandbox: %w", err)
	}
	defer func() {
		if err := sc.Release(); err != nil {
			g.logger.Warn("sandbox release failed", "session_key", turn.SessionKey, "sandbox", sc.Key, "error", err)
		}
	}()

	scope := policyScope(st, turn, entry)
	scope.Sandboxed = sc != nil
	tools := g.policies.Resolve(scope)
	var allowed []string
	for _, name := range g.tools {
		decision := tools.Decide(name)
		g.metrics.RecordPolicyDecision(decision.Allowed)
		if decision.Allowed {
			allowed = append(allowed, decision.Tool)
		}
	}

	ctx = observability.WithSessionKey(ctx, turn.SessionKey)
	ctx = observability.WithTurnID(ctx, turn.ID)
	if turn.Event != nil {
		ctx = observability.WithChannel(ctx, string(turn.Event.Channel))
	}
	ctx, span := g.tracer.TraceTurn(ctx, turn.SessionKey, turn.AgentID, turn.ID, string(turn.Mode))
	defer span.End()
	g.tracer.RecordAdmissionWait(span, turn.AdmissionWait)
	g.tracer.SetAttributes(span,
		"turn.payloads", len(turn.Payloads),
		"turn.dropped", turn.DroppedCount,
		"tools.allowed", len(allowed),
		"tools.layers", len(tools.Layers()),
	)
	if sc != nil {
		g.tracer.SetAttributes(span, "sandbox.key", sc.Key, "sandbox.access", string(sc.Access))
	}

	d := &Dispatch{
		Turn:         turn,
		Entry:        entry,
		Provider:     scope.Provider,
		Model:        scope.ModelID,
		Prompt:       turn.Prompt(),
		Tools:        tools,
		AllowedTools: allowed,
		Sandbox:      sc,
	}
	if entry != nil {
		d.SessionID = entry.SessionID
	}

	execErr := g.engine.Execute(ctx, d)
	g.tracer.RecordError(span, execErr)

	if _, err := g.touch(context.WithoutCancel(ctx), turn.SessionKey); err != nil {
		g.logger.Warn("session touch failed", "session_key", turn.SessionKey, "error", err)
	}
	return execErr
}

// touch marks the session active. A missing entry is not an error: the
// session may have been removed while the turn was queued.
func (g *Gateway) touch(ctx context.Context, key string) (*models.SessionEntry, error) {
	now := g.nowFunc()
	entry, err := g.store.Update(ctx, key, func(e *models.SessionEntry) error {
		e.Touch(now)
		return nil
	})
	if errors.Is(err, sessions.ErrNotFound) {
		g.logger.Warn("session entry missing at dispatch", "session_key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("touch session %s: %w", key, err)
	}
	return entry, nil
}

// policyScope describes the turn for policy resolution. The session's
// model override wins over the agent's configured model.
func policyScope(st *state, turn *queue.Turn, entry *models.SessionEntry) policy.Scope {
	scope := policy.Scope{
		SessionKey: turn.SessionKey,
		AgentID:    turn.AgentID,
	}
	scope.Provider, scope.ModelID = st.cfg.AgentModel(turn.AgentID)
	if entry != nil {
		switch {
		case entry.ProviderOverride != "":
			scope.Provider = entry.ProviderOverride
			scope.ModelID = entry.ModelOverride
		case entry.ModelOverride != "":
			scope.ModelID = entry.ModelOverride
		}
		scope.Channel = string(entry.Channel)
		scope.GroupID = entry.GroupID
	}
	if ev := turn.Event; ev != nil {
		scope.Channel = string(models.NormalizeChannel(ev.Channel))
		scope.SenderID = ev.SenderID
		switch {
		case ev.GroupID != "":
			scope.GroupID = ev.GroupID
		case ev.ChatType.IsGroup():
			scope.GroupID = ev.PeerID
		}
	}
	return scope
}

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/internal/tools/policy"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// Dispatch is everything an engine needs to run one turn.
type Dispatch struct {
	Turn      *queue.Turn
	SessionID string
	// Entry is the session entry as of dispatch; nil if it was removed
	// while the turn was queued.
	Entry  *models.SessionEntry
	Prompt string

	// Provider and Model are what the turn should run on; empty when
	// neither the session nor the agent names one.
	Provider string
	Model    string

	// Tools is the composed policy for the turn and AllowedTools the
	// catalog entries it permits.
	Tools        *policy.Effective
	AllowedTools []string

	// Sandbox is nil when the session runs unsandboxed.
	Sandbox *sandbox.Context
}

// TakeSteering returns messages injected into the running turn since the
// last call.
func (d *Dispatch) TakeSteering() []models.TurnPayload {
	return d.Turn.TakeSteering()
}

// Engine runs dispatched turns. Returning after ctx is done counts as a
// cancellation.
type Engine interface {
	Execute(ctx context.Context, d *Dispatch) error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, d *Dispatch) error

func (f EngineFunc) Execute(ctx context.Context, d *Dispatch) error { return f(ctx, d) }

// LogEngine records each dispatch as a JSON line. With a Delay it holds
// the turn open for that long, collecting steering messages, which makes
// queue behavior observable without a model backend.
type LogEngine struct {
	Delay time.Duration

	mu  sync.Mutex
	enc *json.Encoder
}

// NewLogEngine writes dispatch records to w.
func NewLogEngine(w io.Writer, delay time.Duration) *LogEngine {
	return &LogEngine{Delay: delay, enc: json.NewEncoder(w)}
}

// DispatchRecord is the line LogEngine writes per turn.
type DispatchRecord struct {
	SessionKey      string               `json:"session_key"`
	SessionID       string               `json:"session_id,omitempty"`
	AgentID         string               `json:"agent_id"`
	TurnID          string               `json:"turn_id"`
	Mode            queue.Mode           `json:"mode"`
	Model           string               `json:"model,omitempty"`
	Prompt          string               `json:"prompt"`
	Payloads        int                  `json:"payloads"`
	DroppedCount    int                  `json:"dropped_count,omitempty"`
	AdmissionWaitMs int64                `json:"admission_wait_ms"`
	Tools           []string             `json:"tools"`
	Layers          []string             `json:"policy_layers,omitempty"`
	Sandbox         *sandbox.Context     `json:"sandbox,omitempty"`
	Steering        []models.TurnPayload `json:"steering,omitempty"`
	Cancelled       bool                 `json:"cancelled,omitempty"`
}

func (e *LogEngine) Execute(ctx context.Context, d *Dispatch) error {
	rec := DispatchRecord{
		SessionKey:      d.Turn.SessionKey,
		SessionID:       d.SessionID,
		AgentID:         d.Turn.AgentID,
		TurnID:          d.Turn.ID,
		Mode:            d.Turn.Mode,
		Model:           modelRef(d.Provider, d.Model),
		Prompt:          d.Prompt,
		Payloads:        len(d.Turn.Payloads),
		DroppedCount:    d.Turn.DroppedCount,
		AdmissionWaitMs: d.Turn.AdmissionWait.Milliseconds(),
		Tools:           d.AllowedTools,
		Sandbox:         d.Sandbox,
	}
	if rec.Tools == nil {
		rec.Tools = []string{}
	}
	if d.Tools != nil {
		rec.Layers = d.Tools.Layers()
	}

	var err error
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			rec.Cancelled = true
			err = ctx.Err()
		case <-timer.C:
		}
	}
	rec.Steering = d.TakeSteering()

	e.mu.Lock()
	defer e.mu.Unlock()
	if encErr := e.enc.Encode(rec); encErr != nil && err == nil {
		err = encErr
	}
	return err
}

func modelRef(provider, model string) string {
	switch {
	case provider == "":
		return model
	case model == "":
		return provider
	default:
		return provider + "/" + model
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/turnstile/pkg/models"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("queue: scheduler closed")
	// ErrInvalidRequest is returned for requests without a session key.
	ErrInvalidRequest = errors.New("queue: invalid request")
)

// Request is one inbound turn request for a session.
type Request struct {
	SessionKey string
	AgentID    string
	Payload    models.TurnPayload
	Settings   Settings

	// Event is the inbound event the request came from, if any. The most
	// recent event of an entry travels with the dispatched turn.
	Event *models.InboundEvent

	// Abort, when done, cancels the turn this request ends up in (for
	// example because the originating connection closed).
	Abort context.Context

	EnqueuedAt time.Time
}

// Action is the scheduler's decision for a submitted request.
type Action string

const (
	ActionStarted     Action = "started"     // dispatched with a free slot
	ActionWaiting     Action = "waiting"     // dispatched, waiting for admission
	ActionQueued      Action = "queued"      // new queue entry
	ActionMerged      Action = "merged"      // coalesced into the last entry
	ActionSteered     Action = "steered"     // injected into the in-flight turn
	ActionBacklogged  Action = "backlogged"  // held for after the in-flight turn
	ActionDropped     Action = "dropped"     // queued; the oldest entry was evicted
	ActionRejected    Action = "rejected"    // queue full, request discarded
	ActionSummarized  Action = "summarized"  // queue collapsed into one entry
	ActionInterrupted Action = "interrupted" // in-flight turn cancelled for this one
)

// Decision is returned synchronously from Submit.
type Decision struct {
	Action     Action `json:"action"`
	QueueDepth int    `json:"queue_depth"`
	// TurnID identifies the turn or queue entry the request landed in.
	TurnID string `json:"turn_id,omitempty"`
	// Evicted counts queue entries removed to make room.
	Evicted int `json:"evicted,omitempty"`
}

// State is the lifecycle state of a session lane.
type State string

const (
	StateIdle       State = "idle"
	StateWaiting    State = "waiting"
	StateProcessing State = "processing"
)

// Turn is one dispatched unit of work handed to the Runner.
type Turn struct {
	ID         string
	SessionKey string
	AgentID    string
	Mode       Mode
	Payloads   []models.TurnPayload
	Event      *models.InboundEvent

	// DroppedCount is the number of queued entries collapsed into this turn
	// by the summarize drop policy.
	DroppedCount int

	EnqueuedAt time.Time
	StartedAt  time.Time
	// AdmissionWait is how long the turn waited for a concurrency slot.
	AdmissionWait time.Duration

	steering *steeringInbox
}

// Prompt renders the turn's payloads as a single prompt.
func (t *Turn) Prompt() string {
	body := models.CombinePayloads(t.Payloads)
	if t.DroppedCount == 0 {
		return body
	}
	return fmt.Sprintf("[%d queued turns were collapsed while the agent was busy]\n\n%s", t.DroppedCount, body)
}

// TakeSteering returns messages injected since the last call. Engines call
// it between reasoning steps.
func (t *Turn) TakeSteering() []models.TurnPayload {
	if t.steering == nil {
		return nil
	}
	return t.steering.take()
}

// Runner executes turns. A nil error is a success; an error after ctx is
// cancelled is a cancellation; anything else is a failure. Every outcome
// advances the session's queue.
type Runner interface {
	Run(ctx context.Context, turn *Turn) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, turn *Turn) error

func (f RunnerFunc) Run(ctx context.Context, turn *Turn) error { return f(ctx, turn) }

// Observer receives scheduling transitions. Calls are made from lane
// goroutines and must not block or call back into the scheduler.
type Observer interface {
	SessionState(sessionKey string, state State, queueDepth int)
	QueueDecision(sessionKey string, d Decision)
	TurnStarted(turn *Turn)
	TurnCompleted(c models.Completion)
}

// MultiObserver fans transitions out to several observers.
type MultiObserver []Observer

func (m MultiObserver) SessionState(key string, state State, depth int) {
	for _, o := range m {
		o.SessionState(key, state, depth)
	}
}

func (m MultiObserver) QueueDecision(key string, d Decision) {
	for _, o := range m {
		o.QueueDecision(key, d)
	}
}

func (m MultiObserver) TurnStarted(turn *Turn) {
	for _, o := range m {
		o.TurnStarted(turn)
	}
}

func (m MultiObserver) TurnCompleted(c models.Completion) {
	for _, o := range m {
		o.TurnCompleted(c)
	}
}

type nopObserver struct{}

func (nopObserver) SessionState(string, State, int) {}
func (nopObserver) QueueDecision(string, Decision)  {}
func (nopObserver) TurnStarted(*Turn)               {}
func (nopObserver) TurnCompleted(models.Completion) {}

// LaneSnapshot describes one active session lane.
type LaneSnapshot struct {
	SessionKey    string    `json:"session_key"`
	AgentID       string    `json:"agent_id"`
	State         State     `json:"state"`
	QueueDepth    int       `json:"queue_depth"`
	TurnID        string    `json:"turn_id,omitempty"`
	InFlightSince time.Time `json:"in_flight_since,omitempty"`
}

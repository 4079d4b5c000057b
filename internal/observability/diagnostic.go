package observability

import (
	"log/slog"
	"sync"
	"time"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeSessionState        DiagnosticEventType = "session.state"
	EventTypeSessionStuck        DiagnosticEventType = "session.stuck"
	EventTypeSessionReset        DiagnosticEventType = "session.reset"
	EventTypeQueueDecision       DiagnosticEventType = "queue.decision"
	EventTypeTurnStarted         DiagnosticEventType = "turn.started"
	EventTypeTurnCompleted       DiagnosticEventType = "turn.completed"
	EventTypeDiagnosticHeartbeat DiagnosticEventType = "diagnostic.heartbeat"
)

// DiagnosticEvent is the base event structure.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// SessionStateEvent tracks session state changes.
type SessionStateEvent struct {
	DiagnosticEvent
	SessionKey string `json:"session_key"`
	PrevState  string `json:"prev_state,omitempty"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
}

// SessionStuckEvent reports a session processing longer than expected.
type SessionStuckEvent struct {
	DiagnosticEvent
	SessionKey string `json:"session_key"`
	State      string `json:"state"`
	TurnID     string `json:"turn_id,omitempty"`
	AgeMs      int64  `json:"age_ms"`
	QueueDepth int    `json:"queue_depth"`
}

// SessionResetEvent reports a session replaced by the lifecycle policy.
type SessionResetEvent struct {
	DiagnosticEvent
	SessionKey   string `json:"session_key"`
	OldSessionID string `json:"old_session_id,omitempty"`
	NewSessionID string `json:"new_session_id"`
	Reason       string `json:"reason"`
}

// QueueDecisionEvent reports how a request was scheduled.
type QueueDecisionEvent struct {
	DiagnosticEvent
	SessionKey string `json:"session_key"`
	Action     string `json:"action"`
	TurnID     string `json:"turn_id,omitempty"`
	QueueDepth int    `json:"queue_depth"`
	Evicted    int    `json:"evicted,omitempty"`
}

// TurnStartedEvent reports a dispatched turn.
type TurnStartedEvent struct {
	DiagnosticEvent
	SessionKey      string `json:"session_key"`
	AgentID         string `json:"agent_id"`
	TurnID          string `json:"turn_id"`
	Mode            string `json:"mode"`
	Payloads        int    `json:"payloads"`
	DroppedCount    int    `json:"dropped_count,omitempty"`
	AdmissionWaitMs int64  `json:"admission_wait_ms"`
}

// TurnCompletedEvent reports the end of a turn.
type TurnCompletedEvent struct {
	DiagnosticEvent
	SessionKey string `json:"session_key"`
	TurnID     string `json:"turn_id"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// DiagnosticHeartbeatEvent summarizes scheduler load.
type DiagnosticHeartbeatEvent struct {
	DiagnosticEvent
	Active  int `json:"active"`
	Waiting int `json:"waiting"`
	Queued  int `json:"queued"`
	Stuck   int `json:"stuck"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
	base() *DiagnosticEvent
}

func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }
func (e *DiagnosticEvent) base() *DiagnosticEvent         { return e }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

// Emitter delivers diagnostic events to subscribed listeners. Each gateway
// owns its own emitter.
type Emitter struct {
	mu        sync.RWMutex
	seq       int64
	nextID    int
	enabled   bool
	listeners map[int]DiagnosticListener
	nowFunc   func() time.Time
	logger    *slog.Logger
}

// NewEmitter creates an enabled emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		enabled:   true,
		listeners: make(map[int]DiagnosticListener),
		nowFunc:   time.Now,
		logger:    slog.Default(),
	}
}

// SetNowFunc overrides the event timestamp clock.
func (e *Emitter) SetNowFunc(fn func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	e.nowFunc = fn
}

// SetLogger sets the logger used to report listener panics.
func (e *Emitter) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
}

// SetEnabled enables or disables emission.
func (e *Emitter) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Enabled reports whether events are delivered.
func (e *Emitter) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Subscribe registers a listener and returns its unsubscribe function.
func (e *Emitter) Subscribe(listener DiagnosticListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = listener
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Emit stamps event with a sequence number and timestamp and delivers it
// synchronously. Listener panics are recovered and logged.
func (e *Emitter) Emit(event DiagnosticEventPayload) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	e.seq++
	b := event.base()
	b.Seq = e.seq
	b.Ts = e.nowFunc().UnixMilli()
	listeners := make([]DiagnosticListener, 0, len(e.listeners))
	for id := 0; id < e.nextID; id++ {
		if l, ok := e.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	logger := e.logger
	e.mu.Unlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("diagnostic listener panicked", "event", string(b.Type), "panic", r)
				}
			}()
			listener(event)
		}()
	}
}

package observability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// DefaultStuckAfter is how long a turn may run before its session is
// reported as stuck.
const DefaultStuckAfter = 2 * time.Minute

var heartbeatParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	StuckAfter time.Duration
}

type sessionInfo struct {
	state   queue.State
	depth   int
	turnID  string
	since   time.Time
	changed time.Time
}

// Tracker follows scheduler transitions, turning them into diagnostic
// events and metrics. It implements queue.Observer.
type Tracker struct {
	emitter *Emitter
	metrics *Metrics
	logger  *slog.Logger
	cfg     TrackerConfig

	mu       sync.Mutex
	sessions map[string]*sessionInfo
	nowFunc  func() time.Time
}

var _ queue.Observer = (*Tracker)(nil)

// NewTracker creates a tracker. Any of emitter, metrics and logger may be
// nil.
func NewTracker(emitter *Emitter, metrics *Metrics, logger *slog.Logger, cfg TrackerConfig) *Tracker {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		emitter:  emitter,
		metrics:  metrics,
		logger:   logger.With("component", "diagnostics"),
		cfg:      cfg,
		sessions: make(map[string]*sessionInfo),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the tracker clock.
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	t.nowFunc = fn
}

func (t *Tracker) emit(event DiagnosticEventPayload) {
	if t.emitter != nil {
		t.emitter.Emit(event)
	}
}

// SessionState records a lane state change.
func (t *Tracker) SessionState(sessionKey string, state queue.State, queueDepth int) {
	t.mu.Lock()
	now := t.nowFunc()
	info := t.sessions[sessionKey]
	prev := queue.StateIdle
	if info == nil {
		info = &sessionInfo{}
		t.sessions[sessionKey] = info
	} else {
		prev = info.state
	}
	if state != prev {
		info.changed = now
	}
	info.state = state
	info.depth = queueDepth
	if state == queue.StateIdle && queueDepth == 0 {
		delete(t.sessions, sessionKey)
	}
	t.mu.Unlock()

	t.emit(&SessionStateEvent{
		DiagnosticEvent: DiagnosticEvent{Type: EventTypeSessionState},
		SessionKey:      sessionKey,
		PrevState:       string(prev),
		State:           string(state),
		QueueDepth:      queueDepth,
	})
}

// QueueDecision records how a request was scheduled.
func (t *Tracker) QueueDecision(sessionKey string, d queue.Decision) {
	if t.metrics != nil {
		t.metrics.QueueDecisions.WithLabelValues(string(d.Action)).Inc()
		t.metrics.QueueDepth.Observe(float64(d.QueueDepth))
	}
	t.emit(&QueueDecisionEvent{
		DiagnosticEvent: DiagnosticEvent{Type: EventTypeQueueDecision},
		SessionKey:      sessionKey,
		Action:          string(d.Action),
		TurnID:          d.TurnID,
		QueueDepth:      d.QueueDepth,
		Evicted:         d.Evicted,
	})
}

// TurnStarted records a dispatched turn.
func (t *Tracker) TurnStarted(turn *queue.Turn) {
	t.mu.Lock()
	info := t.sessions[turn.SessionKey]
	if info == nil {
		info = &sessionInfo{state: queue.StateProcessing}
		t.sessions[turn.SessionKey] = info
	}
	info.turnID = turn.ID
	info.since = turn.StartedAt
	if info.since.IsZero() {
		info.since = t.nowFunc()
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveTurns.Inc()
		t.metrics.AdmissionWait.Observe(turn.AdmissionWait.Seconds())
	}
	t.emit(&TurnStartedEvent{
		DiagnosticEvent: DiagnosticEvent{Type: EventTypeTurnStarted},
		SessionKey:      turn.SessionKey,
		AgentID:         turn.AgentID,
		TurnID:          turn.ID,
		Mode:            string(turn.Mode),
		Payloads:        len(turn.Payloads),
		DroppedCount:    turn.DroppedCount,
		AdmissionWaitMs: turn.AdmissionWait.Milliseconds(),
	})
}

// TurnCompleted records the end of a turn.
func (t *Tracker) TurnCompleted(c models.Completion) {
	t.mu.Lock()
	if info := t.sessions[c.SessionKey]; info != nil && info.turnID == c.TurnID {
		info.turnID = ""
		info.since = time.Time{}
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveTurns.Dec()
		t.metrics.TurnsTotal.WithLabelValues(string(c.Outcome)).Inc()
		t.metrics.TurnDuration.Observe(c.Duration.Seconds())
	}
	t.emit(&TurnCompletedEvent{
		DiagnosticEvent: DiagnosticEvent{Type: EventTypeTurnCompleted},
		SessionKey:      c.SessionKey,
		TurnID:          c.TurnID,
		Outcome:         string(c.Outcome),
		Error:           c.Error,
		DurationMs:      c.Duration.Milliseconds(),
	})
}

// SessionReset records a lifecycle reset of a session.
func (t *Tracker) SessionReset(sessionKey, oldSessionID, newSessionID, reason string) {
	t.metrics.RecordSessionReset(reason)
	t.logger.Info("session reset",
		"session_key", sessionKey,
		"old_session_id", oldSessionID,
		"new_session_id", newSessionID,
		"reason", reason)
	t.emit(&SessionResetEvent{
		DiagnosticEvent: DiagnosticEvent{Type: EventTypeSessionReset},
		SessionKey:      sessionKey,
		OldSessionID:    oldSessionID,
		NewSessionID:    newSessionID,
		Reason:          reason,
	})
}

// Heartbeat summarizes tracked sessions as of now and reports those whose
// current turn has been running longer than the stuck threshold.
func (t *Tracker) Heartbeat(now time.Time) DiagnosticHeartbeatEvent {
	var stuck []SessionStuckEvent
	summary := DiagnosticHeartbeatEvent{
		DiagnosticEvent: DiagnosticEvent{Type: EventTypeDiagnosticHeartbeat},
	}

	t.mu.Lock()
	for key, info := range t.sessions {
		summary.Queued += info.depth
		switch info.state {
		case queue.StateWaiting:
			summary.Waiting++
		case queue.StateProcessing:
			summary.Active++
			if info.since.IsZero() {
				continue
			}
			if age := now.Sub(info.since); age > t.cfg.StuckAfter {
				stuck = append(stuck, SessionStuckEvent{
					DiagnosticEvent: DiagnosticEvent{Type: EventTypeSessionStuck},
					SessionKey:      key,
					State:           string(info.state),
					TurnID:          info.turnID,
					AgeMs:           age.Milliseconds(),
					QueueDepth:      info.depth,
				})
			}
		}
	}
	t.mu.Unlock()

	sort.Slice(stuck, func(i, j int) bool { return stuck[i].SessionKey < stuck[j].SessionKey })
	summary.Stuck = len(stuck)
	if t.metrics != nil {
		t.metrics.StuckSessions.Set(float64(summary.Stuck))
	}
	for i := range stuck {
		ev := stuck[i]
		t.logger.Warn("session stuck",
			"session_key", ev.SessionKey,
			"turn_id", ev.TurnID,
			"age", time.Duration(ev.AgeMs)*time.Millisecond,
			"queue_depth", ev.QueueDepth)
		t.emit(&ev)
	}
	t.emit(&summary)
	return summary
}

// StartHeartbeat runs Heartbeat on the given cron schedule ("@every 30s",
// "*/30 * * * * *") until the returned stop function is called.
func (t *Tracker) StartHeartbeat(spec string) (func(), error) {
	c := cron.New(cron.WithParser(heartbeatParser))
	if _, err := c.AddFunc(spec, func() {
		t.mu.Lock()
		now := t.nowFunc()
		t.mu.Unlock()
		t.Heartbeat(now)
	}); err != nil {
		return nil, fmt.Errorf("heartbeat schedule %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/turnstile/internal/admission"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// Scheduler serializes turns per session and admits them through a shared
// admission controller. Each active session owns a lane goroutine; lanes
// retire when they go idle.
type Scheduler struct {
	runner    Runner
	admission *admission.Controller
	observer  Observer
	logger    *slog.Logger
	nowFunc   func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver installs an observer for scheduling transitions.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler creates a scheduler. A nil controller admits without limits.
func NewScheduler(runner Runner, ctrl *admission.Controller, opts ...Option) *Scheduler {
	if ctrl == nil {
		ctrl = admission.NewController(admission.Limits{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:    runner,
		admission: ctrl,
		observer:  nopObserver{},
		logger:    slog.Default(),
		nowFunc:   time.Now,
		baseCtx:   ctx,
		cancel:    cancel,
		lanes:     make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "queue")
	return s
}

// SetNowFunc overrides the scheduler clock. Debounce timers still run on
// wall time.
func (s *Scheduler) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.mu.Lock()
	s.nowFunc = fn
	s.mu.Unlock()
}

func (s *Scheduler) now() time.Time {
	s.mu.Lock()
	fn := s.nowFunc
	s.mu.Unlock()
	return fn()
}

// Submit hands a request to its session lane and returns the scheduling
// decision. It never waits for the turn itself.
func (s *Scheduler) Submit(req Request) (Decision, error) {
	if req.SessionKey == "" {
		return Decision{}, fmt.Errorf("%w: session key is required", ErrInvalidRequest)
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = s.now()
	}
	reply := make(chan Decision, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Decision{}, ErrClosed
	}
	l, ok := s.lanes[req.SessionKey]
	if !ok {
		l = newLane(s, req.SessionKey)
		s.lanes[req.SessionKey] = l
		s.wg.Add(1)
		go l.loop()
	}
	l.mbox.post(submitMsg{req: req, reply: reply})
	s.mu.Unlock()

	return <-reply, nil
}

// Cancel cancels the session's in-flight turn, or withdraws its pending
// admission. Queued entries are left in place. It reports whether anything
// was cancelled.
func (s *Scheduler) Cancel(sessionKey string) bool {
	reply := make(chan bool, 1)
	s.mu.Lock()
	l, ok := s.lanes[sessionKey]
	if !ok || s.closed {
		s.mu.Unlock()
		return false
	}
	l.mbox.post(cancelMsg{reply: reply})
	s.mu.Unlock()
	return <-reply
}

// Snapshot lists active lanes ordered by session key.
func (s *Scheduler) Snapshot() []LaneSnapshot {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	out := make([]LaneSnapshot, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, l.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// Active returns the number of live lanes.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Admission returns the controller the scheduler admits turns through.
func (s *Scheduler) Admission() *admission.Controller {
	return s.admission
}

// Close stops accepting requests, discards queued work and cancels in-flight
// turns. It waits for lanes to drain or for ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, l := range s.lanes {
		l.mbox.post(closeMsg{})
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postExisting delivers msg only if l is still the live lane for its key.
func (s *Scheduler) postExisting(l *lane, msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lanes[l.key] != l {
		return false
	}
	l.mbox.post(msg)
	return true
}

// retire removes an idle lane. It fails if messages arrived meanwhile.
func (s *Scheduler) retire(l *lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !l.mbox.empty() {
		return false
	}
	if s.lanes[l.key] == l {
		delete(s.lanes, l.key)
	}
	return true
}

func (s *Scheduler) run(l *lane, ctx context.Context, cancel context.CancelFunc, turn *Turn, slot *admission.Slot) {
	start := time.Now()
	err := s.invoke(ctx, turn)

	c := models.Completion{
		SessionKey: turn.SessionKey,
		TurnID:     turn.ID,
		Outcome:    models.OutcomeSuccess,
		Duration:   time.Since(start),
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		c.Outcome = models.OutcomeCancelled
		c.Error = err.Error()
	default:
		c.Outcome = models.OutcomeError
		c.Error = err.Error()
	}
	cancel()
	slot.Release()

	if c.Outcome == models.OutcomeError {
		s.logger.Warn("turn failed", "session_key", turn.SessionKey, "turn_id", turn.ID, "error", err)
	}
	s.postExisting(l, doneMsg{completion: c})
}

func (s *Scheduler) invoke(ctx context.Context, turn *Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return s.runner.Run(ctx, turn)
}

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/turnstile/internal/admission"
	"github.com/haasonsaas/turnstile/pkg/models"
)

type submitMsg struct {
	req   Request
	reply chan Decision
}

type grantMsg struct {
	gen  uint64
	slot *admission.Slot
}

type timerMsg struct {
	gen uint64
}

type doneMsg struct {
	completion models.Completion
}

type cancelMsg struct {
	reply chan bool
}

type closeMsg struct{}

// inflight is the turn currently executing for a lane.
type inflight struct {
	turn      *Turn
	cancel    context.CancelFunc
	stopAbort func() bool
	// discardSteering drops unconsumed steering when the turn was
	// preempted by an interrupt.
	discardSteering bool
	interrupted     bool
}

// pendingAdmission is the head entry waiting for a concurrency slot.
type pendingAdmission struct {
	entry  *entry
	ticket *admission.Ticket
	gen    uint64
}

// lane owns one session's queue. All fields below mbox are only touched by
// the lane goroutine, except info which is guarded by infoMu.
type lane struct {
	s    *Scheduler
	key  string
	mbox *mailbox

	agentID  string
	settings Settings
	queue    []*entry
	current  *inflight
	pending  *pendingAdmission
	grantGen uint64
	timer    *time.Timer
	timerGen uint64
	closed   bool

	infoMu sync.Mutex
	info   LaneSnapshot
}

func newLane(s *Scheduler, key string) *lane {
	return &lane{
		s:        s,
		key:      key,
		mbox:     newMailbox(),
		settings: DefaultSettings(),
		info:     LaneSnapshot{SessionKey: key, State: StateIdle},
	}
}

func (l *lane) loop() {
	defer l.s.wg.Done()
	for range l.mbox.wake {
		for _, msg := range l.mbox.drain() {
			l.handle(msg)
		}
		l.publish()
		if l.quiescent() && l.s.retire(l) {
			return
		}
	}
}

func (l *lane) handle(msg any) {
	switch m := msg.(type) {
	case submitMsg:
		d := l.submit(m.req)
		l.publish()
		m.reply <- d
	case grantMsg:
		l.granted(m)
	case timerMsg:
		if m.gen == l.timerGen && l.timer != nil {
			l.timer = nil
			l.dispatch()
		}
	case doneMsg:
		l.completed(m.completion)
	case cancelMsg:
		ok := l.cancel()
		l.publish()
		m.reply <- ok
	case closeMsg:
		l.shutdown()
	}
}

func (l *lane) quiescent() bool {
	return l.current == nil && l.pending == nil && len(l.queue) == 0 && l.timer == nil
}

// report sends a decision made outside submit to the observer.
func (l *lane) report(msg string, d Decision) {
	d.QueueDepth = len(l.queue)
	l.s.observer.QueueDecision(l.key, d)
	l.s.logger.Debug(msg,
		"session_key", l.key,
		"action", string(d.Action),
		"queue_depth", d.QueueDepth,
		"turn_id", d.TurnID)
}

func (l *lane) busy() bool {
	return l.current != nil || l.pending != nil || len(l.queue) > 0
}

func (l *lane) submit(req Request) Decision {
	now := l.s.now()
	req.Settings = req.Settings.normalized()
	l.settings = req.Settings
	if req.AgentID != "" {
		l.agentID = req.AgentID
	}

	d := l.decide(req, now)
	if d.TurnID == "" && d.Action != ActionRejected {
		d.TurnID = l.currentID()
	}
	d.QueueDepth = len(l.queue)
	l.s.observer.QueueDecision(l.key, d)
	l.s.logger.Debug("queue decision",
		"session_key", l.key,
		"queue_mode", string(req.Settings.Mode),
		"action", string(d.Action),
		"queue_depth", d.QueueDepth,
		"turn_id", d.TurnID)
	return d
}

func (l *lane) decide(req Request, now time.Time) Decision {
	if !l.busy() {
		e := newEntry(req, now, 0, false)
		l.queue = append(l.queue, e)
		action := l.dispatch()
		if action == "" {
			// The request's abort context was already done.
			return Decision{Action: ActionRejected}
		}
		return Decision{Action: action, TurnID: e.id}
	}

	switch req.Settings.Mode {
	case ModeInterrupt:
		return l.interrupt(req, now)

	case ModeSteer:
		if cur := l.steerable(); cur != nil && cur.turn.steering.push(req.Payload) {
			return Decision{Action: ActionSteered, TurnID: cur.turn.ID}
		}
		return l.enqueue(req, now)

	case ModeSteerBacklog:
		if cur := l.steerable(); cur != nil {
			if displaced, ok := cur.turn.steering.replace(req.Payload); ok {
				d := Decision{Action: ActionSteered, TurnID: cur.turn.ID}
				for _, p := range displaced {
					backlog := req
					backlog.Payload = p
					backlog.Abort = nil
					bd := l.enqueue(backlog, now)
					d.Evicted += bd.Evicted
					if bd.Action == ActionRejected {
						l.report("steering backlog rejected", bd)
					}
				}
				return d
			}
		}
		d := l.enqueue(req, now)
		if d.Action == ActionQueued {
			d.Action = ActionBacklogged
		}
		return d

	default:
		return l.enqueue(req, now)
	}
}

// steerable returns the in-flight turn if it can still take steering.
func (l *lane) steerable() *inflight {
	if l.current == nil || l.current.interrupted {
		return nil
	}
	return l.current
}

// enqueue adds req behind the in-flight turn, coalescing it into the last
// entry when the merge window allows.
func (l *lane) enqueue(req Request, now time.Time) Decision {
	st := req.Settings
	if n := len(l.queue); n > 0 {
		last := l.queue[n-1]
		if last.mergeable && mergeWindow(st, last.lastAt, now) {
			last.merge(req, now, holdFor(st))
			l.armTimer()
			return Decision{Action: ActionMerged, TurnID: last.id}
		}
	}
	d := l.admitEntry(newEntry(req, now, holdFor(st), st.Mode != ModeQueue), st)
	l.armTimer()
	return d
}

// admitEntry appends e to the queue, applying the cap and drop policy.
func (l *lane) admitEntry(e *entry, st Settings) Decision {
	if len(l.queue) < st.Cap {
		l.queue = append(l.queue, e)
		return Decision{Action: ActionQueued, TurnID: e.id}
	}

	switch st.Drop {
	case DropNew:
		return Decision{Action: ActionRejected}

	case DropOld:
		evicted := len(l.queue) - st.Cap + 1
		l.queue = append(l.queue[:0:0], l.queue[evicted:]...)
		l.queue = append(l.queue, e)
		return Decision{Action: ActionDropped, TurnID: e.id, Evicted: evicted}

	default:
		evicted := len(l.queue)
		summary := summarize(l.queue)
		if st.Cap == 1 {
			summary.absorb(e)
			summary.collapsed++
			l.queue = []*entry{summary}
			return Decision{Action: ActionSummarized, TurnID: summary.id, Evicted: evicted}
		}
		l.queue = []*entry{summary, e}
		return Decision{Action: ActionSummarized, TurnID: e.id, Evicted: evicted}
	}
}

// interrupt discards queued work and the in-flight (or admission-pending)
// turn in favour of req.
func (l *lane) interrupt(req Request, now time.Time) Decision {
	e := newEntry(req, now, 0, false)
	d := Decision{Action: ActionInterrupted, TurnID: e.id, Evicted: len(l.queue)}
	l.queue = nil
	l.stopTimer()

	if l.pending != nil {
		// Keep the admission ticket so the session does not lose its place.
		l.pending.entry = e
		d.Evicted++
		return d
	}

	l.queue = []*entry{e}
	if l.current != nil {
		l.current.interrupted = true
		l.current.discardSteering = true
		l.current.cancel()
		d.Evicted++
		return d
	}
	l.dispatch()
	return d
}

// dispatch starts the head entry if the lane is free and the entry's
// debounce window has passed. It returns ActionStarted or ActionWaiting when
// an entry left the queue, or "" otherwise.
func (l *lane) dispatch() Action {
	for !l.closed && l.current == nil && l.pending == nil && len(l.queue) > 0 {
		now := l.s.now()
		head := l.queue[0]
		if now.Before(head.readyAt) {
			l.armTimer()
			return ""
		}
		l.queue = l.queue[1:]
		if head.aborted() {
			l.s.logger.Debug("dropping aborted queue entry", "session_key", l.key, "turn_id", head.id)
			continue
		}

		l.grantGen++
		gen := l.grantGen
		slot, ticket, err := l.s.admission.Acquire(l.agentID, func(slot *admission.Slot) {
			if !l.s.postExisting(l, grantMsg{gen: gen, slot: slot}) {
				slot.Release()
			}
		})
		if err != nil {
			l.s.logger.Warn("admission unavailable, dropping entry", "session_key", l.key, "error", err)
			continue
		}
		if slot != nil {
			l.start(head, slot, now)
			return ActionStarted
		}
		l.pending = &pendingAdmission{entry: head, ticket: ticket, gen: gen}
		l.stopTimer()
		return ActionWaiting
	}
	if len(l.queue) == 0 {
		l.stopTimer()
	}
	return ""
}

func (l *lane) granted(m grantMsg) {
	p := l.pending
	if l.closed || p == nil || p.gen != m.gen {
		m.slot.Release()
		return
	}
	l.pending = nil
	if p.entry.aborted() {
		m.slot.Release()
		l.dispatch()
		return
	}
	l.start(p.entry, m.slot, l.s.now())
}

func (l *lane) start(e *entry, slot *admission.Slot, now time.Time) {
	turn := &Turn{
		ID:            e.id,
		SessionKey:    l.key,
		AgentID:       l.agentID,
		Mode:          e.mode,
		Payloads:      e.payloads,
		Event:         e.event,
		DroppedCount:  e.collapsed,
		EnqueuedAt:    e.firstAt,
		StartedAt:     now,
		AdmissionWait: slot.Waited,
		steering:      &steeringInbox{},
	}
	ctx, cancel := context.WithCancel(l.s.baseCtx)
	stop := func() bool { return false }
	if e.abort != nil {
		stop = context.AfterFunc(e.abort, cancel)
	}
	l.current = &inflight{turn: turn, cancel: cancel, stopAbort: stop}
	l.stopTimer()
	l.s.observer.TurnStarted(turn)

	go l.s.run(l, ctx, cancel, turn, slot)
}

func (l *lane) completed(c models.Completion) {
	cur := l.current
	if cur == nil || cur.turn.ID != c.TurnID {
		return
	}
	cur.stopAbort()
	leftovers := cur.turn.steering.close()
	l.current = nil
	l.s.observer.TurnCompleted(c)

	if len(leftovers) > 0 && !cur.discardSteering && !l.closed {
		// Steering the turn never consumed runs as the next follow-up.
		now := l.s.now()
		e := &entry{
			id:       cur.turn.ID + "-steer",
			mode:     l.settings.Mode,
			payloads: leftovers,
			event:    cur.turn.Event,
			firstAt:  now,
			lastAt:   now,
			readyAt:  now,
		}
		l.report("requeued unconsumed steering", l.admitEntry(e, l.settings))
	}
	l.dispatch()
}

func (l *lane) cancel() bool {
	switch {
	case l.current != nil:
		l.current.cancel()
		return true
	case l.pending != nil:
		l.pending.ticket.Cancel()
		l.pending = nil
		l.dispatch()
		return true
	default:
		return false
	}
}

func (l *lane) shutdown() {
	l.closed = true
	l.queue = nil
	l.stopTimer()
	if l.pending != nil {
		l.pending.ticket.Cancel()
		l.pending = nil
	}
	if l.current != nil {
		l.current.discardSteering = true
		l.current.cancel()
	}
}

func (l *lane) currentID() string {
	switch {
	case l.current != nil:
		return l.current.turn.ID
	case l.pending != nil:
		return l.pending.entry.id
	default:
		return ""
	}
}

// armTimer schedules a dispatch for when the head entry becomes ready. It is
// only needed while nothing is in flight; completions dispatch otherwise.
func (l *lane) armTimer() {
	if l.closed || l.current != nil || l.pending != nil || len(l.queue) == 0 {
		l.stopTimer()
		return
	}
	delay := l.queue[0].readyAt.Sub(l.s.now())
	if delay < 0 {
		delay = 0
	}
	l.stopTimer()
	l.timerGen++
	gen := l.timerGen
	l.timer = time.AfterFunc(delay, func() {
		l.s.postExisting(l, timerMsg{gen: gen})
	})
}

func (l *lane) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// publish refreshes the snapshot and reports state transitions.
func (l *lane) publish() {
	state := StateIdle
	info := LaneSnapshot{SessionKey: l.key, AgentID: l.agentID, QueueDepth: len(l.queue)}
	switch {
	case l.current != nil:
		state = StateProcessing
		info.TurnID = l.current.turn.ID
		info.InFlightSince = l.current.turn.StartedAt
	case l.pending != nil:
		state = StateWaiting
		info.TurnID = l.pending.entry.id
	}
	info.State = state

	l.infoMu.Lock()
	changed := l.info.State != state || l.info.QueueDepth != info.QueueDepth
	l.info = info
	l.infoMu.Unlock()

	if changed {
		l.s.observer.SessionState(l.key, state, info.QueueDepth)
	}
}

func (l *lane) snapshot() LaneSnapshot {
	l.infoMu.Lock()
	defer l.infoMu.Unlock()
	return l.info
}

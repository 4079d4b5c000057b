package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// entry is one pending turn in a session's queue. Several requests can be
// coalesced into a single entry.
type entry struct {
	id       string
	mode     Mode
	payloads []models.TurnPayload
	event    *models.InboundEvent
	abort    context.Context

	firstAt time.Time
	lastAt  time.Time
	// readyAt holds the entry back until the debounce window has passed.
	readyAt time.Time

	// mergeable entries accept later requests within the merge window.
	mergeable bool
	// collapsed counts queue entries folded in by the summarize policy.
	collapsed int
}

func newEntry(req Request, now time.Time, hold time.Duration, mergeable bool) *entry {
	return &entry{
		id:        uuid.NewString(),
		mode:      req.Settings.Mode,
		payloads:  []models.TurnPayload{req.Payload},
		event:     req.Event,
		abort:     req.Abort,
		firstAt:   now,
		lastAt:    now,
		readyAt:   now.Add(hold),
		mergeable: mergeable,
	}
}

// merge coalesces a later request into e and restarts its debounce window.
func (e *entry) merge(req Request, now time.Time, hold time.Duration) {
	e.payloads = append(e.payloads, req.Payload)
	if req.Event != nil {
		e.event = req.Event
	}
	if req.Abort != nil {
		e.abort = req.Abort
	}
	e.lastAt = now
	e.readyAt = now.Add(hold)
}

// absorb folds other into e, oldest first.
func (e *entry) absorb(other *entry) {
	e.payloads = append(e.payloads, other.payloads...)
	if other.event != nil {
		e.event = other.event
	}
	if other.abort != nil {
		e.abort = other.abort
	}
	if other.lastAt.After(e.lastAt) {
		e.lastAt = other.lastAt
	}
	if other.readyAt.After(e.readyAt) {
		e.readyAt = other.readyAt
	}
}

// weight is the number of queue entries e stands for.
func (e *entry) weight() int {
	if e.collapsed > 0 {
		return e.collapsed
	}
	return 1
}

// summarize collapses entries, oldest first, into one synthetic entry.
func summarize(entries []*entry) *entry {
	first := entries[0]
	s := &entry{
		id:      uuid.NewString(),
		mode:    first.mode,
		firstAt: first.firstAt,
		lastAt:  first.lastAt,
		readyAt: first.readyAt,
	}
	for _, e := range entries {
		s.absorb(e)
		s.collapsed += e.weight()
	}
	return s
}

func (e *entry) aborted() bool {
	return e.abort != nil && e.abort.Err() != nil
}

// mergeWindow reports whether a request under s may coalesce into an entry
// last touched at lastAt. Strict queue mode never coalesces; collect
// without a debounce window coalesces every consecutive request.
func mergeWindow(s Settings, lastAt, now time.Time) bool {
	switch {
	case s.Mode == ModeQueue:
		return false
	case s.Debounce > 0:
		return now.Sub(lastAt) <= s.Debounce
	default:
		return s.Mode == ModeCollect
	}
}

// holdFor is how long a newly queued entry is held before it may dispatch.
func holdFor(s Settings) time.Duration {
	if s.Mode == ModeQueue || s.Mode == ModeInterrupt {
		return 0
	}
	return s.Debounce
}

// Package admission enforces global and per-agent ceilings on concurrently
// executing turns.
//
// A caller either receives a Slot immediately or a Ticket that is granted
// later, in arrival order, as slots are released. Waiters are never dropped;
// they leave the line only when granted or cancelled.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("admission: controller closed")

// Limits configures the ceilings. Zero means unbounded at that level.
type Limits struct {
	Global   int
	PerAgent int
	// Agents overrides PerAgent for specific agent ids.
	Agents map[string]int
}

func (l Limits) agentLimit(agentID string) int {
	if n, ok := l.Agents[agentID]; ok {
		return n
	}
	return l.PerAgent
}

// Controller hands out execution slots. It is safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	active   int
	perAgent map[string]int
	waiters  *list.List // of *Ticket, arrival order
	closed   bool
	nowFunc  func() time.Time

	acquired  int64
	released  int64
	cancelled int64
}

// NewController creates a controller with the given limits.
func NewController(limits Limits) *Controller {
	return &Controller{
		limits:   limits,
		perAgent: make(map[string]int),
		waiters:  list.New(),
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (c *Controller) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	c.nowFunc = fn
	c.mu.Unlock()
}

// Slot is one admitted turn. Release must be called when the turn ends;
// extra calls are ignored.
type Slot struct {
	c         *Controller
	agentID   string
	once      sync.Once
	GrantedAt time.Time
	Waited    time.Duration
}

// AgentID returns the agent the slot was charged to.
func (s *Slot) AgentID() string { return s.agentID }

// Release returns the slot to the controller.
func (s *Slot) Release() {
	s.once.Do(func() { s.c.release(s.agentID) })
}

// Ticket is a queued acquisition.
type Ticket struct {
	c          *Controller
	agentID    string
	onGrant    func(*Slot)
	enqueuedAt time.Time
	elem       *list.Element
}

// Cancel withdraws the ticket. It returns false when the ticket was already
// granted or cancelled; in the granted case the slot belongs to the
// onGrant callback.
func (t *Ticket) Cancel() bool {
	c := t.c
	c.mu.Lock()
	if t.elem == nil {
		c.mu.Unlock()
		return false
	}
	c.waiters.Remove(t.elem)
	t.elem = nil
	c.cancelled++
	c.mu.Unlock()
	return true
}

// Acquire charges a turn for agentID. When a slot is free it is returned
// directly; otherwise a Ticket is returned and onGrant is called (from the
// goroutine that freed capacity, without locks held) once a slot is granted.
func (c *Controller) Acquire(agentID string, onGrant func(*Slot)) (*Slot, *Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, ErrClosed
	}
	now := c.nowFunc()
	// Every queued ticket is ineligible here: pumpLocked runs on each release.
	if c.eligibleLocked(agentID) {
		return c.grantLocked(agentID, now, now), nil, nil
	}
	t := &Ticket{c: c, agentID: agentID, onGrant: onGrant, enqueuedAt: now}
	t.elem = c.waiters.PushBack(t)
	return nil, t, nil
}

// Wait blocks until a slot is granted or ctx is done.
func (c *Controller) Wait(ctx context.Context, agentID string) (*Slot, error) {
	granted := make(chan *Slot, 1)
	slot, ticket, err := c.Acquire(agentID, func(s *Slot) { granted <- s })
	if err != nil {
		return nil, err
	}
	if slot != nil {
		return slot, nil
	}
	select {
	case s := <-granted:
		return s, nil
	case <-ctx.Done():
		if !ticket.Cancel() {
			// Granted concurrently; hand the slot back.
			(<-granted).Release()
		}
		return nil, ctx.Err()
	}
}

// SetLimits replaces the ceilings and admits any waiters the new limits allow.
// Lowering a ceiling never revokes running slots.
func (c *Controller) SetLimits(limits Limits) {
	c.mu.Lock()
	c.limits = limits
	grants := c.pumpLocked()
	c.mu.Unlock()
	deliver(grants)
}

// Close rejects future acquisitions and drops queued tickets without
// calling their callbacks. Outstanding slots may still be released.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for e := c.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*Ticket).elem = nil
		c.cancelled++
	}
	c.waiters.Init()
}

func (c *Controller) release(agentID string) {
	c.mu.Lock()
	c.active--
	if n := c.perAgent[agentID] - 1; n > 0 {
		c.perAgent[agentID] = n
	} else {
		delete(c.perAgent, agentID)
	}
	c.released++
	grants := c.pumpLocked()
	c.mu.Unlock()

	deliver(grants)
}

type grant struct {
	slot    *Slot
	onGrant func(*Slot)
}

// pumpLocked grants, in arrival order, every waiter that is eligible now.
func (c *Controller) pumpLocked() []grant {
	if c.closed {
		return nil
	}
	var grants []grant
	now := c.nowFunc()
	for e := c.waiters.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Ticket)
		if c.limits.Global > 0 && c.active >= c.limits.Global {
			break
		}
		if c.eligibleLocked(t.agentID) {
			c.waiters.Remove(e)
			t.elem = nil
			grants = append(grants, grant{slot: c.grantLocked(t.agentID, t.enqueuedAt, now), onGrant: t.onGrant})
		}
		e = next
	}
	return grants
}

func (c *Controller) eligibleLocked(agentID string) bool {
	if c.limits.Global > 0 && c.active >= c.limits.Global {
		return false
	}
	if limit := c.limits.agentLimit(agentID); limit > 0 && c.perAgent[agentID] >= limit {
		return false
	}
	return true
}

func (c *Controller) grantLocked(agentID string, enqueuedAt, now time.Time) *Slot {
	c.active++
	c.perAgent[agentID]++
	c.acquired++
	return &Slot{c: c, agentID: agentID, GrantedAt: now, Waited: now.Sub(enqueuedAt)}
}

func deliver(grants []grant) {
	for _, g := range grants {
		if g.onGrant != nil {
			g.onGrant(g.slot)
		} else {
			g.slot.Release()
		}
	}
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Global    int            `json:"global"`
	Active    int            `json:"active"`
	PerAgent  map[string]int `json:"per_agent"`
	Waiting   int            `json:"waiting"`
	Acquired  int64          `json:"acquired"`
	Released  int64          `json:"released"`
	Cancelled int64          `json:"cancelled"`
}

// Stats returns statistics about the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	perAgent := make(map[string]int, len(c.perAgent))
	for k, v := range c.perAgent {
		perAgent[k] = v
	}
	return Stats{
		Global:    c.limits.Global,
		Active:    c.active,
		PerAgent:  perAgent,
		Waiting:   c.waiters.Len(),
		Acquired:  c.acquired,
		Released:  c.released,
		Cancelled: c.cancelled,
	}
}

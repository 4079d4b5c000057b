package queue

import (
	"sync"

	"github.com/haasonsaas/turnstile/pkg/models"
)

// steeringInbox holds messages injected into an in-flight turn. The engine
// drains it between reasoning steps; whatever is left when the turn ends is
// handed back to the lane.
type steeringInbox struct {
	mu     sync.Mutex
	msgs   []models.TurnPayload
	closed bool
}

// push appends a steering message. It fails once the turn has finished.
func (in *steeringInbox) push(p models.TurnPayload) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.msgs = append(in.msgs, p)
	return true
}

// replace keeps at most one unconsumed message: p replaces whatever is
// pending, and the displaced messages are returned.
func (in *steeringInbox) replace(p models.TurnPayload) (displaced []models.TurnPayload, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, false
	}
	displaced = in.msgs
	in.msgs = []models.TurnPayload{p}
	return displaced, true
}

func (in *steeringInbox) take() []models.TurnPayload {
	in.mu.Lock()
	defer in.mu.Unlock()
	msgs := in.msgs
	in.msgs = nil
	return msgs
}

// close seals the inbox and returns unconsumed messages.
func (in *steeringInbox) close() []models.TurnPayload {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	msgs := in.msgs
	in.msgs = nil
	return msgs
}

package models

import (
	"strings"
	"time"
)

// Outcome is how a dispatched turn ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Completion is reported for every dispatched turn, whatever its outcome.
type Completion struct {
	SessionKey string        `json:"session_key"`
	TurnID     string        `json:"turn_id"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// CombinePayloads joins several payloads into one turn prompt, oldest first.
func CombinePayloads(parts []TurnPayload) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0].Text
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if p.SenderName != "" {
			b.WriteString(p.SenderName)
			b.WriteString(": ")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

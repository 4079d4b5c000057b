package sessions

import (
	"strings"
	"time"

	"github.com/haasonsaas/turnstile/pkg/models"
)

// ResetMode selects how a session's stored conversation goes stale.
type ResetMode string

const (
	ResetModeDaily ResetMode = "daily"
	ResetModeIdle  ResetMode = "idle"
)

// Defaults applied when no reset policy is configured.
const (
	DefaultResetAtHour = 4
	DefaultIdleMinutes = 60
)

// SessionType constants for reset configuration.
const (
	SessionTypeDM     = "dm"
	SessionTypeGroup  = "group"
	SessionTypeThread = "thread"
)

// ResetPolicy is a resolved reset rule.
type ResetPolicy struct {
	Mode        ResetMode
	AtHour      int
	IdleMinutes int
}

// Freshness is the result of evaluating a session against a reset policy.
// Zero times mean the corresponding rule does not apply.
type Freshness struct {
	Fresh         bool
	DailyResetAt  time.Time
	IdleExpiresAt time.Time
	// Reason is "daily" or "idle" when the session is stale.
	Reason string
}

// EvaluateFreshness decides whether a session last active at updatedAt is
// still fresh at now. The daily boundary is computed on now's clock
// location; callers that want the process-local clock pass time.Now().
func EvaluateFreshness(updatedAt, now time.Time, policy ResetPolicy) Freshness {
	policy = policy.normalized()
	result := Freshness{Fresh: true}

	if policy.Mode == ResetModeDaily {
		loc := now.Location()
		boundary := time.Date(now.Year(), now.Month(), now.Day(), policy.AtHour, 0, 0, 0, loc)
		if now.Before(boundary) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		result.DailyResetAt = boundary
		if updatedAt.Before(boundary) {
			result.Fresh = false
			result.Reason = string(ResetModeDaily)
		}
	}

	if policy.IdleMinutes > 0 {
		result.IdleExpiresAt = updatedAt.Add(time.Duration(policy.IdleMinutes) * time.Minute)
		if now.After(result.IdleExpiresAt) && result.Fresh {
			result.Fresh = false
			result.Reason = string(ResetModeIdle)
		}
	}

	return result
}

func (p ResetPolicy) normalized() ResetPolicy {
	if p.AtHour < 0 {
		p.AtHour = 0
	}
	if p.AtHour > 23 {
		p.AtHour = 23
	}
	if p.Mode != ResetModeIdle {
		p.Mode = ResetModeDaily
	}
	if p.Mode == ResetModeIdle && p.IdleMinutes <= 0 {
		p.IdleMinutes = DefaultIdleMinutes
	}
	return p
}

// PolicyFromConfig converts a configured reset rule into a policy.
func PolicyFromConfig(cfg ResetConfig) ResetPolicy {
	policy := ResetPolicy{AtHour: cfg.AtHour, IdleMinutes: cfg.IdleMinutes}
	// "daily+idle" and unknown spellings fall back to daily; IdleMinutes
	// still applies on top.
	if strings.EqualFold(strings.TrimSpace(cfg.Mode), string(ResetModeIdle)) {
		policy.Mode = ResetModeIdle
	} else {
		policy.Mode = ResetModeDaily
	}
	return policy.normalized()
}

// ResetContext selects which configured policy applies to a session.
type ResetContext struct {
	Channel     models.ChannelType
	SessionType string
	// Override, when non-nil, wins over every configured policy.
	Override *ResetPolicy
}

// ResolveResetPolicy picks the policy for a session. Precedence:
// explicit override > by channel > by session type > flat reset >
// legacy idle minutes > daily at DefaultResetAtHour.
func ResolveResetPolicy(cfg ScopeConfig, rc ResetContext) ResetPolicy {
	if rc.Override != nil {
		return rc.Override.normalized()
	}
	if cfg.ResetByChannel != nil {
		if rule, ok := cfg.ResetByChannel[normalizeToken(string(rc.Channel))]; ok {
			return PolicyFromConfig(rule)
		}
	}
	if cfg.ResetByType != nil && rc.SessionType != "" {
		if rule, ok := cfg.ResetByType[rc.SessionType]; ok {
			return PolicyFromConfig(rule)
		}
	}
	if !cfg.Reset.IsZero() {
		return PolicyFromConfig(cfg.Reset)
	}
	if cfg.IdleMinutes > 0 {
		return ResetPolicy{Mode: ResetModeIdle, IdleMinutes: cfg.IdleMinutes}
	}
	return ResetPolicy{Mode: ResetModeDaily, AtHour: DefaultResetAtHour}
}

// ThreadHints are caller-supplied signals that an event belongs to a thread.
type ThreadHints struct {
	ThreadID          string
	ThreadLabel       string
	ThreadStarterBody string
	ParentSessionKey  string
}

func (h ThreadHints) present() bool {
	return strings.TrimSpace(h.ThreadID) != "" ||
		strings.TrimSpace(h.ThreadLabel) != "" ||
		strings.TrimSpace(h.ThreadStarterBody) != "" ||
		strings.TrimSpace(h.ParentSessionKey) != ""
}

// ResolveSessionType classifies a session as dm, group, or thread from
// explicit hints first and key markers second.
func ResolveSessionType(sessionKey string, hints ThreadHints) string {
	if hints.present() {
		return SessionTypeThread
	}
	key := strings.ToLower(sessionKey)
	if strings.Contains(key, ":thread:") || strings.Contains(key, ":topic:") {
		return SessionTypeThread
	}
	if strings.Contains(key, ":group:") || strings.Contains(key, ":channel:") {
		return SessionTypeGroup
	}
	return SessionTypeDM
}

// Lifecycle evaluates session freshness against the configured reset rules.
type Lifecycle struct {
	cfg      ScopeConfig
	nowFunc  func() time.Time // For testing
	location *time.Location   // Timezone for daily resets
}

// NewLifecycle creates a Lifecycle evaluating on the process-local clock.
func NewLifecycle(cfg ScopeConfig) *Lifecycle {
	return NewLifecycleWithLocation(cfg, time.Local)
}

// NewLifecycleWithLocation creates a Lifecycle with a specific timezone.
func NewLifecycleWithLocation(cfg ScopeConfig, loc *time.Location) *Lifecycle {
	if loc == nil {
		loc = time.Local
	}
	return &Lifecycle{cfg: cfg, nowFunc: time.Now, location: loc}
}

// SetNowFunc sets a custom time function for testing.
func (l *Lifecycle) SetNowFunc(fn func() time.Time) {
	l.nowFunc = fn
}

// Now returns the lifecycle's current time in its configured location.
func (l *Lifecycle) Now() time.Time {
	return l.nowFunc().In(l.location)
}

// Check evaluates a stored entry. A nil entry is reported fresh.
func (l *Lifecycle) Check(entry *models.SessionEntry, rc ResetContext) Freshness {
	if entry == nil {
		return Freshness{Fresh: true}
	}
	last := entry.UpdatedAt
	if last.IsZero() {
		last = entry.CreatedAt
	}
	if last.IsZero() {
		return Freshness{Fresh: true}
	}
	return EvaluateFreshness(last, l.Now(), ResolveResetPolicy(l.cfg, rc))
}

// Package queue schedules agent turns per session.
//
// Every session key is served by a lane: a goroutine that owns the session's
// queued entries and its in-flight turn. Lanes receive inbound requests,
// admission grants, debounce timers and turn completions as messages, so
// all queue-state mutation for a session happens on one goroutine while
// different sessions proceed independently.
package queue

import (
	"strings"
	"time"
)

// Mode governs how a request interacts with a session that is busy.
type Mode string

const (
	ModeSteer        Mode = "steer"
	ModeFollowup     Mode = "followup"
	ModeCollect      Mode = "collect"
	ModeSteerBacklog Mode = "steer-backlog"
	ModeQueue        Mode = "queue"
	ModeInterrupt    Mode = "interrupt"
)

// Modes lists every queue mode in documentation order.
var Modes = []Mode{ModeSteer, ModeFollowup, ModeCollect, ModeSteerBacklog, ModeQueue, ModeInterrupt}

// ParseMode normalizes a configured mode, accepting common aliases.
func ParseMode(raw string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "steer":
		return ModeSteer, true
	case "followup", "follow-up", "follow_up":
		return ModeFollowup, true
	case "collect":
		return ModeCollect, true
	case "steer-backlog", "steer+backlog", "steer_backlog", "steerbacklog":
		return ModeSteerBacklog, true
	case "queue":
		return ModeQueue, true
	case "interrupt":
		return ModeInterrupt, true
	default:
		return "", false
	}
}

// DropPolicy decides what happens when a session's queue is full.
type DropPolicy string

const (
	DropOld       DropPolicy = "old"
	DropNew       DropPolicy = "new"
	DropSummarize DropPolicy = "summarize"
)

// DropPolicies lists every drop policy.
var DropPolicies = []DropPolicy{DropOld, DropNew, DropSummarize}

// ParseDropPolicy normalizes a configured drop policy.
func ParseDropPolicy(raw string) (DropPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "old", "oldest":
		return DropOld, true
	case "new", "newest":
		return DropNew, true
	case "summarize", "summary":
		return DropSummarize, true
	default:
		return "", false
	}
}

// Defaults used when neither configuration nor the session override a setting.
const (
	DefaultMode     = ModeCollect
	DefaultDebounce = time.Second
	DefaultCap      = 20
	DefaultDrop     = DropSummarize
)

// Settings are the effective queue settings for one request.
type Settings struct {
	Mode     Mode
	Debounce time.Duration
	Cap      int
	Drop     DropPolicy
}

// DefaultSettings returns the built-in queue settings.
func DefaultSettings() Settings {
	return Settings{Mode: DefaultMode, Debounce: DefaultDebounce, Cap: DefaultCap, Drop: DefaultDrop}
}

func (s Settings) normalized() Settings {
	if _, ok := ParseMode(string(s.Mode)); !ok {
		s.Mode = DefaultMode
	}
	if _, ok := ParseDropPolicy(string(s.Drop)); !ok {
		s.Drop = DefaultDrop
	}
	if s.Cap <= 0 {
		s.Cap = DefaultCap
	}
	if s.Debounce < 0 {
		s.Debounce = 0
	}
	return s
}

// Config is the configured queue surface: global values plus per-channel
// overrides.
type Config struct {
	Mode       Mode
	DebounceMs *int
	Cap        int
	Drop       DropPolicy

	ByChannel           map[string]Mode
	DebounceMsByChannel map[string]int
}

// Overrides are per-session settings stored on the session entry.
type Overrides struct {
	Mode       string
	DebounceMs *int
	Cap        *int
	Drop       string
}

// ResolveSettings computes the effective settings for a session on channel.
// Each field resolves independently: session override > channel > global >
// default.
func ResolveSettings(cfg Config, channel string, ov Overrides) Settings {
	out := DefaultSettings()
	channel = strings.ToLower(strings.TrimSpace(channel))

	if m, ok := ParseMode(ov.Mode); ok {
		out.Mode = m
	} else if m, ok := cfg.ByChannel[channel]; ok && m != "" {
		out.Mode = m
	} else if cfg.Mode != "" {
		out.Mode = cfg.Mode
	}

	out.Debounce = ResolveDebounce(cfg, channel, ov.DebounceMs)

	if ov.Cap != nil && *ov.Cap > 0 {
		out.Cap = *ov.Cap
	} else if cfg.Cap > 0 {
		out.Cap = cfg.Cap
	}

	if d, ok := ParseDropPolicy(ov.Drop); ok {
		out.Drop = d
	} else if cfg.Drop != "" {
		out.Drop = cfg.Drop
	}

	return out.normalized()
}

// ResolveDebounce resolves the effective debounce duration using the
// priority: override > byChannel > base > DefaultDebounce.
func ResolveDebounce(cfg Config, channel string, override *int) time.Duration {
	// Priority 1: explicit override
	if override != nil && *override >= 0 {
		return time.Duration(*override) * time.Millisecond
	}

	// Priority 2: channel-specific setting
	if cfg.DebounceMsByChannel != nil {
		if ms, ok := cfg.DebounceMsByChannel[channel]; ok && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}

	// Priority 3: base config
	if cfg.DebounceMs != nil && *cfg.DebounceMs >= 0 {
		return time.Duration(*cfg.DebounceMs) * time.Millisecond
	}

	return DefaultDebounce
}

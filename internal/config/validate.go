package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/internal/sessions"
	"github.com/haasonsaas/turnstile/internal/tools/policy"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid config")

var heartbeatParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Validate checks semantic constraints the schema cannot express and
// reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Session.Scope)) {
	case sessions.ScopePerSender, sessions.ScopeGlobal:
	default:
		add("session.scope: unknown scope %q", c.Session.Scope)
	}
	switch strings.ToLower(strings.TrimSpace(c.Session.DMScope)) {
	case sessions.DMScopeMain, sessions.DMScopePerPeer, sessions.DMScopePerChannelPeer, sessions.DMScopePerAccountChannelPeer:
	default:
		add("session.dm_scope: unknown scope %q", c.Session.DMScope)
	}
	if tz := strings.TrimSpace(c.Session.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("session.timezone: %v", err)
		}
	}
	validateReset := func(path string, rc ResetConfig) {
		switch strings.ToLower(strings.TrimSpace(rc.Mode)) {
		case "", "daily", "idle", "daily+idle":
		default:
			add("%s.mode: unknown reset mode %q", path, rc.Mode)
		}
		if rc.AtHour != nil && (*rc.AtHour < 0 || *rc.AtHour > 23) {
			add("%s.at_hour: %d is outside 0-23", path, *rc.AtHour)
		}
		if rc.IdleMinutes < 0 {
			add("%s.idle_minutes: must not be negative", path)
		}
	}
	validateReset("session.reset", c.Session.Reset)
	for k, rc := range c.Session.ResetByType {
		switch k {
		case sessions.SessionTypeDM, sessions.SessionTypeGroup, sessions.SessionTypeThread:
		default:
			add("session.reset_by_type: unknown session type %q", k)
		}
		validateReset("session.reset_by_type."+k, rc)
	}
	for k, rc := range c.Session.ResetByChannel {
		validateReset("session.reset_by_channel."+k, rc)
	}

	if _, ok := queue.ParseMode(c.Queue.Mode); !ok {
		add("queue.mode: unknown mode %q", c.Queue.Mode)
	}
	if _, ok := queue.ParseDropPolicy(c.Queue.Drop); !ok {
		add("queue.drop: unknown drop policy %q", c.Queue.Drop)
	}
	if c.Queue.Cap < 0 {
		add("queue.cap: must not be negative")
	}
	if c.Queue.DebounceMs != nil && *c.Queue.DebounceMs < 0 {
		add("queue.debounce_ms: must not be negative")
	}
	for ch, m := range c.Queue.ByChannel {
		if _, ok := queue.ParseMode(m); !ok {
			add("queue.by_channel.%s: unknown mode %q", ch, m)
		}
	}
	for ch, ms := range c.Queue.DebounceMsByChannel {
		if ms < 0 {
			add("queue.debounce_ms_by_channel.%s: must not be negative", ch)
		}
	}

	if n := c.Concurrency.MaxConcurrent; n != nil && *n < 0 {
		add("concurrency.max_concurrent: must not be negative")
	}
	if n := c.Concurrency.AgentMaxConcurrent; n != nil && *n < 0 {
		add("concurrency.agent_max_concurrent: must not be negative")
	}

	validateSandbox := func(path string, sb SandboxConfig) {
		if sb.Mode != "" {
			if _, ok := sandbox.ParseMode(sb.Mode); !ok {
				add("%s.mode: unknown sandbox mode %q", path, sb.Mode)
			}
		}
		if sb.Scope != "" {
			if _, ok := sandbox.ParseScope(sb.Scope); !ok {
				add("%s.scope: unknown sandbox scope %q", path, sb.Scope)
			}
		}
	}
	validateSandbox("agents.defaults.sandbox", c.Agents.Defaults.Sandbox)
	validateModel := func(path, ref string) {
		if strings.TrimSpace(ref) == "" {
			return
		}
		if provider, model := splitModelRef(ref); provider == "" || (strings.Contains(ref, "/") && model == "") {
			add("%s: %q must be \"provider\" or \"provider/model\"", path, ref)
		}
	}
	validateModel("agents.defaults.model", c.Agents.Defaults.Model)

	seen := make(map[string]bool, len(c.Agents.List))
	for i, a := range c.Agents.List {
		id := normalizeID(a.ID)
		if id == "" {
			add("agents.list[%d].id: required", i)
			continue
		}
		if seen[id] {
			add("agents.list[%d].id: duplicate agent %q", i, a.ID)
		}
		seen[id] = true
		if a.MaxConcurrent != nil && *a.MaxConcurrent < 0 {
			add("agents.list[%d].max_concurrent: must not be negative", i)
		}
		validateModel(fmt.Sprintf("agents.list[%d].model", i), a.Model)
		if a.Sandbox != nil {
			validateSandbox(fmt.Sprintf("agents.list[%d].sandbox", i), *a.Sandbox)
		}
		if a.Tools != nil {
			validatePolicy(fmt.Sprintf("agents.list[%d].tools", i), a.Tools, add)
		}
	}

	validatePolicy("tools", &c.Tools.Policy, add)
	for key, gp := range c.Tools.Groups {
		if !strings.Contains(key, ":") {
			add("tools.groups.%s: key must be <channel>:<group> or <channel>:*", key)
		}
		if gp == nil {
			continue
		}
		validatePolicy("tools.groups."+key, &gp.Policy, add)
		for sender, sp := range gp.BySender {
			if sp != nil {
				validatePolicy("tools.groups."+key+".by_sender."+sender, sp, add)
			}
		}
	}
	if c.Tools.Sandbox.Tools != nil {
		validatePolicy("tools.sandbox.tools", c.Tools.Sandbox.Tools, add)
	}
	for name, tools := range c.Tools.CustomGroups {
		if strings.TrimSpace(name) == "" || len(tools) == 0 {
			add("tools.custom_groups.%s: must name at least one tool", name)
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			add("store.path: required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			add("store.dsn: required for the postgres driver")
		}
	default:
		add("store.driver: unknown driver %q", c.Store.Driver)
	}

	if c.Store.ConnectAttempts < 0 {
		add("store.connect_attempts: must not be negative")
	}

	if _, err := heartbeatParser.Parse(c.Observability.Heartbeat); err != nil {
		add("observability.heartbeat: %v", err)
	}
	if d, err := time.ParseDuration(c.Observability.StuckAfter); err != nil || d <= 0 {
		add("observability.stuck_after: %q is not a positive duration", c.Observability.StuckAfter)
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate: %v is outside 0-1", r)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validatePolicy(path string, p *policy.Policy, add func(string, ...any)) {
	if p.Profile != "" && !p.Profile.Valid() {
		add("%s.profile: unknown profile %q", path, p.Profile)
	}
	for key, sub := range p.ByProvider {
		if sub == nil {
			continue
		}
		if len(sub.ByProvider) > 0 {
			add("%s.by_provider.%s: provider policies cannot nest", path, key)
		}
		validatePolicy(path+".by_provider."+key, sub, add)
	}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Package ratelimit enforces per-role call quotas over minute, hour, and
// day windows, plus a concurrent-call ceiling.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// warnThreshold is the window utilization that triggers a warning event.
const warnThreshold = 0.8

// ToolQuota sub-limits a single tool within a role quota.
type ToolQuota struct {
	MaxPerMinute int `yaml:"maxPerMinute,omitempty" json:"maxPerMinute,omitempty"`
	MaxPerHour   int `yaml:"maxPerHour,omitempty" json:"maxPerHour,omitempty"`
}

// Quota is a role's call budget. Zero fields are unlimited.
type Quota struct {
	MaxPerMinute  int                  `yaml:"maxPerMinute,omitempty" json:"maxPerMinute,omitempty"`
	MaxPerHour    int                  `yaml:"maxPerHour,omitempty" json:"maxPerHour,omitempty"`
	MaxPerDay     int                  `yaml:"maxPerDay,omitempty" json:"maxPerDay,omitempty"`
	MaxConcurrent int                  `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
	PerTool       map[string]ToolQuota `yaml:"perTool,omitempty" json:"perTool,omitempty"`
}

// Denial reports which window rejected a call and when to retry.
type Denial struct {
	Window       string
	RetryAfterMs int64
}

func (d *Denial) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window, retry in %dms", d.Window, d.RetryAfterMs)
}

// Warning is emitted when a window crosses the utilization threshold.
type Warning struct {
	Session     string
	Role        string
	Window      string
	Count       int
	Limit       int
	Utilization float64
}

// window counts calls until its reset time; an expired window resets on
// touch.
type window struct {
	count   int
	resetAt time.Time
}

func (w *window) touch(now time.Time, span time.Duration) {
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(span)
	}
}

type toolWindows struct {
	minute window
	hour   window
}

// tracker holds one session's counters.
type tracker struct {
	minute     window
	hour       window
	day        window
	concurrent int
	perTool    map[string]*toolWindows
}

// Limiter tracks per-session usage against per-role quotas.
type Limiter struct {
	mu       sync.Mutex
	quotas   map[string]*Quota
	trackers map[string]*tracker

	onWarning func(Warning)
	now       func() time.Time
}

// NewLimiter creates a limiter with the given per-role quotas. Roles with
// no quota are unlimited.
func NewLimiter(quotas map[string]*Quota) *Limiter {
	return &Limiter{
		quotas:   quotas,
		trackers: make(map[string]*tracker),
		now:      time.Now,
	}
}

// OnWarning registers a callback for high-utilization events.
func (l *Limiter) OnWarning(fn func(Warning)) { l.onWarning = fn }

// SetQuotas replaces the quota table.
func (l *Limiter) SetQuotas(quotas map[string]*Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotas = quotas
}

func (l *Limiter) trackerFor(session, role string) *tracker {
	key := session + ":" + role
	t, ok := l.trackers[key]
	if !ok {
		t = &tracker{perTool: make(map[string]*toolWindows)}
		l.trackers[key] = t
	}
	return t
}

// Check inspects the role's quota in window order and returns a denial for
// the first exceeded window, or nil.
func (l *Limiter) Check(session, role, tool string) *Denial {
	l.mu.Lock()
	defer l.mu.Unlock()

	quota := l.quotas[role]
	if quota == nil {
		return nil
	}
	now := l.now()
	t := l.trackerFor(session, role)

	checks := []struct {
		name  string
		w     *window
		span  time.Duration
		limit int
	}{
		{"minute", &t.minute, time.Minute, quota.MaxPerMinute},
		{"hour", &t.hour, time.Hour, quota.MaxPerHour},
		{"day", &t.day, 24 * time.Hour, quota.MaxPerDay},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		c.w.touch(now, c.span)
		if c.w.count >= c.limit {
			return &Denial{Window: c.name, RetryAfterMs: c.w.resetAt.Sub(now).Milliseconds()}
		}
	}

	if tq, ok := quota.PerTool[tool]; ok && tool != "" {
		tw := t.perTool[tool]
		if tw == nil {
			tw = &toolWindows{}
			t.perTool[tool] = tw
		}
		if tq.MaxPerMinute > 0 {
			tw.minute.touch(now, time.Minute)
			if tw.minute.count >= tq.MaxPerMinute {
				return &Denial{Window: "tool-minute", RetryAfterMs: tw.minute.resetAt.Sub(now).Milliseconds()}
			}
		}
		if tq.MaxPerHour > 0 {
			tw.hour.touch(now, time.Hour)
			if tw.hour.count >= tq.MaxPerHour {
				return &Denial{Window: "tool-hour", RetryAfterMs: tw.hour.resetAt.Sub(now).Milliseconds()}
			}
		}
	}

	if quota.MaxConcurrent > 0 && t.concurrent >= quota.MaxConcurrent {
		return &Denial{Window: "concurrent"}
	}

	return nil
}

// Consume counts one call against every applicable window.
func (l *Limiter) Consume(session, role, tool string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	quota := l.quotas[role]
	if quota == nil {
		return
	}
	now := l.now()
	t := l.trackerFor(session, role)

	var warnings []Warning
	bump := func(name string, w *window, span time.Duration, limit int) {
		w.touch(now, span)
		w.count++
		if limit > 0 {
			util := float64(w.count) / float64(limit)
			if util >= warnThreshold && float64(w.count-1)/float64(limit) < warnThreshold {
				warnings = append(warnings, Warning{
					Session: session, Role: role, Window: name,
					Count: w.count, Limit: limit, Utilization: util,
				})
			}
		}
	}

	bump("minute", &t.minute, time.Minute, quota.MaxPerMinute)
	bump("hour", &t.hour, time.Hour, quota.MaxPerHour)
	bump("day", &t.day, 24*time.Hour, quota.MaxPerDay)

	if tq, ok := quota.PerTool[tool]; ok && tool != "" {
		tw := t.perTool[tool]
		if tw == nil {
			tw = &toolWindows{}
			t.perTool[tool] = tw
		}
		bump("tool-minute", &tw.minute, time.Minute, tq.MaxPerMinute)
		bump("tool-hour", &tw.hour, time.Hour, tq.MaxPerHour)
	}

	if l.onWarning != nil {
		for _, w := range warnings {
			l.onWarning(w)
		}
	}
}

// StartConcurrent marks a call in flight.
func (l *Limiter) StartConcurrent(session, role string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trackerFor(session, role).concurrent++
}

// EndConcurrent marks a call finished; the counter never goes negative.
func (l *Limiter) EndConcurrent(session, role string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.trackerFor(session, role)
	if t.concurrent > 0 {
		t.concurrent--
	}
}

// Reset clears a session's counters.
func (l *Limiter) Reset(session, role string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.trackers, session+":"+role)
}

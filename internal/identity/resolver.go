// Package identity resolves an incoming agent identity to a role via
// prioritized skill-match rules, and decides trust from configured name
// prefixes.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/skills"
)

// ErrRejected is returned in reject-unknown mode when no rule matches.
var ErrRejected = errors.New("unknown agent")

// InvalidConfigError reports malformed rule configuration under strict
// validation.
type InvalidConfigError struct {
	Rule   string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid identity config for rule %q: %s", e.Rule, e.Reason)
}

// Identity is a declared agent identity.
type Identity struct {
	Name   string   `json:"name"`
	Skills []string `json:"skills,omitempty"`

	// Token is an optional signed identity proof; see TokenVerifier.Verify.
	Token string `json:"identityToken,omitempty"`
}

// Resolution is the outcome of resolving an identity.
type Resolution struct {
	Role          string            `json:"role"`
	Rule          *skills.MatchRule `json:"rule,omitempty"`
	MatchedSkills []string          `json:"matchedSkills,omitempty"`
	Trusted       bool              `json:"trusted"`
	ResolvedAt    time.Time         `json:"resolvedAt"`
}

// Config controls resolution behavior.
type Config struct {
	DefaultRole   string
	RejectUnknown bool

	// Strict makes malformed time/timezone configuration an error instead
	// of failing open.
	Strict bool
}

// Resolver holds the rule list and trusted prefixes.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	mu              sync.RWMutex
	rules           []skills.MatchRule
	trustedPrefixes []string

	now func() time.Time
}

// NewResolver creates an empty resolver.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		logger: logger.With("component", "identity"),
		now:    time.Now,
	}
}

// SetDefaultRole updates the fallback role.
func (r *Resolver) SetDefaultRole(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.DefaultRole = role
}

// LoadFromSkills replaces the rule list and trusted prefixes with the
// aggregate of every skill's identity block. Rules keep manifest order
// within equal priorities.
func (r *Resolver) LoadFromSkills(m *skills.Manifest) error {
	var rules []skills.MatchRule
	var prefixes []string
	for _, skill := range m.Skills {
		if skill.Identity == nil {
			continue
		}
		rules = append(rules, skill.Identity.SkillMatching...)
		prefixes = append(prefixes, skill.Identity.TrustedPrefixes...)
	}

	if r.cfg.Strict {
		for i := range rules {
			if err := validateRule(&rules[i]); err != nil {
				return err
			}
		}
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
	r.trustedPrefixes = prefixes
	return nil
}

// Rules returns the sorted rule list.
func (r *Resolver) Rules() []skills.MatchRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]skills.MatchRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Resolve maps an identity to a role. Rules are evaluated in priority
// order; the first rule whose gates all pass wins. Trust is decided
// independently from the name prefix.
func (r *Resolver) Resolve(id Identity) (*Resolution, error) {
	r.mu.RLock()
	rules := r.rules
	prefixes := r.trustedPrefixes
	r.mu.RUnlock()

	declared := make(map[string]bool, len(id.Skills))
	for _, s := range id.Skills {
		declared[s] = true
	}

	res := &Resolution{
		Trusted:    trustedName(id.Name, prefixes),
		ResolvedAt: r.now(),
	}

	for i := range rules {
		rule := &rules[i]
		matched, ok := r.ruleMatches(rule, declared)
		if !ok {
			continue
		}
		res.Role = rule.Role
		res.Rule = rule
		res.MatchedSkills = matched
		return res, nil
	}

	if r.cfg.RejectUnknown {
		return nil, fmt.Errorf("%w: %s", ErrRejected, id.Name)
	}
	res.Role = r.cfg.DefaultRole
	return res, nil
}

// ruleMatches evaluates one rule's gates in order: forbidden skills first,
// then required, then any-of, then time context.
func (r *Resolver) ruleMatches(rule *skills.MatchRule, declared map[string]bool) ([]string, bool) {
	for _, s := range rule.ForbiddenSkills {
		if declared[s] {
			return nil, false
		}
	}

	var matched []string
	for _, s := range rule.RequiredSkills {
		if !declared[s] {
			return nil, false
		}
		matched = append(matched, s)
	}

	if len(rule.AnySkills) > 0 {
		min := rule.MinSkillMatch
		if min < 1 {
			min = 1
		}
		count := 0
		for _, s := range rule.AnySkills {
			if declared[s] {
				matched = append(matched, s)
				count++
			}
		}
		if count < min {
			return nil, false
		}
	}

	if !r.contextPasses(rule) {
		return nil, false
	}
	return matched, true
}

// contextPasses checks the rule's day and time-of-day constraints in its
// timezone. Malformed configuration fails open.
func (r *Resolver) contextPasses(rule *skills.MatchRule) bool {
	ctx := rule.Context
	if ctx == nil {
		return true
	}

	loc := time.Local
	if ctx.Timezone != "" {
		parsed, err := time.LoadLocation(ctx.Timezone)
		if err != nil {
			r.logger.Warn("unknown timezone in identity rule, falling back to system zone",
				"rule", rule.Role, "timezone", ctx.Timezone)
		} else {
			loc = parsed
		}
	}
	now := r.now().In(loc)

	if len(ctx.AllowedDays) > 0 {
		day := strings.ToLower(now.Weekday().String())
		found := false
		for _, d := range ctx.AllowedDays {
			if strings.ToLower(d) == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if ctx.AllowedTime != "" {
		start, end, err := parseTimeRange(ctx.AllowedTime)
		if err != nil {
			r.logger.Warn("malformed time range in identity rule, ignoring context",
				"rule", rule.Role, "range", ctx.AllowedTime)
			return true
		}
		minutes := now.Hour()*60 + now.Minute()
		if end <= start {
			// Crosses midnight: valid before end or at/after start.
			if minutes >= end && minutes < start {
				return false
			}
		} else if minutes < start || minutes >= end {
			return false
		}
	}

	return true
}

// parseTimeRange parses "HH:MM-HH:MM" into minutes since midnight.
func parseTimeRange(s string) (start, end int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time range %q must be HH:MM-HH:MM", s)
	}
	start, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("clock %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

func validateRule(rule *skills.MatchRule) error {
	ctx := rule.Context
	if ctx == nil {
		return nil
	}
	if ctx.Timezone != "" {
		if _, err := time.LoadLocation(ctx.Timezone); err != nil {
			return &InvalidConfigError{Rule: rule.Role, Reason: fmt.Sprintf("unknown timezone %q", ctx.Timezone)}
		}
	}
	if ctx.AllowedTime != "" {
		if _, _, err := parseTimeRange(ctx.AllowedTime); err != nil {
			return &InvalidConfigError{Rule: rule.Role, Reason: err.Error()}
		}
	}
	return nil
}

func trustedName(name string, prefixes []string) bool {
	lower := strings.ToLower(name)
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

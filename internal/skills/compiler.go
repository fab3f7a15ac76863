package skills

import (
	"log/slog"
	"sort"
	"strings"
)

// WildcardPattern grants every tool or server.
const WildcardPattern = "*"

// denyPrefix marks a tool pattern as a deny entry. Deny wins over allow.
const denyPrefix = "!"

// MemoryGrant is a role's aggregated memory permission.
type MemoryGrant struct {
	Level     MemoryLevel `json:"level"`
	TeamRoles []string    `json:"teamRoles,omitempty"`
}

// Role is one compiled entry of the role table.
type Role struct {
	ID                string      `json:"id"`
	Inherits          string      `json:"inherits,omitempty"`
	AllowedServers    []string    `json:"allowedServers"`
	AllowedTools      []string    `json:"allowedTools"`
	Memory            MemoryGrant `json:"memory"`
	SystemInstruction string      `json:"systemInstruction,omitempty"`
	SkillIDs          []string    `json:"skillIds"`
}

// Table is the compiled role table for one manifest version. It is
// immutable once built; a recompile produces a fresh table that replaces
// the old one atomically.
type Table struct {
	roles       map[string]*Role
	defaultRole string
	logger      *slog.Logger
}

// Compile derives the role table from a manifest. Pass one collects the
// closed set of explicit role ids; pass two applies each skill to its
// listed roles, expanding the "*" sentinel over that set.
func Compile(m *Manifest, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		roles:  make(map[string]*Role),
		logger: logger.With("component", "skills"),
	}

	var explicit []string
	for _, skill := range m.Skills {
		for _, roleID := range skill.AllowedRoles {
			if roleID == WildcardRole {
				continue
			}
			if _, ok := t.roles[roleID]; !ok {
				t.roles[roleID] = &Role{ID: roleID, Memory: MemoryGrant{Level: MemoryNone}}
				explicit = append(explicit, roleID)
			}
		}
	}
	sort.Strings(explicit)

	for id, decl := range m.Roles {
		role, ok := t.roles[id]
		if !ok {
			// A declared role no skill grants anything to still exists,
			// with an empty grant set.
			role = &Role{ID: id, Memory: MemoryGrant{Level: MemoryNone}}
			t.roles[id] = role
		}
		role.Inherits = decl.Inherits
		role.SystemInstruction = decl.SystemInstruction
		if decl.DefaultRole {
			t.defaultRole = id
		}
	}

	for _, skill := range m.Skills {
		targets := skill.AllowedRoles
		if containsWildcard(targets) {
			targets = explicit
		}
		for _, roleID := range targets {
			role, ok := t.roles[roleID]
			if !ok {
				continue
			}
			t.applySkill(role, skill)
		}
	}

	for _, role := range t.roles {
		sort.Strings(role.AllowedServers)
		sort.Strings(role.AllowedTools)
		sort.Strings(role.SkillIDs)
		sort.Strings(role.Memory.TeamRoles)
	}

	return t
}

func containsWildcard(roles []string) bool {
	for _, r := range roles {
		if r == WildcardRole {
			return true
		}
	}
	return false
}

// applySkill unions one skill's grants into a role.
func (t *Table) applySkill(role *Role, skill *Skill) {
	role.SkillIDs = appendUnique(role.SkillIDs, skill.ID)

	for _, pattern := range skill.AllowedTools {
		role.AllowedTools = appendUnique(role.AllowedTools, pattern)
		if server, ok := patternServer(pattern); ok {
			role.AllowedServers = appendUnique(role.AllowedServers, server)
		}
	}

	if skill.Grants == nil || skill.Grants.Memory == "" {
		return
	}
	granted := skill.Grants.Memory
	switch {
	case granted.Rank() > role.Memory.Level.Rank():
		role.Memory = MemoryGrant{Level: granted, TeamRoles: dedupe(skill.Grants.MemoryTeamRoles)}
	case granted.Rank() == role.Memory.Level.Rank() && granted == MemoryTeam:
		for _, tr := range skill.Grants.MemoryTeamRoles {
			role.Memory.TeamRoles = appendUnique(role.Memory.TeamRoles, tr)
		}
	}
}

// patternServer extracts the server a tool pattern refers to. The global
// wildcard maps to the server wildcard.
func patternServer(pattern string) (string, bool) {
	pattern = strings.TrimPrefix(pattern, denyPrefix)
	if pattern == WildcardPattern {
		return WildcardPattern, true
	}
	server, _, ok := splitPattern(pattern)
	return server, ok
}

func splitPattern(pattern string) (server, tool string, ok bool) {
	idx := strings.Index(pattern, "__")
	if idx <= 0 || idx+2 >= len(pattern) {
		return "", "", false
	}
	return pattern[:idx], pattern[idx+2:], true
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func dedupe(list []string) []string {
	var out []string
	for _, v := range list {
		out = appendUnique(out, v)
	}
	return out
}

// Role returns the compiled role with the given id.
func (t *Table) Role(id string) (*Role, bool) {
	r, ok := t.roles[id]
	return r, ok
}

// RoleIDs returns every compiled role id, sorted.
func (t *Table) RoleIDs() []string {
	ids := make([]string, 0, len(t.roles))
	for id := range t.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRole returns the manifest's declared default role id, or "".
func (t *Table) DefaultRole() string { return t.defaultRole }

// chain walks the inheritance chain starting at the given role and ending
// at its furthest ancestor. A cycle degrades to an empty chain with a warning.
func (t *Table) chain(roleID string) []*Role {
	visited := make(map[string]bool)
	var out []*Role
	for id := roleID; id != ""; {
		if visited[id] {
			t.logger.Warn("inheritance cycle detected, treating chain as empty", "role", roleID)
			return nil
		}
		visited[id] = true
		role, ok := t.roles[id]
		if !ok {
			break
		}
		out = append(out, role)
		id = role.Inherits
	}
	return out
}

// EffectiveServers merges the server allow sets along the inheritance
// chain. A wildcard anywhere in the chain grants every server.
func (t *Table) EffectiveServers(roleID string) []string {
	var out []string
	for _, role := range t.chain(roleID) {
		for _, s := range role.AllowedServers {
			if s == WildcardPattern {
				return []string{WildcardPattern}
			}
			out = appendUnique(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// EffectiveToolPatterns merges allow and deny tool patterns along the
// inheritance chain.
func (t *Table) EffectiveToolPatterns(roleID string) []string {
	var out []string
	for _, role := range t.chain(roleID) {
		for _, p := range role.AllowedTools {
			out = appendUnique(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// EffectiveMemory resolves the memory grant along the inheritance chain:
// the highest level wins, with team-role sets unioned across grants at the
// winning team level.
func (t *Table) EffectiveMemory(roleID string) MemoryGrant {
	grant := MemoryGrant{Level: MemoryNone}
	for _, role := range t.chain(roleID) {
		switch {
		case role.Memory.Level.Rank() > grant.Level.Rank():
			grant = MemoryGrant{Level: role.Memory.Level, TeamRoles: dedupe(role.Memory.TeamRoles)}
		case role.Memory.Level.Rank() == grant.Level.Rank() && grant.Level == MemoryTeam:
			for _, tr := range role.Memory.TeamRoles {
				grant.TeamRoles = appendUnique(grant.TeamRoles, tr)
			}
		}
	}
	sort.Strings(grant.TeamRoles)
	return grant
}

// ServerAllowed reports whether the role's effective server set permits
// the given server id.
func (t *Table) ServerAllowed(roleID, serverID string) bool {
	for _, s := range t.EffectiveServers(roleID) {
		if s == WildcardPattern || s == serverID {
			return true
		}
	}
	return false
}

// ToolAllowed reports whether the role's effective tool patterns permit
// the fully-qualified tool name. Deny patterns win over allows.
func (t *Table) ToolAllowed(roleID, name string) bool {
	return PatternsAllow(t.EffectiveToolPatterns(roleID), name)
}

// MatchPattern reports whether one pattern permits a fully-qualified tool
// name. Patterns are exact ("S__T"), prefix ("S__*"), or global ("*").
func MatchPattern(pattern, name string) bool {
	if pattern == WildcardPattern {
		return true
	}
	if strings.HasSuffix(pattern, "__"+WildcardPattern) {
		prefix := strings.TrimSuffix(pattern, WildcardPattern)
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// PatternsAllow evaluates a pattern list against a tool name: any matching
// deny ("!" prefixed) rejects, otherwise any matching allow permits.
func PatternsAllow(patterns []string, name string) bool {
	allowed := false
	for _, p := range patterns {
		if deny, ok := strings.CutPrefix(p, denyPrefix); ok {
			if MatchPattern(deny, name) {
				return false
			}
			continue
		}
		if MatchPattern(p, name) {
			allowed = true
		}
	}
	return allowed
}

// Package skills loads skill manifests and compiles them into the effective
// role table. Roles are never authored directly: every grant a role carries
// is derived from the skills that name it.
package skills

import "fmt"

// WildcardRole in a skill's allowedRoles applies the skill to every role
// named explicitly in some skill's allowedRoles; roles declared only in the
// manifest's roles section are not included.
const WildcardRole = "*"

// MemoryLevel is a role's memory grant. Levels form a total order:
// all > team > isolated > none.
type MemoryLevel string

const (
	MemoryNone     MemoryLevel = "none"
	MemoryIsolated MemoryLevel = "isolated"
	MemoryTeam     MemoryLevel = "team"
	MemoryAll      MemoryLevel = "all"
)

var memoryRank = map[MemoryLevel]int{
	MemoryNone:     0,
	MemoryIsolated: 1,
	MemoryTeam:     2,
	MemoryAll:      3,
}

// Rank returns the level's position in the privilege order. Unknown levels
// rank as none.
func (m MemoryLevel) Rank() int { return memoryRank[m] }

// Valid reports whether the level is one of the four known grants.
func (m MemoryLevel) Valid() bool {
	_, ok := memoryRank[m]
	return ok
}

// Grants holds the capabilities a skill confers beyond tool access.
type Grants struct {
	Memory          MemoryLevel `yaml:"memory,omitempty" json:"memory,omitempty"`
	MemoryTeamRoles []string    `yaml:"memoryTeamRoles,omitempty" json:"memoryTeamRoles,omitempty"`
}

// MatchContext constrains an identity rule to days and a wall-clock range.
type MatchContext struct {
	// AllowedDays are lowercase day names ("monday" .. "sunday").
	AllowedDays []string `yaml:"allowedDays,omitempty" json:"allowedDays,omitempty"`

	// AllowedTime is "HH:MM-HH:MM"; an end at or before the start crosses
	// midnight.
	AllowedTime string `yaml:"allowedTime,omitempty" json:"allowedTime,omitempty"`

	// Timezone is an IANA zone name; empty falls back to the system zone.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// MatchRule maps a declared skill set to a role.
type MatchRule struct {
	Role            string        `yaml:"role" json:"role"`
	RequiredSkills  []string      `yaml:"requiredSkills,omitempty" json:"requiredSkills,omitempty"`
	AnySkills       []string      `yaml:"anySkills,omitempty" json:"anySkills,omitempty"`
	MinSkillMatch   int           `yaml:"minSkillMatch,omitempty" json:"minSkillMatch,omitempty"`
	ForbiddenSkills []string      `yaml:"forbiddenSkills,omitempty" json:"forbiddenSkills,omitempty"`
	Context         *MatchContext `yaml:"context,omitempty" json:"context,omitempty"`
	Priority        int           `yaml:"priority,omitempty" json:"priority,omitempty"`
	Description     string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// IdentityBlock carries a skill's contribution to identity resolution.
type IdentityBlock struct {
	SkillMatching   []MatchRule `yaml:"skillMatching,omitempty" json:"skillMatching,omitempty"`
	TrustedPrefixes []string    `yaml:"trustedPrefixes,omitempty" json:"trustedPrefixes,omitempty"`
}

// Skill is one declarative manifest entry.
type Skill struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// AllowedRoles may contain the "*" sentinel.
	AllowedRoles []string `yaml:"allowedRoles" json:"allowedRoles"`

	// AllowedTools are patterns: "server__tool", "server__*", or "*".
	AllowedTools []string `yaml:"allowedTools" json:"allowedTools"`

	Grants   *Grants        `yaml:"grants,omitempty" json:"grants,omitempty"`
	Identity *IdentityBlock `yaml:"identity,omitempty" json:"identity,omitempty"`
}

// Validate checks the required fields of a skill entry.
func (s *Skill) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("skill id is required")
	}
	for _, r := range s.ID {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return fmt.Errorf("skill id must be lowercase alphanumeric with hyphens: got %q", s.ID)
		}
	}
	if len(s.AllowedRoles) == 0 {
		return fmt.Errorf("skill %s: allowedRoles is required", s.ID)
	}
	if s.Grants != nil && s.Grants.Memory != "" && !s.Grants.Memory.Valid() {
		return fmt.Errorf("skill %s: unknown memory grant %q", s.ID, s.Grants.Memory)
	}
	return nil
}

// RoleDecl carries the per-role settings a manifest may declare alongside
// its skills. A declared role that no skill names is still compiled, with
// an empty grant set.
type RoleDecl struct {
	Inherits          string `yaml:"inherits,omitempty" json:"inherits,omitempty"`
	SystemInstruction string `yaml:"systemInstruction,omitempty" json:"systemInstruction,omitempty"`

	// DefaultRole marks the role used when identity resolution has no match.
	DefaultRole bool `yaml:"default,omitempty" json:"default,omitempty"`
}

// Manifest is the parsed on-disk skill document.
type Manifest struct {
	Skills []*Skill             `yaml:"skills" json:"skills"`
	Roles  map[string]*RoleDecl `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// Validate checks every skill in the manifest.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Skills))
	for _, s := range m.Skills {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate skill id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

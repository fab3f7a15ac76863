package skills

import (
	"reflect"
	"testing"
)

func TestCompileWildcardExpansion(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "session", AllowedRoles: []string{"*"}, AllowedTools: []string{"session__save", "session__load"}},
			{ID: "dev", AllowedRoles: []string{"developer"}, AllowedTools: []string{"fs__read"}},
		},
	}

	table := Compile(m, nil)

	if got := table.RoleIDs(); !reflect.DeepEqual(got, []string{"developer"}) {
		t.Fatalf("RoleIDs = %v, want [developer]", got)
	}

	role, _ := table.Role("developer")
	want := []string{"fs__read", "session__load", "session__save"}
	if !reflect.DeepEqual(role.AllowedTools, want) {
		t.Errorf("AllowedTools = %v, want %v", role.AllowedTools, want)
	}
	if !reflect.DeepEqual(role.AllowedServers, []string{"fs", "session"}) {
		t.Errorf("AllowedServers = %v", role.AllowedServers)
	}
}

func TestCompileWildcardGrantEqualsUnionOfExplicit(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "base", AllowedRoles: []string{"*"}, AllowedTools: []string{"core__ping"}},
			{ID: "a", AllowedRoles: []string{"alpha"}, AllowedTools: []string{"a__one"}},
			{ID: "b", AllowedRoles: []string{"beta"}, AllowedTools: []string{"b__two"}},
		},
	}

	table := Compile(m, nil)
	for _, id := range []string{"alpha", "beta"} {
		if !table.ToolAllowed(id, "core__ping") {
			t.Errorf("role %s missing wildcard-granted tool", id)
		}
	}
	if table.ToolAllowed("alpha", "b__two") {
		t.Error("alpha must not receive beta's tools")
	}
}

func TestCompileMemoryAggregation(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "iso", AllowedRoles: []string{"dev"}, AllowedTools: []string{"fs__read"},
				Grants: &Grants{Memory: MemoryIsolated}},
			{ID: "team-a", AllowedRoles: []string{"dev"}, AllowedTools: []string{"fs__read"},
				Grants: &Grants{Memory: MemoryTeam, MemoryTeamRoles: []string{"qa"}}},
			{ID: "team-b", AllowedRoles: []string{"dev"}, AllowedTools: []string{"fs__read"},
				Grants: &Grants{Memory: MemoryTeam, MemoryTeamRoles: []string{"ops"}}},
		},
	}

	table := Compile(m, nil)
	grant := table.EffectiveMemory("dev")
	if grant.Level != MemoryTeam {
		t.Errorf("level = %v, want team", grant.Level)
	}
	if !reflect.DeepEqual(grant.TeamRoles, []string{"ops", "qa"}) {
		t.Errorf("team roles = %v, want union [ops qa]", grant.TeamRoles)
	}
}

func TestCompileMemoryHigherLevelWins(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "team", AllowedRoles: []string{"dev"}, AllowedTools: []string{"x__y"},
				Grants: &Grants{Memory: MemoryTeam, MemoryTeamRoles: []string{"qa"}}},
			{ID: "all", AllowedRoles: []string{"dev"}, AllowedTools: []string{"x__y"},
				Grants: &Grants{Memory: MemoryAll}},
		},
	}

	grant := Compile(m, nil).EffectiveMemory("dev")
	if grant.Level != MemoryAll {
		t.Errorf("level = %v, want all", grant.Level)
	}
}

func TestInheritanceMerging(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "base", AllowedRoles: []string{"viewer"}, AllowedTools: []string{"fs__read"},
				Grants: &Grants{Memory: MemoryIsolated}},
			{ID: "extra", AllowedRoles: []string{"editor"}, AllowedTools: []string{"fs__write"},
				Grants: &Grants{Memory: MemoryTeam, MemoryTeamRoles: []string{"viewer"}}},
		},
		Roles: map[string]*RoleDecl{
			"editor": {Inherits: "viewer"},
		},
	}

	table := Compile(m, nil)

	servers := table.EffectiveServers("editor")
	if !reflect.DeepEqual(servers, []string{"fs"}) {
		t.Errorf("servers = %v", servers)
	}
	patterns := table.EffectiveToolPatterns("editor")
	if !reflect.DeepEqual(patterns, []string{"fs__read", "fs__write"}) {
		t.Errorf("patterns = %v", patterns)
	}
	if grant := table.EffectiveMemory("editor"); grant.Level != MemoryTeam {
		t.Errorf("memory = %v, want team", grant.Level)
	}

	// The parent is unaffected by the child's grants.
	if table.ToolAllowed("viewer", "fs__write") {
		t.Error("viewer must not gain fs__write")
	}
}

func TestInheritanceCycleDegradesToEmpty(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "a", AllowedRoles: []string{"one"}, AllowedTools: []string{"x__a"}},
			{ID: "b", AllowedRoles: []string{"two"}, AllowedTools: []string{"x__b"}},
		},
		Roles: map[string]*RoleDecl{
			"one": {Inherits: "two"},
			"two": {Inherits: "one"},
		},
	}

	table := Compile(m, nil)
	if servers := table.EffectiveServers("one"); len(servers) != 0 {
		t.Errorf("cycle servers = %v, want empty", servers)
	}
	if patterns := table.EffectiveToolPatterns("one"); len(patterns) != 0 {
		t.Errorf("cycle patterns = %v, want empty", patterns)
	}
	if grant := table.EffectiveMemory("one"); grant.Level != MemoryNone {
		t.Errorf("cycle memory = %v, want none", grant.Level)
	}
}

func TestCompileIdempotent(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "s", AllowedRoles: []string{"*"}, AllowedTools: []string{"a__x"}},
			{ID: "t", AllowedRoles: []string{"r1", "r2"}, AllowedTools: []string{"b__*"},
				Grants: &Grants{Memory: MemoryTeam, MemoryTeamRoles: []string{"r1"}}},
		},
	}

	first := Compile(m, nil)
	second := Compile(m, nil)
	for _, id := range first.RoleIDs() {
		a, _ := first.Role(id)
		b, _ := second.Role(id)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("role %s differs across compilations: %+v vs %+v", id, a, b)
		}
	}
}

func TestDefaultRole(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "s", AllowedRoles: []string{"guest"}, AllowedTools: []string{"a__x"}},
		},
		Roles: map[string]*RoleDecl{
			"guest": {DefaultRole: true},
		},
	}

	if got := Compile(m, nil).DefaultRole(); got != "guest" {
		t.Errorf("DefaultRole = %q, want guest", got)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "anything__at_all", true},
		{"git__log", "git__log", true},
		{"git__log", "git__diff", false},
		{"git__*", "git__log", true},
		{"git__*", "github__log", false},
		{"git__*", "fs__read", false},
	}

	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.name); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestPatternsAllowDenyWins(t *testing.T) {
	patterns := []string{"fs__*", "!fs__delete"}
	if !PatternsAllow(patterns, "fs__read") {
		t.Error("fs__read should be allowed")
	}
	if PatternsAllow(patterns, "fs__delete") {
		t.Error("fs__delete should be denied")
	}
	if PatternsAllow(patterns, "git__log") {
		t.Error("git__log matches no allow pattern")
	}
}

func TestServerAllowedWildcard(t *testing.T) {
	m := &Manifest{
		Skills: []*Skill{
			{ID: "everything", AllowedRoles: []string{"admin"}, AllowedTools: []string{"*"}},
		},
	}
	table := Compile(m, nil)
	if !table.ServerAllowed("admin", "anything") {
		t.Error("wildcard tool grant should allow every server")
	}
}

package config

import (
	"os"
	"strings"
	"testing"
)

const sampleConfig = `
skillsFile: skills.yaml
startAll: true
servers:
  - id: git
    command: mcp-git
    args: ["--repo", "."]
    env:
      GIT_TOKEN: "${GIT_TOKEN}"
  - id: fs
    command: mcp-fs
virtual:
  - name: petstore
    baseUrl: https://api.example.com
    specUrl: https://api.example.com/openapi.json
    tokenEnv: PETSTORE_TOKEN
quotas:
  developer:
    maxPerMinute: 30
    maxConcurrent: 4
    perTool:
      db__query:
        maxPerMinute: 5
identity:
  defaultRole: guest
  rejectUnknown: false
audit:
  capacity: 500
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(cfg.Servers) != 2 || cfg.Servers[0].ID != "git" {
		t.Errorf("servers = %+v", cfg.Servers)
	}
	if len(cfg.Virtual) != 1 || cfg.Virtual[0].Name != "petstore" {
		t.Errorf("virtual = %+v", cfg.Virtual)
	}
	q := cfg.Quotas["developer"]
	if q == nil || q.MaxPerMinute != 30 || q.PerTool["db__query"].MaxPerMinute != 5 {
		t.Errorf("quota = %+v", q)
	}
	if cfg.Identity.DefaultRole != "guest" {
		t.Errorf("identity = %+v", cfg.Identity)
	}
	if cfg.Audit.Capacity != 500 {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if !cfg.StartAll {
		t.Error("startAll not set")
	}
}

func TestParseRequiresSkillsSource(t *testing.T) {
	_, err := Parse([]byte(`servers: []`))
	if err == nil || !strings.Contains(err.Error(), "skillsDir or skillsFile") {
		t.Errorf("err = %v", err)
	}

	_, err = Parse([]byte("skillsDir: a\nskillsFile: b\n"))
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("err = %v", err)
	}
}

func TestParseRejectsDuplicateServerIDs(t *testing.T) {
	_, err := Parse([]byte(`
skillsFile: s.yaml
servers:
  - {id: git, command: a}
  - {id: git, command: b}
`))
	if err == nil {
		t.Fatal("expected duplicate id error")
	}

	_, err = Parse([]byte(`
skillsFile: s.yaml
servers:
  - {id: git, command: a}
virtual:
  - {name: git, baseUrl: "https://x", specUrl: "https://x/spec"}
`))
	if err == nil {
		t.Fatal("expected virtual/backend collision error")
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv(EnvSkillsDir, "/tmp/skills")
	os.Setenv(EnvAssignedIdentity, "true")
	defer os.Unsetenv(EnvSkillsDir)
	defer os.Unsetenv(EnvAssignedIdentity)

	cfg, err := Parse([]byte(`servers: []`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SkillsDir != "/tmp/skills" {
		t.Errorf("skillsDir = %q", cfg.SkillsDir)
	}
	if !cfg.Identity.AssignedIdentity {
		t.Error("assigned identity override not applied")
	}
}

func TestCapabilitySecret(t *testing.T) {
	os.Unsetenv(EnvCapabilitySecret)
	if got := CapabilitySecret(); got != nil {
		t.Errorf("secret = %v, want nil", got)
	}

	os.Setenv(EnvCapabilitySecret, "0123456789abcdef0123456789abcdef")
	defer os.Unsetenv(EnvCapabilitySecret)
	if got := CapabilitySecret(); len(got) != 32 {
		t.Errorf("secret length = %d", len(got))
	}
}

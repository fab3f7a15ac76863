// Package config loads the gateway configuration documents.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/openapi"
	"github.com/haasonsaas/warden/internal/ratelimit"
)

// Environment variables recognized by the gateway.
const (
	EnvSkillsDir        = "WARDEN_SKILLS_DIR"
	EnvServersFile      = "WARDEN_SERVERS_FILE"
	EnvAssignedIdentity = "WARDEN_ASSIGNED_IDENTITY"
	EnvCapabilitySecret = "WARDEN_CAPABILITY_SECRET"
)

// IdentityConfig controls identity resolution.
type IdentityConfig struct {
	DefaultRole   string `yaml:"defaultRole,omitempty"`
	RejectUnknown bool   `yaml:"rejectUnknown,omitempty"`
	Strict        bool   `yaml:"strict,omitempty"`

	// AssignedIdentity derives the role from identity at connect time and
	// forbids manual role switching.
	AssignedIdentity bool `yaml:"assignedIdentity,omitempty"`
}

// AuditConfig sizes the audit ring.
type AuditConfig struct {
	Capacity int `yaml:"capacity,omitempty"`
}

// Config is the gateway's server configuration document.
type Config struct {
	// SkillsDir holds SKILL.md skill directories; SkillsFile is a single
	// YAML manifest. One of the two is required.
	SkillsDir  string `yaml:"skillsDir,omitempty"`
	SkillsFile string `yaml:"skillsFile,omitempty"`

	// WatchSkills recompiles the role table when the skills dir changes.
	WatchSkills bool `yaml:"watchSkills,omitempty"`

	// StartAll starts every backend at boot instead of lazily on first
	// role need.
	StartAll bool `yaml:"startAll,omitempty"`

	Servers []*mcp.ServerConfig         `yaml:"servers,omitempty"`
	Virtual []openapi.ServerConfig      `yaml:"virtual,omitempty"`
	Quotas  map[string]*ratelimit.Quota `yaml:"quotas,omitempty"`

	Identity IdentityConfig `yaml:"identity,omitempty"`
	Audit    AuditConfig    `yaml:"audit,omitempty"`
}

// Load reads a configuration document, applies environment overrides,
// then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration content and applies environment
// overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a configuration from environment variables alone.
func FromEnv() (*Config, error) {
	if path := os.Getenv(EnvServersFile); path != "" {
		return Load(path)
	}
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dir := os.Getenv(EnvSkillsDir); dir != "" {
		c.SkillsDir = dir
	}
	if v := os.Getenv(EnvAssignedIdentity); v != "" {
		if assigned, err := strconv.ParseBool(v); err == nil {
			c.Identity.AssignedIdentity = assigned
		}
	}
}

// CapabilitySecret reads the ledger secret from the environment; an empty
// result makes the ledger generate one.
func CapabilitySecret() []byte {
	if v := os.Getenv(EnvCapabilitySecret); v != "" {
		return []byte(v)
	}
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.SkillsDir == "" && c.SkillsFile == "" {
		return fmt.Errorf("one of skillsDir or skillsFile is required")
	}
	if c.SkillsDir != "" && c.SkillsFile != "" {
		return fmt.Errorf("skillsDir and skillsFile are mutually exclusive")
	}
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, v := range c.Virtual {
		if v.Name == "" || v.BaseURL == "" || v.SpecURL == "" {
			return fmt.Errorf("virtual server needs name, baseUrl, and specUrl")
		}
		if seen[v.Name] {
			return fmt.Errorf("virtual server %q collides with another server", v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

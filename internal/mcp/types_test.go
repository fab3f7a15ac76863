package mcp

import (
	"os"
	"testing"
)

func TestSplitToolName(t *testing.T) {
	tests := []struct {
		name       string
		wantServer string
		wantTool   string
		wantOK     bool
	}{
		{"git__log", "git", "log", true},
		{"fs__read__file", "fs", "read__file", true},
		{"noprefix", "", "", false},
		{"__leading", "", "", false},
		{"trailing__", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		server, tool, ok := SplitToolName(tt.name)
		if ok != tt.wantOK || server != tt.wantServer || tool != tt.wantTool {
			t.Errorf("SplitToolName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.name, server, tool, ok, tt.wantServer, tt.wantTool, tt.wantOK)
		}
	}
}

func TestQualifiedName(t *testing.T) {
	if got := QualifiedName("git", "log"); got != "git__log" {
		t.Errorf("QualifiedName = %q, want git__log", got)
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid", ServerConfig{ID: "git", Command: "mcp-git"}, false},
		{"valid with dash", ServerConfig{ID: "my-server", Command: "srv"}, false},
		{"missing id", ServerConfig{Command: "srv"}, true},
		{"missing command", ServerConfig{ID: "git"}, true},
		{"bad id chars", ServerConfig{ID: "a_b", Command: "srv"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigExpandEnv(t *testing.T) {
	os.Setenv("WARDEN_TEST_TOKEN", "sekrit")
	defer os.Unsetenv("WARDEN_TEST_TOKEN")

	cfg := ServerConfig{
		ID:      "api",
		Command: "srv",
		Env: map[string]string{
			"TOKEN":   "${WARDEN_TEST_TOKEN}",
			"MISSING": "${WARDEN_TEST_UNSET_VAR}",
			"PLAIN":   "value",
		},
	}

	env := cfg.ExpandEnv()
	if env["TOKEN"] != "sekrit" {
		t.Errorf("TOKEN = %q, want sekrit", env["TOKEN"])
	}
	if env["MISSING"] != "" {
		t.Errorf("MISSING = %q, want empty", env["MISSING"])
	}
	if env["PLAIN"] != "value" {
		t.Errorf("PLAIN = %q, want value", env["PLAIN"])
	}
}

func TestTextResult(t *testing.T) {
	r := TextResult("hello")
	if len(r.Content) != 1 || r.Content[0].Text != "hello" || r.IsError {
		t.Errorf("unexpected result: %+v", r)
	}

	e := ErrorResult("boom")
	if !e.IsError {
		t.Error("expected IsError")
	}
}

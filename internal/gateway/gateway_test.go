package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/capability"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/identity"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/ratelimit"
)

const testManifest = `
skills:
  - id: fs-full
    description: Full file access
    allowedRoles: [editor]
    allowedTools: ["fs__read", "fs__write"]
    grants:
      memory: team
      memoryTeamRoles: [viewer]
  - id: fs-read
    description: Read-only file access
    allowedRoles: [viewer]
    allowedTools: ["fs__read"]
    identity:
      trustedPrefixes: [ci-]
      skillMatching:
        - role: editor
          requiredSkills: [editing]
          priority: 100
        - role: viewer
          anySkills: [reading]
          priority: 10
roles:
  viewer:
    default: true
`

// fsDispatcher stands in for a backend process in facade tests.
type fsDispatcher struct {
	calls []string
}

func (d *fsDispatcher) Prefix() string { return "fs" }

func (d *fsDispatcher) Tools(ctx context.Context) []*mcp.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	return []*mcp.Tool{
		{Name: "fs__read", Description: "read a file", InputSchema: schema},
		{Name: "fs__write", Description: "write a file", InputSchema: schema},
	}
}

func (d *fsDispatcher) Execute(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	d.calls = append(d.calls, name)
	return mcp.TextResult("ok"), nil
}

type testEnv struct {
	g          *Gateway
	dispatcher *fsDispatcher
	notified   [][2][]string
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "skills.yaml")
	if err := os.WriteFile(manifestPath, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{SkillsFile: manifestPath}
	if mutate != nil {
		mutate(cfg)
	}

	g, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{g: g, dispatcher: &fsDispatcher{}}
	if err := g.manager.RegisterDispatcher(env.dispatcher); err != nil {
		t.Fatal(err)
	}
	g.OnToolsChanged(func(added, removed []string) {
		env.notified = append(env.notified, [2][]string{added, removed})
	})

	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Stop)
	return env
}

func callRaw(t *testing.T, g *Gateway, params string) *mcp.Response {
	t.Helper()
	return g.HandleRequest(context.Background(), &mcp.Request{
		JSONRPC: "2.0", ID: 1, Method: "tools/call",
		Params: json.RawMessage(params),
	})
}

func denialOf(t *testing.T, resp *mcp.Response) *Denial {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected error response, got result %s", resp.Result)
	}
	var d Denial
	if err := json.Unmarshal(resp.Error.Data, &d); err != nil {
		t.Fatalf("error data: %v (%s)", err, resp.Error.Data)
	}
	return &d
}

func TestStartAppliesDefaultRole(t *testing.T) {
	env := newTestGateway(t, nil)
	if got := env.g.engine.CurrentRole(); got != "viewer" {
		t.Errorf("role = %q, want viewer", got)
	}
}

func TestToolsListFiltered(t *testing.T) {
	env := newTestGateway(t, nil)

	resp := env.g.HandleRequest(context.Background(), &mcp.Request{
		JSONRPC: "2.0", ID: 1, Method: "tools/list",
	})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error)
	}

	var result struct {
		Tools []*mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	if !names["fs__read"] || names["fs__write"] {
		t.Errorf("viewer tools = %v", names)
	}
	if !names["set_role"] {
		t.Error("set_role missing")
	}
}

func TestCallAllowedProducesOneAuditEntry(t *testing.T) {
	env := newTestGateway(t, nil)

	resp := callRaw(t, env.g, `{"name":"fs__read","arguments":{"path":"/etc/hosts"}}`)
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error)
	}
	if len(env.dispatcher.calls) != 1 {
		t.Errorf("dispatcher calls = %v", env.dispatcher.calls)
	}

	entries := env.g.AuditLog().Query(audit.Filter{Tool: "fs__read"})
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Result != audit.ResultAllowed || entries[0].Server != "fs" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestCallDeniedNotForwarded(t *testing.T) {
	env := newTestGateway(t, nil)

	resp := callRaw(t, env.g, `{"name":"fs__write","arguments":{"path":"/tmp/x"}}`)
	d := denialOf(t, resp)
	if d.Kind != KindToolNotAccessible {
		t.Errorf("kind = %q", d.Kind)
	}
	if !strings.Contains(d.Reason, "viewer") {
		t.Errorf("reason = %q", d.Reason)
	}
	if len(env.dispatcher.calls) != 0 {
		t.Errorf("denied call was forwarded: %v", env.dispatcher.calls)
	}

	entries := env.g.AuditLog().Query(audit.Filter{Result: audit.ResultDenied})
	if len(entries) != 1 {
		t.Errorf("denied audit entries = %d", len(entries))
	}
}

func TestServerNotAccessibleKind(t *testing.T) {
	env := newTestGateway(t, nil)

	resp := callRaw(t, env.g, `{"name":"git__log","arguments":{}}`)
	d := denialOf(t, resp)
	if d.Kind != KindServerNotAccessible {
		t.Errorf("kind = %q, want %s", d.Kind, KindServerNotAccessible)
	}
}

func TestRoleSwitchDeltaAndNotification(t *testing.T) {
	env := newTestGateway(t, nil)
	before := len(env.notified)

	resp := callRaw(t, env.g, `{"name":"set_role","arguments":{"role":"editor"}}`)
	if resp.Error != nil {
		t.Fatalf("set_role: %v", resp.Error)
	}
	if got := env.g.engine.CurrentRole(); got != "editor" {
		t.Errorf("role = %q", got)
	}
	if len(env.notified) != before+1 {
		t.Fatalf("notifications = %d, want exactly one more", len(env.notified)-before)
	}

	added := env.notified[len(env.notified)-1][0]
	found := false
	for _, name := range added {
		if name == "fs__write" {
			found = true
		}
	}
	if !found {
		t.Errorf("added = %v, want fs__write", added)
	}

	// Switching to the same role again changes nothing and stays silent.
	if resp := callRaw(t, env.g, `{"name":"set_role","arguments":{"role":"editor"}}`); resp.Error != nil {
		t.Fatalf("second set_role: %v", resp.Error)
	}
	if len(env.notified) != before+1 {
		t.Errorf("idempotent switch fired a notification")
	}
}

func TestSetRoleUnknownRole(t *testing.T) {
	env := newTestGateway(t, nil)

	resp := callRaw(t, env.g, `{"name":"set_role","arguments":{"role":"ghost"}}`)
	d := denialOf(t, resp)
	if d.Kind != KindRoleNotFound {
		t.Errorf("kind = %q", d.Kind)
	}
}

func TestAssignedIdentityModeBlocksSetRole(t *testing.T) {
	env := newTestGateway(t, func(cfg *config.Config) {
		cfg.Identity.AssignedIdentity = true
	})

	resp := callRaw(t, env.g, `{"name":"set_role","arguments":{"role":"editor"}}`)
	d := denialOf(t, resp)
	if d.Kind != KindToolNotAccessible {
		t.Errorf("kind = %q", d.Kind)
	}
	if env.g.engine.CurrentRole() != "viewer" {
		t.Error("role changed despite assigned-identity mode")
	}
}

func TestRateLimitSixthCallDenied(t *testing.T) {
	env := newTestGateway(t, func(cfg *config.Config) {
		cfg.Quotas = map[string]*ratelimit.Quota{
			"viewer": {MaxPerMinute: 5},
		}
	})

	for i := 0; i < 5; i++ {
		resp := callRaw(t, env.g, `{"name":"fs__read","arguments":{"path":"/x"}}`)
		if resp.Error != nil {
			t.Fatalf("call %d: %v", i, resp.Error)
		}
	}

	resp := callRaw(t, env.g, `{"name":"fs__read","arguments":{"path":"/x"}}`)
	d := denialOf(t, resp)
	if d.Kind != KindRateLimitExceeded || d.RetryAfterMs <= 0 {
		t.Errorf("denial = %+v", d)
	}
	if len(env.dispatcher.calls) != 5 {
		t.Errorf("upstream saw %d calls, want 5", len(env.dispatcher.calls))
	}
	denied := env.g.AuditLog().Query(audit.Filter{Result: audit.ResultDenied})
	if len(denied) != 1 {
		t.Errorf("denied entries = %d", len(denied))
	}
}

func TestSchemaValidationRejectsBadArguments(t *testing.T) {
	env := newTestGateway(t, nil)

	resp := callRaw(t, env.g, `{"name":"fs__read","arguments":{"path":123}}`)
	d := denialOf(t, resp)
	if d.Kind != KindInvalidParams {
		t.Errorf("kind = %q", d.Kind)
	}
	if len(env.dispatcher.calls) != 0 {
		t.Error("invalid call was forwarded")
	}
}

func TestCapabilityTokenContextEnforced(t *testing.T) {
	env := newTestGateway(t, nil)

	token, _, err := env.g.Ledger().Issue(capability.Declaration{
		Issuer: "fs-read", Subject: "agent", Scope: "fs:read-only",
		Context: &capability.Context{AllowedTools: []string{"fs__read"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := callRaw(t, env.g,
		`{"name":"fs__read","arguments":{"path":"/x"},"capabilityToken":"`+token+`"}`)
	if resp.Error != nil {
		t.Fatalf("allowed call: %v", resp.Error)
	}

	// The same token does not cover fs__write even for a role that has it.
	if resp := callRaw(t, env.g, `{"name":"set_role","arguments":{"role":"editor"}}`); resp.Error != nil {
		t.Fatal(resp.Error)
	}
	resp = callRaw(t, env.g,
		`{"name":"fs__write","arguments":{"path":"/x"},"capabilityToken":"`+token+`"}`)
	d := denialOf(t, resp)
	if d.Kind != KindCapabilityInvalid {
		t.Errorf("kind = %q", d.Kind)
	}
}

func TestCapabilityTokenUsesConsumed(t *testing.T) {
	env := newTestGateway(t, nil)

	token, payload, err := env.g.Ledger().Issue(capability.Declaration{
		Issuer: "fs-read", Subject: "agent", Scope: "fs:read-only", MaxUses: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		resp := callRaw(t, env.g,
			`{"name":"fs__read","arguments":{"path":"/x"},"capabilityToken":"`+token+`"}`)
		if resp.Error != nil {
			t.Fatalf("call %d: %v", i, resp.Error)
		}
	}

	resp := callRaw(t, env.g,
		`{"name":"fs__read","arguments":{"path":"/x"},"capabilityToken":"`+token+`"}`)
	d := denialOf(t, resp)
	if d.Kind != KindCapabilityInvalid {
		t.Errorf("kind = %q (payload %s)", d.Kind, payload.JTI)
	}
}

func TestThinkingSlotAttachedOnceAndCleared(t *testing.T) {
	env := newTestGateway(t, nil)

	env.g.SetThinking(&audit.Thinking{Signature: "because the path is safe", Type: audit.ThinkingReason})

	if resp := callRaw(t, env.g, `{"name":"fs__read","arguments":{"path":"/x"}}`); resp.Error != nil {
		t.Fatal(resp.Error)
	}
	if resp := callRaw(t, env.g, `{"name":"fs__read","arguments":{"path":"/y"}}`); resp.Error != nil {
		t.Fatal(resp.Error)
	}

	entries := env.g.AuditLog().Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Thinking == nil || entries[0].Thinking.Signature != "because the path is safe" {
		t.Errorf("first entry thinking = %+v", entries[0].Thinking)
	}
	if entries[1].Thinking != nil {
		t.Error("thinking slot not cleared after use")
	}
}

func TestMemoryToolsRoundTrip(t *testing.T) {
	env := newTestGateway(t, nil)

	// viewer has no memory grant; editor does.
	if resp := callRaw(t, env.g, `{"name":"set_role","arguments":{"role":"editor"}}`); resp.Error != nil {
		t.Fatal(resp.Error)
	}

	if resp := callRaw(t, env.g, `{"name":"save_memory","arguments":{"key":"deploy","content":"use make"}}`); resp.Error != nil {
		t.Fatalf("save: %v", resp.Error)
	}

	resp := callRaw(t, env.g, `{"name":"recall_memory","arguments":{"query":"deploy"}}`)
	if resp.Error != nil {
		t.Fatalf("recall: %v", resp.Error)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content[0].Text, "use make") {
		t.Errorf("recall result = %s", result.Content[0].Text)
	}
}

func TestResolveIdentitySwitchesRole(t *testing.T) {
	env := newTestGateway(t, nil)

	res, err := env.g.ResolveIdentity(context.Background(), identity.Identity{
		Name: "ci-builder", Skills: []string{"editing"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Role != "editor" || !res.Trusted {
		t.Errorf("resolution = %+v", res)
	}
	if env.g.engine.CurrentRole() != "editor" {
		t.Error("role not applied")
	}
}

func TestSpawnSubAgentReportsSurface(t *testing.T) {
	env := newTestGateway(t, nil)

	resp := callRaw(t, env.g, `{"name":"spawn_sub_agent","arguments":{"name":"helper","skills":["editing"]}}`)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, `"role": "editor"`) || !strings.Contains(text, "fs__write") {
		t.Errorf("spawn result = %s", text)
	}
	// The caller's own role is untouched.
	if env.g.engine.CurrentRole() != "viewer" {
		t.Error("spawn_sub_agent switched the caller's role")
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestGateway(t, nil)
	resp := env.g.HandleRequest(context.Background(), &mcp.Request{
		JSONRPC: "2.0", ID: 1, Method: "bogus/method",
	})
	if resp.Error == nil || resp.Error.Code != mcp.CodeMethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

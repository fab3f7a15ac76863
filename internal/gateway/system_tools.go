package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/warden/internal/identity"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/registry"
	"github.com/haasonsaas/warden/internal/skills"
)

// handleSystemTool executes the unprefixed tools the gateway serves
// itself. Visibility was already checked by the access gate.
func (g *Gateway) handleSystemTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error) {
	switch name {
	case registry.ToolSetRole:
		return g.toolSetRole(ctx, args)
	case registry.ToolSaveMemory:
		return g.toolSaveMemory(args)
	case registry.ToolRecallMemory:
		return g.toolRecallMemory(args)
	case registry.ToolListMemories:
		return g.toolListMemories()
	case registry.ToolGetContext:
		return g.toolGetContext()
	case registry.ToolListRoles:
		return g.toolListRoles()
	case registry.ToolSpawnSubAgent:
		return g.toolSpawnSubAgent(args)
	default:
		return nil, fmt.Errorf("unknown system tool %q", name)
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func (g *Gateway) toolSetRole(ctx context.Context, args map[string]any) (*mcp.ToolCallResult, error) {
	role := stringArg(args, "role")
	if role == "" {
		return mcp.ErrorResult("role is required"), nil
	}

	added, err := g.switchRole(ctx, role)
	if err != nil {
		return nil, err
	}
	visible := len(g.engine.VisibleTools())
	return mcp.TextResult(fmt.Sprintf("Switched to role %q: %d tools visible (%d newly granted).",
		role, visible, len(added))), nil
}

func (g *Gateway) memoryScope() ([]string, skills.MemoryGrant) {
	role := g.engine.CurrentRole()
	grant := g.tableSnapshot().EffectiveMemory(role)
	return memory.ScopeRoles(role, grant), grant
}

func (g *Gateway) toolSaveMemory(args map[string]any) (*mcp.ToolCallResult, error) {
	key := stringArg(args, "key")
	content := stringArg(args, "content")
	if key == "" || content == "" {
		return mcp.ErrorResult("key and content are required"), nil
	}
	if err := g.store.Save(g.engine.CurrentRole(), key, content); err != nil {
		return nil, err
	}
	return mcp.TextResult(fmt.Sprintf("Saved memory %q.", key)), nil
}

func (g *Gateway) toolRecallMemory(args map[string]any) (*mcp.ToolCallResult, error) {
	query := stringArg(args, "query")
	if query == "" {
		return mcp.ErrorResult("query is required"), nil
	}

	scope, _ := g.memoryScope()
	items, err := g.store.Recall(scope, query)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"query": query, "results": items})
}

func (g *Gateway) toolListMemories() (*mcp.ToolCallResult, error) {
	scope, _ := g.memoryScope()
	items, err := g.store.List(scope)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"memories": items})
}

func (g *Gateway) toolGetContext() (*mcp.ToolCallResult, error) {
	role := g.engine.CurrentRole()
	_, grant := g.memoryScope()
	return jsonResult(map[string]any{
		"sessionId":         g.sessionID,
		"role":              role,
		"visibleTools":      len(g.engine.VisibleTools()),
		"memory":            grant,
		"assignedIdentity":  g.engine.AssignedIdentityMode(),
		"systemInstruction": g.systemInstruction(role),
	})
}

func (g *Gateway) systemInstruction(roleID string) string {
	if role, ok := g.tableSnapshot().Role(roleID); ok {
		return role.SystemInstruction
	}
	return ""
}

func (g *Gateway) toolListRoles() (*mcp.ToolCallResult, error) {
	table := g.tableSnapshot()
	type roleInfo struct {
		ID       string   `json:"id"`
		Inherits string   `json:"inherits,omitempty"`
		Skills   []string `json:"skills"`
		Memory   string   `json:"memory"`
	}
	var roles []roleInfo
	for _, id := range table.RoleIDs() {
		role, _ := table.Role(id)
		roles = append(roles, roleInfo{
			ID:       id,
			Inherits: role.Inherits,
			Skills:   role.SkillIDs,
			Memory:   string(table.EffectiveMemory(id).Level),
		})
	}
	return jsonResult(map[string]any{"roles": roles})
}

// toolSpawnSubAgent resolves an identity the way a connecting sub-agent
// would be resolved and reports the tool surface that role would receive.
// No process is spawned; the agent loop lives outside the gateway.
func (g *Gateway) toolSpawnSubAgent(args map[string]any) (*mcp.ToolCallResult, error) {
	name := stringArg(args, "name")
	if name == "" {
		return mcp.ErrorResult("name is required"), nil
	}
	var declared []string
	if raw, ok := args["skills"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				declared = append(declared, s)
			}
		}
	}

	res, err := g.resolver.Resolve(identity.Identity{Name: name, Skills: declared})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"name":       name,
		"role":       res.Role,
		"trusted":    res.Trusted,
		"tools":      g.engine.ToolsForRole(res.Role),
		"resolvedAt": res.ResolvedAt,
	})
}

func jsonResult(v any) (*mcp.ToolCallResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(string(data)), nil
}

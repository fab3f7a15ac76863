// Package registry maintains the virtual tool table: every tool reported by
// a backend, the subset visible to the active role, and the injected system
// tools.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/skills"
)

// System tool names. System tools are unprefixed and handled by the gateway
// itself rather than forwarded upstream.
const (
	ToolSetRole       = "set_role"
	ToolSaveMemory    = "save_memory"
	ToolRecallMemory  = "recall_memory"
	ToolListMemories  = "list_memories"
	ToolGetContext    = "get_context"
	ToolListRoles     = "list_roles"
	ToolSpawnSubAgent = "spawn_sub_agent"
)

// SystemServer is the synthetic server id recorded on system tool entries.
const SystemServer = "system"

// Entry is one row of the tool table.
type Entry struct {
	Name   string    `json:"name"`
	Server string    `json:"server"`
	Tool   *mcp.Tool `json:"tool"`
}

// AccessError reports a tool denied for the active role.
type AccessError struct {
	Tool string
	Role string
	Hint string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("tool %q is not accessible for role %q", e.Tool, e.Role)
}

// RoleError reports a switch to an unknown role.
type RoleError struct {
	Role string
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("role %q not found", e.Role)
}

// Engine owns the all-tools and visible-tools maps and recomputes
// visibility on role switches and tool updates.
type Engine struct {
	logger *slog.Logger

	mu               sync.RWMutex
	table            *skills.Table
	all              map[string]*Entry
	visible          map[string]*Entry
	role             string
	assignedIdentity bool
}

// NewEngine creates an engine with no tools and no active role.
func NewEngine(logger *slog.Logger, assignedIdentity bool) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:           logger.With("component", "registry"),
		all:              make(map[string]*Entry),
		visible:          make(map[string]*Entry),
		assignedIdentity: assignedIdentity,
	}
}

// AssignedIdentityMode reports whether manual role switching is prohibited.
func (e *Engine) AssignedIdentityMode() bool { return e.assignedIdentity }

// CurrentRole returns the active role id, or "".
func (e *Engine) CurrentRole() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// SetTable replaces the compiled role table and recomputes visibility for
// the active role. Returns the visible-set delta.
func (e *Engine) SetTable(t *skills.Table) (added, removed []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = t
	return e.recompute()
}

// UpdateTools replaces the all-tools map from a fresh aggregation and
// recomputes visibility. Returns the visible-set delta.
func (e *Engine) UpdateTools(tools map[string]*mcp.Tool) (added, removed []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.all = make(map[string]*Entry, len(tools))
	for name, tool := range tools {
		server, _, ok := mcp.SplitToolName(name)
		if !ok {
			e.logger.Warn("skipping tool without server prefix", "tool", name)
			continue
		}
		e.all[name] = &Entry{Name: name, Server: server, Tool: tool}
	}
	return e.recompute()
}

// SetRole switches the active role and returns the visible-set delta.
func (e *Engine) SetRole(roleID string) (added, removed []string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.table == nil {
		return nil, nil, &RoleError{Role: roleID}
	}
	if _, ok := e.table.Role(roleID); !ok {
		return nil, nil, &RoleError{Role: roleID}
	}
	e.role = roleID
	added, removed = e.recompute()
	return added, removed, nil
}

// recompute rebuilds the visible map for the active role and returns the
// set difference against the previous snapshot. Callers hold e.mu.
func (e *Engine) recompute() (added, removed []string) {
	previous := e.visible
	next := make(map[string]*Entry)

	if e.table != nil && e.role != "" {
		for name, entry := range e.all {
			if !e.table.ServerAllowed(e.role, entry.Server) {
				continue
			}
			if !e.table.ToolAllowed(e.role, name) {
				continue
			}
			next[name] = entry
		}
		for _, entry := range e.systemEntries() {
			next[entry.Name] = entry
		}
	}

	e.visible = next

	for name := range next {
		if _, ok := previous[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range previous {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// systemEntries builds the system tools visible for the active role.
// Callers hold e.mu.
func (e *Engine) systemEntries() []*Entry {
	var out []*Entry

	add := func(name, description string, schema string) {
		out = append(out, &Entry{
			Name:   name,
			Server: SystemServer,
			Tool:   &mcp.Tool{Name: name, Description: description, InputSchema: []byte(schema)},
		})
	}

	if !e.assignedIdentity {
		add(ToolSetRole, "Switch the active role and recompute the visible tool set.",
			`{"type":"object","properties":{"role":{"type":"string","description":"Role id to switch to"}},"required":["role"]}`)
	}

	grant := e.memoryGrant()
	if grant.Level != skills.MemoryNone {
		add(ToolSaveMemory, "Save a memory entry under the active role's store.",
			`{"type":"object","properties":{"key":{"type":"string"},"content":{"type":"string"}},"required":["key","content"]}`)
		add(ToolRecallMemory, e.recallDescription(grant),
			`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
		add(ToolListMemories, "List memory entries readable by the active role.",
			`{"type":"object","properties":{}}`)
	}

	add(ToolGetContext, "Report the active role, its tool surface, and its memory grant.",
		`{"type":"object","properties":{}}`)
	add(ToolListRoles, "List the compiled roles.",
		`{"type":"object","properties":{}}`)
	add(ToolSpawnSubAgent, "Resolve an identity for a sub-agent and report the tool surface it would receive.",
		`{"type":"object","properties":{"name":{"type":"string"},"skills":{"type":"array","items":{"type":"string"}}},"required":["name"]}`)

	return out
}

func (e *Engine) memoryGrant() skills.MemoryGrant {
	if e.table == nil || e.role == "" {
		return skills.MemoryGrant{Level: skills.MemoryNone}
	}
	return e.table.EffectiveMemory(e.role)
}

func (e *Engine) recallDescription(grant skills.MemoryGrant) string {
	switch grant.Level {
	case skills.MemoryAll:
		return "Search memories across every role's store."
	case skills.MemoryTeam:
		return fmt.Sprintf("Search memories in the active role's store and its team stores (%s).",
			strings.Join(grant.TeamRoles, ", "))
	default:
		return "Search memories in the active role's own store."
	}
}

// VisibleTools returns the visible entries, sorted by name.
func (e *Engine) VisibleTools() []*Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Entry, 0, len(e.visible))
	for _, entry := range e.visible {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolsForRole computes the backend tools a role would see, without
// switching to it. System tools are not included.
func (e *Engine) ToolsForRole(roleID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.table == nil {
		return nil
	}
	var out []string
	for name, entry := range e.all {
		if !e.table.ServerAllowed(roleID, entry.Server) {
			continue
		}
		if !e.table.ToolAllowed(roleID, name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the visible entry with the given name.
func (e *Engine) Lookup(name string) (*Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.visible[name]
	return entry, ok
}

// IsSystemTool reports whether the name is one of the injected system tools.
func IsSystemTool(name string) bool {
	switch name {
	case ToolSetRole, ToolSaveMemory, ToolRecallMemory, ToolListMemories,
		ToolGetContext, ToolListRoles, ToolSpawnSubAgent:
		return true
	}
	return false
}

// CheckAccess gates a tool call: system tools by their own visibility
// predicates, everything else by presence in the visible map.
func (e *Engine) CheckAccess(name string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.visible[name]; ok {
		return nil
	}

	hint := "check your assigned role's tools"
	if !e.assignedIdentity {
		hint = "use set_role to switch to a role that grants it"
	}
	return &AccessError{Tool: name, Role: e.role, Hint: hint}
}

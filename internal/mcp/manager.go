package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Dispatcher executes tool calls for a non-process tool source, such as a
// virtual HTTP backend. Its tools carry fully-qualified names under its
// prefix.
type Dispatcher interface {
	Prefix() string
	Tools(ctx context.Context) []*Tool
	Execute(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error)
}

// RoutedNotification is a backend notification tagged with its origin.
type RoutedNotification struct {
	Server string
	Method string
	Params json.RawMessage
}

// Manager owns the backend fleet and routes requests by tool-name prefix.
type Manager struct {
	logger *slog.Logger

	mu          sync.RWMutex
	backends    map[string]*Backend
	dispatchers map[string]Dispatcher

	notifications chan RoutedNotification
	onRestart     func(serverID string)
}

// NewManager creates an empty backend manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:        logger.With("component", "mcp"),
		backends:      make(map[string]*Backend),
		dispatchers:   make(map[string]Dispatcher),
		notifications: make(chan RoutedNotification, 256),
	}
}

// OnRestart registers a callback invoked on every supervised backend restart.
func (m *Manager) OnRestart(fn func(serverID string)) { m.onRestart = fn }

// Notifications returns the merged stream of backend notifications.
func (m *Manager) Notifications() <-chan RoutedNotification { return m.notifications }

// Configure registers backends without starting them.
func (m *Manager) Configure(cfgs []*ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("server config: %w", err)
		}
		if _, exists := m.backends[cfg.ID]; exists {
			return fmt.Errorf("duplicate server id %q", cfg.ID)
		}
		b := NewBackend(cfg, m.logger)
		if m.onRestart != nil {
			b.OnRestart(m.onRestart)
		}
		m.backends[cfg.ID] = b
		go m.relayNotifications(b)
	}
	return nil
}

// relayNotifications forwards one backend's notifications into the merged
// stream, unwrapping $/notification envelopes one level.
func (m *Manager) relayNotifications(b *Backend) {
	for notif := range b.Events() {
		method, params := notif.Method, notif.Params
		if method == "$/notification" {
			var inner Notification
			if err := json.Unmarshal(params, &inner); err == nil && inner.Method != "" {
				method, params = inner.Method, inner.Params
			}
		}
		select {
		case m.notifications <- RoutedNotification{Server: b.ID(), Method: method, Params: params}:
		default:
			m.logger.Warn("notification stream full, dropping", "server", b.ID(), "method", method)
		}
	}
}

// RegisterDispatcher adds a synthesized tool source routed by its prefix.
func (m *Manager) RegisterDispatcher(d Dispatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := d.Prefix()
	if _, exists := m.backends[prefix]; exists {
		return fmt.Errorf("prefix %q already taken by a backend", prefix)
	}
	if _, exists := m.dispatchers[prefix]; exists {
		return fmt.Errorf("duplicate dispatcher prefix %q", prefix)
	}
	m.dispatchers[prefix] = d
	return nil
}

// Backend returns the backend with the given server id.
func (m *Manager) Backend(serverID string) (*Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[serverID]
	return b, ok
}

// ServerIDs returns all configured backend ids, sorted.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartAll starts every configured backend. Failures are logged and do not
// stop the remaining backends.
func (m *Manager) StartAll(ctx context.Context) {
	for _, id := range m.ServerIDs() {
		if err := m.EnsureStarted(ctx, id); err != nil {
			m.logger.Error("failed to start backend", "server", id, "error", err)
		}
	}
}

// EnsureStarted lazily starts a backend if it is not already running.
func (m *Manager) EnsureStarted(ctx context.Context, serverID string) error {
	b, ok := m.Backend(serverID)
	if !ok {
		return fmt.Errorf("unknown server %q", serverID)
	}
	switch b.State() {
	case StateReady, StateStarting, StateHandshaking:
		return nil
	}
	return b.Start(ctx)
}

// readyBackends snapshots the backends currently able to serve requests.
func (m *Manager) readyBackends() []*Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ready []*Backend
	for _, b := range m.backends {
		if b.Ready() {
			ready = append(ready, b)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID() < ready[j].ID() })
	return ready
}

// FirstReady returns an arbitrary ready backend for methods that carry no
// natural routing selector.
func (m *Manager) FirstReady() (*Backend, bool) {
	ready := m.readyBackends()
	if len(ready) == 0 {
		return nil, false
	}
	return ready[0], true
}

// CallTool routes a tools/call by its name prefix: dispatchers first, then
// the matching backend with the name rewritten to its native form.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	serverID, native, ok := SplitToolName(name)
	if !ok {
		return nil, fmt.Errorf("no upstream server for tool %q", name)
	}

	m.mu.RLock()
	d, isDispatcher := m.dispatchers[serverID]
	b, isBackend := m.backends[serverID]
	m.mu.RUnlock()

	if isDispatcher {
		return d.Execute(ctx, name, args)
	}
	if !isBackend {
		return nil, fmt.Errorf("no upstream server for tool %q", name)
	}

	result, err := b.Call(ctx, "tools/call", CallToolParams{Name: native, Arguments: args})
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &callResult, nil
}

// AggregateTools fans tools/list out to every ready backend with settled-all
// semantics and merges dispatcher tools. Returned names are fully qualified;
// a failing backend contributes nothing.
func (m *Manager) AggregateTools(ctx context.Context) map[string]*Tool {
	out := make(map[string]*Tool)
	var outMu sync.Mutex
	var wg sync.WaitGroup

	for _, b := range m.readyBackends() {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			result, err := b.Call(ctx, "tools/list", nil)
			if err != nil {
				m.logger.Warn("tools/list failed", "server", b.ID(), "error", err)
				return
			}
			var resp ListToolsResult
			if err := json.Unmarshal(result, &resp); err != nil {
				m.logger.Warn("bad tools/list response", "server", b.ID(), "error", err)
				return
			}
			outMu.Lock()
			for _, tool := range resp.Tools {
				prefixed := *tool
				prefixed.Name = QualifiedName(b.ID(), tool.Name)
				out[prefixed.Name] = &prefixed
			}
			outMu.Unlock()
		}(b)
	}
	wg.Wait()

	m.mu.RLock()
	dispatchers := make([]Dispatcher, 0, len(m.dispatchers))
	for _, d := range m.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	m.mu.RUnlock()
	for _, d := range dispatchers {
		for _, tool := range d.Tools(ctx) {
			out[tool.Name] = tool
		}
	}
	return out
}

// AggregateResources fans resources/list out to every ready backend.
func (m *Manager) AggregateResources(ctx context.Context) []*Resource {
	var out []*Resource
	var outMu sync.Mutex
	var wg sync.WaitGroup

	for _, b := range m.readyBackends() {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			result, err := b.Call(ctx, "resources/list", nil)
			if err != nil {
				m.logger.Warn("resources/list failed", "server", b.ID(), "error", err)
				return
			}
			var resp ListResourcesResult
			if err := json.Unmarshal(result, &resp); err != nil {
				return
			}
			outMu.Lock()
			out = append(out, resp.Resources...)
			outMu.Unlock()
		}(b)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ReadResource reads a resource via the first ready backend; resource URIs
// carry no server prefix to route on.
func (m *Manager) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	b, ok := m.FirstReady()
	if !ok {
		return nil, fmt.Errorf("no ready backend")
	}
	result, err := b.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var resp ReadResourceResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse resources/read result: %w", err)
	}
	return resp.Contents, nil
}

// AggregatePrompts fans prompts/list out to every ready backend, rewriting
// prompt names to their prefixed form.
func (m *Manager) AggregatePrompts(ctx context.Context) []*Prompt {
	var out []*Prompt
	var outMu sync.Mutex
	var wg sync.WaitGroup

	for _, b := range m.readyBackends() {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			result, err := b.Call(ctx, "prompts/list", nil)
			if err != nil {
				m.logger.Warn("prompts/list failed", "server", b.ID(), "error", err)
				return
			}
			var resp ListPromptsResult
			if err := json.Unmarshal(result, &resp); err != nil {
				return
			}
			outMu.Lock()
			for _, p := range resp.Prompts {
				prefixed := *p
				prefixed.Name = QualifiedName(b.ID(), p.Name)
				out = append(out, &prefixed)
			}
			outMu.Unlock()
		}(b)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetPrompt fetches a prompt from the specific backend named by the prompt's
// prefix, bypassing tool routing.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	serverID, native, ok := SplitToolName(name)
	if !ok {
		return nil, fmt.Errorf("prompt %q has no server prefix", name)
	}
	b, exists := m.Backend(serverID)
	if !exists {
		return nil, fmt.Errorf("unknown server %q", serverID)
	}
	result, err := b.Call(ctx, "prompts/get", map[string]any{"name": native, "arguments": args})
	if err != nil {
		return nil, err
	}
	var resp GetPromptResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse prompts/get result: %w", err)
	}
	return &resp, nil
}

// ServerStatus reports one backend's health.
type ServerStatus struct {
	ID    string `json:"id"`
	State State  `json:"state"`
	PID   int    `json:"pid,omitempty"`
}

// Status reports the health of every configured backend.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.backends))
	for _, b := range m.backends {
		statuses = append(statuses, ServerStatus{ID: b.ID(), State: b.State(), PID: b.PID()})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// StopAll terminates every backend and clears the tables.
func (m *Manager) StopAll() {
	m.mu.Lock()
	backends := make([]*Backend, 0, len(m.backends))
	for _, b := range m.backends {
		backends = append(backends, b)
	}
	m.backends = make(map[string]*Backend)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			b.Stop()
		}(b)
	}
	wg.Wait()
}

// Package openapi imports an OpenAPI 3 document as a virtual backend:
// one synthesized tool per operation, dispatched over an injected HTTP
// client instead of a child process.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/warden/internal/mcp"
)

// Doer is the injected HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServerConfig describes one virtual HTTP backend.
type ServerConfig struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`
	SpecURL string `yaml:"specUrl" json:"specUrl"`

	// Token authenticates requests; TokenEnv names an environment variable
	// holding it instead.
	Token    string `yaml:"token,omitempty" json:"token,omitempty"`
	TokenEnv string `yaml:"tokenEnv,omitempty" json:"tokenEnv,omitempty"`

	// APIKeyHeader sends the token in a named header instead of a bearer
	// Authorization header.
	APIKeyHeader string `yaml:"apiKeyHeader,omitempty" json:"apiKeyHeader,omitempty"`

	// Include and Exclude are glob lists over operation ids; exclude wins.
	Include []string `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Minimal OpenAPI 3 document shape, only what tool synthesis needs.

// Path items are decoded loosely: non-method keys like "parameters" or
// "summary" at the path level are ignored rather than failing the parse.
type document struct {
	Paths map[string]map[string]json.RawMessage `json:"paths"`
}

type operation struct {
	OperationID string       `json:"operationId"`
	Summary     string       `json:"summary"`
	Description string       `json:"description"`
	Parameters  []*parameter `json:"parameters"`
	RequestBody *requestBody `json:"requestBody"`
}

type parameter struct {
	Name        string          `json:"name"`
	In          string          `json:"in"` // path | query | header
	Required    bool            `json:"required"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

type requestBody struct {
	Required bool                 `json:"required"`
	Content  map[string]mediaType `json:"content"`
}

type mediaType struct {
	Schema json.RawMessage `json:"schema"`
}

var httpMethods = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// boundOp ties a synthesized tool to its HTTP operation.
type boundOp struct {
	method string
	path   string
	op     *operation
}

// CallResult is the shape returned to the caller for every HTTP dispatch.
type CallResult struct {
	Success    bool `json:"success"`
	StatusCode int  `json:"statusCode"`
	Data       any  `json:"data,omitempty"`
}

// Adapter synthesizes tools from an OpenAPI document and executes them.
// It implements the router's Dispatcher.
type Adapter struct {
	cfg    ServerConfig
	doer   Doer
	logger *slog.Logger

	mu    sync.RWMutex
	tools []*mcp.Tool
	ops   map[string]*boundOp
}

// NewAdapter creates an adapter; call Load before registering it.
func NewAdapter(cfg ServerConfig, doer Doer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		doer:   doer,
		logger: logger.With("component", "openapi", "server", cfg.Name),
		ops:    make(map[string]*boundOp),
	}
}

// Prefix returns the tool-name prefix this adapter routes.
func (a *Adapter) Prefix() string { return a.cfg.Name }

// Load fetches the OpenAPI document and rebuilds the synthesized tools.
// Refresh is the same operation.
func (a *Adapter) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.SpecURL, nil)
	if err != nil {
		return fmt.Errorf("build spec request: %w", err)
	}
	resp, err := a.doer.Do(req)
	if err != nil {
		return fmt.Errorf("fetch spec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch spec: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}

	tools, ops := a.synthesize(&doc)
	a.mu.Lock()
	a.tools = tools
	a.ops = ops
	a.mu.Unlock()

	a.logger.Info("loaded OpenAPI document", "operations", len(ops))
	return nil
}

// Refresh re-fetches the document and rebuilds the tool set.
func (a *Adapter) Refresh(ctx context.Context) error { return a.Load(ctx) }

// synthesize builds one tool per included operation.
func (a *Adapter) synthesize(doc *document) ([]*mcp.Tool, map[string]*boundOp) {
	var tools []*mcp.Tool
	ops := make(map[string]*boundOp)

	for path, methods := range doc.Paths {
		for _, method := range httpMethods {
			raw, ok := methods[method]
			if !ok {
				continue
			}
			op := &operation{}
			if err := json.Unmarshal(raw, op); err != nil {
				a.logger.Warn("skipping unparsable operation",
					"method", method, "path", path, "error", err)
				continue
			}
			if op.OperationID == "" {
				a.logger.Debug("skipping operation without operationId",
					"method", method, "path", path)
				continue
			}
			if !a.included(op.OperationID) {
				continue
			}

			name := mcp.QualifiedName(a.cfg.Name, strings.ToLower(op.OperationID))
			description := op.Summary
			if description == "" {
				description = op.Description
			}
			tools = append(tools, &mcp.Tool{
				Name:        name,
				Description: description,
				InputSchema: buildInputSchema(op),
			})
			ops[name] = &boundOp{method: strings.ToUpper(method), path: path, op: op}
		}
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, ops
}

// included applies the include/exclude glob lists; exclude wins.
func (a *Adapter) included(operationID string) bool {
	for _, pattern := range a.cfg.Exclude {
		if matchGlob(pattern, operationID) {
			return false
		}
	}
	if len(a.cfg.Include) == 0 {
		return true
	}
	for _, pattern := range a.cfg.Include {
		if matchGlob(pattern, operationID) {
			return true
		}
	}
	return false
}

// matchGlob matches a pattern where "*" stands for any run of characters.
func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}

	return strings.HasSuffix(s, parts[len(parts)-1])
}

// buildInputSchema derives the tool schema from the operation's parameters
// and its application/json request body.
func buildInputSchema(op *operation) json.RawMessage {
	properties := make(map[string]json.RawMessage)
	var required []string

	for _, p := range op.Parameters {
		schema := p.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"string"}`)
		}
		if p.Description != "" {
			var obj map[string]any
			if json.Unmarshal(schema, &obj) == nil {
				obj["description"] = p.Description
				if merged, err := json.Marshal(obj); err == nil {
					schema = merged
				}
			}
		}
		properties[p.Name] = schema
		if p.Required || p.In == "path" {
			required = append(required, p.Name)
		}
	}

	if op.RequestBody != nil {
		if media, ok := op.RequestBody.Content["application/json"]; ok && len(media.Schema) > 0 {
			var body struct {
				Properties map[string]json.RawMessage `json:"properties"`
				Required   []string                   `json:"required"`
			}
			if json.Unmarshal(media.Schema, &body) == nil {
				for name, schema := range body.Properties {
					if _, exists := properties[name]; !exists {
						properties[name] = schema
					}
				}
				required = append(required, body.Required...)
			}
		}
	}

	sort.Strings(required)
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, _ := json.Marshal(schema)
	return out
}

// Tools returns the synthesized tool set.
func (a *Adapter) Tools(ctx context.Context) []*mcp.Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*mcp.Tool, len(a.tools))
	copy(out, a.tools)
	return out
}

// ToolCount reports the number of synthesized tools. Each operation is
// counted once, under its prefixed name.
func (a *Adapter) ToolCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tools)
}

// Execute dispatches one synthesized tool call over HTTP.
func (a *Adapter) Execute(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	a.mu.RLock()
	bound, ok := a.ops[name]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	var callArgs map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &callArgs); err != nil {
			return nil, fmt.Errorf("parse arguments: %w", err)
		}
	}

	req, err := a.buildRequest(ctx, bound, callArgs)
	if err != nil {
		return nil, err
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result := CallResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
	var parsed any
	if len(body) > 0 {
		if json.Unmarshal(body, &parsed) == nil {
			result.Data = parsed
		} else {
			result.Data = string(body)
		}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	out := mcp.TextResult(string(encoded))
	out.IsError = !result.Success
	return out, nil
}

// buildRequest substitutes path parameters and attaches query, body, and
// auth.
func (a *Adapter) buildRequest(ctx context.Context, bound *boundOp, args map[string]any) (*http.Request, error) {
	path := bound.path
	query := url.Values{}
	headers := http.Header{}
	bodyArgs := make(map[string]any)
	consumed := make(map[string]bool)

	for _, p := range bound.op.Parameters {
		value, present := args[p.Name]
		if !present {
			if p.Required || p.In == "path" {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		consumed[p.Name] = true
		text := fmt.Sprintf("%v", value)
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(text))
		case "query":
			query.Set(p.Name, text)
		case "header":
			headers.Set(p.Name, text)
		}
	}

	if bound.op.RequestBody != nil {
		for name, value := range args {
			if !consumed[name] {
				bodyArgs[name] = value
			}
		}
	}

	target := strings.TrimSuffix(a.cfg.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body io.Reader
	if len(bodyArgs) > 0 {
		data, err := json.Marshal(bodyArgs)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, bound.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := a.token(); token != "" {
		if a.cfg.APIKeyHeader != "" {
			req.Header.Set(a.cfg.APIKeyHeader, token)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return req, nil
}

func (a *Adapter) token() string {
	if a.cfg.Token != "" {
		return a.cfg.Token
	}
	if a.cfg.TokenEnv != "" {
		return os.Getenv(a.cfg.TokenEnv)
	}
	return ""
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/capability"
	"github.com/haasonsaas/warden/internal/identity"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/registry"
)

// callParams is the tools/call parameter shape the gateway accepts. The
// capability fields ride alongside the standard MCP fields.
type callParams struct {
	Name            string          `json:"name"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	CapabilityToken string          `json:"capabilityToken,omitempty"`
	TaskID          string          `json:"taskId,omitempty"`
}

// HandleRequest dispatches one client request and returns its response.
func (g *Gateway) HandleRequest(ctx context.Context, req *mcp.Request) *mcp.Response {
	resp := &mcp.Response{JSONRPC: "2.0", ID: req.ID}

	result, rpcErr := g.dispatch(ctx, req)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}

	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = data
	return resp
}

func (g *Gateway) dispatch(ctx context.Context, req *mcp.Request) (any, *mcp.RPCError) {
	switch req.Method {
	case "initialize":
		return g.handleInitialize(ctx, req.Params)
	case "tools/list":
		return g.handleToolsList(), nil
	case "tools/call":
		return g.handleToolsCall(ctx, req.Params)
	case "resources/list":
		return map[string]any{"resources": g.manager.AggregateResources(ctx)}, nil
	case "resources/read":
		return g.handleResourcesRead(ctx, req.Params)
	case "prompts/list":
		return map[string]any{"prompts": g.manager.AggregatePrompts(ctx)}, nil
	case "prompts/get":
		return g.handlePromptsGet(ctx, req.Params)
	default:
		return g.forward(ctx, req)
	}
}

// forward relays a method the gateway does not handle itself to the first
// ready backend; such methods carry no natural routing selector.
func (g *Gateway) forward(ctx context.Context, req *mcp.Request) (any, *mcp.RPCError) {
	backend, ok := g.manager.FirstReady()
	if !ok {
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	result, err := backend.Call(ctx, req.Method, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*mcp.RPCError); ok {
			return nil, rpcErr
		}
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
	}
	return result, nil
}

// initializeParams carries the optional identity block a client may
// declare at connect time.
type initializeParams struct {
	ClientInfo mcp.ServerInfo     `json:"clientInfo"`
	Identity   *identity.Identity `json:"identity,omitempty"`
}

func (g *Gateway) handleInitialize(ctx context.Context, params json.RawMessage) (any, *mcp.RPCError) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
	}

	if p.Identity != nil {
		if _, err := g.ResolveIdentity(ctx, *p.Identity); err != nil {
			if denial := classify(err); denial != nil {
				return nil, denial.RPCError()
			}
			return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		}
	}

	return map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": mcp.ServerInfo{Name: "warden", Version: "1.0.0"},
	}, nil
}

func (g *Gateway) handleToolsList() map[string]any {
	entries := g.engine.VisibleTools()
	tools := make([]*mcp.Tool, 0, len(entries))
	for _, entry := range entries {
		tool := *entry.Tool
		tool.Name = entry.Name
		tools = append(tools, &tool)
	}
	return map[string]any{"tools": tools}
}

// handleToolsCall is the gated path: access, schema, quota, capability,
// dispatch, audit. Every call produces exactly one audit entry.
func (g *Gateway) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *mcp.RPCError) {
	var p callParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}

	result, denial, callErr := g.callTool(ctx, &p)
	if denial != nil {
		return nil, denial.RPCError()
	}
	if callErr != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: callErr.Error()}
	}
	return result, nil
}

func (g *Gateway) callTool(ctx context.Context, p *callParams) (*mcp.ToolCallResult, *Denial, error) {
	role := g.engine.CurrentRole()
	server := serverOf(p.Name)
	args := decodeArgs(p.Arguments)

	deny := func(d *Denial) (*mcp.ToolCallResult, *Denial, error) {
		g.auditDenied(role, p.Name, server, args, d)
		return nil, d, nil
	}

	// Access gate. A role that lacks the backend entirely reports the
	// server kind rather than the tool kind.
	if err := g.engine.CheckAccess(p.Name); err != nil {
		d := classify(err)
		if d == nil {
			return nil, nil, err
		}
		if !registry.IsSystemTool(p.Name) && server != "" && !g.tableSnapshot().ServerAllowed(role, server) {
			d = &Denial{
				Kind:   KindServerNotAccessible,
				Reason: fmt.Sprintf("role %q has no access to server %q", role, server),
			}
		}
		return deny(d)
	}

	// Argument validation against the tool's declared schema.
	if entry, ok := g.engine.Lookup(p.Name); ok && len(entry.Tool.InputSchema) > 0 {
		if err := validateArgs(entry.Tool.InputSchema, p.Arguments); err != nil {
			return deny(&Denial{Kind: KindInvalidParams, Reason: err.Error()})
		}
	}

	// Quota gate.
	if quotaDenial := g.limiter.Check(g.sessionID, role, p.Name); quotaDenial != nil {
		return deny(classify(quotaDenial))
	}

	// Capability gate, when the caller presents a token.
	var payload *capability.Payload
	if p.CapabilityToken != "" {
		var err error
		payload, err = g.ledger.VerifyWithContext(p.CapabilityToken, "", capability.CallContext{
			TaskID: p.TaskID,
			Tool:   p.Name,
			Server: server,
		})
		if err != nil {
			return deny(classify(err))
		}
	}

	g.limiter.Consume(g.sessionID, role, p.Name)
	g.limiter.StartConcurrent(g.sessionID, role)
	defer g.limiter.EndConcurrent(g.sessionID, role)

	start := time.Now()
	var result *mcp.ToolCallResult
	var err error
	if registry.IsSystemTool(p.Name) {
		result, err = g.handleSystemTool(ctx, p.Name, args)
	} else {
		result, err = g.manager.CallTool(ctx, p.Name, p.Arguments)
	}
	duration := time.Since(start)

	if err != nil {
		if d := classify(err); d != nil {
			g.auditError(role, p.Name, server, args, d.Reason)
			return nil, d, nil
		}
		g.auditError(role, p.Name, server, args, err.Error())
		return nil, nil, err
	}

	if payload != nil {
		if consumeErr := g.ledger.Consume(payload.JTI); consumeErr != nil {
			g.logger.Warn("capability consume failed after dispatch", "jti", payload.JTI, "error", consumeErr)
		}
	}

	g.auditAllowed(role, p.Name, server, args, duration)
	g.metrics.CallDuration.Observe(duration.Seconds())
	return result, nil, nil
}

func serverOf(name string) string {
	if registry.IsSystemTool(name) {
		return registry.SystemServer
	}
	server, _, ok := mcp.SplitToolName(name)
	if !ok {
		return ""
	}
	return server
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return args
}

// validateArgs checks call arguments against a tool's input schema. An
// uncompilable schema is skipped rather than blocking the call.
func validateArgs(schema json.RawMessage, args json.RawMessage) error {
	compiled, err := jsonschema.CompileString("tool.json", string(schema))
	if err != nil {
		return nil
	}
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match tool schema: %w", err)
	}
	return nil
}

func (g *Gateway) auditAllowed(role, tool, server string, args map[string]any, duration time.Duration) {
	g.metrics.Calls.WithLabelValues(string(audit.ResultAllowed)).Inc()
	g.auditLog.Append(&audit.Entry{
		SessionID:  g.sessionID,
		Role:       role,
		Tool:       tool,
		Server:     server,
		Args:       args,
		Result:     audit.ResultAllowed,
		DurationMs: duration.Milliseconds(),
		Thinking:   g.takeThinking(),
	})
}

func (g *Gateway) auditDenied(role, tool, server string, args map[string]any, d *Denial) {
	g.metrics.Calls.WithLabelValues(string(audit.ResultDenied)).Inc()
	g.metrics.Denials.WithLabelValues(d.Kind).Inc()
	g.auditLog.Append(&audit.Entry{
		SessionID: g.sessionID,
		Role:      role,
		Tool:      tool,
		Server:    server,
		Args:      args,
		Result:    audit.ResultDenied,
		Reason:    d.Reason,
		Thinking:  g.takeThinking(),
	})
}

func (g *Gateway) auditError(role, tool, server string, args map[string]any, reason string) {
	g.metrics.Calls.WithLabelValues(string(audit.ResultError)).Inc()
	g.auditLog.Append(&audit.Entry{
		SessionID: g.sessionID,
		Role:      role,
		Tool:      tool,
		Server:    server,
		Args:      args,
		Result:    audit.ResultError,
		Reason:    reason,
		Thinking:  g.takeThinking(),
	})
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (g *Gateway) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *mcp.RPCError) {
	var p readResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}
	contents, err := g.manager.ReadResource(ctx, p.URI)
	if err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
	}
	return map[string]any{"contents": contents}, nil
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

func (g *Gateway) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, *mcp.RPCError) {
	var p getPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}
	result, err := g.manager.GetPrompt(ctx, p.Name, p.Arguments)
	if err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
	}
	return result, nil
}

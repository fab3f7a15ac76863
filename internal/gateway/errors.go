package gateway

import (
	"encoding/json"
	"errors"

	"github.com/haasonsaas/warden/internal/capability"
	"github.com/haasonsaas/warden/internal/identity"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/ratelimit"
	"github.com/haasonsaas/warden/internal/registry"
)

// Stable error kinds surfaced to clients.
const (
	KindRoleNotFound          = "RoleNotFound"
	KindToolNotAccessible     = "ToolNotAccessible"
	KindServerNotAccessible   = "ServerNotAccessible"
	KindRateLimitExceeded     = "RateLimitExceeded"
	KindCapabilityInvalid     = "CapabilityInvalid"
	KindIdentityRejected      = "IdentityRejected"
	KindUpstreamTimeout       = "UpstreamTimeout"
	KindUpstreamDisconnected  = "UpstreamDisconnected"
	KindInvalidIdentityConfig = "InvalidIdentityConfig"
	KindInvalidParams         = "InvalidParams"
)

// codeDenied is the JSON-RPC error code for gateway-local denials.
const codeDenied = -32000

// Denial is a structured, user-visible failure: a stable kind for programs
// and a short reason for display.
type Denial struct {
	Kind         string `json:"kind"`
	Reason       string `json:"reason"`
	Hint         string `json:"hint,omitempty"`
	Window       string `json:"window,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (d *Denial) Error() string { return d.Reason }

// RPCError renders the denial as a JSON-RPC error object.
func (d *Denial) RPCError() *mcp.RPCError {
	data, _ := json.Marshal(d)
	return &mcp.RPCError{Code: codeDenied, Message: d.Reason, Data: data}
}

// classify maps component errors onto the stable kinds. Unrecognized
// errors pass through as nil, meaning "not a denial".
func classify(err error) *Denial {
	var accessErr *registry.AccessError
	if errors.As(err, &accessErr) {
		return &Denial{
			Kind:   KindToolNotAccessible,
			Reason: accessErr.Error(),
			Hint:   accessErr.Hint,
		}
	}

	var roleErr *registry.RoleError
	if errors.As(err, &roleErr) {
		return &Denial{Kind: KindRoleNotFound, Reason: roleErr.Error()}
	}

	var quotaErr *ratelimit.Denial
	if errors.As(err, &quotaErr) {
		return &Denial{
			Kind:         KindRateLimitExceeded,
			Reason:       quotaErr.Error(),
			Window:       quotaErr.Window,
			RetryAfterMs: quotaErr.RetryAfterMs,
		}
	}

	if errors.Is(err, identity.ErrRejected) {
		return &Denial{Kind: KindIdentityRejected, Reason: err.Error()}
	}
	var cfgErr *identity.InvalidConfigError
	if errors.As(err, &cfgErr) {
		return &Denial{Kind: KindInvalidIdentityConfig, Reason: cfgErr.Error()}
	}

	for _, capErr := range []error{
		capability.ErrInvalidSignature, capability.ErrExpired, capability.ErrNotYetValid,
		capability.ErrRevoked, capability.ErrNoUses, capability.ErrScopeViolation,
		capability.ErrContextMismatch, capability.ErrAttenuationDenied,
	} {
		if errors.Is(err, capErr) {
			return &Denial{Kind: KindCapabilityInvalid, Reason: err.Error()}
		}
	}

	if errors.Is(err, mcp.ErrTimeout) {
		return &Denial{Kind: KindUpstreamTimeout, Reason: err.Error()}
	}
	if errors.Is(err, mcp.ErrDisconnected) || errors.Is(err, mcp.ErrNotReady) {
		return &Denial{Kind: KindUpstreamDisconnected, Reason: err.Error()}
	}

	return nil
}

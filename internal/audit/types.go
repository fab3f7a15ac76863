// Package audit records every gated tool call in a bounded in-memory ring
// with redacted arguments, and exports the trail in several formats.
package audit

import (
	"strings"
	"time"
)

// Result classifies the outcome of a gated call.
type Result string

const (
	ResultAllowed Result = "allowed"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Thinking is an originator-supplied reasoning signature attached to an
// entry. The core stores it verbatim and never interprets it.
type Thinking struct {
	Signature        string `json:"signature"`
	Type             string `json:"type"`
	TokenCount       int    `json:"tokenCount,omitempty"`
	CacheReadTokens  int    `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int    `json:"cacheWriteTokens,omitempty"`
}

// Known thinking signature types.
const (
	ThinkingExtended = "extended_thinking"
	ThinkingChain    = "chain_of_thought"
	ThinkingReason   = "reasoning"
)

// Entry is one audit record.
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"sessionId,omitempty"`
	Role       string         `json:"role,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Server     string         `json:"server,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     Result         `json:"result"`
	Reason     string         `json:"reason,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Thinking   *Thinking      `json:"thinking,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Redacted replaces values under sensitive keys.
const Redacted = "[REDACTED]"

// sensitiveKeys are matched as lowercase substrings of argument keys.
var sensitiveKeys = []string{
	"password", "secret", "token", "apikey", "api_key",
	"credentials", "privatekey", "private_key", "authorization", "auth",
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Sanitize replaces values under sensitive keys, recursing into nested
// maps and slices. It is idempotent.
func Sanitize(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

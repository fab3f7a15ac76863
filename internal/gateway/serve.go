package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/haasonsaas/warden/internal/mcp"
)

// Serve runs the client-facing loop over a newline-delimited JSON-RPC
// stream. Requests are handled one at a time; notifications out of the
// gateway are serialized on the same writer, so tools-changed events keep
// the order of their causing role switches.
func (g *Gateway) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	write := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			g.logger.Error("marshal outgoing message", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(append(data, '\n')); err != nil {
			g.logger.Error("write to client", "error", err)
		}
	}

	g.OnToolsChanged(func(added, removed []string) {
		g.logger.Debug("tool surface changed", "added", len(added), "removed", len(removed))
		write(mcp.Notification{JSONRPC: "2.0", Method: "notifications/tools/list_changed"})
	})
	g.setNotifyUpward(func(n mcp.RoutedNotification) {
		write(mcp.Notification{JSONRPC: "2.0", Method: n.Method, Params: n.Params})
	})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req mcp.Request
		if err := json.Unmarshal(line, &req); err != nil || req.Method == "" {
			g.logger.Debug("discarding malformed client line")
			continue
		}

		if req.ID == nil {
			// Client notifications need no response.
			g.logger.Debug("client notification", "method", req.Method)
			continue
		}

		write(g.HandleRequest(ctx, &req))
	}
	return scanner.Err()
}

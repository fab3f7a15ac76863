package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/mcp"
)

// serveSession drives the serve loop over in-memory pipes.
type serveSession struct {
	in      io.WriteCloser
	scanner *bufio.Scanner
	done    chan error
}

func startServe(t *testing.T, env *testEnv) *serveSession {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	s := &serveSession{
		in:      inW,
		scanner: bufio.NewScanner(outR),
		done:    make(chan error, 1),
	}
	go func() {
		s.done <- env.g.Serve(context.Background(), inR, outW)
	}()
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			t.Error("serve loop did not exit")
		}
	})
	return s
}

func (s *serveSession) send(t *testing.T, line string) {
	t.Helper()
	if _, err := s.in.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
}

// next reads the next outgoing message, skipping nothing.
func (s *serveSession) next(t *testing.T) map[string]any {
	t.Helper()
	if !s.scanner.Scan() {
		t.Fatalf("no output: %v", s.scanner.Err())
	}
	var msg map[string]any
	if err := json.Unmarshal(s.scanner.Bytes(), &msg); err != nil {
		t.Fatalf("bad output line %q: %v", s.scanner.Text(), err)
	}
	return msg
}

func TestServeInitializeAndList(t *testing.T) {
	env := newTestGateway(t, nil)
	s := startServe(t, env)

	s.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test","version":"0"}}}`)
	resp := s.next(t)
	if resp["id"] != float64(1) {
		t.Fatalf("response = %v", resp)
	}
	result := resp["result"].(map[string]any)
	if result["protocolVersion"] != mcp.ProtocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}

	// Client notifications get no response; the next answer belongs to
	// the list request.
	s.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	s.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	resp = s.next(t)
	if resp["id"] != float64(2) {
		t.Fatalf("response = %v", resp)
	}
}

func TestServeRoleSwitchEmitsNotification(t *testing.T) {
	env := newTestGateway(t, nil)
	s := startServe(t, env)

	s.send(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"set_role","arguments":{"role":"editor"}}}`)

	sawNotification := false
	sawResponse := false
	for i := 0; i < 2; i++ {
		msg := s.next(t)
		if msg["method"] == "notifications/tools/list_changed" {
			sawNotification = true
		}
		if msg["id"] == float64(1) {
			sawResponse = true
		}
	}
	if !sawNotification || !sawResponse {
		t.Errorf("notification=%v response=%v", sawNotification, sawResponse)
	}
}

func TestServeMalformedLinesIgnored(t *testing.T) {
	env := newTestGateway(t, nil)
	s := startServe(t, env)

	s.send(t, "this is not json")
	s.send(t, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	resp := s.next(t)
	if resp["id"] != float64(3) {
		t.Fatalf("response = %v", resp)
	}
}

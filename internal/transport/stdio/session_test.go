package stdio

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/jsonrpc"
	"github.com/tkingovr/mcpwarden/internal/transport"
	"github.com/tkingovr/mcpwarden/internal/transport/transporttest"
)

const helperEnv = "MCPWARDEN_STDIO_HELPER"

// TestMain lets the test binary double as a capability server subprocess.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		_ = transporttest.Serve(os.Stdin, os.Stdout, true)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// pipeSession connects a Session to an in-process fake server.
func pipeSession(t *testing.T, withResources bool) *Session {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	go func() {
		_ = transporttest.Serve(serverR, serverW, withResources)
		serverW.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, clientR, clientW, clientW, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_HandshakeAndListings(t *testing.T) {
	s := pipeSession(t, false)
	ctx := context.Background()

	if got := s.ServerInfo().ServerInfo.Name; got != "fake" {
		t.Errorf("server info name = %q", got)
	}

	tools, err := s.ListTools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 || tools[0].Name != "echo" || tools[1].Name != "notify" {
		t.Errorf("paginated tools = %+v", tools)
	}
	if string(tools[0].InputSchema) != `{"type":"object"}` {
		t.Errorf("input schema = %s", tools[0].InputSchema)
	}

	prompts, err := s.ListPrompts(ctx)
	if err != nil || len(prompts) != 1 || !prompts[0].Arguments[0].Required {
		t.Errorf("prompts = %+v, %v", prompts, err)
	}

	res, err := s.ListResources(ctx)
	if err != nil || res != nil {
		t.Errorf("resources were not advertised, got %+v, %v", res, err)
	}
}

func TestSession_Calls(t *testing.T) {
	s := pipeSession(t, true)
	ctx := context.Background()

	out, err := s.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text() != "hi" {
		t.Errorf("CallTool text = %q", out.Text())
	}

	p, err := s.GetPrompt(ctx, "greet", map[string]string{"who": "ada"})
	if err != nil || len(p.Messages) != 1 || p.Messages[0].Content.Text != "hello ada" {
		t.Errorf("GetPrompt = %+v, %v", p, err)
	}

	r, err := s.ReadResource(ctx, "file:///readme")
	if err != nil || len(r.Contents) != 1 || r.Contents[0].Text != "read me" {
		t.Errorf("ReadResource = %+v, %v", r, err)
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	_, err = s.CallTool(ctx, "missing", nil)
	if err != nil {
		t.Fatalf("tool errors come back as content, got %v", err)
	}
}

func TestSession_UnknownMethod(t *testing.T) {
	s := pipeSession(t, true)
	err := s.call(context.Background(), "logging/setLevel", nil, nil)
	var rpcErr *api.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("expected method-not-found, got %v", err)
	}
}

func TestSession_Notifications(t *testing.T) {
	s := pipeSession(t, true)
	if _, err := s.CallTool(context.Background(), "notify", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-s.Notifications():
		if n.Method != api.NotifyToolsListChanged {
			t.Errorf("notification = %s", n.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	s := pipeSession(t, true)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, err := s.ListTools(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("call after close = %v, want ErrClosed", err)
	}
}

func TestDial_Subprocess(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip("no executable path:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dial := NewDialer(nil)
	s, err := dial(ctx, transport.LaunchSpec{Name: "helper", Command: exe, Env: []string{helperEnv + "=1"}})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tools, err := s.ListTools(ctx)
	if err != nil || len(tools) != 2 {
		t.Fatalf("ListTools over subprocess = %+v, %v", tools, err)
	}
	res, err := s.ListResources(ctx)
	if err != nil || len(res) != 1 {
		t.Errorf("ListResources = %+v, %v", res, err)
	}
}

func TestDial_BadCommand(t *testing.T) {
	_, err := Dial(context.Background(), transport.LaunchSpec{Name: "x", Command: "/nonexistent/mcp-server"}, nil)
	if err == nil {
		t.Fatal("expected start failure")
	}
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/policy"
	"github.com/tkingovr/mcpwarden/internal/ratelimit"
	"github.com/tkingovr/mcpwarden/internal/transport"
)

var errBroken = errors.New("session broken")

// fakeServer backs every session the fake dialer opens.
type fakeServer struct {
	mu        sync.Mutex
	tools     []api.Tool
	resources []api.Resource
	prompts   []api.Prompt
	dialErr   error
	dials     int
	calls     int
	current   *fakeSession
	// started receives the session when a "slow" call begins.
	started chan *fakeSession
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		tools: []api.Tool{{
			Name:        "echo",
			Description: "echoes text",
			InputSchema: []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		}, {
			Name: "slow",
		}},
		resources: []api.Resource{{URI: "file:///readme", Name: "readme"}},
		prompts: []api.Prompt{{
			Name:      "greet",
			Arguments: []api.PromptArgument{{Name: "who", Required: true}},
		}},
		started: make(chan *fakeSession, 1),
	}
}

func (s *fakeServer) dial(_ context.Context, spec transport.LaunchSpec) (transport.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	sess := &fakeSession{srv: s, spec: spec, notes: make(chan transport.Notification, 4), done: make(chan struct{})}
	s.current = sess
	return sess, nil
}

func (s *fakeServer) session() *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeSession struct {
	srv   *fakeServer
	spec  transport.LaunchSpec
	notes chan transport.Notification

	mu     sync.Mutex
	broken bool
	once   sync.Once
	done   chan struct{}
}

func (f *fakeSession) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *fakeSession) closedErr() error {
	select {
	case <-f.done:
		return transport.ErrClosed
	default:
		return nil
	}
}

// check fails listings and pings of closed or broken sessions.
func (f *fakeSession) check() error {
	if err := f.closedErr(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errBroken
	}
	return nil
}

func (f *fakeSession) ListTools(context.Context) ([]api.Tool, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return append([]api.Tool(nil), f.srv.tools...), nil
}

func (f *fakeSession) ListResources(context.Context) ([]api.Resource, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return append([]api.Resource(nil), f.srv.resources...), nil
}

func (f *fakeSession) ListPrompts(context.Context) ([]api.Prompt, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return append([]api.Prompt(nil), f.srv.prompts...), nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*api.CallToolResult, error) {
	if err := f.closedErr(); err != nil {
		return nil, err
	}
	f.srv.mu.Lock()
	f.srv.calls++
	f.srv.mu.Unlock()
	if name == "slow" {
		f.srv.started <- f
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
			return nil, transport.ErrClosed
		}
	}
	return &api.CallToolResult{Content: []api.Content{{Type: "text", Text: fmt.Sprint(args["text"])}}}, nil
}

func (f *fakeSession) GetPrompt(_ context.Context, name string, args map[string]string) (*api.GetPromptResult, error) {
	if err := f.closedErr(); err != nil {
		return nil, err
	}
	return &api.GetPromptResult{Messages: []api.PromptMessage{{
		Role:    "user",
		Content: api.Content{Type: "text", Text: "hello " + args["who"]},
	}}}, nil
}

func (f *fakeSession) ReadResource(_ context.Context, uri string) (*api.ReadResourceResult, error) {
	if err := f.closedErr(); err != nil {
		return nil, err
	}
	return &api.ReadResourceResult{Contents: []api.ResourceContents{{URI: uri, Text: "read me"}}}, nil
}

func (f *fakeSession) Ping(context.Context) error { return f.check() }

func (f *fakeSession) Notifications() <-chan transport.Notification { return f.notes }

func (f *fakeSession) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// fakeGate is a scriptable Gatekeeper.
type fakeGate struct {
	mu          sync.Mutex
	denyConnect bool
	denyExec    map[string]string
	threat      *api.ThreatEvent
	policy      *policy.SecurityPolicy
	connects    int
	events      []*api.AuditEvent
}

func newFakeGate() *fakeGate {
	return &fakeGate{denyExec: make(map[string]string)}
}

func (g *fakeGate) setDenyConnect(b bool) {
	g.mu.Lock()
	g.denyConnect = b
	g.mu.Unlock()
}

func (g *fakeGate) AuthorizeConnection(_ context.Context, req *policy.ConnectionRequest) (*policy.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects++
	if g.denyConnect {
		return &policy.Decision{Check: "blocklist", Reason: fmt.Sprintf("server %q is blocked", req.Server)}, nil
	}
	return &policy.Decision{Allowed: true, Check: "allowed", Policy: g.policy}, nil
}

func (g *fakeGate) AuthorizeExecution(_ context.Context, req *policy.ExecutionRequest) (*policy.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason, ok := g.denyExec[req.Tool]; ok {
		return &policy.Decision{Check: "permission", Reason: reason, Threat: g.threat}, nil
	}
	return &policy.Decision{Allowed: true, Check: "allowed", Policy: g.policy}, nil
}

func (g *fakeGate) InspectResponse(_ context.Context, rc *policy.ResponseCheck) (*policy.Decision, error) {
	if strings.Contains(rc.Content, "EXFIL") {
		return &policy.Decision{Check: "threat", Reason: "response withheld"}, nil
	}
	return &policy.Decision{Allowed: true, Check: "allowed"}, nil
}

func (g *fakeGate) CredentialEnv(context.Context, string) ([]string, error) {
	return []string{"MCP_CREDENTIAL=secret"}, nil
}

func (g *fakeGate) Record(_ context.Context, ev *api.AuditEvent) {
	g.mu.Lock()
	g.events = append(g.events, ev.Clone())
	g.mu.Unlock()
}

func (g *fakeGate) audited(typ api.AuditEventType) []*api.AuditEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*api.AuditEvent
	for _, ev := range g.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Type == EventStateChanged {
			out = append(out, ev.To)
		}
	}
	return out
}

type harness struct {
	m    *Manager
	srv  *fakeServer
	gate *fakeGate
	rec  *recorder
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{srv: newFakeServer(), gate: newFakeGate(), rec: &recorder{}}
	opts := Options{
		Gatekeeper:  h.gate,
		Dialer:      h.srv.dial,
		Limiter:     ratelimit.New(ratelimit.Limit{}, nil),
		Resolver:    func(cmd string) (string, error) { return "/usr/bin/" + cmd, nil },
		BackoffBase: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	m.Subscribe(h.rec.handle)
	h.m = m
	t.Cleanup(func() { m.Close() })
	return h
}

func testConfig(name string) ServerConfig {
	return ServerConfig{
		Name:                name,
		Command:             "fake-server",
		Args:                []string{"--stdio"},
		Env:                 map[string]string{"LOG_LEVEL": "debug"},
		Timeout:             time.Second,
		HealthCheckInterval: time.Hour,
	}
}

func (h *harness) register(t *testing.T, cfg ServerConfig) {
	t.Helper()
	ok, err := h.m.RegisterServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("register %s: %v", cfg.Name, err)
	}
	if !ok {
		t.Fatalf("register %s: denied", cfg.Name)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func stateOf(m *Manager, name string) State {
	st, _ := m.Status(name)
	return st.State
}

// Package connection owns the live capability server sessions: registration
// behind the policy engine, capability caches, health probing and
// reconnection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/clock"
	"github.com/tkingovr/mcpwarden/internal/policy"
	"github.com/tkingovr/mcpwarden/internal/ratelimit"
	"github.com/tkingovr/mcpwarden/internal/scanner"
	"github.com/tkingovr/mcpwarden/internal/transport"
	"github.com/tkingovr/mcpwarden/internal/transport/stdio"
)

// Gatekeeper authorizes connections and calls and receives audit events.
// *policy.Engine implements it.
type Gatekeeper interface {
	AuthorizeConnection(ctx context.Context, req *policy.ConnectionRequest) (*policy.Decision, error)
	AuthorizeExecution(ctx context.Context, req *policy.ExecutionRequest) (*policy.Decision, error)
	InspectResponse(ctx context.Context, rc *policy.ResponseCheck) (*policy.Decision, error)
	CredentialEnv(ctx context.Context, server string) ([]string, error)
	Record(ctx context.Context, event *api.AuditEvent)
}

// ContentScanner inspects prompts and responses crossing the boundary.
type ContentScanner interface {
	ScanPrompt(ctx context.Context, agent, text string) *scanner.Report
	ScanResponse(ctx context.Context, agent, text string) *scanner.Report
}

var (
	_ Gatekeeper     = (*policy.Engine)(nil)
	_ ContentScanner = (*scanner.Scanner)(nil)
)

// Defaults for zero Options fields.
const (
	DefaultAgentID               = "mcpwarden"
	DefaultBackoffBase           = time.Second
	DefaultProbeFailureThreshold = 3

	maxBackoff = time.Minute
)

// Options configures a Manager. Gatekeeper is required.
type Options struct {
	// AgentID is the identity the manager acts under.
	AgentID    string
	Gatekeeper Gatekeeper
	// Scanner is optional; without it payloads are not content-scanned.
	Scanner ContentScanner
	// Dialer defaults to the stdio transport.
	Dialer transport.Dialer
	// Limiter bounds connection attempts and calls per server. Defaults to
	// 60 per minute.
	Limiter *ratelimit.Limiter
	// Resolver checks that a command is runnable. Defaults to exec.LookPath.
	Resolver func(command string) (string, error)
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase           time.Duration
	ProbeFailureThreshold int
	Clock                 clock.Clock
	Logger                *slog.Logger
}

type record struct {
	cfg    ServerConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	session       transport.Session
	caps          map[capKey]Capability
	lastErr       error
	failures      int
	connectedAt   time.Time
	auditRequired bool
	detached      bool
}

func (r *record) current() (transport.Session, State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session, r.state
}

func (r *record) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Name:         r.cfg.Name,
		State:        r.state,
		Capabilities: len(r.caps),
		Failures:     r.failures,
		ConnectedAt:  r.connectedAt,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

// Manager is the connection manager. It is safe for concurrent use; each
// registered server's health loop is the only goroutine driving its
// reconnection.
type Manager struct {
	agentID        string
	gate           Gatekeeper
	scanner        ContentScanner
	dial           transport.Dialer
	limiter        *ratelimit.Limiter
	resolve        func(string) (string, error)
	backoffBase    time.Duration
	probeThreshold int
	clock          clock.Clock
	logger         *slog.Logger

	mu      sync.RWMutex
	records map[string]*record
	closed  bool

	subMu   sync.RWMutex
	subs    map[int]*subscription
	nextSub int

	wg sync.WaitGroup
}

// New returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Gatekeeper == nil {
		return nil, errors.New("connection manager requires a gatekeeper")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.AgentID == "" {
		opts.AgentID = DefaultAgentID
	}
	c := clock.OrReal(opts.Clock)
	if opts.Dialer == nil {
		opts.Dialer = stdio.NewDialer(opts.Logger)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.Limit{Max: 60, Window: ratelimit.DefaultWindow}, c)
	}
	if opts.Resolver == nil {
		opts.Resolver = exec.LookPath
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.ProbeFailureThreshold <= 0 {
		opts.ProbeFailureThreshold = DefaultProbeFailureThreshold
	}
	return &Manager{
		agentID:        opts.AgentID,
		gate:           opts.Gatekeeper,
		scanner:        opts.Scanner,
		dial:           opts.Dialer,
		limiter:        opts.Limiter,
		resolve:        opts.Resolver,
		backoffBase:    opts.BackoffBase,
		probeThreshold: opts.ProbeFailureThreshold,
		clock:          c,
		logger:         opts.Logger,
		records:        make(map[string]*record),
		subs:           make(map[int]*subscription),
	}, nil
}

// RegisterServer authorizes, connects and caches the capabilities of the
// server described by cfg, then starts its health loop. A policy or rate
// limit denial returns false with a nil error; resolution and connection
// failures return a *ConnectionError.
func (m *Manager) RegisterServer(ctx context.Context, cfg ServerConfig) (bool, error) {
	if err := cfg.validate(); err != nil {
		return false, &ConnectionError{Server: cfg.Name, Op: "register", Err: err}
	}
	cfg = cfg.withDefaults()

	rec, err := m.reserve(cfg)
	if err != nil {
		return false, err
	}
	m.setState(ctx, rec, StateConnecting, nil)

	ok, err := m.establish(ctx, rec)
	if ok && err == nil {
		return true, nil
	}
	cause := err
	if cause == nil {
		// Denials carry their reason on the final state change.
		rec.mu.Lock()
		cause = rec.lastErr
		rec.mu.Unlock()
	}
	m.setState(ctx, rec, StateDisconnected, cause)
	m.release(rec)
	return false, err
}

func (m *Manager) reserve(cfg ServerConfig) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &ConnectionError{Server: cfg.Name, Op: "register", Err: ErrManagerClosed}
	}
	if old, ok := m.records[cfg.Name]; ok {
		_, state := old.current()
		if state != StateDisconnected && state != StateBlocked {
			return nil, &ConnectionError{Server: cfg.Name, Op: "register", Err: ErrAlreadyRegistered}
		}
		old.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{cfg: cfg, ctx: ctx, cancel: cancel, state: StateUnregistered}
	m.records[cfg.Name] = rec
	return rec, nil
}

func (m *Manager) release(rec *record) {
	m.mu.Lock()
	if m.records[rec.cfg.Name] == rec {
		delete(m.records, rec.cfg.Name)
	}
	m.mu.Unlock()
	rec.cancel()
}

func (m *Manager) establish(ctx context.Context, rec *record) (bool, error) {
	cfg := rec.cfg
	if _, err := m.resolve(cfg.Command); err != nil {
		err = &ConnectionError{Server: cfg.Name, Op: "resolve", Err: err}
		m.lifecycle(ctx, rec, "register", err)
		return false, err
	}
	if !m.limiter.Allow(m.agentID, "connect:"+cfg.Name) {
		rec.mu.Lock()
		rec.lastErr = fmt.Errorf("%w: connect to %s", ErrRateLimited, cfg.Name)
		rec.mu.Unlock()
		m.rateLimited(ctx, cfg.Name, "")
		m.logger.Warn("connection rate limited", "server", cfg.Name, "agent", m.agentID)
		return false, nil
	}

	allowed, err := m.authorize(ctx, rec)
	if err != nil {
		return false, &ConnectionError{Server: cfg.Name, Op: "authorize", Err: err}
	}
	if !allowed {
		return false, nil
	}

	sess, caps, err := m.connectWithRetry(ctx, rec)
	if err != nil {
		err = &ConnectionError{Server: cfg.Name, Op: "connect", Err: err}
		m.lifecycle(ctx, rec, "connect", err)
		return false, err
	}
	if !m.apply(ctx, rec, caps, sess) {
		return false, &ConnectionError{Server: cfg.Name, Op: "connect", Err: ErrNotRegistered}
	}
	m.setState(ctx, rec, StateConnected, nil)
	m.emit(ctx, Event{Type: EventServerConnected, Server: cfg.Name, Config: &cfg})
	m.lifecycle(ctx, rec, "connect", nil)
	m.logger.Info("server connected", "server", cfg.Name, "capabilities", len(caps))

	m.wg.Add(1)
	go m.watch(rec)
	return true, nil
}

// authorize asks the gatekeeper whether the manager may connect to rec.
// A denial is reported as false with the reason kept as the last error.
func (m *Manager) authorize(ctx context.Context, rec *record) (bool, error) {
	d, err := m.gate.AuthorizeConnection(ctx, &policy.ConnectionRequest{
		AgentID: m.agentID,
		Server:  rec.cfg.Name,
		Command: rec.cfg.Command,
		Args:    rec.cfg.Args,
	})
	if err != nil {
		return false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !d.Allowed {
		rec.lastErr = fmt.Errorf("%w: %s", ErrDenied, d.Reason)
		m.logger.Warn("connection denied", "server", rec.cfg.Name, "check", d.Check, "reason", d.Reason)
		return false, nil
	}
	rec.auditRequired = d.Policy != nil && d.Policy.AuditRequired
	return true, nil
}

// connectWithRetry dials up to RetryAttempts times, waiting
// BackoffBase*2^n between attempts.
func (m *Manager) connectWithRetry(ctx context.Context, rec *record) (transport.Session, map[capKey]Capability, error) {
	ctx, cancel := bind(ctx, rec.ctx)
	defer cancel()

	cfg := rec.cfg
	cred, err := m.gate.CredentialEnv(ctx, cfg.Name)
	if err != nil {
		return nil, nil, err
	}
	spec := transport.LaunchSpec{
		Name:    cfg.Name,
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     append(cfg.environ(), cred...),
	}

	var lastErr error
	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, m.backoff(attempt-1)); err != nil {
				return nil, nil, err
			}
		}
		sess, caps, err := m.connectOnce(ctx, cfg, spec)
		if err == nil {
			return sess, caps, nil
		}
		lastErr = err
		m.logger.Warn("connection attempt failed",
			"server", cfg.Name,
			"attempt", attempt+1,
			"max_attempts", cfg.RetryAttempts,
			"error", err,
		)
	}
	return nil, nil, fmt.Errorf("%d attempts failed: %w", cfg.RetryAttempts, lastErr)
}

func (m *Manager) connectOnce(ctx context.Context, cfg ServerConfig, spec transport.LaunchSpec) (transport.Session, map[capKey]Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	sess, err := m.dial(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	caps, err := fetchCapabilities(ctx, cfg.Name, sess)
	if err != nil {
		_ = sess.Close()
		return nil, nil, err
	}
	return sess, caps, nil
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.backoffBase
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// DisconnectServer stops the server's health loop, closes its session and
// drops its capabilities. It reports whether the server was registered.
func (m *Manager) DisconnectServer(ctx context.Context, id string) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		delete(m.records, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := m.teardown(ctx, rec); err != nil {
		m.logger.Warn("closing session failed", "server", id, "error", err)
	}
	return true
}

// teardown detaches rec for good. Events are emitted once.
func (m *Manager) teardown(ctx context.Context, rec *record) error {
	rec.cancel()
	rec.mu.Lock()
	if rec.detached {
		rec.mu.Unlock()
		return nil
	}
	rec.detached = true
	sess := rec.session
	caps := sortedCaps(rec.caps)
	from := rec.state
	rec.session = nil
	rec.caps = nil
	rec.state = StateDisconnected
	rec.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	if from != StateDisconnected {
		m.emit(ctx, Event{Type: EventStateChanged, Server: rec.cfg.Name, From: from, To: StateDisconnected})
	}
	for _, c := range caps {
		m.emit(ctx, Event{Type: EventCapabilityRemoved, Server: rec.cfg.Name, Capability: c})
	}
	cfg := rec.cfg
	// settled records already announced their disconnect
	if from != StateDisconnected && from != StateBlocked {
		m.emit(ctx, Event{Type: EventServerDisconnected, Server: cfg.Name, Config: &cfg})
	}
	m.lifecycle(ctx, rec, "disconnect", nil)
	m.logger.Info("server disconnected", "server", cfg.Name)
	return err
}

// setState records a transition and emits server_state_changed. It is a
// no-op for detached records and unchanged states.
func (m *Manager) setState(ctx context.Context, rec *record, to State, cause error) {
	rec.mu.Lock()
	if rec.detached || rec.state == to {
		rec.mu.Unlock()
		return
	}
	from := rec.state
	rec.state = to
	if cause != nil {
		rec.lastErr = cause
	}
	rec.mu.Unlock()

	m.logger.Debug("server state changed", "server", rec.cfg.Name, "from", from, "to", to)
	m.emit(ctx, Event{Type: EventStateChanged, Server: rec.cfg.Name, From: from, To: to, Err: cause})
}

// Status returns a view of the named server.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Status{Name: id, State: StateUnregistered}, false
	}
	return rec.status(), true
}

// Servers returns every registered server sorted by name.
func (m *Manager) Servers() []Status {
	recs := m.snapshot()
	out := make([]Status, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.status())
	}
	return out
}

func (m *Manager) snapshot() []*record {
	m.mu.RLock()
	out := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.Name < out[j].cfg.Name })
	return out
}

// Close disconnects every server and waits for their health loops. It is
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.records = make(map[string]*record)
	m.mu.Unlock()

	var g errgroup.Group
	for _, rec := range recs {
		g.Go(func() error { return m.teardown(context.Background(), rec) })
	}
	err := g.Wait()
	m.wg.Wait()
	return err
}

func (m *Manager) lifecycle(ctx context.Context, rec *record, op string, err error) {
	ev := &api.AuditEvent{
		Type:          api.AuditServerLifecycle,
		AgentID:       m.agentID,
		ServerID:      rec.cfg.Name,
		Success:       err == nil,
		SecurityLevel: api.SecurityMedium,
		Details:       map[string]any{"op": op, "command": rec.cfg.Command},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.gate.Record(ctx, ev)
}

func (m *Manager) rateLimited(ctx context.Context, server, tool string) {
	l := m.limiter.Limit()
	m.gate.Record(ctx, &api.AuditEvent{
		Type:          api.AuditRateLimited,
		AgentID:       m.agentID,
		ServerID:      server,
		Tool:          tool,
		Error:         fmt.Sprintf("connection manager limit of %d per %s exceeded", l.Max, l.Window),
		SecurityLevel: api.SecurityMedium,
	})
}

// bind returns a context cancelled with either parent or owner.
func bind(parent, owner context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(owner, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/audit"
	"github.com/tkingovr/mcpwarden/internal/clock"
	"github.com/tkingovr/mcpwarden/internal/ratelimit"
	"github.com/tkingovr/mcpwarden/internal/store"
	"github.com/tkingovr/mcpwarden/internal/threat"
)

// LevelCritical is the slog level of threat-blocking escalations.
const LevelCritical = slog.LevelError + 4

// Thresholds are the heuristic cut-offs of threat escalation.
type Thresholds struct {
	// Connection is the confidence at which a connection attempt is rejected.
	Connection float64
	// Execution is the confidence at which a tool call is rejected.
	Execution float64
	// Response is the confidence at which a tool result is withheld.
	Response float64
	// Block is the agent risk score that triggers an automatic block.
	Block float64
	// RiskWindow is the trailing window of the agent risk score.
	RiskWindow time.Duration
}

// DefaultThresholds returns the stock escalation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Connection: 0.8,
		Execution:  0.7,
		Response:   0.9,
		Block:      0.8,
		RiskWindow: time.Hour,
	}
}

func (t *Thresholds) setDefaults() {
	d := DefaultThresholds()
	if t.Connection <= 0 {
		t.Connection = d.Connection
	}
	if t.Execution <= 0 {
		t.Execution = d.Execution
	}
	if t.Response <= 0 {
		t.Response = d.Response
	}
	if t.Block <= 0 {
		t.Block = d.Block
	}
	if t.RiskWindow <= 0 {
		t.RiskWindow = d.RiskWindow
	}
}

// Options configures an Engine. Store is required.
type Options struct {
	Store store.Store
	// Audit defaults to an in-memory JSONL store.
	Audit audit.Store
	// Detector enables threat analysis when non-nil.
	Detector *threat.Detector
	// Limiter defaults to 60 requests per 60 seconds.
	Limiter *ratelimit.Limiter
	// Sealer defaults to an ephemeral identity.
	Sealer *Sealer
	// Rego is consulted after the built-in execution checks.
	Rego       *RegoHook
	Thresholds Thresholds
	// Policies are validated, upserted and persisted at start-up.
	Policies []*SecurityPolicy
	// SystemAgent is recorded as the actor of administrative changes.
	SystemAgent string
	Clock       clock.Clock
	Logger      *slog.Logger
}

// BlockKind names a blocklist.
type BlockKind string

const (
	BlockAgent  BlockKind = "agent"
	BlockServer BlockKind = "server"
	BlockTool   BlockKind = "tool"
)

// BlockEntry is one blocklisted entity.
type BlockEntry struct {
	Kind      BlockKind `json:"kind"`
	Name      string    `json:"name"`
	Reason    string    `json:"reason,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Engine authorizes connections and executions. It is safe for concurrent
// use.
type Engine struct {
	store       store.Store
	audit       audit.Store
	detector    *threat.Detector
	limiter     *ratelimit.Limiter
	sealer      *Sealer
	rego        *RegoHook
	thresholds  Thresholds
	systemAgent string
	clock       clock.Clock
	logger      *slog.Logger

	connChain *chain
	execChain *chain

	mu          sync.RWMutex
	policies    map[string]*SecurityPolicy
	credentials map[string]*sealedCredential
	blocked     map[BlockKind]map[string]BlockEntry
}

// NewEngine loads persisted policies, credentials and blocklists and
// upserts opts.Policies.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("policy engine requires a store")
	}
	opts.Thresholds.setDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := clock.OrReal(opts.Clock)
	if opts.Audit == nil {
		a, err := audit.NewJSONLStore("", audit.WithClock(c))
		if err != nil {
			return nil, err
		}
		opts.Audit = a
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.DefaultLimit, c)
	}
	if opts.Sealer == nil {
		s, err := EphemeralSealer()
		if err != nil {
			return nil, err
		}
		opts.Sealer = s
	}
	if opts.SystemAgent == "" {
		opts.SystemAgent = "system"
	}

	e := &Engine{
		store:       opts.Store,
		audit:       opts.Audit,
		detector:    opts.Detector,
		limiter:     opts.Limiter,
		sealer:      opts.Sealer,
		rego:        opts.Rego,
		thresholds:  opts.Thresholds,
		systemAgent: opts.SystemAgent,
		clock:       c,
		logger:      opts.Logger,
		policies:    make(map[string]*SecurityPolicy),
		credentials: make(map[string]*sealedCredential),
		blocked: map[BlockKind]map[string]BlockEntry{
			BlockAgent:  {},
			BlockServer: {},
			BlockTool:   {},
		},
	}
	e.connChain = newChain(e.logger,
		checkFunc{"blocklist", e.checkBlocklist},
		checkFunc{"policy", e.checkPolicy},
		checkFunc{"credential", e.checkCredential},
		checkFunc{"rate_limit", e.checkRateLimit},
		checkFunc{"threat", e.checkConnectionThreat},
	)
	e.execChain = newChain(e.logger,
		checkFunc{"blocklist", e.checkBlocklist},
		checkFunc{"policy", e.checkPolicy},
		checkFunc{"denied_operation", e.checkDeniedOperation},
		checkFunc{"permission", e.checkPermission},
		checkFunc{"dangerous_params", e.checkDangerousParams},
		checkFunc{"rate_limit", e.checkRateLimit},
		checkFunc{"threat", e.checkExecutionThreat},
		checkFunc{"rego", e.checkRego},
	)

	if err := e.loadPolicies(ctx); err != nil {
		return nil, err
	}
	if err := e.loadCredentials(ctx); err != nil {
		return nil, err
	}
	if err := e.loadBlocklist(ctx); err != nil {
		return nil, err
	}
	for _, p := range opts.Policies {
		if err := e.putPolicy(ctx, p); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Detector returns the threat detector, or nil when disabled.
func (e *Engine) Detector() *threat.Detector { return e.detector }

// Audit returns the audit sink.
func (e *Engine) Audit() audit.Store { return e.audit }

// AuthorizeConnection decides whether req.AgentID may connect to
// req.Server. Only malformed input returns an error.
func (e *Engine) AuthorizeConnection(ctx context.Context, req *ConnectionRequest) (*Decision, error) {
	if req == nil || req.AgentID == "" || req.Server == "" {
		return nil, fmt.Errorf("%w: agent and server are required", ErrInvalidRequest)
	}
	ev := &evaluation{
		kind:   evalConnection,
		agent:  req.AgentID,
		server: req.Server,
		conn:   req,
	}
	if err := e.connChain.Process(ctx, ev); err != nil {
		return nil, err
	}
	d := e.finish(ev)

	e.Record(ctx, &api.AuditEvent{
		Type:          api.AuditConnectionAttempt,
		AgentID:       req.AgentID,
		ServerID:      req.Server,
		Success:       d.Allowed,
		Error:         d.Reason,
		SecurityLevel: levelOf(ev.policy),
		Details:       decisionDetails(d, ev),
	})
	return d, nil
}

// AuthorizeExecution decides whether req.AgentID may invoke req.Tool on
// req.Server with req.Params. Only malformed input returns an error.
func (e *Engine) AuthorizeExecution(ctx context.Context, req *ExecutionRequest) (*Decision, error) {
	d, ev, err := e.evaluateExecution(ctx, req, false)
	if err != nil {
		return nil, err
	}

	typ := api.AuditToolExecution
	switch {
	case d.Threat != nil:
		typ = api.AuditThreatDetected
	case d.Check == "rate_limit":
		typ = api.AuditRateLimited
	case !d.Allowed:
		typ = api.AuditPolicyViolation
	}
	e.Record(ctx, &api.AuditEvent{
		Type:          typ,
		AgentID:       req.AgentID,
		ServerID:      req.Server,
		Tool:          req.Tool,
		Parameters:    marshalParams(req.Params),
		Success:       d.Allowed,
		Error:         d.Reason,
		SecurityLevel: levelOf(ev.policy),
		Details:       decisionDetails(d, ev),
	})
	return d, nil
}

// EvaluateExecution returns the decision AuthorizeExecution would make
// right now without acting on it. The request does not consume rate limit
// budget and nothing is audited. Detected threats are reported in the
// decision only.
func (e *Engine) EvaluateExecution(ctx context.Context, req *ExecutionRequest) (*Decision, error) {
	d, _, err := e.evaluateExecution(ctx, req, true)
	return d, err
}

func (e *Engine) evaluateExecution(ctx context.Context, req *ExecutionRequest, dryRun bool) (*Decision, *evaluation, error) {
	if req == nil || req.AgentID == "" || req.Server == "" || req.Tool == "" {
		return nil, nil, fmt.Errorf("%w: agent, server and tool are required", ErrInvalidRequest)
	}
	ev := &evaluation{
		kind:   evalExecution,
		agent:  req.AgentID,
		server: req.Server,
		tool:   req.Tool,
		params: req.Params,
		dryRun: dryRun,
	}
	if err := e.execChain.Process(ctx, ev); err != nil {
		return nil, nil, err
	}
	return e.finish(ev), ev, nil
}

// InspectResponse runs response analysis and withholds results whose
// strongest threat reaches the response threshold.
func (e *Engine) InspectResponse(ctx context.Context, rc *ResponseCheck) (*Decision, error) {
	if rc == nil || rc.AgentID == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidRequest)
	}
	if e.detector == nil {
		return &Decision{Allowed: true, Check: "allowed"}, nil
	}
	events := e.detector.AnalyzeResponse(threat.Response{
		AgentID:  rc.AgentID,
		ServerID: rc.Server,
		Tool:     rc.Tool,
		Content:  rc.Content,
	})
	worst := strongest(events)
	if worst == nil || worst.Confidence < e.thresholds.Response {
		return &Decision{Allowed: true, Check: "allowed"}, nil
	}
	d := &Decision{
		Check:  "threat",
		Reason: fmt.Sprintf("response withheld: %s (confidence %.2f)", worst.Type, worst.Confidence),
		Threat: worst,
	}
	e.Record(ctx, &api.AuditEvent{
		Type:          api.AuditThreatDetected,
		AgentID:       rc.AgentID,
		ServerID:      rc.Server,
		Tool:          rc.Tool,
		Error:         d.Reason,
		SecurityLevel: api.SecurityHigh,
		Details:       map[string]any{"threat_id": worst.ID, "direction": "response"},
	})
	if err := e.HandleThreat(ctx, worst); err != nil {
		e.logger.Error("threat escalation failed", "error", err)
	}
	return d, nil
}

func (e *Engine) finish(ev *evaluation) *Decision {
	d := ev.outcome
	if ev.policy != nil {
		d.Policy = ev.policy.Clone()
	}
	return &d
}

// HandleThreat marks event blocked, recomputes the agent's risk score and
// blocks the agent once the score reaches the block threshold. The
// returned error is a *ThreatBlockedError when the agent got blocked, or
// a persistence failure.
func (e *Engine) HandleThreat(ctx context.Context, event *api.ThreatEvent) error {
	if event == nil {
		return nil
	}
	event.Blocked = true
	score := 0.0
	if e.detector != nil {
		e.detector.MarkBlocked(event.ID)
		score = e.detector.AgentRiskScore(event.AgentID, e.thresholds.RiskWindow)
	}
	e.logger.Warn("threat escalated",
		"threat_id", event.ID,
		"type", event.Type,
		"agent", event.AgentID,
		"risk_score", score,
	)
	if score < e.thresholds.Block || event.AgentID == "" {
		return nil
	}
	reason := fmt.Sprintf("risk score %.2f after %s", score, event.Type)
	if err := e.BlockAgent(ctx, event.AgentID, reason); err != nil {
		return fmt.Errorf("blocking agent: %w", err)
	}
	blocked := &ThreatBlockedError{Event: event}
	e.logger.Log(ctx, LevelCritical, "agent blocked by threat detection",
		"agent", event.AgentID,
		"threat_id", event.ID,
		"type", event.Type,
		"confidence", event.Confidence,
		"risk_score", score,
	)
	return blocked
}

// Record writes an audit event. Sink failures are logged.
func (e *Engine) Record(ctx context.Context, event *api.AuditEvent) {
	if event.Timestamp.IsZero() {
		event = event.Clone()
		event.Timestamp = e.clock.Now()
	}
	if err := e.audit.Write(ctx, event); err != nil {
		e.logger.Error("audit write failed", "type", event.Type, "error", err)
	}
}

// -- checks --

func (e *Engine) checkBlocklist(_ context.Context, ev *evaluation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.blocked[BlockAgent][ev.agent]; ok {
		ev.deny("blocklist", "agent %q is blocked: %s", ev.agent, b.Reason)
		return nil
	}
	if b, ok := e.blocked[BlockServer][ev.server]; ok {
		ev.deny("blocklist", "server %q is blocked: %s", ev.server, b.Reason)
		return nil
	}
	if ev.tool != "" {
		if b, ok := e.blocked[BlockTool][ev.tool]; ok {
			ev.deny("blocklist", "tool %q is blocked: %s", ev.tool, b.Reason)
		}
	}
	return nil
}

func (e *Engine) checkPolicy(_ context.Context, ev *evaluation) error {
	ev.policy = e.SelectPolicy(ev.server, ev.tool)
	if ev.policy.Expired(e.clock.Now()) {
		ev.deny("policy_expired", "policy %q expired at %s", ev.policy.Name, ev.policy.ValidUntil.Format(time.RFC3339))
	}
	return nil
}

func (e *Engine) checkCredential(_ context.Context, ev *evaluation) error {
	if err := e.credentialCheck(ev.server); err != nil {
		ev.deny("credential", "%v", err)
	}
	return nil
}

func (e *Engine) checkDeniedOperation(_ context.Context, ev *evaluation) error {
	if op, ok := ev.policy.DeniedOperation(ev.tool); ok {
		ev.deny("denied_operation", "tool %q matches denied operation %q of policy %q", ev.tool, op, ev.policy.Name)
	}
	return nil
}

func (e *Engine) checkPermission(_ context.Context, ev *evaluation) error {
	if !ev.policy.Allows(PermExecute) {
		ev.deny("permission", "policy %q does not grant execute", ev.policy.Name)
	}
	return nil
}

// dangerousSubstrings is a cheap static guard over serialized parameters.
var dangerousSubstrings = []string{
	"../", `..\`, "rm -rf", "rm -fr", "mkfs", "dd if=", ":(){", "chmod 777",
	"eval(", "exec(", "__import__", "<script", "/etc/shadow", "/etc/passwd",
	"drop table", "; shutdown", "| sh", "| bash",
}

func (e *Engine) checkDangerousParams(_ context.Context, ev *evaluation) error {
	if len(ev.params) == 0 {
		return nil
	}
	text := strings.ToLower(string(marshalParams(ev.params)))
	for _, s := range dangerousSubstrings {
		if strings.Contains(text, s) {
			ev.deny("dangerous_params", "parameters contain dangerous pattern %q", s)
			return nil
		}
	}
	return nil
}

func (e *Engine) checkRateLimit(_ context.Context, ev *evaluation) error {
	op := "connection:" + ev.server
	if ev.kind == evalExecution {
		op = "execution:" + ev.server + ":" + ev.tool
	}
	var allowed bool
	if ev.dryRun {
		allowed = e.limiter.Remaining(ev.agent, op) != 0
	} else {
		allowed = e.limiter.Allow(ev.agent, op)
	}
	if !allowed {
		l := e.limiter.Limit()
		ev.deny("rate_limit", "rate limit exceeded for %s: max %d per %s", op, l.Max, l.Window)
	}
	return nil
}

func (e *Engine) checkConnectionThreat(ctx context.Context, ev *evaluation) error {
	if e.detector == nil {
		return nil
	}
	t := e.detector.AnalyzeConnectionAttempt(threat.ConnectionAttempt{
		AgentID:       ev.agent,
		ServerID:      ev.server,
		SourceAddress: ev.conn.SourceAddress,
		UserAgent:     ev.conn.UserAgent,
		Command:       strings.TrimSpace(ev.conn.Command + " " + strings.Join(ev.conn.Args, " ")),
	})
	if t == nil || t.Confidence < e.thresholds.Connection {
		return nil
	}
	e.escalate(ctx, ev, t)
	return nil
}

func (e *Engine) checkExecutionThreat(ctx context.Context, ev *evaluation) error {
	if e.detector == nil {
		return nil
	}
	req := threat.Request{
		AgentID:  ev.agent,
		ServerID: ev.server,
		Tool:     ev.tool,
		Params:   ev.params,
	}
	var t *api.ThreatEvent
	if ev.dryRun {
		t = strongest(e.detector.PreviewRequest(req))
	} else {
		t = strongest(e.detector.AnalyzeRequest(req))
	}
	if t == nil || t.Confidence < e.thresholds.Execution {
		return nil
	}
	e.escalate(ctx, ev, t)
	return nil
}

func (e *Engine) escalate(ctx context.Context, ev *evaluation, t *api.ThreatEvent) {
	ev.deny("threat", "threat detected: %s (confidence %.2f)", t.Type, t.Confidence)
	ev.outcome.Threat = t
	if ev.dryRun {
		return
	}
	if err := e.HandleThreat(ctx, t); err != nil {
		var blocked *ThreatBlockedError
		if !errors.As(err, &blocked) {
			e.logger.Error("threat escalation failed", "error", err)
		}
	}
}

func (e *Engine) checkRego(ctx context.Context, ev *evaluation) error {
	if e.rego == nil {
		return nil
	}
	allow, reason, err := e.rego.evaluate(ctx, ev)
	if err != nil {
		// Evaluation failures deny rather than abort authorization.
		ev.deny("rego", "%v", err)
		return nil
	}
	if !allow {
		ev.deny("rego", "%s", reason)
	}
	return nil
}

// strongest returns the highest-confidence event, or nil.
func strongest(events []*api.ThreatEvent) *api.ThreatEvent {
	var best *api.ThreatEvent
	for _, t := range events {
		if best == nil || t.Confidence > best.Confidence {
			best = t
		}
	}
	return best
}

func levelOf(p *SecurityPolicy) api.SecurityLevel {
	if p == nil || p.SecurityLevel == "" {
		return api.SecurityMedium
	}
	return p.SecurityLevel
}

func decisionDetails(d *Decision, ev *evaluation) map[string]any {
	m := map[string]any{"check": d.Check}
	if ev.policy != nil {
		m["policy"] = ev.policy.Name
	}
	if d.Threat != nil {
		m["threat_id"] = d.Threat.ID
		m["threat_type"] = d.Threat.Type
		m["confidence"] = d.Threat.Confidence
	}
	return m
}

// marshalParams renders params as JSON without HTML escaping.
func marshalParams(params map[string]any) json.RawMessage {
	if params == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// -- policies --

// SelectPolicy returns a copy of the policy applying to server and tool.
// An empty tool selects on server patterns only.
func (e *Engine) SelectPolicy(server, tool string) *SecurityPolicy {
	e.mu.RLock()
	list := make([]*SecurityPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		list = append(list, p)
	}
	e.mu.RUnlock()
	return Select(list, server, tool).Clone()
}

// Policies returns copies of all policies sorted by name.
func (e *Engine) Policies() []*SecurityPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*SecurityPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddPolicy validates, stores and persists p, replacing a policy of the
// same name.
func (e *Engine) AddPolicy(ctx context.Context, p *SecurityPolicy) error {
	if err := e.putPolicy(ctx, p); err != nil {
		return err
	}
	e.Record(ctx, &api.AuditEvent{
		Type:          api.AuditPolicyChanged,
		AgentID:       e.systemAgent,
		Success:       true,
		SecurityLevel: levelOf(p),
		Details:       map[string]any{"policy": p.Name, "action": "upsert"},
	})
	return nil
}

func (e *Engine) putPolicy(ctx context.Context, p *SecurityPolicy) error {
	if p == nil {
		return &PolicyError{Reason: "nil policy"}
	}
	c := p.Clone()
	if err := c.Validate(); err != nil {
		return err
	}
	if err := e.store.Put(ctx, store.KindPolicies, c.Name, c); err != nil {
		return fmt.Errorf("persisting policy %q: %w", c.Name, err)
	}
	e.mu.Lock()
	e.policies[c.Name] = c
	e.mu.Unlock()
	return nil
}

// RemovePolicy deletes the named policy. It reports whether it existed.
func (e *Engine) RemovePolicy(ctx context.Context, name string) (bool, error) {
	e.mu.RLock()
	_, ok := e.policies[name]
	e.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := e.store.Delete(ctx, store.KindPolicies, name); err != nil {
		return false, fmt.Errorf("deleting policy %q: %w", name, err)
	}
	e.mu.Lock()
	delete(e.policies, name)
	e.mu.Unlock()
	e.Record(ctx, &api.AuditEvent{
		Type:          api.AuditPolicyChanged,
		AgentID:       e.systemAgent,
		Success:       true,
		SecurityLevel: api.SecurityMedium,
		Details:       map[string]any{"policy": name, "action": "remove"},
	})
	return true, nil
}

func (e *Engine) loadPolicies(ctx context.Context) error {
	recs, err := e.store.Load(ctx, store.KindPolicies)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	for name, raw := range recs {
		var p SecurityPolicy
		if err := json.Unmarshal(raw, &p); err != nil {
			return &PolicyError{Policy: name, Reason: "malformed record", Err: err}
		}
		if err := p.Validate(); err != nil {
			return err
		}
		e.policies[p.Name] = &p
	}
	return nil
}

// -- blocklists --

func blockRecordName(kind BlockKind, name string) string {
	return string(kind) + ":" + name
}

func (e *Engine) block(ctx context.Context, kind BlockKind, name, reason string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidRequest, kind)
	}
	entry := BlockEntry{Kind: kind, Name: name, Reason: reason, BlockedAt: e.clock.Now().UTC()}
	if err := e.store.Put(ctx, store.KindBlocklist, blockRecordName(kind, name), entry); err != nil {
		return fmt.Errorf("persisting block of %s %q: %w", kind, name, err)
	}
	e.mu.Lock()
	e.blocked[kind][name] = entry
	e.mu.Unlock()

	ev := &api.AuditEvent{
		Type:          api.AuditEntityBlocked,
		AgentID:       e.systemAgent,
		Success:       true,
		SecurityLevel: api.SecurityHigh,
		Details:       map[string]any{"kind": kind, "name": name, "reason": reason},
	}
	switch kind {
	case BlockAgent:
		ev.Type = api.AuditAgentBlocked
		ev.AgentID = name
	case BlockServer:
		ev.ServerID = name
	case BlockTool:
		ev.Tool = name
	}
	e.Record(ctx, ev)
	e.logger.Warn("entity blocked", "kind", kind, "name", name, "reason", reason)
	return nil
}

func (e *Engine) unblock(ctx context.Context, kind BlockKind, name string) (bool, error) {
	e.mu.RLock()
	_, ok := e.blocked[kind][name]
	e.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := e.store.Delete(ctx, store.KindBlocklist, blockRecordName(kind, name)); err != nil {
		return false, fmt.Errorf("persisting unblock of %s %q: %w", kind, name, err)
	}
	e.mu.Lock()
	delete(e.blocked[kind], name)
	e.mu.Unlock()

	ev := &api.AuditEvent{
		Type:          api.AuditEntityUnblocked,
		AgentID:       e.systemAgent,
		Success:       true,
		SecurityLevel: api.SecurityMedium,
		Details:       map[string]any{"kind": kind, "name": name, "action": "unblock"},
	}
	switch kind {
	case BlockAgent:
		ev.Type = api.AuditAgentUnblocked
		ev.AgentID = name
	case BlockServer:
		ev.ServerID = name
	case BlockTool:
		ev.Tool = name
	}
	e.Record(ctx, ev)
	e.logger.Info("entity unblocked", "kind", kind, "name", name)
	return true, nil
}

// BlockAgent persists agent into the blocklist. Every later request from
// it is denied before policy evaluation.
func (e *Engine) BlockAgent(ctx context.Context, agent, reason string) error {
	return e.block(ctx, BlockAgent, agent, reason)
}

// UnblockAgent removes agent from the blocklist.
func (e *Engine) UnblockAgent(ctx context.Context, agent string) (bool, error) {
	return e.unblock(ctx, BlockAgent, agent)
}

// BlockServer persists server into the blocklist. Connections to it and
// executions on it are denied before policy evaluation.
func (e *Engine) BlockServer(ctx context.Context, server, reason string) error {
	return e.block(ctx, BlockServer, server, reason)
}

// UnblockServer removes server from the blocklist. It reports whether the
// server was blocked.
func (e *Engine) UnblockServer(ctx context.Context, server string) (bool, error) {
	return e.unblock(ctx, BlockServer, server)
}

// BlockTool persists tool into the blocklist. The name is matched on every
// server.
func (e *Engine) BlockTool(ctx context.Context, tool, reason string) error {
	return e.block(ctx, BlockTool, tool, reason)
}

// UnblockTool removes tool from the blocklist.
func (e *Engine) UnblockTool(ctx context.Context, tool string) (bool, error) {
	return e.unblock(ctx, BlockTool, tool)
}

// IsAgentBlocked reports whether agent is blocklisted.
func (e *Engine) IsAgentBlocked(agent string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.blocked[BlockAgent][agent]
	return ok
}

// Blocked lists every blocklist entry sorted by kind and name.
func (e *Engine) Blocked() []BlockEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []BlockEntry
	for _, m := range e.blocked {
		for _, b := range m {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (e *Engine) loadBlocklist(ctx context.Context) error {
	recs, err := e.store.Load(ctx, store.KindBlocklist)
	if err != nil {
		return fmt.Errorf("loading blocklist: %w", err)
	}
	for name, raw := range recs {
		var b BlockEntry
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("blocklist record %q: %w", name, err)
		}
		m, ok := e.blocked[b.Kind]
		if !ok {
			return fmt.Errorf("blocklist record %q: unknown kind %q", name, b.Kind)
		}
		m[b.Name] = b
	}
	return nil
}

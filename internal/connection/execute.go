package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/policy"
	"github.com/tkingovr/mcpwarden/internal/scanner"
	"github.com/tkingovr/mcpwarden/internal/transport"
)

// call is one admitted invocation on a resolved capability.
type call struct {
	rec     *record
	cap     Capability
	sess    transport.Session
	params  map[string]any
	started time.Time
	// limit is the policy's max execution time when tighter than the
	// server timeout.
	limit time.Duration
}

// ExecuteTool invokes tool name on server, or on the first connected server
// advertising it when server is empty. Every failure, including unknown
// tools and denials, is an *ExecutionError.
func (m *Manager) ExecuteTool(ctx context.Context, name string, params map[string]any, server string) (*api.CallToolResult, error) {
	c, err := m.prepare(ctx, KindTool, name, server, params)
	if err != nil {
		return nil, err
	}
	if err := validateParams(c.cap.Schema(), params); err != nil {
		return nil, m.fail(ctx, c, "", fmt.Errorf("%w: %v", ErrInvalidParams, err))
	}

	callCtx, cancel := m.callContext(ctx, c)
	defer cancel()
	res, err := c.sess.CallTool(callCtx, name, params)
	if err != nil {
		return nil, m.fail(ctx, c, "call failed", m.callErr(c.rec, err))
	}
	c.cap.counter().touch(m.clock.Now())

	if err := m.inspect(ctx, c, res.Text()); err != nil {
		return nil, err
	}
	for i := range res.Content {
		text, err := m.screen(ctx, c, false, res.Content[i].Text)
		if err != nil {
			return nil, err
		}
		res.Content[i].Text = text
	}
	m.succeed(ctx, c, map[string]any{"is_error": res.IsError})
	return res, nil
}

// GetPrompt renders prompt name with args. Rendered messages are scanned as
// prompts before they are returned.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string, server string) (*api.GetPromptResult, error) {
	params := make(map[string]any, len(args))
	for k, v := range args {
		params[k] = v
	}
	c, err := m.prepare(ctx, KindPrompt, name, server, params)
	if err != nil {
		return nil, err
	}
	if err := validateParams(c.cap.Schema(), params); err != nil {
		return nil, m.fail(ctx, c, "", fmt.Errorf("%w: %v", ErrInvalidParams, err))
	}

	callCtx, cancel := m.callContext(ctx, c)
	defer cancel()
	res, err := c.sess.GetPrompt(callCtx, name, args)
	if err != nil {
		return nil, m.fail(ctx, c, "call failed", m.callErr(c.rec, err))
	}
	c.cap.counter().touch(m.clock.Now())

	texts := make([]string, 0, len(res.Messages))
	for _, msg := range res.Messages {
		texts = append(texts, msg.Content.Text)
	}
	if err := m.inspect(ctx, c, strings.Join(texts, "\n")); err != nil {
		return nil, err
	}
	for i := range res.Messages {
		text, err := m.screen(ctx, c, true, res.Messages[i].Content.Text)
		if err != nil {
			return nil, err
		}
		res.Messages[i].Content.Text = text
	}
	m.succeed(ctx, c, map[string]any{"messages": len(res.Messages)})
	return res, nil
}

// ReadResource reads the resource at uri.
func (m *Manager) ReadResource(ctx context.Context, uri, server string) (*api.ReadResourceResult, error) {
	c, err := m.prepare(ctx, KindResource, uri, server, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := m.callContext(ctx, c)
	defer cancel()
	res, err := c.sess.ReadResource(callCtx, uri)
	if err != nil {
		return nil, m.fail(ctx, c, "call failed", m.callErr(c.rec, err))
	}
	c.cap.counter().touch(m.clock.Now())

	texts := make([]string, 0, len(res.Contents))
	for _, rc := range res.Contents {
		texts = append(texts, rc.Text)
	}
	if err := m.inspect(ctx, c, strings.Join(texts, "\n")); err != nil {
		return nil, err
	}
	for i := range res.Contents {
		text, err := m.screen(ctx, c, false, res.Contents[i].Text)
		if err != nil {
			return nil, err
		}
		res.Contents[i].Text = text
	}
	m.succeed(ctx, c, map[string]any{"contents": len(res.Contents)})
	return res, nil
}

// prepare resolves the capability and admits the call through the manager
// limiter and the gatekeeper.
func (m *Manager) prepare(ctx context.Context, kind Kind, name, server string, params map[string]any) (*call, error) {
	rec, capb, sess, err := m.lookup(kind, name, server)
	if err != nil {
		return nil, &ExecutionError{Server: server, Tool: name, Err: err}
	}
	c := &call{rec: rec, cap: capb, sess: sess, params: params, started: m.clock.Now()}
	srv := rec.cfg.Name

	if !m.limiter.Allow(m.agentID, "execute:"+srv) {
		m.rateLimited(ctx, srv, name)
		return nil, &ExecutionError{Server: srv, Tool: name, Reason: "connection manager rate limit", Err: ErrRateLimited}
	}

	d, err := m.gate.AuthorizeExecution(ctx, &policy.ExecutionRequest{
		AgentID: m.agentID,
		Server:  srv,
		Tool:    name,
		Params:  params,
	})
	if err != nil {
		return nil, &ExecutionError{Server: srv, Tool: name, Reason: "authorization failed", Err: err}
	}
	if !d.Allowed {
		var cause error = ErrDenied
		if d.Threat != nil {
			cause = errors.Join(ErrDenied, &policy.ThreatBlockedError{Event: d.Threat})
		}
		m.logger.Warn("execution denied", "server", srv, "tool", name, "check", d.Check, "reason", d.Reason)
		return nil, &ExecutionError{Server: srv, Tool: name, Reason: d.Reason, Err: cause}
	}
	if d.Policy != nil && d.Policy.MaxExecutionTime > 0 && d.Policy.MaxExecutionTime < rec.cfg.Timeout {
		c.limit = d.Policy.MaxExecutionTime
	}
	return c, nil
}

// lookup finds a usable capability. With an empty server, connected
// servers are searched in name order.
func (m *Manager) lookup(kind Kind, name, server string) (*record, Capability, transport.Session, error) {
	var recs []*record
	if server != "" {
		m.mu.RLock()
		rec, ok := m.records[server]
		m.mu.RUnlock()
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: %s %q on %q", ErrUnknownCapability, kind, name, server)
		}
		recs = []*record{rec}
	} else {
		recs = m.snapshot()
	}

	key := capKey{kind, name}
	var stale *record
	for _, rec := range recs {
		rec.mu.Lock()
		c, ok := rec.caps[key]
		sess, state := rec.session, rec.state
		rec.mu.Unlock()
		if !ok {
			if server != "" && !state.usable() {
				stale = rec
			}
			continue
		}
		if sess == nil || !state.usable() {
			stale = rec
			continue
		}
		return rec, c, sess, nil
	}
	if stale != nil {
		_, state := stale.current()
		return nil, nil, nil, fmt.Errorf("%w: %q is %s", ErrNotConnected, stale.cfg.Name, state)
	}
	return nil, nil, nil, fmt.Errorf("%w: %s %q", ErrUnknownCapability, kind, name)
}

// callContext bounds a call by its timeout and ends it when the server is
// torn down.
func (m *Manager) callContext(ctx context.Context, c *call) (context.Context, context.CancelFunc) {
	timeout := c.rec.cfg.Timeout
	if c.limit > 0 {
		timeout = c.limit
	}
	ctx, cancel := bind(ctx, c.rec.ctx)
	timed, cancelTimeout := context.WithTimeout(ctx, timeout)
	return timed, func() {
		cancelTimeout()
		cancel()
	}
}

func (m *Manager) callErr(rec *record, err error) error {
	if rec.ctx.Err() != nil && !errors.Is(err, transport.ErrClosed) {
		return errors.Join(transport.ErrClosed, err)
	}
	return err
}

// inspect runs response threat analysis over the joined result text.
func (m *Manager) inspect(ctx context.Context, c *call, text string) error {
	if text == "" {
		return nil
	}
	d, err := m.gate.InspectResponse(ctx, &policy.ResponseCheck{
		AgentID: m.agentID,
		Server:  c.rec.cfg.Name,
		Tool:    c.cap.Name(),
		Content: text,
	})
	if err != nil {
		return m.fail(ctx, c, "response inspection failed", err)
	}
	if d.Allowed {
		return nil
	}
	var cause error = ErrContentBlocked
	if d.Threat != nil {
		cause = errors.Join(ErrContentBlocked, &policy.ThreatBlockedError{Event: d.Threat})
	}
	return m.fail(ctx, c, d.Reason, cause)
}

// screen runs the content scanner over one text item and returns the text
// to forward.
func (m *Manager) screen(ctx context.Context, c *call, prompt bool, text string) (string, error) {
	if m.scanner == nil || text == "" {
		return text, nil
	}
	var rep *scanner.Report
	if prompt {
		rep = m.scanner.ScanPrompt(ctx, m.agentID, text)
	} else {
		rep = m.scanner.ScanResponse(ctx, m.agentID, text)
	}
	if rep.Blocked {
		return "", m.fail(ctx, c, fmt.Sprintf("content scan %s (risk %.2f)", rep.Result, rep.RiskScore), ErrContentBlocked)
	}
	if rep.Sanitized != "" {
		return rep.Sanitized, nil
	}
	return text, nil
}

func (m *Manager) fail(ctx context.Context, c *call, reason string, err error) error {
	m.recordCall(ctx, c, err, nil)
	return &ExecutionError{Server: c.rec.cfg.Name, Tool: c.cap.Name(), Reason: reason, Err: err}
}

func (m *Manager) succeed(ctx context.Context, c *call, details map[string]any) {
	c.rec.mu.Lock()
	required := c.rec.auditRequired
	c.rec.mu.Unlock()
	if required {
		m.recordCall(ctx, c, nil, details)
	}
}

func (m *Manager) recordCall(ctx context.Context, c *call, err error, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["kind"] = string(c.cap.Kind())
	details["duration_ms"] = m.clock.Now().Sub(c.started).Milliseconds()
	params, _ := json.Marshal(c.params)
	ev := &api.AuditEvent{
		Type:          api.AuditToolExecution,
		AgentID:       m.agentID,
		ServerID:      c.rec.cfg.Name,
		Tool:          c.cap.Name(),
		Parameters:    params,
		Success:       err == nil,
		SecurityLevel: api.SecurityMedium,
		Details:       details,
	}
	if err != nil {
		ev.Error = err.Error()
		ev.SecurityLevel = api.SecurityHigh
	}
	m.gate.Record(ctx, ev)
}

// validateParams checks params against a JSON schema document. A missing
// schema accepts anything.
func validateParams(schema json.RawMessage, params map[string]any) error {
	if len(schema) == 0 || string(schema) == "null" {
		return nil
	}
	var schemaObj any
	if err := json.Unmarshal(schema, &schemaObj); err != nil {
		return fmt.Errorf("schema unmarshal: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("schema compile: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema compile: %w", err)
	}

	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var args any
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	return sch.Validate(args)
}

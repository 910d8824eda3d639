// Package security bundles the process-scoped security components: record
// store, audit sink, rate limiter, threat detector, content scanner and the
// policy engine built on top of them.
package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/audit"
	"github.com/tkingovr/mcpwarden/internal/clock"
	"github.com/tkingovr/mcpwarden/internal/policy"
	"github.com/tkingovr/mcpwarden/internal/ratelimit"
	"github.com/tkingovr/mcpwarden/internal/scanner"
	"github.com/tkingovr/mcpwarden/internal/store"
	"github.com/tkingovr/mcpwarden/internal/threat"
)

// KeyFile is the name of the credential sealing identity inside the
// config directory.
const KeyFile = "credentials.key"

type options struct {
	backend         string
	logDir          string
	memoryAudit     bool
	auditCapacity   int
	limit           ratelimit.Limit
	thresholds      policy.Thresholds
	threat          threat.Options
	threatDisabled  bool
	scanner         scanner.Options
	scannerDisabled bool
	policies        []*policy.SecurityPolicy
	regoPath        string
	systemAgent     string
	clock           clock.Clock
	logger          *slog.Logger
}

// Option configures NewManager.
type Option func(*options)

// WithStore selects the record store backend (store.BackendFile or
// store.BackendSQLite).
func WithStore(backend string) Option {
	return func(o *options) { o.backend = backend }
}

// WithLogDir sets the directory of the daily audit logs. It defaults to
// <configDir>/audit.
func WithLogDir(dir string) Option {
	return func(o *options) { o.logDir = dir }
}

// WithMemoryAudit keeps audit events in memory only.
func WithMemoryAudit() Option {
	return func(o *options) { o.memoryAudit = true }
}

// WithAuditCapacity bounds the in-memory audit ring.
func WithAuditCapacity(n int) Option {
	return func(o *options) { o.auditCapacity = n }
}

// WithRateLimit sets the policy engine's per-agent limit. The default is
// ratelimit.DefaultLimit; a Max of zero disables limiting.
func WithRateLimit(l ratelimit.Limit) Option {
	return func(o *options) { o.limit = l }
}

// WithThresholds overrides the threat escalation thresholds.
func WithThresholds(t policy.Thresholds) Option {
	return func(o *options) { o.thresholds = t }
}

// WithThreatOptions tunes the threat detector.
func WithThreatOptions(t threat.Options) Option {
	return func(o *options) { o.threat = t }
}

// WithoutThreatDetection disables threat analysis.
func WithoutThreatDetection() Option {
	return func(o *options) { o.threatDisabled = true }
}

// WithScannerOptions tunes the content scanner.
func WithScannerOptions(s scanner.Options) Option {
	return func(o *options) { o.scanner = s }
}

// WithoutScanner disables content scanning; scans then report safe.
func WithoutScanner() Option {
	return func(o *options) { o.scannerDisabled = true }
}

// WithPolicies seeds policies at start-up.
func WithPolicies(ps ...*policy.SecurityPolicy) Option {
	return func(o *options) { o.policies = append(o.policies, ps...) }
}

// WithRegoPolicy loads a Rego module consulted on every execution.
func WithRegoPolicy(path string) Option {
	return func(o *options) { o.regoPath = path }
}

// WithSystemAgent names the actor of administrative changes.
func WithSystemAgent(agent string) Option {
	return func(o *options) { o.systemAgent = agent }
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Manager owns the security components for the life of the process.
type Manager struct {
	dir      string
	store    store.Store
	audit    *audit.JSONLStore
	detector *threat.Detector
	scanner  *scanner.Scanner
	engine   *policy.Engine
	clock    clock.Clock
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewManager builds every component rooted at configDir, which is created
// with mode 0700 if missing.
func NewManager(configDir string, opts ...Option) (*Manager, error) {
	o := options{backend: store.BackendFile, limit: ratelimit.DefaultLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := clock.OrReal(o.clock)
	if configDir == "" {
		return nil, errors.New("config directory is required")
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	m := &Manager{dir: configDir, clock: c, logger: o.logger}
	if err := m.open(&o); err != nil {
		m.Close()
		return nil, err
	}
	o.logger.Info("security manager ready",
		"config_dir", configDir,
		"store", o.backend,
		"threat_detection", m.detector != nil,
		"scanner", m.scanner != nil,
	)
	return m, nil
}

func (m *Manager) open(o *options) error {
	var err error
	m.store, err = store.Open(o.backend, m.dir)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}

	logDir := o.logDir
	if logDir == "" {
		logDir = filepath.Join(m.dir, "audit")
	}
	if o.memoryAudit {
		logDir = ""
	}
	m.audit, err = audit.NewJSONLStore(logDir, audit.WithCapacity(o.auditCapacity), audit.WithClock(m.clock))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	if !o.threatDisabled {
		m.detector, err = threat.New(o.threat, m.clock, m.logger.With("component", "threat"))
		if err != nil {
			return fmt.Errorf("building threat detector: %w", err)
		}
	}
	if !o.scannerDisabled {
		m.scanner = scanner.New(o.scanner, m.clock, m.logger.With("component", "scanner"))
	}

	sealer, err := policy.LoadOrCreateSealer(filepath.Join(m.dir, KeyFile))
	if err != nil {
		return err
	}
	var hook *policy.RegoHook
	if o.regoPath != "" {
		if hook, err = policy.NewRegoHookFromFile(o.regoPath); err != nil {
			return err
		}
	}

	m.engine, err = policy.NewEngine(context.Background(), policy.Options{
		Store:       m.store,
		Audit:       m.audit,
		Detector:    m.detector,
		Limiter:     ratelimit.New(o.limit, m.clock),
		Sealer:      sealer,
		Rego:        hook,
		Thresholds:  o.thresholds,
		Policies:    o.policies,
		SystemAgent: o.systemAgent,
		Clock:       m.clock,
		Logger:      m.logger.With("component", "policy"),
	})
	return err
}

// Dir returns the config directory.
func (m *Manager) Dir() string { return m.dir }

// Engine returns the policy engine.
func (m *Manager) Engine() *policy.Engine { return m.engine }

// Detector returns the threat detector, or nil when disabled.
func (m *Manager) Detector() *threat.Detector { return m.detector }

// Scanner returns the content scanner, or nil when disabled.
func (m *Manager) Scanner() *scanner.Scanner { return m.scanner }

// Audit returns the audit store.
func (m *Manager) Audit() *audit.JSONLStore { return m.audit }

// ScanPrompt scans text headed to a capability server.
func (m *Manager) ScanPrompt(ctx context.Context, agent, text string) *scanner.Report {
	return m.scan(ctx, scanner.ContentPrompt, agent, text)
}

// ScanResponse scans text returned by a capability server.
func (m *Manager) ScanResponse(ctx context.Context, agent, text string) *scanner.Report {
	return m.scan(ctx, scanner.ContentResponse, agent, text)
}

func (m *Manager) scan(ctx context.Context, typ scanner.ContentType, agent, text string) *scanner.Report {
	if m.scanner == nil {
		return &scanner.Report{ContentType: typ, AgentID: agent, Result: scanner.ResultSafe, ScannedAt: m.clock.Now()}
	}
	var rep *scanner.Report
	if typ == scanner.ContentPrompt {
		rep = m.scanner.ScanPrompt(ctx, agent, text)
	} else {
		rep = m.scanner.ScanResponse(ctx, agent, text)
	}
	if rep.Result != scanner.ResultThreat && rep.Result != scanner.ResultBlocked {
		return rep
	}

	types := make([]string, 0, len(rep.Violations))
	for _, v := range rep.Violations {
		types = append(types, v.Type)
	}
	level := api.SecurityHigh
	if rep.Blocked {
		level = api.SecurityCritical
	}
	m.engine.Record(ctx, &api.AuditEvent{
		Type:          api.AuditContentScanned,
		AgentID:       agent,
		Success:       !rep.Blocked,
		Error:         fmt.Sprintf("content scan %s", rep.Result),
		SecurityLevel: level,
		Details: map[string]any{
			"content_id":   rep.ContentID,
			"content_type": string(typ),
			"result":       string(rep.Result),
			"risk_score":   rep.RiskScore,
			"violations":   types,
		},
	})
	return rep
}

// Close closes the audit log and the record store. It is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if m.audit != nil {
			errs = append(errs, m.audit.Close())
		}
		if m.store != nil {
			errs = append(errs, m.store.Close())
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

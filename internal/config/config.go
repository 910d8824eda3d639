// Package config loads the mcpwarden YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/connection"
	"github.com/tkingovr/mcpwarden/internal/policy"
	"github.com/tkingovr/mcpwarden/internal/ratelimit"
	"github.com/tkingovr/mcpwarden/internal/store"
	"github.com/tkingovr/mcpwarden/internal/threat"
)

// File is the YAML document as written on disk.
type File struct {
	Version    int                `yaml:"version"`
	Settings   Settings           `yaml:"settings"`
	Servers    []Server           `yaml:"servers,omitempty"`
	Policies   []Policy           `yaml:"policies,omitempty"`
	Indicators []threat.Indicator `yaml:"indicators,omitempty"`
}

// Limit is a rate limit with a duration string window.
type Limit struct {
	Max    int    `yaml:"max"`
	Window string `yaml:"window,omitempty"`
}

// Settings holds process-wide options.
type Settings struct {
	AgentID               string          `yaml:"agent_id,omitempty"`
	ConfigDir             string          `yaml:"config_dir,omitempty"`
	LogDir                string          `yaml:"log_dir,omitempty"`
	Store                 string          `yaml:"store,omitempty"`
	Transport             string          `yaml:"transport,omitempty"`
	AuditBuffer           int             `yaml:"audit_buffer,omitempty"`
	RateLimit             *Limit          `yaml:"rate_limit,omitempty"`
	PolicyRateLimit       *Limit          `yaml:"policy_rate_limit,omitempty"`
	ProbeFailureThreshold int             `yaml:"probe_failure_threshold,omitempty"`
	BackoffBase           string          `yaml:"backoff_base,omitempty"`
	RegoPolicy            string          `yaml:"rego_policy,omitempty"`
	Threat                ThreatSettings  `yaml:"threat,omitempty"`
	Scanner               ScannerSettings `yaml:"scanner,omitempty"`
}

// ThreatSettings tunes threat detection. Zero thresholds take defaults.
type ThreatSettings struct {
	Enabled             *bool   `yaml:"enabled,omitempty"`
	ConnectionThreshold float64 `yaml:"connection_threshold,omitempty"`
	ExecutionThreshold  float64 `yaml:"execution_threshold,omitempty"`
	ResponseThreshold   float64 `yaml:"response_threshold,omitempty"`
	BlockThreshold      float64 `yaml:"block_threshold,omitempty"`
	RiskWindow          string  `yaml:"risk_window,omitempty"`
	HistorySize         int     `yaml:"history_size,omitempty"`
}

// ScannerSettings toggles content scanning.
type ScannerSettings struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Server is one capability server entry.
type Server struct {
	Name                string            `yaml:"name"`
	Command             string            `yaml:"command"`
	Args                []string          `yaml:"args,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
	Timeout             string            `yaml:"timeout,omitempty"`
	RetryAttempts       int               `yaml:"retry_attempts,omitempty"`
	AutoReconnect       bool              `yaml:"auto_reconnect,omitempty"`
	HealthCheckInterval string            `yaml:"health_check_interval,omitempty"`
}

// Policy is one security policy entry.
type Policy struct {
	Name               string   `yaml:"name"`
	ServerPatterns     []string `yaml:"server_patterns,omitempty"`
	ToolPatterns       []string `yaml:"tool_patterns,omitempty"`
	AllowedPermissions []string `yaml:"allowed_permissions,omitempty"`
	DeniedOperations   []string `yaml:"denied_operations,omitempty"`
	SecurityLevel      string   `yaml:"security_level,omitempty"`
	MaxExecutionTime   string   `yaml:"max_execution_time,omitempty"`
	AuditRequired      bool     `yaml:"audit_required,omitempty"`
	// ValidUntil is an RFC 3339 timestamp.
	ValidUntil string `yaml:"valid_until,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	File *File
	Path string

	AgentID   string
	ConfigDir string
	LogDir    string
	Store     string
	Transport string

	AuditBuffer           int
	RateLimit             ratelimit.Limit
	PolicyRateLimit       ratelimit.Limit
	ProbeFailureThreshold int
	BackoffBase           time.Duration
	RegoPolicy            string

	ThreatEnabled  bool
	ScannerEnabled bool
	Thresholds     policy.Thresholds
	ThreatHistory  int

	Servers    []connection.ServerConfig
	Policies   []*policy.SecurityPolicy
	Indicators []threat.Indicator
}

// Load reads a YAML file and produces a runtime Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg, err := resolve(&f)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a config with defaults for when no config file is given.
func DefaultConfig() *Config {
	cfg, err := resolve(&File{Version: 1})
	if err != nil {
		panic(err)
	}
	return cfg
}

func resolve(f *File) (*Config, error) {
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d (expected 1)", f.Version)
	}
	s := f.Settings
	cfg := &Config{
		File:                  f,
		AgentID:               orDefault(s.AgentID, DefaultAgentID),
		ConfigDir:             expandHome(orDefault(s.ConfigDir, DefaultConfigDir)),
		Store:                 orDefault(s.Store, DefaultStore),
		Transport:             orDefault(s.Transport, DefaultTransport),
		AuditBuffer:           s.AuditBuffer,
		ProbeFailureThreshold: s.ProbeFailureThreshold,
		RegoPolicy:            expandHome(s.RegoPolicy),
		ThreatEnabled:         s.Threat.Enabled == nil || *s.Threat.Enabled,
		ScannerEnabled:        s.Scanner.Enabled == nil || *s.Scanner.Enabled,
		ThreatHistory:         s.Threat.HistorySize,
		Indicators:            f.Indicators,
	}

	// Audit logs live next to the records unless placed elsewhere.
	if s.LogDir != "" {
		cfg.LogDir = expandHome(s.LogDir)
	} else if s.ConfigDir != "" {
		cfg.LogDir = filepath.Join(cfg.ConfigDir, "audit")
	} else {
		cfg.LogDir = expandHome(DefaultLogDir())
	}

	switch cfg.Store {
	case store.BackendFile, store.BackendSQLite:
	default:
		return nil, fmt.Errorf("invalid store %q", cfg.Store)
	}
	switch cfg.Transport {
	case TransportStdio, TransportMCPGo:
	default:
		return nil, fmt.Errorf("invalid transport %q", cfg.Transport)
	}
	if cfg.AuditBuffer <= 0 {
		cfg.AuditBuffer = DefaultAuditBuffer
	}
	if cfg.ProbeFailureThreshold <= 0 {
		cfg.ProbeFailureThreshold = DefaultProbeThreshold
	}

	var err error
	if cfg.RateLimit, err = toLimit("rate_limit", s.RateLimit); err != nil {
		return nil, err
	}
	if cfg.PolicyRateLimit, err = toLimit("policy_rate_limit", s.PolicyRateLimit); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = duration("backoff_base", s.BackoffBase, DefaultBackoffBase); err != nil {
		return nil, err
	}

	cfg.Thresholds = policy.Thresholds{
		Connection: s.Threat.ConnectionThreshold,
		Execution:  s.Threat.ExecutionThreshold,
		Response:   s.Threat.ResponseThreshold,
		Block:      s.Threat.BlockThreshold,
	}
	if cfg.Thresholds.RiskWindow, err = duration("threat.risk_window", s.Threat.RiskWindow, 0); err != nil {
		return nil, err
	}
	for _, v := range []float64{cfg.Thresholds.Connection, cfg.Thresholds.Execution, cfg.Thresholds.Response, cfg.Thresholds.Block} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("threat thresholds must be within [0, 1], got %v", v)
		}
	}

	if cfg.Servers, err = toServers(f.Servers); err != nil {
		return nil, err
	}
	if cfg.Policies, err = toPolicies(f.Policies); err != nil {
		return nil, err
	}
	if err := validateIndicators(f.Indicators); err != nil {
		return nil, err
	}
	return cfg, nil
}

func toLimit(key string, l *Limit) (ratelimit.Limit, error) {
	if l == nil {
		return ratelimit.Limit{Max: DefaultRateLimit, Window: DefaultRateWindow}, nil
	}
	w, err := duration(key+".window", l.Window, DefaultRateWindow)
	if err != nil {
		return ratelimit.Limit{}, err
	}
	return ratelimit.Limit{Max: l.Max, Window: w}, nil
}

func toServers(in []Server) ([]connection.ServerConfig, error) {
	out := make([]connection.ServerConfig, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i, s := range in {
		if s.Name == "" {
			return nil, fmt.Errorf("server %d: name is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("server %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return nil, fmt.Errorf("server %q: command is required", s.Name)
		}
		if s.RetryAttempts < 0 {
			return nil, fmt.Errorf("server %q: retry_attempts must not be negative", s.Name)
		}
		timeout, err := duration("server "+s.Name+" timeout", s.Timeout, connection.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		interval, err := duration("server "+s.Name+" health_check_interval", s.HealthCheckInterval, connection.DefaultHealthCheckInterval)
		if err != nil {
			return nil, err
		}
		retries := s.RetryAttempts
		if retries == 0 {
			retries = connection.DefaultRetryAttempts
		}
		out = append(out, connection.ServerConfig{
			Name:                s.Name,
			Command:             expandHome(s.Command),
			Args:                s.Args,
			Env:                 s.Env,
			Timeout:             timeout,
			RetryAttempts:       retries,
			AutoReconnect:       s.AutoReconnect,
			HealthCheckInterval: interval,
		})
	}
	return out, nil
}

func toPolicies(in []Policy) ([]*policy.SecurityPolicy, error) {
	out := make([]*policy.SecurityPolicy, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		if seen[p.Name] {
			return nil, fmt.Errorf("policy %q: duplicate name", p.Name)
		}
		seen[p.Name] = true

		sp := &policy.SecurityPolicy{
			Name:             p.Name,
			ServerPatterns:   p.ServerPatterns,
			ToolPatterns:     p.ToolPatterns,
			DeniedOperations: p.DeniedOperations,
			SecurityLevel:    api.SecurityLevel(p.SecurityLevel),
			AuditRequired:    p.AuditRequired,
		}
		for _, perm := range p.AllowedPermissions {
			sp.AllowedPermissions = append(sp.AllowedPermissions, policy.Permission(perm))
		}
		var err error
		if sp.MaxExecutionTime, err = duration("policy "+p.Name+" max_execution_time", p.MaxExecutionTime, 0); err != nil {
			return nil, err
		}
		if p.ValidUntil != "" {
			t, err := time.Parse(time.RFC3339, p.ValidUntil)
			if err != nil {
				return nil, fmt.Errorf("policy %q: invalid valid_until %q: %w", p.Name, p.ValidUntil, err)
			}
			sp.ValidUntil = &t
		}
		if err := sp.Validate(); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

var indicatorFields = []string{"source_address", "user_agent", "command"}

func validateIndicators(in []threat.Indicator) error {
	for i, ind := range in {
		if ind.Name == "" {
			return fmt.Errorf("indicator %d: name is required", i)
		}
		if ind.Pattern == "" {
			return fmt.Errorf("indicator %q: pattern is required", ind.Name)
		}
		for _, f := range ind.Fields {
			if !slices.Contains(indicatorFields, f) {
				return fmt.Errorf("indicator %q: unknown field %q", ind.Name, f)
			}
		}
		if ind.Confidence < 0 || ind.Confidence > 1 {
			return fmt.Errorf("indicator %q: confidence must be within [0, 1]", ind.Name)
		}
	}
	return nil
}

func duration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, value)
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// MarshalYAML serializes the configuration document for display/export.
func (c *Config) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(c.File)
}

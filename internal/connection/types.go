package connection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tkingovr/mcpwarden/api"
)

// Defaults applied to zero ServerConfig fields.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultRetryAttempts       = 3
	DefaultHealthCheckInterval = 30 * time.Second
)

// ServerConfig describes one capability server. It is immutable once
// registered.
type ServerConfig struct {
	Name                string            `json:"name" yaml:"name"`
	Command             string            `json:"command" yaml:"command"`
	Args                []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env                 map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout             time.Duration     `json:"timeout" yaml:"-"`
	RetryAttempts       int               `json:"retry_attempts" yaml:"retry_attempts"`
	AutoReconnect       bool              `json:"auto_reconnect" yaml:"auto_reconnect"`
	HealthCheckInterval time.Duration     `json:"health_check_interval" yaml:"-"`
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	c.Args = append([]string(nil), c.Args...)
	if c.Env != nil {
		env := make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			env[k] = v
		}
		c.Env = env
	}
	return c
}

func (c ServerConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("server %q: command is required", c.Name)
	}
	return nil
}

// environ renders Env as sorted KEY=value entries.
func (c ServerConfig) environ() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// State is the lifecycle state of a registered server.
type State string

const (
	StateUnregistered       State = "unregistered"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateHealthCheckFailing State = "health_check_failing"
	StateReconnecting       State = "reconnecting"
	StateBlocked            State = "blocked"
	StateDisconnected       State = "disconnected"
)

// usable reports whether calls may be dispatched in state s.
func (s State) usable() bool {
	return s == StateConnected || s == StateHealthCheckFailing
}

// Kind is the kind of a capability.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Usage is a snapshot of a capability's usage counters.
type Usage struct {
	Count    int64     `json:"count"`
	LastUsed time.Time `json:"last_used,omitempty"`
}

type usageCounter struct {
	mu    sync.Mutex
	count int64
	last  time.Time
}

func (u *usageCounter) touch(now time.Time) {
	u.mu.Lock()
	u.count++
	u.last = now
	u.mu.Unlock()
}

func (u *usageCounter) snapshot() Usage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Usage{Count: u.count, LastUsed: u.last}
}

// Capability is one tool, resource or prompt advertised by a server.
type Capability interface {
	// Name is the lookup key: the tool or prompt name, or the resource URI.
	Name() string
	Kind() Kind
	Server() string
	Description() string
	// Schema is the JSON schema of the capability's parameters, or nil.
	Schema() json.RawMessage
	Usage() Usage

	counter() *usageCounter
	adopt(u *usageCounter)
}

type capBase struct {
	server string
	usage  *usageCounter
}

func newBase(server string) capBase {
	return capBase{server: server, usage: &usageCounter{}}
}

func (b *capBase) Server() string { return b.server }
func (b *capBase) Usage() Usage { return b.usage.snapshot() }
func (b *capBase) counter() *usageCounter { return b.usage }
func (b *capBase) adopt(u *usageCounter) { b.usage = u }

// Tool is an invocable tool.
type Tool struct {
	capBase
	Def api.Tool
}

func (t *Tool) Name() string { return t.Def.Name }
func (t *Tool) Kind() Kind { return KindTool }
func (t *Tool) Description() string { return t.Def.Description }
func (t *Tool) Schema() json.RawMessage { return t.Def.InputSchema }

// Resource is a readable resource.
type Resource struct {
	capBase
	Def api.Resource
}

func (r *Resource) Name() string { return r.Def.URI }
func (r *Resource) Kind() Kind { return KindResource }
func (r *Resource) Description() string { return r.Def.Description }
func (r *Resource) Schema() json.RawMessage { return nil }

// Prompt is a parameterized prompt template.
type Prompt struct {
	capBase
	Def api.Prompt
}

func (p *Prompt) Name() string { return p.Def.Name }
func (p *Prompt) Kind() Kind { return KindPrompt }
func (p *Prompt) Description() string { return p.Def.Description }

// Schema describes the prompt arguments as a JSON object of strings.
func (p *Prompt) Schema() json.RawMessage {
	if len(p.Def.Arguments) == 0 {
		return nil
	}
	props := make(map[string]any, len(p.Def.Arguments))
	required := []string{}
	for _, a := range p.Def.Arguments {
		props[a.Name] = map[string]any{"type": "string", "description": a.Description}
		if a.Required {
			required = append(required, a.Name)
		}
	}
	data, _ := json.Marshal(map[string]any{"type": "object", "properties": props, "required": required})
	return data
}

type capKey struct {
	kind Kind
	name string
}

func keyOf(c Capability) capKey { return capKey{c.Kind(), c.Name()} }

// Filter narrows ListCapabilities. Zero fields match everything.
type Filter struct {
	Kind   Kind
	Server string
}

// Status is a point-in-time view of a registered server.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	Capabilities int       `json:"capabilities"`
	Failures     int       `json:"probe_failures"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
}

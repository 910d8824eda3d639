// Package policy selects security policies for servers and tools and
// authorizes connection and execution requests against them, blocklists,
// rate limits and the threat detector.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tkingovr/mcpwarden/api"
)

// Permission is one capability a policy may grant.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExecute Permission = "execute"
	PermAdmin   Permission = "admin"
)

// DefaultPolicyName names the zero-permission fallback.
const DefaultPolicyName = "_default"

// SecurityPolicy restricts what an agent may do against the servers and
// tools its patterns match. Patterns support the * wildcard.
type SecurityPolicy struct {
	Name               string            `json:"name"`
	ServerPatterns     []string          `json:"server_patterns"`
	ToolPatterns       []string          `json:"tool_patterns"`
	AllowedPermissions []Permission      `json:"allowed_permissions"`
	DeniedOperations   []string          `json:"denied_operations,omitempty"`
	SecurityLevel      api.SecurityLevel `json:"security_level"`
	MaxExecutionTime   time.Duration     `json:"max_execution_time,omitempty"`
	AuditRequired      bool              `json:"audit_required"`
	ValidUntil         *time.Time        `json:"valid_until,omitempty"`

	serverRe []*regexp.Regexp
	toolRe   []*regexp.Regexp
}

// DefaultPolicy returns the fallback used when no policy matches. It
// grants nothing.
func DefaultPolicy() *SecurityPolicy {
	p := &SecurityPolicy{
		Name:          DefaultPolicyName,
		SecurityLevel: api.SecurityHigh,
		AuditRequired: true,
	}
	p.compile()
	return p
}

// Validate checks the policy and compiles its patterns.
func (p *SecurityPolicy) Validate() error {
	if p.Name == "" {
		return &PolicyError{Reason: "name is required"}
	}
	if p.Name == DefaultPolicyName {
		return &PolicyError{Policy: p.Name, Reason: "name is reserved"}
	}
	for _, perm := range p.AllowedPermissions {
		switch perm {
		case PermRead, PermWrite, PermExecute, PermAdmin:
		default:
			return &PolicyError{Policy: p.Name, Reason: fmt.Sprintf("unknown permission %q", perm)}
		}
	}
	switch p.SecurityLevel {
	case "":
		p.SecurityLevel = api.SecurityMedium
	case api.SecurityLow, api.SecurityMedium, api.SecurityHigh, api.SecurityCritical:
	default:
		return &PolicyError{Policy: p.Name, Reason: fmt.Sprintf("unknown security level %q", p.SecurityLevel)}
	}
	if p.MaxExecutionTime < 0 {
		return &PolicyError{Policy: p.Name, Reason: "max_execution_time must not be negative"}
	}
	p.compile()
	return nil
}

func (p *SecurityPolicy) compile() {
	p.serverRe = compilePatterns(p.ServerPatterns)
	p.toolRe = compilePatterns(p.ToolPatterns)
}

// compilePatterns turns wildcard patterns into anchored regexes. An empty
// list matches everything.
func compilePatterns(patterns []string) []*regexp.Regexp {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		parts := strings.Split(pat, "*")
		for i := range parts {
			parts[i] = regexp.QuoteMeta(parts[i])
		}
		out = append(out, regexp.MustCompile("^"+strings.Join(parts, ".*")+"$"))
	}
	return out
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// MatchesServer reports whether a server pattern matches name.
func (p *SecurityPolicy) MatchesServer(name string) bool {
	res := p.serverRe
	if res == nil {
		res = compilePatterns(p.ServerPatterns)
	}
	return anyMatch(res, name)
}

// MatchesTool reports whether a tool pattern matches name.
func (p *SecurityPolicy) MatchesTool(name string) bool {
	res := p.toolRe
	if res == nil {
		res = compilePatterns(p.ToolPatterns)
	}
	return anyMatch(res, name)
}

// Allows reports whether perm is granted.
func (p *SecurityPolicy) Allows(perm Permission) bool {
	for _, have := range p.AllowedPermissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Expired reports whether the policy's validity ended before now.
func (p *SecurityPolicy) Expired(now time.Time) bool {
	return p.ValidUntil != nil && now.After(*p.ValidUntil)
}

// permissionCount counts distinct granted permissions.
func (p *SecurityPolicy) permissionCount() int {
	seen := make(map[Permission]bool, len(p.AllowedPermissions))
	for _, perm := range p.AllowedPermissions {
		seen[perm] = true
	}
	return len(seen)
}

// DeniedOperation returns the first denied keyword contained in tool,
// compared case-insensitively.
func (p *SecurityPolicy) DeniedOperation(tool string) (string, bool) {
	lower := strings.ToLower(tool)
	for _, op := range p.DeniedOperations {
		if op != "" && strings.Contains(lower, strings.ToLower(op)) {
			return op, true
		}
	}
	return "", false
}

// Clone returns a copy that shares no slices with p.
func (p *SecurityPolicy) Clone() *SecurityPolicy {
	c := *p
	c.ServerPatterns = append([]string(nil), p.ServerPatterns...)
	c.ToolPatterns = append([]string(nil), p.ToolPatterns...)
	c.AllowedPermissions = append([]Permission(nil), p.AllowedPermissions...)
	c.DeniedOperations = append([]string(nil), p.DeniedOperations...)
	if p.ValidUntil != nil {
		t := *p.ValidUntil
		c.ValidUntil = &t
	}
	return &c
}

// Select returns the most restrictive policy matching server and, when
// tool is non-empty, tool. Most restrictive means the fewest allowed
// permissions; ties go to the lexically smallest name. Without a match the
// zero-permission default is returned.
func Select(policies []*SecurityPolicy, server, tool string) *SecurityPolicy {
	var matched []*SecurityPolicy
	for _, p := range policies {
		if !p.MatchesServer(server) {
			continue
		}
		if tool != "" && !p.MatchesTool(tool) {
			continue
		}
		matched = append(matched, p)
	}
	if len(matched) == 0 {
		return DefaultPolicy()
	}
	sort.Slice(matched, func(i, j int) bool {
		ci, cj := matched[i].permissionCount(), matched[j].permissionCount()
		if ci != cj {
			return ci < cj
		}
		return matched[i].Name < matched[j].Name
	})
	return matched[0]
}

// ConnectionRequest asks whether agent may connect to a server.
type ConnectionRequest struct {
	AgentID       string
	Server        string
	Command       string
	Args          []string
	SourceAddress string
	UserAgent     string
}

// ExecutionRequest asks whether agent may invoke tool on server.
type ExecutionRequest struct {
	AgentID string
	Server  string
	Tool    string
	Params  map[string]any
}

// ResponseCheck is a tool result to inspect before it is returned.
type ResponseCheck struct {
	AgentID string
	Server  string
	Tool    string
	Content string
}

// Decision is the outcome of an authorization. Denials are decisions, not
// errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Check names the step that denied, or "allowed".
	Check  string           `json:"check"`
	Policy *SecurityPolicy  `json:"policy,omitempty"`
	Threat *api.ThreatEvent `json:"threat,omitempty"`
}

package threat

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tkingovr/mcpwarden/api"
)

// Request is one tool invocation to analyze.
type Request struct {
	AgentID  string
	ServerID string
	Tool     string
	Params   map[string]any
}

// Response is one tool result to analyze.
type Response struct {
	AgentID  string
	ServerID string
	Tool     string
	Content  string
}

type patternSet struct {
	name       string
	threat     api.ThreatType
	level      api.ThreatLevel
	confidence float64
	patterns   []*regexp.Regexp
}

var requestPatterns = []patternSet{
	{
		name: "sql_injection", threat: api.ThreatInjectionAttack, level: api.ThreatHigh, confidence: 0.8,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER)\s+(TABLE|DATABASE|INDEX|SCHEMA)\b`),
			regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`),
			regexp.MustCompile(`(?i);\s*(DROP|DELETE|TRUNCATE|ALTER|INSERT|UPDATE)\b`),
			regexp.MustCompile(`(?i)'\s*OR\s+'?\d+'?\s*=\s*'?\d+`),
			regexp.MustCompile(`(?i)\bOR\s+1\s*=\s*1\b`),
			regexp.MustCompile(`(?i)\bxp_cmdshell\b`),
			regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`),
			regexp.MustCompile(`(?i)\b(SLEEP|BENCHMARK|WAITFOR\s+DELAY)\s*\(`),
		},
	},
	{
		name: "command_injection", threat: api.ThreatInjectionAttack, level: api.ThreatCritical, confidence: 0.9,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`[;&|]\s*(cat|ls|pwd|whoami|id|uname|curl|wget|nc|ncat|bash|sh|zsh|python|perl|ruby|php)\b`),
			regexp.MustCompile("`[^`]+`"),
			regexp.MustCompile(`\$\([^)]+\)`),
			regexp.MustCompile(`\|\s*(bash|sh|zsh)\b`),
			regexp.MustCompile(`>\s*/etc/`),
			regexp.MustCompile(`(?i)\brm\s+-[rf]{1,2}\s`),
		},
	},
	{
		name: "code_injection", threat: api.ThreatMaliciousPayload, level: api.ThreatHigh, confidence: 0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(eval|exec|compile)\s*\(`),
			regexp.MustCompile(`__import__\s*\(`),
			regexp.MustCompile(`\b(os\.system|subprocess\.(call|run|Popen)|Runtime\.getRuntime)\b`),
			regexp.MustCompile(`(?i)<script[\s>]`),
			regexp.MustCompile(`(?i)\bjavascript:`),
		},
	},
	{
		name: "template_injection", threat: api.ThreatInjectionAttack, level: api.ThreatMedium, confidence: 0.7,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\{\{.*\}\}`),
			regexp.MustCompile(`\{%.*%\}`),
			regexp.MustCompile(`\$\{[^}]+\}`),
			regexp.MustCompile(`<%=?.*%>`),
		},
	},
	{
		name: "ldap_xpath_injection", threat: api.ThreatInjectionAttack, level: api.ThreatMedium, confidence: 0.7,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\(\s*[|&!]\s*\(`),
			regexp.MustCompile(`\*\)\s*\(`),
			regexp.MustCompile(`(?i)'\s*or\s+'[^']*'\s*=\s*'`),
			regexp.MustCompile(`(?i)\b(count|string-length|substring)\s*\(\s*/`),
		},
	},
	{
		name: "data_exfiltration", threat: api.ThreatDataExfiltration, level: api.ThreatMedium, confidence: 0.6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/etc/(passwd|shadow)`),
			regexp.MustCompile(`(?i)\.ssh/(id_[a-z0-9]+|authorized_keys)`),
			regexp.MustCompile(`(?i)\b(dump|export|exfiltrate)\s+(all\s+)?(users|passwords|credentials|secrets)\b`),
			regexp.MustCompile(`(?i)\b(curl|wget)\b.*\s(-d|--data|-T|--upload-file)\s`),
			regexp.MustCompile(`(?i)\benv(iron)?\b.*\b(AWS_|SECRET|TOKEN)`),
		},
	},
}

var (
	dunderKey   = regexp.MustCompile(`^__\w+__$`)
	templateKey = regexp.MustCompile(`\{\{|\$\{|<%`)

	credentialShaped = regexp.MustCompile(`(?i)\b(api[_-]?key|key|token|secret|password|passwd)\s*[=:]\s*['"]?[A-Za-z0-9+/_\-]{16,}`)
)

// AnalyzeRequest scans serialized parameters against the injection and
// exfiltration pattern sets and flags oversized or suspiciously named
// parameters. It returns one event per triggered check and keeps them in
// the history.
func (d *Detector) AnalyzeRequest(r Request) []*api.ThreatEvent {
	out := d.inspectRequest(r)
	d.record(out...)
	return out
}

// PreviewRequest runs the same checks as AnalyzeRequest without recording
// anything, so the events never count toward risk scores.
func (d *Detector) PreviewRequest(r Request) []*api.ThreatEvent {
	return d.inspectRequest(r)
}

func (d *Detector) inspectRequest(r Request) []*api.ThreatEvent {
	data := serialize(r.Params)
	text := string(data)

	var out []*api.ThreatEvent
	for _, set := range requestPatterns {
		for _, p := range set.patterns {
			if m := p.FindString(text); m != "" {
				out = append(out, d.newEvent(set.threat, set.level, set.confidence, r.AgentID, r.ServerID, r.Tool,
					map[string]any{"check": set.name, "match": truncate(m, 80)}))
				break
			}
		}
	}

	if len(data) > d.opts.MaxParamSize {
		out = append(out, d.newEvent(api.ThreatAnomalousPattern, api.ThreatLow, 0.4, r.AgentID, r.ServerID, r.Tool,
			map[string]any{"check": "oversized_params", "size": len(data), "limit": d.opts.MaxParamSize}))
	}

	if keys := suspiciousKeys(r.Params, nil); len(keys) > 0 {
		out = append(out, d.newEvent(api.ThreatSuspiciousBehavior, api.ThreatMedium, 0.5, r.AgentID, r.ServerID, r.Tool,
			map[string]any{"check": "suspicious_param_names", "keys": keys}))
	}
	return out
}

// serialize renders params as JSON without HTML escaping so markup and
// shell metacharacters stay visible to the patterns.
func serialize(params map[string]any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func suspiciousKeys(v any, acc []string) []string {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if dunderKey.MatchString(k) || templateKey.MatchString(k) {
				acc = append(acc, k)
			}
			acc = suspiciousKeys(child, acc)
		}
	case []any:
		for _, child := range t {
			acc = suspiciousKeys(child, acc)
		}
	}
	return acc
}

// AnalyzeResponse checks a tool result for credential-shaped strings and
// outsized payloads.
func (d *Detector) AnalyzeResponse(r Response) []*api.ThreatEvent {
	var out []*api.ThreatEvent
	if m := credentialShaped.FindString(r.Content); m != "" {
		out = append(out, d.newEvent(api.ThreatDataExfiltration, api.ThreatHigh, 0.9, r.AgentID, r.ServerID, r.Tool,
			map[string]any{"check": "credential_in_response", "match": redact(m)}))
	}
	if len(r.Content) > d.opts.MaxResponseSize {
		out = append(out, d.newEvent(api.ThreatAnomalousPattern, api.ThreatLow, 0.3, r.AgentID, r.ServerID, r.Tool,
			map[string]any{"check": "oversized_response", "size": len(r.Content), "limit": d.opts.MaxResponseSize}))
	}
	d.record(out...)
	return out
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// redact keeps the key half of a key=value match.
func redact(m string) string {
	if i := strings.IndexAny(m, "=:"); i >= 0 {
		return m[:i+1] + "***"
	}
	return "***"
}

// Package scanner inspects free-text prompts and responses for injection,
// data exposure, malicious content, encoding evasion and regulated terms.
package scanner

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/mcpwarden/internal/clock"
)

// ContentType tells prompts from responses.
type ContentType string

const (
	ContentPrompt   ContentType = "prompt"
	ContentResponse ContentType = "response"
)

// Result is the scan verdict.
type Result string

const (
	ResultSafe    Result = "safe"
	ResultWarning Result = "warning"
	ResultThreat  Result = "threat"
	ResultBlocked Result = "blocked"
)

// Default decision thresholds.
const (
	DefaultBlockSeverity     = 0.8
	DefaultThreatThreshold   = 0.8
	DefaultWarningThreshold  = 0.5
	DefaultMaxMatchesPerRule = 20
)

// Violation is one rule match.
type Violation struct {
	Type     string   `json:"type"`
	Category Category `json:"category"`
	Severity float64  `json:"severity"`
	// Excerpt is the matched text, masked for data-exposure types.
	Excerpt string `json:"excerpt"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Report is produced once per scanned payload and never mutated.
type Report struct {
	ContentID   string      `json:"content_id"`
	ContentType ContentType `json:"content_type"`
	AgentID     string      `json:"agent_id"`
	Violations  []Violation `json:"violations"`
	RiskScore   float64     `json:"risk_score"`
	Result      Result      `json:"result"`
	// Sanitized is set for warning and threat results.
	Sanitized string `json:"sanitized,omitempty"`
	Blocked   bool   `json:"blocked"`
	// BlockedContent keeps the original of a blocked payload. It is never
	// forwarded.
	BlockedContent string    `json:"-"`
	ScannedAt      time.Time `json:"scanned_at"`
}

// Options tunes the scanner. Zero values take defaults.
type Options struct {
	// Rules are appended to DefaultRules.
	Rules []Rule
	// SafeDomains are appended to DefaultSafeDomains.
	SafeDomains []string

	BlockSeverity     float64
	ThreatThreshold   float64
	WarningThreshold  float64
	MaxMatchesPerRule int
}

// Stats counts scans by result and violations by category.
type Stats struct {
	Scanned    int64              `json:"scanned"`
	ByResult   map[Result]int64   `json:"by_result"`
	ByCategory map[Category]int64 `json:"by_category"`
}

// Scanner is safe for concurrent use.
type Scanner struct {
	rules       []Rule
	safeDomains []string
	opts        Options
	clock       clock.Clock
	logger      *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds a scanner.
func New(opts Options, c clock.Clock, logger *slog.Logger) *Scanner {
	if opts.BlockSeverity <= 0 {
		opts.BlockSeverity = DefaultBlockSeverity
	}
	if opts.ThreatThreshold <= 0 {
		opts.ThreatThreshold = DefaultThreatThreshold
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = DefaultWarningThreshold
	}
	if opts.MaxMatchesPerRule <= 0 {
		opts.MaxMatchesPerRule = DefaultMaxMatchesPerRule
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scanner{
		rules:       append(DefaultRules(), opts.Rules...),
		safeDomains: append(append([]string(nil), DefaultSafeDomains...), opts.SafeDomains...),
		opts:        opts,
		clock:       clock.OrReal(c),
		logger:      logger,
		stats: Stats{
			ByResult:   make(map[Result]int64),
			ByCategory: make(map[Category]int64),
		},
	}
	return s
}

// ScanPrompt scans text headed to a capability server.
func (s *Scanner) ScanPrompt(ctx context.Context, agent, text string) *Report {
	return s.scan(ctx, ContentPrompt, agent, text)
}

// ScanResponse scans text coming back from a capability server.
func (s *Scanner) ScanResponse(ctx context.Context, agent, text string) *Report {
	return s.scan(ctx, ContentResponse, agent, text)
}

func (s *Scanner) scan(ctx context.Context, typ ContentType, agent, text string) *Report {
	rep := &Report{
		ContentID:   uuid.NewString(),
		ContentType: typ,
		AgentID:     agent,
		ScannedAt:   s.clock.Now(),
	}

	for _, rule := range s.rules {
		if ctx.Err() != nil {
			break
		}
		for _, loc := range rule.Regex.FindAllStringIndex(text, s.opts.MaxMatchesPerRule) {
			if s.whitelisted(rule, text, loc[0], loc[1]) {
				continue
			}
			rep.Violations = append(rep.Violations, Violation{
				Type:     rule.Type,
				Category: rule.Category,
				Severity: rule.Severity,
				Excerpt:  excerpt(rule.Category, text[loc[0]:loc[1]]),
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}

	rep.RiskScore = riskScore(rep.Violations)
	rep.Result = s.decide(rep)

	switch rep.Result {
	case ResultBlocked:
		rep.Blocked = true
		rep.BlockedContent = text
	case ResultThreat, ResultWarning:
		rep.Sanitized = sanitize(text, rep.Violations)
	}

	s.mu.Lock()
	s.stats.Scanned++
	s.stats.ByResult[rep.Result]++
	for _, v := range rep.Violations {
		s.stats.ByCategory[v.Category]++
	}
	s.mu.Unlock()

	if rep.Result != ResultSafe {
		s.logger.Warn("content flagged",
			"content_id", rep.ContentID,
			"content_type", typ,
			"agent", agent,
			"result", rep.Result,
			"risk_score", rep.RiskScore,
			"violations", len(rep.Violations),
		)
	}
	return rep
}

func (s *Scanner) decide(rep *Report) Result {
	for _, v := range rep.Violations {
		if (v.Category == CategoryInjection || v.Category == CategoryDataExposure) && v.Severity >= s.opts.BlockSeverity {
			return ResultBlocked
		}
	}
	switch {
	case rep.RiskScore >= s.opts.ThreatThreshold:
		return ResultThreat
	case rep.RiskScore >= s.opts.WarningThreshold:
		return ResultWarning
	default:
		return ResultSafe
	}
}

// riskScore sums severity × category weight, damps by 1 + 0.1n and caps
// at 1.
func riskScore(vs []Violation) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v.Severity * categoryWeight[v.Category]
	}
	return math.Min(1, sum/(1+0.1*float64(len(vs))))
}

func (s *Scanner) whitelisted(rule Rule, text string, start, end int) bool {
	switch rule.Category {
	case CategoryMaliciousContent:
		if m := urlHost.FindStringSubmatch(text[start:end]); m != nil {
			return s.safeHost(strings.ToLower(m[1]))
		}
	case CategoryEncodingEvasion:
		if rule.Type == "base64_blob" {
			from := max(0, start-40)
			return safeImageData.MatchString(text[from:start])
		}
	case CategoryDataExposure, CategoryCompliance:
		if rule.Type == "private_key" {
			return false
		}
		return docMarker.MatchString(lineAround(text, start, end))
	}
	return false
}

func (s *Scanner) safeHost(host string) bool {
	for _, d := range s.safeDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func lineAround(text string, start, end int) string {
	ls := strings.LastIndexByte(text[:start], '\n') + 1
	le := strings.IndexByte(text[end:], '\n')
	if le < 0 {
		return text[ls:]
	}
	return text[ls : end+le]
}

func excerpt(cat Category, m string) string {
	if cat == CategoryDataExposure {
		if len(m) <= 4 {
			return "***"
		}
		return m[:4] + "***"
	}
	if len(m) > 60 {
		return m[:60] + "..."
	}
	return m
}

// sanitize replaces every violation span with a redaction marker. Spans
// that overlap an earlier span are folded into it.
func sanitize(text string, vs []Violation) string {
	spans := append([]Violation(nil), vs...)
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	var b strings.Builder
	pos := 0
	for _, v := range spans {
		if v.Start < pos {
			if v.End > pos {
				pos = v.End
			}
			continue
		}
		b.WriteString(text[pos:v.Start])
		b.WriteString("[REDACTED:" + v.Type + "]")
		pos = v.End
	}
	b.WriteString(text[pos:])
	return b.String()
}

// Stats returns a snapshot of the counters.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Scanned:    s.stats.Scanned,
		ByResult:   make(map[Result]int64, len(s.stats.ByResult)),
		ByCategory: make(map[Category]int64, len(s.stats.ByCategory)),
	}
	for k, v := range s.stats.ByResult {
		out.ByResult[k] = v
	}
	for k, v := range s.stats.ByCategory {
		out.ByCategory[k] = v
	}
	return out
}

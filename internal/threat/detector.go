// Package threat scores connection attempts, tool requests and tool
// responses for adversarial behavior and keeps a rolling event history.
package threat

import (
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/clock"
)

// Defaults for Options fields left zero.
const (
	DefaultHistorySize     = 10000
	DefaultAttemptHistory  = 1000
	DefaultBurstThreshold  = 50
	DefaultBurstWindow     = 60 * time.Second
	DefaultRegularityCount = 5
	DefaultMaxParamSize    = 100 * 1024
	DefaultMaxResponseSize = 1024 * 1024
)

// Options tunes the detector. Zero values take the defaults above.
type Options struct {
	// HistorySize caps the number of threat events retained.
	HistorySize int
	// AttemptHistory caps connection timestamps kept per (agent, server).
	AttemptHistory int
	// BurstThreshold is the number of attempts inside BurstWindow that is
	// still tolerated; one more fires BRUTE_FORCE.
	BurstThreshold int
	BurstWindow    time.Duration
	// RegularityCount is how many identical consecutive intervals count as
	// an automation signature.
	RegularityCount int
	MaxParamSize    int
	MaxResponseSize int

	// Indicators are appended to the built-in set.
	Indicators []Indicator
	// NoDefaultIndicators drops the built-in indicator set.
	NoDefaultIndicators bool
}

func (o *Options) setDefaults() {
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.AttemptHistory <= 0 {
		o.AttemptHistory = DefaultAttemptHistory
	}
	if o.BurstThreshold <= 0 {
		o.BurstThreshold = DefaultBurstThreshold
	}
	if o.AttemptHistory <= o.BurstThreshold {
		o.AttemptHistory = o.BurstThreshold + 1
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = DefaultBurstWindow
	}
	if o.RegularityCount <= 0 {
		o.RegularityCount = DefaultRegularityCount
	}
	if o.MaxParamSize <= 0 {
		o.MaxParamSize = DefaultMaxParamSize
	}
	if o.MaxResponseSize <= 0 {
		o.MaxResponseSize = DefaultMaxResponseSize
	}
}

// ConnectionAttempt is the metadata of one connection try.
type ConnectionAttempt struct {
	AgentID       string
	ServerID      string
	SourceAddress string
	UserAgent     string
	Command       string
}

// Detector is safe for concurrent use.
type Detector struct {
	opts       Options
	clock      clock.Clock
	logger     *slog.Logger
	indicators []*indicator

	mu       sync.Mutex
	attempts map[string][]time.Time // key: agent \x00 server
	events   []*api.ThreatEvent     // oldest first, capped at HistorySize
}

// New builds a detector. It fails only on an invalid indicator.
func New(opts Options, c clock.Clock, logger *slog.Logger) (*Detector, error) {
	opts.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var defs []Indicator
	if !opts.NoDefaultIndicators {
		defs = append(defs, DefaultIndicators()...)
	}
	defs = append(defs, opts.Indicators...)

	d := &Detector{
		opts:     opts,
		clock:    clock.OrReal(c),
		logger:   logger,
		attempts: make(map[string][]time.Time),
	}
	for _, def := range defs {
		ind, err := compileIndicator(def)
		if err != nil {
			return nil, err
		}
		d.indicators = append(d.indicators, ind)
	}
	return d, nil
}

func (d *Detector) newEvent(typ api.ThreatType, level api.ThreatLevel, conf float64, agent, server, tool string, evidence map[string]any) *api.ThreatEvent {
	return &api.ThreatEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Level:      level,
		AgentID:    agent,
		ServerID:   server,
		Tool:       tool,
		Evidence:   evidence,
		Confidence: conf,
		Timestamp:  d.clock.Now(),
	}
}

// record appends clones of events to the history. Caller must not hold d.mu.
func (d *Detector) record(events ...*api.ThreatEvent) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	for _, e := range events {
		d.events = append(d.events, e.Clone())
	}
	if over := len(d.events) - d.opts.HistorySize; over > 0 {
		d.events = append(d.events[:0:0], d.events[over:]...)
	}
	d.mu.Unlock()

	for _, e := range events {
		d.logger.Warn("threat detected",
			"id", e.ID,
			"type", e.Type,
			"level", e.Level,
			"confidence", e.Confidence,
			"agent", e.AgentID,
			"server", e.ServerID,
			"tool", e.Tool,
		)
	}
}

// AnalyzeConnectionAttempt records the attempt and runs burst, regularity
// and indicator checks. It returns the highest-confidence event, or nil.
func (d *Detector) AnalyzeConnectionAttempt(a ConnectionAttempt) *api.ThreatEvent {
	now := d.clock.Now()
	key := a.AgentID + "\x00" + a.ServerID

	d.mu.Lock()
	hist := append(d.attempts[key], now)
	if over := len(hist) - d.opts.AttemptHistory; over > 0 {
		hist = append(hist[:0:0], hist[over:]...)
	}
	d.attempts[key] = hist
	recent := append([]time.Time(nil), hist...)
	d.mu.Unlock()

	var candidates []*api.ThreatEvent
	if e := d.checkBurst(a, recent, now); e != nil {
		candidates = append(candidates, e)
	}
	if e := d.checkRegularity(a, recent); e != nil {
		candidates = append(candidates, e)
	}
	candidates = append(candidates, d.matchIndicators(a)...)

	best := highest(candidates)
	if best != nil {
		d.record(best)
	}
	return best
}

func (d *Detector) checkBurst(a ConnectionAttempt, hist []time.Time, now time.Time) *api.ThreatEvent {
	cutoff := now.Add(-d.opts.BurstWindow)
	n := 0
	for i := len(hist) - 1; i >= 0 && hist[i].After(cutoff); i-- {
		n++
	}
	if n <= d.opts.BurstThreshold {
		return nil
	}
	return d.newEvent(api.ThreatBruteForce, api.ThreatHigh, 0.9, a.AgentID, a.ServerID, "", map[string]any{
		"check":    "burst",
		"attempts": n,
		"window":   d.opts.BurstWindow.String(),
	})
}

func (d *Detector) checkRegularity(a ConnectionAttempt, hist []time.Time) *api.ThreatEvent {
	need := d.opts.RegularityCount
	if len(hist) < need+1 {
		return nil
	}
	tail := hist[len(hist)-need-1:]
	first := roundTenth(tail[1].Sub(tail[0]))
	for i := 2; i < len(tail); i++ {
		if roundTenth(tail[i].Sub(tail[i-1])) != first {
			return nil
		}
	}
	return d.newEvent(api.ThreatSuspiciousBehavior, api.ThreatMedium, 0.6, a.AgentID, a.ServerID, "", map[string]any{
		"check":            "regularity",
		"interval_seconds": first,
		"intervals":        need,
	})
}

func roundTenth(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

// highest returns the event with the greatest confidence; ties keep the
// earliest candidate.
func highest(events []*api.ThreatEvent) *api.ThreatEvent {
	var best *api.ThreatEvent
	for _, e := range events {
		if best == nil || e.Confidence > best.Confidence {
			best = e
		}
	}
	return best
}

// MarkBlocked flags the stored event id as blocked.
func (d *Detector) MarkBlocked(id string) bool {
	return d.update(id, func(e *api.ThreatEvent) { e.Blocked = true })
}

// MarkFalsePositive flags the stored event id so it no longer counts
// towards risk scores.
func (d *Detector) MarkFalsePositive(id string) bool {
	return d.update(id, func(e *api.ThreatEvent) { e.FalsePositive = true })
}

// update replaces the stored copy of id with a modified clone.
func (d *Detector) update(id string, fn func(*api.ThreatEvent)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.events) - 1; i >= 0; i-- {
		if d.events[i].ID == id {
			c := d.events[i].Clone()
			fn(c)
			d.events[i] = c
			return true
		}
	}
	return false
}

// EventFilter selects events from the history.
type EventFilter struct {
	AgentID  string
	ServerID string
	Type     api.ThreatType
	Since    time.Time
	// Limit keeps only the newest Limit matches when > 0.
	Limit int
}

// Events returns copies of matching events, oldest first.
func (d *Detector) Events(f EventFilter) []*api.ThreatEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*api.ThreatEvent
	for _, e := range d.events {
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.ServerID != "" && e.ServerID != f.ServerID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e.Clone())
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Summary aggregates events inside a trailing window.
type Summary struct {
	Window         time.Duration           `json:"window"`
	Total          int                     `json:"total"`
	Blocked        int                     `json:"blocked"`
	FalsePositives int                     `json:"false_positives"`
	ByType         map[api.ThreatType]int  `json:"by_type"`
	ByLevel        map[api.ThreatLevel]int `json:"by_level"`
	ByAgent        map[string]int          `json:"by_agent"`
	ByServer       map[string]int          `json:"by_server"`
	TopAgents      []string                `json:"top_agents,omitempty"`
}

// Summary counts events of the trailing window by type, level, agent and
// server.
func (d *Detector) Summary(window time.Duration) *Summary {
	since := d.clock.Now().Add(-window)
	s := &Summary{
		Window:   window,
		ByType:   make(map[api.ThreatType]int),
		ByLevel:  make(map[api.ThreatLevel]int),
		ByAgent:  make(map[string]int),
		ByServer: make(map[string]int),
	}
	for _, e := range d.Events(EventFilter{Since: since}) {
		s.Total++
		if e.Blocked {
			s.Blocked++
		}
		if e.FalsePositive {
			s.FalsePositives++
		}
		s.ByType[e.Type]++
		s.ByLevel[e.Level]++
		if e.AgentID != "" {
			s.ByAgent[e.AgentID]++
		}
		if e.ServerID != "" {
			s.ByServer[e.ServerID]++
		}
	}
	for agent := range s.ByAgent {
		s.TopAgents = append(s.TopAgents, agent)
	}
	sort.Slice(s.TopAgents, func(i, j int) bool {
		a, b := s.TopAgents[i], s.TopAgents[j]
		if s.ByAgent[a] != s.ByAgent[b] {
			return s.ByAgent[a] > s.ByAgent[b]
		}
		return a < b
	})
	if len(s.TopAgents) > 10 {
		s.TopAgents = s.TopAgents[:10]
	}
	return s
}

// LevelWeight maps a threat level to its contribution to the risk score.
func LevelWeight(l api.ThreatLevel) float64 {
	switch l {
	case api.ThreatInfo:
		return 0.1
	case api.ThreatLow:
		return 0.3
	case api.ThreatMedium:
		return 0.5
	case api.ThreatHigh:
		return 0.8
	case api.ThreatCritical:
		return 1.0
	default:
		return 0
	}
}

// AgentRiskScore sums level weight × confidence across the agent's
// non-false-positive events inside window, divides by the window length in
// hours (at least 1) and caps the result at 1.
func (d *Detector) AgentRiskScore(agent string, window time.Duration) float64 {
	since := d.clock.Now().Add(-window)
	var sum float64
	for _, e := range d.Events(EventFilter{AgentID: agent, Since: since}) {
		if e.FalsePositive {
			continue
		}
		sum += LevelWeight(e.Level) * e.Confidence
	}
	hours := math.Max(1, window.Hours())
	return math.Min(1, sum/hours)
}

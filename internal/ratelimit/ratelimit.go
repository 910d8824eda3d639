// Package ratelimit implements sliding-window request counters keyed by
// agent and operation.
package ratelimit

import (
	"sync"
	"time"

	"github.com/tkingovr/mcpwarden/internal/clock"
)

// DefaultWindow is the window used when a Limit leaves it unset.
const DefaultWindow = 60 * time.Second

// DefaultLimit is the per-agent limit applied when none is configured.
var DefaultLimit = Limit{Max: 60, Window: DefaultWindow}

// Limit defines max requests per time window. Max <= 0 disables limiting.
type Limit struct {
	Max    int           `yaml:"max" json:"max"`
	Window time.Duration `yaml:"-" json:"window"`
}

// slidingWindow tracks request timestamps for one key.
type slidingWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// prune drops timestamps at or before cutoff. Caller holds w.mu.
func (w *slidingWindow) prune(cutoff time.Time) {
	valid := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			w.timestamps[valid] = ts
			valid++
		}
	}
	w.timestamps = w.timestamps[:valid]
}

// Limiter enforces one Limit independently for every (agent, operation) key.
type Limiter struct {
	limit Limit
	clock clock.Clock

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// New creates a limiter. A nil clock means the real clock.
func New(limit Limit, c clock.Clock) *Limiter {
	if limit.Window <= 0 {
		limit.Window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		clock:   clock.OrReal(c),
		windows: make(map[string]*slidingWindow),
	}
}

// Limit returns the configured limit.
func (l *Limiter) Limit() Limit { return l.limit }

func key(agent, op string) string { return agent + "\x00" + op }

func (l *Limiter) window(k string) *slidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[k]
	if !ok {
		w = &slidingWindow{}
		l.windows[k] = w
	}
	return w
}

// Allow reports whether agent may perform op now, and records the request
// when it may.
func (l *Limiter) Allow(agent, op string) bool {
	if l.limit.Max <= 0 {
		return true
	}
	now := l.clock.Now()
	w := l.window(key(agent, op))

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now.Add(-l.limit.Window))
	if len(w.timestamps) >= l.limit.Max {
		return false
	}
	w.timestamps = append(w.timestamps, now)
	return true
}

// Remaining returns how many more requests agent may make for op inside
// the current window. It returns -1 when limiting is disabled.
func (l *Limiter) Remaining(agent, op string) int {
	if l.limit.Max <= 0 {
		return -1
	}
	w := l.window(key(agent, op))

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(l.clock.Now().Add(-l.limit.Window))
	if n := l.limit.Max - len(w.timestamps); n > 0 {
		return n
	}
	return 0
}

// Reset clears all windows.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*slidingWindow)
}

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/clock"
)

// DefaultCapacity is the number of events kept in memory when no
// capacity is configured.
const DefaultCapacity = 10000

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("audit: store closed")

// Option configures a JSONLStore.
type Option func(*JSONLStore)

// WithCapacity bounds the in-memory ring.
func WithCapacity(n int) Option {
	return func(s *JSONLStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock sets the clock used to stamp events without a timestamp.
func WithClock(c clock.Clock) Option {
	return func(s *JSONLStore) { s.clock = clock.OrReal(c) }
}

// JSONLStore is an append-only JSONL file audit store with date-based
// rotation and a capped in-memory ring of recent events.
type JSONLStore struct {
	mu          sync.Mutex
	dir         string
	clock       clock.Clock
	currentDate string
	file        *os.File
	writer      *bufio.Writer
	closed      bool

	// ring holds the most recent events; head is the next write slot.
	ring     []*api.AuditEvent
	head     int
	full     bool
	capacity int

	subMu   sync.RWMutex
	subs    map[int]chan *api.AuditEvent
	nextSub int
}

// NewJSONLStore creates a JSONL audit store writing to dir. An empty dir
// keeps events in memory only.
func NewJSONLStore(dir string, opts ...Option) (*JSONLStore, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
	}
	s := &JSONLStore{
		dir:      dir,
		clock:    clock.Real(),
		capacity: DefaultCapacity,
		subs:     make(map[int]chan *api.AuditEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ring = make([]*api.AuditEvent, s.capacity)
	return s, nil
}

func (s *JSONLStore) Write(_ context.Context, event *api.AuditEvent) error {
	if event == nil {
		return errors.New("nil audit event")
	}
	rec := event.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.dir != "" {
		if err := s.append(rec); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.ring[s.head] = rec
	s.head = (s.head + 1) % s.capacity
	if s.head == 0 {
		s.full = true
	}
	s.mu.Unlock()

	s.notifySubscribers(rec)
	return nil
}

// append writes rec as one JSONL line, rotating the file on date change.
// Caller holds s.mu.
func (s *JSONLStore) append(rec *api.AuditEvent) error {
	dateStr := rec.Timestamp.Format("2006-01-02")
	if dateStr != s.currentDate {
		if err := s.rotate(dateStr); err != nil {
			return err
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

// snapshot returns buffered events oldest first. Caller holds s.mu.
func (s *JSONLStore) snapshot() []*api.AuditEvent {
	if !s.full {
		return append([]*api.AuditEvent(nil), s.ring[:s.head]...)
	}
	out := make([]*api.AuditEvent, 0, s.capacity)
	out = append(out, s.ring[s.head:]...)
	return append(out, s.ring[:s.head]...)
}

func (s *JSONLStore) Query(_ context.Context, filter api.QueryFilter) ([]*api.AuditEvent, error) {
	s.mu.Lock()
	all := s.snapshot()
	s.mu.Unlock()

	var results []*api.AuditEvent
	for _, r := range all {
		if matchesFilter(r, filter) {
			results = append(results, r.Clone())
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

func (s *JSONLStore) Recent(n int) []*api.AuditEvent {
	s.mu.Lock()
	all := s.snapshot()
	s.mu.Unlock()

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]*api.AuditEvent, len(all))
	for i, r := range all {
		out[i] = r.Clone()
	}
	return out
}

func (s *JSONLStore) Stats(_ context.Context) (*api.AuditStats, error) {
	s.mu.Lock()
	all := s.snapshot()
	s.mu.Unlock()

	stats := &api.AuditStats{
		ByType:   make(map[api.AuditEventType]int),
		ByAgent:  make(map[string]int),
		ByServer: make(map[string]int),
	}
	for _, r := range all {
		stats.Total++
		if r.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
		stats.ByType[r.Type]++
		if r.AgentID != "" {
			stats.ByAgent[r.AgentID]++
		}
		if r.ServerID != "" {
			stats.ByServer[r.ServerID]++
		}
	}
	return stats, nil
}

func (s *JSONLStore) Subscribe(_ context.Context) (<-chan *api.AuditEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *api.AuditEvent, 100)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *JSONLStore) rotate(dateStr string) error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(s.dir, dateStr+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit log file: %w", err)
	}

	s.file = f
	s.writer = bufio.NewWriter(f)
	s.currentDate = dateStr
	return nil
}

func (s *JSONLStore) notifySubscribers(rec *api.AuditEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- rec.Clone():
		default:
			// Drop if subscriber is slow
		}
	}
}

func matchesFilter(r *api.AuditEvent, f api.QueryFilter) bool {
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.ServerID != "" && r.ServerID != f.ServerID {
		return false
	}
	if f.Tool != "" && r.Tool != f.Tool {
		return false
	}
	if f.Success != nil && r.Success != *f.Success {
		return false
	}
	return true
}

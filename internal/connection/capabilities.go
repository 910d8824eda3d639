package connection

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tkingovr/mcpwarden/internal/transport"
)

// fetchCapabilities lists the three capability groups of sess concurrently.
func fetchCapabilities(ctx context.Context, server string, sess transport.Session) (map[capKey]Capability, error) {
	g, gctx := errgroup.WithContext(ctx)
	var (
		tools     []Capability
		resources []Capability
		prompts   []Capability
	)
	g.Go(func() error {
		list, err := sess.ListTools(gctx)
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		for _, t := range list {
			tools = append(tools, &Tool{capBase: newBase(server), Def: t})
		}
		return nil
	})
	g.Go(func() error {
		list, err := sess.ListResources(gctx)
		if err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		for _, r := range list {
			resources = append(resources, &Resource{capBase: newBase(server), Def: r})
		}
		return nil
	})
	g.Go(func() error {
		list, err := sess.ListPrompts(gctx)
		if err != nil {
			return fmt.Errorf("list prompts: %w", err)
		}
		for _, p := range list {
			prompts = append(prompts, &Prompt{capBase: newBase(server), Def: p})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	caps := make(map[capKey]Capability, len(tools)+len(resources)+len(prompts))
	for _, group := range [][]Capability{tools, resources, prompts} {
		for _, c := range group {
			if c.Name() == "" {
				continue
			}
			caps[keyOf(c)] = c
		}
	}
	return caps, nil
}

// apply installs caps on rec, carrying usage counters over for capabilities
// that survive, and emits removed then added events. A non-nil sess
// replaces the record's session. It reports false when rec was torn down
// meanwhile, in which case sess is closed.
func (m *Manager) apply(ctx context.Context, rec *record, caps map[capKey]Capability, sess transport.Session) bool {
	rec.mu.Lock()
	if rec.detached {
		rec.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return false
	}
	var added, removed []Capability
	for k, c := range caps {
		if old, ok := rec.caps[k]; ok {
			c.adopt(old.counter())
			continue
		}
		added = append(added, c)
	}
	for k, old := range rec.caps {
		if _, ok := caps[k]; !ok {
			removed = append(removed, old)
		}
	}
	rec.caps = caps
	if sess != nil {
		rec.session = sess
		rec.connectedAt = m.clock.Now()
		rec.failures = 0
		rec.lastErr = nil
	}
	rec.mu.Unlock()

	sortCaps(removed)
	sortCaps(added)
	for _, c := range removed {
		m.emit(ctx, Event{Type: EventCapabilityRemoved, Server: rec.cfg.Name, Capability: c})
	}
	for _, c := range added {
		m.emit(ctx, Event{Type: EventCapabilityAdded, Server: rec.cfg.Name, Capability: c})
	}
	return true
}

// refresh re-fetches rec's capabilities from its live session.
func (m *Manager) refresh(ctx context.Context, rec *record) error {
	sess, state := rec.current()
	if sess == nil || !state.usable() {
		return &ConnectionError{Server: rec.cfg.Name, Op: "refresh", Err: ErrNotConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, rec.cfg.Timeout)
	defer cancel()
	caps, err := fetchCapabilities(ctx, rec.cfg.Name, sess)
	if err != nil {
		return &ConnectionError{Server: rec.cfg.Name, Op: "refresh", Err: err}
	}
	m.apply(ctx, rec, caps, nil)
	return nil
}

// RefreshCapabilities re-fetches the capabilities of server, or of every
// usable server when server is empty, and emits the differences.
func (m *Manager) RefreshCapabilities(ctx context.Context, server string) error {
	if server != "" {
		m.mu.RLock()
		rec, ok := m.records[server]
		m.mu.RUnlock()
		if !ok {
			return &ConnectionError{Server: server, Op: "refresh", Err: ErrNotRegistered}
		}
		return m.refresh(ctx, rec)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range m.snapshot() {
		if _, state := rec.current(); !state.usable() {
			continue
		}
		g.Go(func() error { return m.refresh(gctx, rec) })
	}
	return g.Wait()
}

// ListCapabilities returns the cached capabilities matching f, sorted by
// server, kind and name.
func (m *Manager) ListCapabilities(f Filter) []Capability {
	var out []Capability
	for _, rec := range m.snapshot() {
		if f.Server != "" && rec.cfg.Name != f.Server {
			continue
		}
		rec.mu.Lock()
		for k, c := range rec.caps {
			if f.Kind == "" || k.kind == f.Kind {
				out = append(out, c)
			}
		}
		rec.mu.Unlock()
	}
	sortCaps(out)
	return out
}

func sortCaps(cs []Capability) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Server() != b.Server() {
			return a.Server() < b.Server()
		}
		if a.Kind() != b.Kind() {
			return a.Kind() < b.Kind()
		}
		return a.Name() < b.Name()
	})
}

func sortedCaps(m map[capKey]Capability) []Capability {
	out := make([]Capability, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sortCaps(out)
	return out
}

package connection

import (
	"context"
	"time"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/transport"
)

// watch is the per-server health loop. It owns probing, list_changed
// refreshes and reconnection for rec, and exits when rec is torn down or
// settles.
func (m *Manager) watch(rec *record) {
	defer m.wg.Done()
	ticker := time.NewTicker(rec.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		var notes <-chan transport.Notification
		if sess, _ := rec.current(); sess != nil {
			notes = sess.Notifications()
		}
		select {
		case <-rec.ctx.Done():
			return
		case n := <-notes:
			if !listChanged(n.Method) {
				continue
			}
			m.logger.Debug("capabilities changed", "server", rec.cfg.Name, "method", n.Method)
			if err := m.refresh(rec.ctx, rec); err != nil {
				m.logger.Warn("refresh after list change failed", "server", rec.cfg.Name, "error", err)
			}
		case <-ticker.C:
			if !m.probe(rec) {
				return
			}
		}
	}
}

func listChanged(method string) bool {
	switch method {
	case api.NotifyToolsListChanged, api.NotifyResourcesListChanged, api.NotifyPromptsListChanged:
		return true
	}
	return false
}

// probe runs one health check. It returns false once the loop should stop.
func (m *Manager) probe(rec *record) bool {
	sess, state := rec.current()
	if sess == nil {
		return rec.ctx.Err() == nil
	}
	ctx, cancel := context.WithTimeout(rec.ctx, rec.cfg.Timeout)
	err := ping(ctx, sess)
	cancel()
	if rec.ctx.Err() != nil {
		return false
	}

	if err == nil {
		rec.mu.Lock()
		rec.failures = 0
		rec.mu.Unlock()
		if state == StateHealthCheckFailing {
			m.setState(rec.ctx, rec, StateConnected, nil)
		}
		return true
	}

	rec.mu.Lock()
	rec.failures++
	failures := rec.failures
	rec.lastErr = err
	rec.mu.Unlock()
	m.logger.Warn("health probe failed",
		"server", rec.cfg.Name,
		"failures", failures,
		"threshold", m.probeThreshold,
		"error", err,
	)
	if failures < m.probeThreshold {
		m.setState(rec.ctx, rec, StateHealthCheckFailing, err)
		return true
	}
	return m.reconnect(rec, err)
}

// ping lists tools, falling back to a protocol ping for servers that
// advertise none.
func ping(ctx context.Context, sess transport.Session) error {
	tools, err := sess.ListTools(ctx)
	if err != nil {
		return err
	}
	if tools == nil {
		return sess.Ping(ctx)
	}
	return nil
}

// reconnect replaces rec's session. Without auto_reconnect the server
// settles as Disconnected; a denied re-authorization settles it as Blocked.
// Otherwise it backs off until a new session is installed or rec is torn
// down.
func (m *Manager) reconnect(rec *record, cause error) bool {
	ctx := rec.ctx
	name := rec.cfg.Name
	m.setState(ctx, rec, StateReconnecting, cause)

	rec.mu.Lock()
	old := rec.session
	rec.session = nil
	rec.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if !rec.cfg.AutoReconnect {
		m.settle(ctx, rec, StateDisconnected, cause)
		return false
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, m.backoff(attempt-1)); err != nil {
				return false
			}
		}
		if ctx.Err() != nil {
			return false
		}
		if !m.limiter.Allow(m.agentID, "connect:"+name) {
			m.rateLimited(ctx, name, "")
			continue
		}
		allowed, err := m.authorize(ctx, rec)
		if err != nil {
			m.logger.Warn("reauthorization failed", "server", name, "error", err)
			continue
		}
		if !allowed {
			m.settle(ctx, rec, StateBlocked, nil)
			return false
		}

		m.setState(ctx, rec, StateConnecting, nil)
		sess, caps, err := m.connectWithRetry(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			m.logger.Warn("reconnect failed", "server", name, "attempt", attempt+1, "error", err)
			m.setState(ctx, rec, StateReconnecting, err)
			continue
		}
		if !m.apply(ctx, rec, caps, sess) {
			return false
		}
		m.setState(ctx, rec, StateConnected, nil)
		m.lifecycle(ctx, rec, "reconnect", nil)
		m.logger.Info("server reconnected", "server", name, "capabilities", len(caps))
		return true
	}
}

// settle drops rec's capabilities and parks it in state until it is
// registered again.
func (m *Manager) settle(ctx context.Context, rec *record, state State, cause error) {
	rec.mu.Lock()
	if rec.detached {
		rec.mu.Unlock()
		return
	}
	caps := sortedCaps(rec.caps)
	rec.caps = nil
	sess := rec.session
	rec.session = nil
	rec.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	for _, c := range caps {
		m.emit(ctx, Event{Type: EventCapabilityRemoved, Server: rec.cfg.Name, Capability: c})
	}
	m.setState(ctx, rec, state, cause)
	cfg := rec.cfg
	m.emit(ctx, Event{Type: EventServerDisconnected, Server: cfg.Name, Config: &cfg})
	m.lifecycle(ctx, rec, string(state), cause)
	m.logger.Warn("server settled", "server", cfg.Name, "state", state)
}

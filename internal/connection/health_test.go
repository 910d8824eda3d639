package connection

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/transport"
)

func probingConfig(name string, autoReconnect bool) ServerConfig {
	cfg := testConfig(name)
	cfg.HealthCheckInterval = 5 * time.Millisecond
	cfg.AutoReconnect = autoReconnect
	return cfg
}

func TestHealth_ReconnectsAfterProbeFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, probingConfig("files", true))
	if _, err := h.m.ExecuteTool(context.Background(), "echo", map[string]any{"text": "x"}, "files"); err != nil {
		t.Fatal(err)
	}
	before := len(h.m.ListCapabilities(Filter{}))
	first := h.srv.session()

	first.setBroken(true)
	waitFor(t, "reconnection", func() bool {
		states := h.rec.states()
		return h.srv.dialCount() == 2 && states[len(states)-1] == StateConnected
	})

	if after := len(h.m.ListCapabilities(Filter{})); after != before {
		t.Errorf("cache size %d after recovery, want %d", after, before)
	}
	states := h.rec.states()
	for _, want := range []State{StateHealthCheckFailing, StateReconnecting} {
		if !slices.Contains(states, want) {
			t.Errorf("transitions %v lack %s", states, want)
		}
	}
	if states[len(states)-1] != StateConnected {
		t.Errorf("last transition = %s", states[len(states)-1])
	}
	if first.check() != transport.ErrClosed {
		t.Error("old session should be closed")
	}
	// internal reconnection does not look like a disconnect to subscribers
	if n := h.rec.count(EventServerDisconnected); n != 0 {
		t.Errorf("server_disconnected events = %d", n)
	}
	for _, c := range h.m.ListCapabilities(Filter{Kind: KindTool}) {
		if c.Name() == "echo" && c.Usage().Count != 1 {
			t.Errorf("usage lost across reconnect: %+v", c.Usage())
		}
	}
	if st, _ := h.m.Status("files"); st.Failures != 0 {
		t.Errorf("failures should reset, got %d", st.Failures)
	}
}

func TestHealth_ProbeRecovers(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ProbeFailureThreshold = 1 << 20 })
	h.register(t, probingConfig("files", true))
	sess := h.srv.session()

	sess.setBroken(true)
	waitFor(t, "failing", func() bool { return stateOf(h.m, "files") == StateHealthCheckFailing })
	if _, err := h.m.ExecuteTool(context.Background(), "echo", map[string]any{"text": "x"}, "files"); err != nil {
		t.Errorf("calls should still be dispatched while probes fail: %v", err)
	}

	sess.setBroken(false)
	waitFor(t, "recovered", func() bool { return stateOf(h.m, "files") == StateConnected })
	if h.srv.dialCount() != 1 {
		t.Error("recovery below the threshold must not redial")
	}
}

func TestHealth_NoAutoReconnectSettlesDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, probingConfig("files", false))

	h.srv.session().setBroken(true)
	waitFor(t, "disconnected", func() bool { return stateOf(h.m, "files") == StateDisconnected })

	if len(h.m.ListCapabilities(Filter{})) != 0 {
		t.Error("settled server should have no capabilities")
	}
	waitFor(t, "disconnect event", func() bool { return h.rec.count(EventServerDisconnected) == 1 })
	st, ok := h.m.Status("files")
	if !ok || st.LastError == "" {
		t.Errorf("settled server should stay visible with its error: %+v", st)
	}
	if h.srv.dialCount() != 1 {
		t.Error("no redial expected without auto_reconnect")
	}

	// explicit re-registration is allowed once settled
	h.register(t, probingConfig("files", false))
	if stateOf(h.m, "files") != StateConnected {
		t.Error("re-registration should connect")
	}
}

func TestHealth_DeniedReauthorizationBlocks(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, probingConfig("files", true))

	h.gate.setDenyConnect(true)
	h.srv.session().setBroken(true)
	waitFor(t, "blocked", func() bool { return stateOf(h.m, "files") == StateBlocked })

	if h.srv.dialCount() != 1 {
		t.Error("denied server must not be redialed")
	}
	if len(h.m.ListCapabilities(Filter{})) != 0 {
		t.Error("blocked server should have no capabilities")
	}
	waitFor(t, "lifecycle audit", func() bool {
		for _, ev := range h.gate.audited(api.AuditServerLifecycle) {
			if ev.Details["op"] == string(StateBlocked) {
				return true
			}
		}
		return false
	})
}

func TestHealth_ListChangedRefreshes(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, testConfig("files"))

	h.srv.mu.Lock()
	h.srv.tools = append(h.srv.tools, api.Tool{Name: "stat"})
	h.srv.mu.Unlock()
	h.srv.session().notes <- transport.Notification{Method: api.NotifyToolsListChanged}

	waitFor(t, "refresh", func() bool { return len(h.m.ListCapabilities(Filter{Kind: KindTool})) == 3 })
	waitFor(t, "added event", func() bool { return h.rec.count(EventCapabilityAdded) == 5 })
}

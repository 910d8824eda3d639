package connection

import (
	"context"
	"fmt"
	"time"
)

// EventType names a connection manager notification.
type EventType string

const (
	EventServerConnected    EventType = "server_connected"
	EventServerDisconnected EventType = "server_disconnected"
	EventCapabilityAdded    EventType = "capability_added"
	EventCapabilityRemoved  EventType = "capability_removed"
	EventStateChanged       EventType = "server_state_changed"
)

// Event carries the affected server and, where relevant, the capability or
// state transition.
type Event struct {
	Type       EventType
	Server     string
	Config     *ServerConfig
	Capability Capability
	From, To   State
	Err        error
	Time       time.Time
}

// Handler receives events. Errors and panics are logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	handler Handler
	types   map[EventType]bool
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Subscribe registers h for the given event types, or for all events when
// none are given. The returned func removes the subscription.
func (m *Manager) Subscribe(h Handler, types ...EventType) (unsubscribe func()) {
	sub := &subscription{handler: h, types: make(map[EventType]bool, len(types))}
	for _, t := range types {
		sub.types[t] = true
	}
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// emit delivers ev synchronously to every interested subscriber. It must be
// called without holding manager or record locks.
func (m *Manager) emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}
	m.subMu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.wants(ev.Type) {
			subs = append(subs, s)
		}
	}
	m.subMu.RUnlock()

	for _, s := range subs {
		if err := m.deliver(ctx, s.handler, ev); err != nil {
			m.logger.Error("event handler failed", "event", ev.Type, "server", ev.Server, "error", err)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

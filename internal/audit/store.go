package audit

import (
	"context"

	"github.com/tkingovr/mcpwarden/api"
)

// Store defines the interface for audit event persistence and retrieval.
type Store interface {
	// Write appends an audit event. The store keeps its own copy.
	Write(ctx context.Context, event *api.AuditEvent) error

	// Query retrieves buffered events matching the filter, oldest first.
	Query(ctx context.Context, filter api.QueryFilter) ([]*api.AuditEvent, error)

	// Recent returns up to n of the most recent events, newest last.
	Recent(n int) []*api.AuditEvent

	// Stats returns aggregate statistics over the buffered events.
	Stats(ctx context.Context) (*api.AuditStats, error)

	// Subscribe returns a channel that receives new events in real time.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context) (<-chan *api.AuditEvent, func())

	// Close shuts down the store and flushes any buffers.
	Close() error
}

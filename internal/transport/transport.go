// Package transport defines the client session contract the connection
// manager drives, independent of how a capability server is reached.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tkingovr/mcpwarden/api"
)

// ErrClosed is returned by calls on a closed session and by calls that were
// in flight when it closed.
var ErrClosed = errors.New("transport: session closed")

// Client identity announced during the handshake.
const (
	ClientName    = "mcpwarden"
	ClientVersion = "0.1.0"
)

// LaunchSpec describes how to start a capability server process.
type LaunchSpec struct {
	Name    string
	Command string
	Args    []string
	// Env entries ("KEY=value") are appended to the parent environment.
	Env []string
}

// Notification is a server-initiated message.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Session is an initialized client session with one capability server.
// Listings of a capability group the server did not advertise return nil.
type Session interface {
	ListTools(ctx context.Context) ([]api.Tool, error)
	ListResources(ctx context.Context) ([]api.Resource, error)
	ListPrompts(ctx context.Context) ([]api.Prompt, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*api.CallToolResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*api.GetPromptResult, error)
	ReadResource(ctx context.Context, uri string) (*api.ReadResourceResult, error)
	Ping(ctx context.Context) error
	// Notifications delivers list_changed and similar messages. The channel
	// is never closed; stop reading once the session is closed.
	Notifications() <-chan Notification
	// Close is idempotent.
	Close() error
}

// Dialer starts and initializes a session.
type Dialer func(ctx context.Context, spec LaunchSpec) (Session, error)

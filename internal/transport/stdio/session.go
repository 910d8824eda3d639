// Package stdio implements transport.Session over a subprocess speaking
// newline-delimited JSON-RPC on stdin and stdout.
package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/jsonrpc"
	"github.com/tkingovr/mcpwarden/internal/transport"
)

// notificationBuffer bounds queued server notifications per session.
const notificationBuffer = 16

// Session is an initialized client session.
type Session struct {
	conn   *jsonrpc.Conn
	closer io.Closer
	info   api.InitializeResult
	notes  chan transport.Notification
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Session = (*Session)(nil)

// NewDialer returns a transport.Dialer launching servers as subprocesses.
func NewDialer(logger *slog.Logger) transport.Dialer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(ctx context.Context, spec transport.LaunchSpec) (transport.Session, error) {
		return Dial(ctx, spec, logger)
	}
}

// Dial starts the server process and performs the initialize handshake.
func Dial(ctx context.Context, spec transport.LaunchSpec, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("server", spec.Name)
	proc, err := StartProcess(spec.Command, spec.Args, spec.Env, logger)
	if err != nil {
		return nil, err
	}
	s, err := Connect(ctx, proc.Stdout(), proc.Stdin(), proc, logger)
	if err != nil {
		_ = proc.Close()
		return nil, err
	}
	logger.Debug("server process started", "pid", proc.Pid(), "server_info", s.info.ServerInfo.Name)
	return s, nil
}

// Connect runs the handshake over an established stream. closer is closed
// with the session and may be nil.
func Connect(ctx context.Context, r io.Reader, w io.Writer, closer io.Closer, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{
		closer: closer,
		notes:  make(chan transport.Notification, notificationBuffer),
		logger: logger,
	}
	s.conn = jsonrpc.NewConn(r, w, s.onNotification, logger)

	params := api.InitializeParams{
		ProtocolVersion: api.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      api.Implementation{Name: transport.ClientName, Version: transport.ClientVersion},
	}
	if err := s.call(ctx, api.MethodInitialize, params, &s.info); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	if err := s.conn.Notify(ctx, api.MethodInitialized, nil); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("initialize handshake: %w", s.mapErr(err))
	}
	return s, nil
}

// ServerInfo returns what the server announced during initialize.
func (s *Session) ServerInfo() api.InitializeResult { return s.info }

func (s *Session) onNotification(msg *api.JSONRPCMessage) {
	n := transport.Notification{Method: msg.Method, Params: msg.Params}
	select {
	case s.notes <- n:
	default:
		s.logger.Debug("dropping notification, buffer full", "method", msg.Method)
	}
}

// Notifications implements transport.Session.
func (s *Session) Notifications() <-chan transport.Notification { return s.notes }

func (s *Session) call(ctx context.Context, method string, params, result any) error {
	if err := s.conn.Call(ctx, method, params, result); err != nil {
		return fmt.Errorf("%s: %w", method, s.mapErr(err))
	}
	return nil
}

func (s *Session) mapErr(err error) error {
	if errors.Is(err, jsonrpc.ErrClosed) {
		return transport.ErrClosed
	}
	return err
}

func advertised(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

type cursorParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListTools implements transport.Session.
func (s *Session) ListTools(ctx context.Context) ([]api.Tool, error) {
	if !advertised(s.info.Capabilities.Tools) {
		return nil, nil
	}
	var out []api.Tool
	cursor := ""
	for {
		var res api.ListToolsResult
		if err := s.call(ctx, api.MethodToolsList, cursorParams{cursor}, &res); err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// ListResources implements transport.Session.
func (s *Session) ListResources(ctx context.Context) ([]api.Resource, error) {
	if !advertised(s.info.Capabilities.Resources) {
		return nil, nil
	}
	var out []api.Resource
	cursor := ""
	for {
		var res api.ListResourcesResult
		if err := s.call(ctx, api.MethodResourcesList, cursorParams{cursor}, &res); err != nil {
			return nil, err
		}
		out = append(out, res.Resources...)
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// ListPrompts implements transport.Session.
func (s *Session) ListPrompts(ctx context.Context) ([]api.Prompt, error) {
	if !advertised(s.info.Capabilities.Prompts) {
		return nil, nil
	}
	var out []api.Prompt
	cursor := ""
	for {
		var res api.ListPromptsResult
		if err := s.call(ctx, api.MethodPromptsList, cursorParams{cursor}, &res); err != nil {
			return nil, err
		}
		out = append(out, res.Prompts...)
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool implements transport.Session.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*api.CallToolResult, error) {
	var res api.CallToolResult
	if err := s.call(ctx, api.MethodToolsCall, api.ToolCallParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt implements transport.Session.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*api.GetPromptResult, error) {
	var res api.GetPromptResult
	if err := s.call(ctx, api.MethodPromptsGet, api.GetPromptParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource implements transport.Session.
func (s *Session) ReadResource(ctx context.Context, uri string) (*api.ReadResourceResult, error) {
	var res api.ReadResourceResult
	if err := s.call(ctx, api.MethodResourcesRead, api.ReadResourceParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping implements transport.Session.
func (s *Session) Ping(ctx context.Context) error {
	return s.call(ctx, api.MethodPing, nil, nil)
}

// Close implements transport.Session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

// Package mcpgo implements transport.Session on top of the mark3labs/mcp-go
// stdio client.
package mcpgo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/transport"
)

const notificationBuffer = 16

// Session adapts an mcp-go client.
type Session struct {
	c      *client.Client
	caps   mcp.ServerCapabilities
	notes  chan transport.Notification
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ transport.Session = (*Session)(nil)

// NewDialer returns a transport.Dialer backed by mcp-go.
func NewDialer(logger *slog.Logger) transport.Dialer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(ctx context.Context, spec transport.LaunchSpec) (transport.Session, error) {
		return Dial(ctx, spec, logger)
	}
}

// Dial starts the server with mcp-go and initializes the session.
func Dial(ctx context.Context, spec transport.LaunchSpec, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c, err := client.NewStdioMCPClient(spec.Command, spec.Env, spec.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting subprocess %q: %w", spec.Command, err)
	}
	s := &Session{
		c:      c,
		notes:  make(chan transport.Notification, notificationBuffer),
		logger: logger.With("server", spec.Name),
	}
	c.OnNotification(s.onNotification)

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: transport.ClientName, Version: transport.ClientVersion}
	res, err := c.Initialize(ctx, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	s.caps = res.Capabilities
	s.logger.Debug("mcp-go session initialized", "server_info", res.ServerInfo.Name, "protocol", res.ProtocolVersion)
	return s, nil
}

func (s *Session) onNotification(n mcp.JSONRPCNotification) {
	params, _ := json.Marshal(n.Params)
	select {
	case s.notes <- transport.Notification{Method: n.Method, Params: params}:
	default:
		s.logger.Debug("dropping notification, buffer full", "method", n.Method)
	}
}

// Notifications implements transport.Session.
func (s *Session) Notifications() <-chan transport.Notification { return s.notes }

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	return nil
}

// convert re-encodes an mcp-go value into the wire-compatible api type.
func convert(method string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encoding result: %w", method, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return nil
}

func (s *Session) wrap(method string, err error) error {
	if cerr := s.check(); cerr != nil {
		return fmt.Errorf("%s: %w", method, errors.Join(cerr, err))
	}
	return fmt.Errorf("%s: %w", method, err)
}

// ListTools implements transport.Session.
func (s *Session) ListTools(ctx context.Context) ([]api.Tool, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.caps.Tools == nil {
		return nil, nil
	}
	var out []api.Tool
	req := mcp.ListToolsRequest{}
	for {
		res, err := s.c.ListTools(ctx, req)
		if err != nil {
			return nil, s.wrap(api.MethodToolsList, err)
		}
		var page []api.Tool
		if err := convert(api.MethodToolsList, res.Tools, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if res.NextCursor == "" {
			return out, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

// ListResources implements transport.Session.
func (s *Session) ListResources(ctx context.Context) ([]api.Resource, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.caps.Resources == nil {
		return nil, nil
	}
	var out []api.Resource
	req := mcp.ListResourcesRequest{}
	for {
		res, err := s.c.ListResources(ctx, req)
		if err != nil {
			return nil, s.wrap(api.MethodResourcesList, err)
		}
		var page []api.Resource
		if err := convert(api.MethodResourcesList, res.Resources, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if res.NextCursor == "" {
			return out, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

// ListPrompts implements transport.Session.
func (s *Session) ListPrompts(ctx context.Context) ([]api.Prompt, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.caps.Prompts == nil {
		return nil, nil
	}
	var out []api.Prompt
	req := mcp.ListPromptsRequest{}
	for {
		res, err := s.c.ListPrompts(ctx, req)
		if err != nil {
			return nil, s.wrap(api.MethodPromptsList, err)
		}
		var page []api.Prompt
		if err := convert(api.MethodPromptsList, res.Prompts, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if res.NextCursor == "" {
			return out, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

// CallTool implements transport.Session.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*api.CallToolResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.c.CallTool(ctx, req)
	if err != nil {
		return nil, s.wrap(api.MethodToolsCall, err)
	}
	var out api.CallToolResult
	if err := convert(api.MethodToolsCall, res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPrompt implements transport.Session.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*api.GetPromptResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.c.GetPrompt(ctx, req)
	if err != nil {
		return nil, s.wrap(api.MethodPromptsGet, err)
	}
	var out api.GetPromptResult
	if err := convert(api.MethodPromptsGet, res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadResource implements transport.Session.
func (s *Session) ReadResource(ctx context.Context, uri string) (*api.ReadResourceResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := s.c.ReadResource(ctx, req)
	if err != nil {
		return nil, s.wrap(api.MethodResourcesRead, err)
	}
	var out api.ReadResourceResult
	if err := convert(api.MethodResourcesRead, res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping implements transport.Session.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.c.Ping(ctx); err != nil {
		return s.wrap(api.MethodPing, err)
	}
	return nil
}

// Close implements transport.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.c.Close()
}

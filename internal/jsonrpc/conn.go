package jsonrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tkingovr/mcpwarden/api"
)

// MaxMessageSize bounds a single newline-delimited message.
const MaxMessageSize = 10 * 1024 * 1024

// ErrClosed is returned by calls on a closed connection and by calls that
// were in flight when it closed.
var ErrClosed = errors.New("jsonrpc: connection closed")

// NotificationHandler receives server-initiated notifications. It runs on
// the read goroutine and must not block.
type NotificationHandler func(msg *api.JSONRPCMessage)

// Conn is the client side of a newline-delimited JSON-RPC 2.0 stream. It
// correlates responses to calls by id. Safe for concurrent use.
type Conn struct {
	w       io.Writer
	wmu     sync.Mutex
	nextID  atomic.Int64
	handler NotificationHandler
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *api.JSONRPCMessage

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// NewConn starts reading responses from r and returns a connection writing
// requests to w.
func NewConn(r io.Reader, w io.Writer, handler NotificationHandler, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Conn{
		w:       w,
		handler: handler,
		logger:  logger,
		pending: make(map[string]chan *api.JSONRPCMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends method with params and decodes the response result into
// result, which may be nil. A JSON-RPC error response is returned as
// *api.JSONRPCError.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}
	key := strconv.FormatInt(id, 10)
	ch := make(chan *api.JSONRPCMessage, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.closedErr()
	default:
	}
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.forget(key)
		return err
	}

	select {
	case resp := <-ch:
		return DecodeResult(resp, method, result)
	case <-ctx.Done():
		c.forget(key)
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Done is closed once the connection stops.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection stopped, or nil while it is running.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
		return nil
	}
}

// Close fails pending calls with ErrClosed. The caller owns the underlying
// reader and writer.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

func (c *Conn) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[string]chan *api.JSONRPCMessage)
		close(c.done)
		c.mu.Unlock()
	})
}

func (c *Conn) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Conn) write(msg *api.JSONRPCMessage) error {
	data, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := Parse(line)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		switch msg.Kind() {
		case api.KindResponse:
			c.deliver(msg)
		case api.KindNotification:
			if c.handler != nil {
				c.handler(msg)
			}
		case api.KindRequest:
			c.answer(msg)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(err)
}

func (c *Conn) deliver(msg *api.JSONRPCMessage) {
	key := string(msg.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", "id", key)
		return
	}
	ch <- msg
}

// answer replies to server-initiated requests. Only ping is supported.
func (c *Conn) answer(msg *api.JSONRPCMessage) {
	var resp *api.JSONRPCMessage
	if msg.Method == api.MethodPing {
		resp, _ = NewResult(msg.ID, struct{}{})
	} else {
		resp = NewErrorResponse(msg.ID, CodeMethodNotFound, "method not supported by client: "+msg.Method)
	}
	if err := c.write(resp); err != nil {
		c.logger.Warn("answering server request failed", "method", msg.Method, "error", err)
	}
}

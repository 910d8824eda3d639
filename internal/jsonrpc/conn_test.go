package jsonrpc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tkingovr/mcpwarden/api"
)

// peer is the server end of a Conn under test.
type peer struct {
	in  *bufio.Scanner
	out *io.PipeWriter
}

func newPair(t *testing.T, handler NotificationHandler) (*Conn, *peer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	c := NewConn(clientR, clientW, handler, nil)
	t.Cleanup(func() {
		c.Close()
		serverW.Close()
		clientW.Close()
	})
	return c, &peer{in: bufio.NewScanner(serverR), out: serverW}
}

func (p *peer) read(t *testing.T) *api.JSONRPCMessage {
	t.Helper()
	if !p.in.Scan() {
		t.Fatalf("peer read failed: %v", p.in.Err())
	}
	msg, err := Parse(p.in.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func (p *peer) send(t *testing.T, msg *api.JSONRPCMessage) {
	t.Helper()
	data, _ := Marshal(msg)
	if _, err := p.out.Write(append(data, '\n')); err != nil {
		t.Fatal(err)
	}
}

func TestConn_CallCorrelatesOutOfOrder(t *testing.T) {
	c, p := newPair(t, nil)

	type out struct {
		got string
		err error
	}
	first := make(chan out, 1)
	second := make(chan out, 1)
	go func() {
		var r struct{ V string }
		err := c.Call(context.Background(), "a", map[string]any{"n": 1}, &r)
		first <- out{r.V, err}
	}()
	reqA := p.read(t)
	go func() {
		var r struct{ V string }
		err := c.Call(context.Background(), "b", nil, &r)
		second <- out{r.V, err}
	}()
	reqB := p.read(t)

	if reqA.Method != "a" || reqB.Method != "b" || string(reqA.ID) == string(reqB.ID) {
		t.Fatalf("unexpected requests %s/%s ids %s/%s", reqA.Method, reqB.Method, reqA.ID, reqB.ID)
	}

	respB, _ := NewResult(reqB.ID, map[string]string{"V": "from-b"})
	p.send(t, respB)
	respA, _ := NewResult(reqA.ID, map[string]string{"V": "from-a"})
	p.send(t, respA)

	if r := <-second; r.err != nil || r.got != "from-b" {
		t.Errorf("second call = %+v", r)
	}
	if r := <-first; r.err != nil || r.got != "from-a" {
		t.Errorf("first call = %+v", r)
	}
}

func TestConn_ErrorResponse(t *testing.T) {
	c, p := newPair(t, nil)
	errc := make(chan error, 1)
	go func() { errc <- c.Call(context.Background(), "missing", nil, nil) }()
	req := p.read(t)
	p.send(t, NewErrorResponse(req.ID, CodeMethodNotFound, "unknown method"))

	err := <-errc
	var rpcErr *api.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Fatalf("expected JSON-RPC error, got %v", err)
	}
}

func TestConn_NotificationsAndServerPing(t *testing.T) {
	got := make(chan string, 1)
	_, p := newPair(t, func(msg *api.JSONRPCMessage) { got <- msg.Method })

	note, _ := NewNotification(api.NotifyToolsListChanged, nil)
	p.send(t, note)
	select {
	case m := <-got:
		if m != api.NotifyToolsListChanged {
			t.Errorf("notification method = %s", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	ping, _ := NewRequest(99, api.MethodPing, nil)
	p.send(t, ping)
	resp := p.read(t)
	if string(resp.ID) != "99" || resp.Error != nil {
		t.Errorf("ping answer = %+v", resp)
	}

	other, _ := NewRequest(100, "sampling/createMessage", nil)
	p.send(t, other)
	if resp := p.read(t); resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("unsupported server request answer = %+v", resp)
	}
}

func TestConn_ContextCancel(t *testing.T) {
	c, p := newPair(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Call(ctx, "slow", nil, nil) }()
	p.read(t)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConn_CloseFailsInFlight(t *testing.T) {
	c, p := newPair(t, nil)
	errc := make(chan error, 1)
	go func() { errc <- c.Call(context.Background(), "hang", nil, nil) }()
	p.read(t)
	c.Close()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Errorf("in-flight call: %v", err)
	}
	if err := c.Call(context.Background(), "after", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("call after close: %v", err)
	}
	if c.Close() != nil {
		t.Error("second close should be a no-op")
	}
}

func TestConn_PeerEOF(t *testing.T) {
	c, p := newPair(t, nil)
	p.out.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not stop on EOF")
	}
	if err := c.Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("Err() = %v", err)
	}
}

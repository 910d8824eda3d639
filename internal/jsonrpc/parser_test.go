package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tkingovr/mcpwarden/api"
)

func TestParse_Kinds(t *testing.T) {
	tests := []struct {
		name string
		data string
		want api.MessageKind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_file"}}`, api.KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, api.KindNotification},
		{"null id is a notification", `{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`, api.KindNotification},
		{"response", `{"jsonrpc":"2.0","id":"abc","result":{"tools":[]}}`, api.KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, api.KindResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := msg.Kind(); got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`{"jsonrpc":"1.0","id":1,"method":"test"}`,
		`{"id":1}`,
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
	} {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("Parse(%s) should fail", data)
		}
	}
}

func TestDecodeResult(t *testing.T) {
	var out api.ListToolsResult
	resp := &api.JSONRPCMessage{JSONRPC: Version, ID: json.RawMessage(`1`), Result: json.RawMessage(`{"tools":[{"name":"echo"}]}`)}
	if err := DecodeResult(resp, api.MethodToolsList, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", out.Tools)
	}

	failed := NewErrorResponse(json.RawMessage(`2`), CodeInvalidParams, "bad params")
	err := DecodeResult(failed, api.MethodToolsCall, &out)
	var rpcErr *api.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if err.Error() != "rpc error -32602: bad params" {
		t.Errorf("message = %q", err.Error())
	}

	garbled := &api.JSONRPCMessage{JSONRPC: Version, ID: json.RawMessage(`3`), Result: json.RawMessage(`[1]`)}
	if err := DecodeResult(garbled, api.MethodToolsList, &out); err == nil {
		t.Error("expected a decoding error")
	}
	if err := DecodeResult(garbled, api.MethodPing, nil); err != nil {
		t.Errorf("nil target should ignore the result: %v", err)
	}
}

func TestNewErrorResponse(t *testing.T) {
	data, err := Marshal(NewErrorResponse(json.RawMessage(`1`), CodeMethodNotFound, "no such method"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	errObj, ok := msg["error"].(map[string]any)
	if !ok {
		t.Fatal("expected error field in response")
	}
	if errObj["message"] != "no such method" || int(errObj["code"].(float64)) != CodeMethodNotFound {
		t.Errorf("unexpected error object: %v", errObj)
	}
	if _, ok := msg["result"]; ok {
		t.Error("error response must not carry a result")
	}
}

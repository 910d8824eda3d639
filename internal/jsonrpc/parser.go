package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/tkingovr/mcpwarden/api"
)

// Parse decodes one line of the stream. Messages of the wrong version or
// with no recognizable kind are rejected.
func Parse(data []byte) (*api.JSONRPCMessage, error) {
	var msg api.JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported JSON-RPC version: %q", msg.JSONRPC)
	}
	if msg.Kind() == api.KindInvalid {
		return nil, fmt.Errorf("message is neither request, notification nor response")
	}
	return &msg, nil
}

// DecodeResult unpacks a response. An error member is returned as
// *api.JSONRPCError; otherwise the result is decoded into v when v is
// non-nil and a result is present.
func DecodeResult(resp *api.JSONRPCMessage, method string, v any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if v == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tkingovr/mcpwarden/api"
)

// Version is the only protocol version spoken.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NewRequest builds a request with a numeric id.
func NewRequest(id int64, method string, params any) (*api.JSONRPCMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}
	return &api.JSONRPCMessage{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a message without an id.
func NewNotification(method string, params any) (*api.JSONRPCMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}
	return &api.JSONRPCMessage{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) (*api.JSONRPCMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &api.JSONRPCMessage{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id json.RawMessage, code int, message string) *api.JSONRPCMessage {
	return &api.JSONRPCMessage{
		JSONRPC: Version,
		ID:      id,
		Error: &api.JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

// Marshal encodes a JSONRPCMessage to JSON bytes.
func Marshal(msg *api.JSONRPCMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

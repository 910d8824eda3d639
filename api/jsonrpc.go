package api

import (
	"encoding/json"
	"fmt"
)

// MessageKind classifies a JSON-RPC 2.0 message by which fields it carries.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	}
	return "invalid"
}

// JSONRPCMessage is one JSON-RPC 2.0 envelope exchanged with a capability
// server. Requests and notifications carry Method; responses carry exactly
// one of Result or Error.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// Kind reports what the message is. A response carrying both a result and
// an error, or a message with neither id nor method, is KindInvalid.
func (m *JSONRPCMessage) Kind() MessageKind {
	hasID := len(m.ID) > 0 && string(m.ID) != "null"
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && m.Error != nil && len(m.Result) > 0:
		return KindInvalid
	case hasID:
		return KindResponse
	}
	return KindInvalid
}

// JSONRPCError is the error member of a response. It satisfies error so
// callers can match it with errors.As.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

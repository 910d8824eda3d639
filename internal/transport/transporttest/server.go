// Package transporttest provides an in-process capability server for
// transport tests.
package transporttest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tkingovr/mcpwarden/api"
	"github.com/tkingovr/mcpwarden/internal/jsonrpc"
)

// Serve answers the client side of the capability protocol on r and w
// until r is exhausted. The server advertises tools and prompts, and
// resources when withResources is set.
//
// Tools: "echo" returns its "text" argument; "notify" first emits a
// tools list_changed notification. Tools are served in two pages.
func Serve(r io.Reader, w io.Writer, withResources bool) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		msg, err := jsonrpc.Parse(sc.Bytes())
		if err != nil || msg.Kind() == api.KindNotification {
			continue
		}

		var (
			result any
			rpcErr *api.JSONRPCError
		)
		switch msg.Method {
		case api.MethodInitialize:
			caps := map[string]any{"tools": map[string]any{"listChanged": true}, "prompts": map[string]any{}}
			if withResources {
				caps["resources"] = map[string]any{}
			}
			result = map[string]any{
				"protocolVersion": api.ProtocolVersion,
				"capabilities":    caps,
				"serverInfo":      map[string]any{"name": "fake", "version": "1.0.0"},
			}
		case api.MethodToolsList:
			var p struct{ Cursor string }
			_ = json.Unmarshal(msg.Params, &p)
			if p.Cursor == "" {
				result = map[string]any{
					"tools":      []map[string]any{{"name": "echo", "inputSchema": map[string]any{"type": "object"}}},
					"nextCursor": "page-2",
				}
			} else {
				result = map[string]any{"tools": []map[string]any{{"name": "notify"}}}
			}
		case api.MethodToolsCall:
			var p api.ToolCallParams
			_ = json.Unmarshal(msg.Params, &p)
			if p.Name == "notify" {
				note, _ := jsonrpc.NewNotification(api.NotifyToolsListChanged, nil)
				writeMsg(w, note)
			}
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": fmt.Sprint(p.Arguments["text"])}}}
		case api.MethodResourcesList:
			result = map[string]any{"resources": []map[string]any{{"uri": "file:///readme", "name": "readme"}}}
		case api.MethodResourcesRead:
			var p api.ReadResourceParams
			_ = json.Unmarshal(msg.Params, &p)
			result = map[string]any{"contents": []map[string]any{{"uri": p.URI, "text": "read me"}}}
		case api.MethodPromptsList:
			result = map[string]any{"prompts": []map[string]any{{"name": "greet", "arguments": []map[string]any{{"name": "who", "required": true}}}}}
		case api.MethodPromptsGet:
			var p api.GetPromptParams
			_ = json.Unmarshal(msg.Params, &p)
			result = map[string]any{"messages": []map[string]any{{"role": "user", "content": map[string]any{"type": "text", "text": "hello " + p.Arguments["who"]}}}}
		case api.MethodPing:
			result = map[string]any{}
		default:
			rpcErr = &api.JSONRPCError{Code: jsonrpc.CodeMethodNotFound, Message: "method not found: " + msg.Method}
		}

		if rpcErr != nil {
			writeMsg(w, jsonrpc.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message))
			continue
		}
		resp, _ := jsonrpc.NewResult(msg.ID, result)
		writeMsg(w, resp)
	}
	return sc.Err()
}

func writeMsg(w io.Writer, msg *api.JSONRPCMessage) {
	data, _ := jsonrpc.Marshal(msg)
	_, _ = w.Write(append(data, '\n'))
}

// echo_server.go is a minimal MCP capability server for manual testing of
// mcpwarden serve. It advertises tools, one resource and one prompt.
// Usage: go run ./testdata/mock_server
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	out := bufio.NewWriter(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "echo_server: invalid JSON: %v\n", err)
			continue
		}
		if len(msg.ID) == 0 {
			// notifications/initialized and friends
			continue
		}

		resp := jsonrpcMessage{JSONRPC: "2.0", ID: msg.ID}
		result, rpcErr := handle(msg)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}

		data, _ := json.Marshal(resp)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}
}

func handle(msg jsonrpcMessage) (json.RawMessage, *jsonrpcError) {
	switch msg.Method {
	case "initialize":
		return json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {"tools": {"listChanged": false}, "resources": {}, "prompts": {}},
			"serverInfo": {"name": "echo-server", "version": "1.1.0"}
		}`), nil

	case "ping":
		return json.RawMessage(`{}`), nil

	case "tools/list":
		return json.RawMessage(`{
			"tools": [
				{
					"name": "read_file",
					"description": "Read a file",
					"inputSchema": {
						"type": "object",
						"properties": {"path": {"type": "string"}},
						"required": ["path"]
					}
				},
				{
					"name": "write_file",
					"description": "Write a file",
					"inputSchema": {
						"type": "object",
						"properties": {"path": {"type": "string"}, "content": {"type": "string"}},
						"required": ["path", "content"]
					}
				},
				{
					"name": "run_command",
					"description": "Run a shell command",
					"inputSchema": {
						"type": "object",
						"properties": {"command": {"type": "string"}},
						"required": ["command"]
					}
				}
			]
		}`), nil

	case "tools/call":
		return text("content", fmt.Sprintf("echo: %s", msg.Params)), nil

	case "resources/list":
		return json.RawMessage(`{
			"resources": [
				{"uri": "file:///readme", "name": "readme", "mimeType": "text/plain"}
			]
		}`), nil

	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		if p.URI != "file:///readme" {
			return nil, &jsonrpcError{Code: -32002, Message: "resource not found: " + p.URI}
		}
		data, _ := json.Marshal(map[string]any{
			"contents": []map[string]any{{"uri": p.URI, "mimeType": "text/plain", "text": "echo server readme"}},
		})
		return data, nil

	case "prompts/list":
		return json.RawMessage(`{
			"prompts": [
				{"name": "greet", "description": "Greet someone", "arguments": [{"name": "who", "required": true}]}
			]
		}`), nil

	case "prompts/get":
		var p struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		data, _ := json.Marshal(map[string]any{
			"messages": []map[string]any{{
				"role":    "user",
				"content": map[string]any{"type": "text", "text": "Say hello to " + p.Arguments["who"]},
			}},
		})
		return data, nil
	}
	return nil, &jsonrpcError{Code: -32601, Message: "method not found: " + msg.Method}
}

func text(key, s string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		key: []map[string]any{{"type": "text", "text": s}},
	})
	return data
}

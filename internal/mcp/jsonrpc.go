// Package mcp is the JSON-RPC front door of the host: framing, method
// routing, the admission chain, and the tools/call pipeline.
package mcp

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// JSON-RPC error codes. The negative application range follows the MCP
// reservations existing clients already understand.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeRateLimited    = -32000
	CodeAuth           = -32001
	CodeNotFound       = -32002
	CodePermission     = -32003
	CodeMissingSecrets = -32006
)

const (
	protocolVersion = "2025-03-26"
	serverVersion   = "1.0.0"
)

// maxBodyBytes bounds one JSON-RPC message.
const maxBodyBytes = 1 << 20

// request is one decoded JSON-RPC message. ID keeps the raw bytes, so
// 0 and null stay distinguishable from an absent id: presence decides
// whether this is a call or a notification, and whatever was sent is
// echoed back verbatim.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *request) notification() bool { return r.ID == nil }

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// contentItem is one piece of a tool result envelope.
type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is the MCP envelope around a tool's output.
type toolResult struct {
	Content           []contentItem   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError"`
}

// httpStatus maps a JSON-RPC error code to its transport status, so
// plain HTTP clients and proxies see the failure class without parsing
// the body.
func httpStatus(code int) int {
	switch code {
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeNotFound, CodeMethodNotFound:
		return http.StatusNotFound
	case CodePermission, CodeMissingSecrets:
		return http.StatusForbidden
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeResult(c *gin.Context, id json.RawMessage, result any) {
	c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: id, Result: result})
}

// writeError answers with the mapped HTTP status. A nil id marshals to
// null, which is what a response to an unparseable request carries.
func writeError(c *gin.Context, id json.RawMessage, code int, message string, data any) {
	resp := response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
	c.JSON(httpStatus(code), resp)
}

// textResult wraps plain text in the MCP envelope.
func textResult(text string, isError bool) toolResult {
	return toolResult{Content: []contentItem{{Type: "text", Text: text}}, IsError: isError}
}

// rawResult wraps a JSON value in the MCP envelope: the compact text
// rendering always, plus structuredContent when the value is an
// object.
func rawResult(raw json.RawMessage) toolResult {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	res := toolResult{Content: []contentItem{{Type: "text", Text: renderText(raw)}}}
	if raw[0] == '{' {
		res.StructuredContent = raw
	}
	return res
}

// renderText turns a JSON value into the text the content block
// carries: strings are unquoted, everything else stays JSON.
func renderText(raw json.RawMessage) string {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

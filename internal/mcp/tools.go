package mcp

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/ultralight-ai/mcp-host/internal/app"
)

// sdkTools is the platform surface advertised on every app, in the
// order clients see it. App code and agents address the same names.
var sdkTools = []app.Tool{
	{
		Name:        "ultralight.getSkills",
		Description: "Get the app's documentation: what it does and how to call its tools.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "ultralight.store",
		Description: "Store a JSON value under a key, scoped to you and this app.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"key":{"type":"string"},
			"value":{}
		},"required":["key","value"]}`),
	},
	{
		Name:        "ultralight.load",
		Description: "Load the value stored under a key, or null when absent.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"key":{"type":"string"}
		},"required":["key"]}`),
	},
	{
		Name:        "ultralight.list",
		Description: "List stored keys, optionally under a prefix.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"prefix":{"type":"string"}
		}}`),
	},
	{
		Name:        "ultralight.query",
		Description: "Page through stored entries under a prefix.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"prefix":{"type":"string"},
			"limit":{"type":"integer","minimum":1,"maximum":100},
			"offset":{"type":"integer","minimum":0}
		}}`),
	},
	{
		Name:        "ultralight.remove",
		Description: "Remove a stored key. Absent keys are a no-op.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"key":{"type":"string"}
		},"required":["key"]}`),
	},
	{
		Name:        "ultralight.remember",
		Description: "Remember a value across sessions. Scope \"user\" shares it across all your apps.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"key":{"type":"string"},
			"value":{},
			"scope":{"type":"string","enum":["app","user"]}
		},"required":["key","value"]}`),
	},
	{
		Name:        "ultralight.recall",
		Description: "Recall a remembered value, or null when absent.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"key":{"type":"string"},
			"scope":{"type":"string","enum":["app","user"]}
		},"required":["key"]}`),
	},
	{
		Name:        "ultralight.ai",
		Description: "Run a chat completion on your own connected model provider.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"messages":{"type":"array","items":{"type":"object","properties":{
				"role":{"type":"string"},
				"content":{"type":"string"}
			},"required":["role","content"]}},
			"model":{"type":"string"},
			"temperature":{"type":"number"},
			"max_tokens":{"type":"integer"}
		},"required":["messages"]}`),
	},
	{
		Name:        "ultralight.call",
		Description: "Call a function of another app as yourself. Accepts an app id or owner/slug.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"app_id":{"type":"string"},
			"function_name":{"type":"string"},
			"args":{"type":"object"}
		},"required":["app_id","function_name"]}`),
	},
}

// handleToolsList advertises the app's functions plus the platform
// tools. On a private app, a non-owner only sees the names their grant
// covers; the SDK names obey the same grant.
func (s *Server) handleToolsList(c *gin.Context, rc *requestCtx) {
	if d := s.Limiter.AllowEndpoint(c.Request.Context(), rc.id.UserID, "mcp:tools/list"); d != nil {
		s.writeRateLimited(c, rc.req.ID, d)
		return
	}

	tools := make([]app.Tool, 0, len(rc.app.Tools)+len(sdkTools))
	for _, t := range rc.app.Tools {
		if rc.snap.AllowsFunction(t.Name) {
			tools = append(tools, t)
		}
	}
	for _, t := range sdkTools {
		if rc.snap.AllowsFunction(t.Name) {
			tools = append(tools, t)
		}
	}

	writeResult(c, rc.req.ID, gin.H{"tools": tools})
}

func sdkToolNames() []string {
	names := make([]string, len(sdkTools))
	for i, t := range sdkTools {
		names[i] = t.Name
	}
	return names
}

package runner

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/ai"
	"github.com/ultralight-ai/mcp-host/internal/sandbox"
)

// Bridge is the host side of the capability channel. The runner's SDK
// shim forwards every ultralight.* call made by app code to
// POST /internal/capability/:executionId; the bridge routes it to the
// capabilities registered for that execution and tracks AI spend so
// the outcome can carry it.
type Bridge struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *zap.Logger
}

// Session is one live execution's capability binding.
type Session struct {
	caps    *sandbox.Capabilities
	aiCents atomic.Int64
}

// AICostCents reports the AI spend accumulated so far.
func (s *Session) AICostCents() int64 { return s.aiCents.Load() }

func NewBridge(log *zap.Logger) *Bridge {
	return &Bridge{sessions: map[string]*Session{}, log: log}
}

// Register opens a session for an execution id. The caller must
// Release it when the execution ends.
func (b *Bridge) Register(executionID string, caps *sandbox.Capabilities) *Session {
	s := &Session{caps: caps}
	b.mu.Lock()
	b.sessions[executionID] = s
	b.mu.Unlock()
	return s
}

func (b *Bridge) Release(executionID string) {
	b.mu.Lock()
	delete(b.sessions, executionID)
	b.mu.Unlock()
}

func (b *Bridge) session(executionID string) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[executionID]
}

type capabilityRequest struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Handler serves one capability call. Unknown execution ids get 404:
// either the execution already finished or the runner is confused,
// and in both cases the call must not touch another session's scope.
func (b *Bridge) Handler(c *gin.Context) {
	sess := b.session(c.Param("executionId"))
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown execution"})
		return
	}

	var req capabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid capability request"})
		return
	}

	result, err := b.dispatch(c, sess, &req)
	if err != nil {
		b.log.Warn("capability call failed",
			zap.String("execution_id", c.Param("executionId")),
			zap.String("tool", req.Tool),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tool: " + req.Tool})
		return
	}
	c.JSON(http.StatusOK, result)
}

type kvArgs struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Prefix string          `json:"prefix"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
	Scope  string          `json:"scope"`
}

type callArgs struct {
	AppID        string         `json:"app_id"`
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args"`
}

// dispatch runs one tool against the session's capabilities. A nil
// result with nil error means the tool name is unknown.
func (b *Bridge) dispatch(c *gin.Context, sess *Session, req *capabilityRequest) (any, error) {
	ctx := c.Request.Context()
	caps := sess.caps

	var kv kvArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &kv); err != nil {
			return nil, err
		}
	}

	switch req.Tool {
	case "store":
		if err := caps.KV.Set(ctx, kv.Key, kv.Value); err != nil {
			return nil, err
		}
		return gin.H{"ok": true, "key": kv.Key}, nil

	case "load":
		value, err := caps.KV.Get(ctx, kv.Key)
		if err != nil {
			return nil, err
		}
		return gin.H{"value": rawOrNull(value)}, nil

	case "list":
		keys, err := caps.KV.List(ctx, kv.Prefix)
		if err != nil {
			return nil, err
		}
		return gin.H{"keys": keys}, nil

	case "query":
		entries, err := caps.KV.Query(ctx, kv.Prefix, kv.Limit, kv.Offset)
		if err != nil {
			return nil, err
		}
		return gin.H{"entries": entries}, nil

	case "remove":
		if err := caps.KV.Remove(ctx, kv.Key); err != nil {
			return nil, err
		}
		return gin.H{"ok": true}, nil

	case "remember":
		if err := caps.Memory.Remember(ctx, kv.Key, kv.Value, kv.Scope); err != nil {
			return nil, err
		}
		return gin.H{"ok": true}, nil

	case "recall":
		value, err := caps.Memory.Recall(ctx, kv.Key, kv.Scope)
		if err != nil {
			return nil, err
		}
		return gin.H{"value": rawOrNull(value)}, nil

	case "ai":
		var aiReq ai.Request
		if len(req.Args) > 0 {
			if err := json.Unmarshal(req.Args, &aiReq); err != nil {
				return nil, err
			}
		}
		resp := caps.AI.Call(ctx, aiReq)
		sess.aiCents.Add(resp.Usage.CostCents)
		return resp, nil

	case "call":
		var ca callArgs
		if len(req.Args) > 0 {
			if err := json.Unmarshal(req.Args, &ca); err != nil {
				return nil, err
			}
		}
		out, err := caps.Apps.Call(ctx, ca.AppID, ca.FunctionName, ca.Args)
		if err != nil {
			return nil, err
		}
		return gin.H{"result": out}, nil
	}
	return nil, nil
}

// rawOrNull keeps absent values as JSON null instead of empty bytes,
// which would not survive re-encoding.
func rawOrNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

package sandbox

import (
	"context"
	"encoding/json"
)

// Permission strings attached to every invocation. They are coarse on
// purpose: the fine-grained checks all ran at admission, the engine
// only needs to know which capability families to expose.
const (
	PermMemoryRead  = "memory:read"
	PermMemoryWrite = "memory:write"
	PermAICall      = "ai:call"
	PermNetFetch    = "net:fetch"
	PermAppCall     = "app:call"
)

// DefaultPermissions is the grant handed to app code.
func DefaultPermissions() []string {
	return []string{PermMemoryRead, PermMemoryWrite, PermAICall, PermNetFetch, PermAppCall}
}

// Invocation is one function call handed to the engine.
type Invocation struct {
	ExecutionID string            `json:"execution_id"`
	AppID       string            `json:"app_id"`
	UserID      string            `json:"user_id"`
	Source      string            `json:"source"`
	Entrypoint  string            `json:"entrypoint"`
	Function    string            `json:"function"`
	Args        []any             `json:"args"`
	Permissions []string          `json:"permissions"`
	Env         map[string]string `json:"env,omitempty"`
	UpstreamDB  string            `json:"upstream_db,omitempty"`

	// Caps backs the invocation's ultralight.* calls. It never crosses
	// the wire; the engine reaches it through the capability bridge
	// keyed by ExecutionID.
	Caps *Capabilities `json:"-"`
}

// Outcome is the engine's report for one invocation.
type Outcome struct {
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Logs        []string        `json:"logs,omitempty"`
	AICostCents int64           `json:"ai_cost_cents"`
}

// Engine runs one invocation to completion. The engine owns the
// wall-clock ceiling on user code.
type Engine interface {
	Execute(ctx context.Context, inv *Invocation) (*Outcome, error)
}

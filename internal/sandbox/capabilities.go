// Package sandbox defines the execution contract between the host and
// whatever engine runs app code: the capability surface each
// invocation sees, and the gateway that frames one function call.
package sandbox

import (
	"context"
	"encoding/json"

	"github.com/ultralight-ai/mcp-host/internal/ai"
)

// KVStore is the per-user, per-app storage surface behind
// ultralight.store/load/list/query/remove.
type KVStore interface {
	Set(ctx context.Context, key string, value json.RawMessage) error
	Get(ctx context.Context, key string) (json.RawMessage, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Query(ctx context.Context, prefix string, limit, offset int) ([]KVEntry, error)
	Remove(ctx context.Context, key string) error
}

// KVEntry is one row of a Query result.
type KVEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// MemoryStore is the cross-app memory surface behind
// ultralight.remember/recall. An empty scope means the app's own
// scope; "user" is shared across every app the user touches.
type MemoryStore interface {
	Remember(ctx context.Context, key string, value json.RawMessage, scope string) error
	Recall(ctx context.Context, key, scope string) (json.RawMessage, error)
}

// InterAppCaller invokes a function of another app as the same user.
type InterAppCaller interface {
	Call(ctx context.Context, appRef, function string, args map[string]any) (json.RawMessage, error)
}

// EnvProvider hands the merged env material to the engine.
type EnvProvider interface {
	Env() map[string]string
}

// StaticEnv is an EnvProvider over a fixed map.
type StaticEnv map[string]string

func (e StaticEnv) Env() map[string]string { return e }

// Capabilities is everything one invocation may reach. The engine owns
// keeping app code inside this surface.
type Capabilities struct {
	KV     KVStore
	Memory MemoryStore
	AI     ai.Caller
	Apps   InterAppCaller
	Env    EnvProvider
}

package sandbox

import (
	"context"
	"encoding/json"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

// KVBackend is the repository slice BindKV scopes down.
type KVBackend interface {
	KVSet(ctx context.Context, appID, userID, key string, value json.RawMessage) error
	KVGet(ctx context.Context, appID, userID, key string) (json.RawMessage, error)
	KVList(ctx context.Context, appID, userID, prefix string) ([]string, error)
	KVQuery(ctx context.Context, appID, userID, prefix string, limit, offset int) ([]store.KVRow, error)
	KVDelete(ctx context.Context, appID, userID, key string) error
}

// BindKV scopes key/value storage to one (app, user) pair. App code
// never names either id; the binding fixes them before the sandbox
// starts.
func BindKV(st KVBackend, appID, userID string) KVStore {
	return &boundKV{st: st, appID: appID, userID: userID}
}

type boundKV struct {
	st     KVBackend
	appID  string
	userID string
}

func (b *boundKV) Set(ctx context.Context, key string, value json.RawMessage) error {
	return b.st.KVSet(ctx, b.appID, b.userID, key, value)
}

func (b *boundKV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return b.st.KVGet(ctx, b.appID, b.userID, key)
}

func (b *boundKV) List(ctx context.Context, prefix string) ([]string, error) {
	return b.st.KVList(ctx, b.appID, b.userID, prefix)
}

func (b *boundKV) Query(ctx context.Context, prefix string, limit, offset int) ([]KVEntry, error) {
	rows, err := b.st.KVQuery(ctx, b.appID, b.userID, prefix, limit, offset)
	if err != nil {
		return nil, err
	}
	entries := make([]KVEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, KVEntry{Key: r.Key, Value: r.Value})
	}
	return entries, nil
}

func (b *boundKV) Remove(ctx context.Context, key string) error {
	return b.st.KVDelete(ctx, b.appID, b.userID, key)
}

// MemoryBackend is the repository slice BindMemory scopes down.
type MemoryBackend interface {
	MemorySet(ctx context.Context, userID, scope, key string, value json.RawMessage) error
	MemoryGet(ctx context.Context, userID, scope, key string) (json.RawMessage, error)
}

// BindMemory scopes cross-app memory to one user. The app id supplies
// the default scope.
func BindMemory(st MemoryBackend, userID, appID string) MemoryStore {
	return &boundMemory{st: st, userID: userID, appID: appID}
}

type boundMemory struct {
	st     MemoryBackend
	userID string
	appID  string
}

// scopeOf expands the caller-facing scope names: empty and "app" mean
// this app, "user" is the cross-app pool.
func (m *boundMemory) scopeOf(scope string) string {
	if scope == "" || scope == "app" {
		return "app:" + m.appID
	}
	return scope
}

func (m *boundMemory) Remember(ctx context.Context, key string, value json.RawMessage, scope string) error {
	return m.st.MemorySet(ctx, m.userID, m.scopeOf(scope), key, value)
}

func (m *boundMemory) Recall(ctx context.Context, key, scope string) (json.RawMessage, error) {
	return m.st.MemoryGet(ctx, m.userID, m.scopeOf(scope), key)
}

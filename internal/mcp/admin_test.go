package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

func TestAdminAuthRequired(t *testing.T) {
	b := newBackend(t)
	h := newHost(t, b)

	body := `{"granted_to_user_id":"u-x","app_id":"app-1","function_name":"f"}`

	resp := h.request(http.MethodPost, "/api/permissions", "", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Equal(t, map[string]any{"error": "unauthorized"}, resp.body)

	resp = h.request(http.MethodPost, "/api/permissions", "wrong-secret", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Zero(t, b.count(http.MethodPost, "/rest/v1/app_permissions"))
}

func TestAdminGrantLifecycle(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.Visibility = "private"
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))

	var mu sync.Mutex
	granted := false
	b.handle(http.MethodGet, "/rest/v1/app_permissions", func(backendRequest) (int, string) {
		mu.Lock()
		defer mu.Unlock()
		if !granted {
			return http.StatusOK, "[]"
		}
		return http.StatusOK, permsJSON(t, store.PermissionRow{
			ID: "p1", GrantedToUserID: "u-friend", AppID: "app-1",
			FunctionName: "summarize", Allowed: true,
		})
	})
	b.handle(http.MethodPost, "/rest/v1/app_permissions", func(backendRequest) (int, string) {
		mu.Lock()
		granted = true
		mu.Unlock()
		return http.StatusCreated, "[]"
	})
	b.handle(http.MethodDelete, "/rest/v1/app_permissions", func(backendRequest) (int, string) {
		mu.Lock()
		granted = false
		mu.Unlock()
		return http.StatusOK, "[]"
	})
	h := newHost(t, b)

	bearer := callerJWT(t, "u-friend", "friend@example.com", "")
	call := callBody(t, 1, "summarize", nil)

	// Without a grant the private app is indistinguishable from absent.
	resp := h.post("app-1", bearer, call, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "App not found", resp.errorMessage(t))

	resp = h.request(http.MethodPost, "/api/permissions", "admin-secret", `{
		"granted_to_user_id": "u-friend",
		"app_id": "app-1",
		"function_name": "summarize",
		"allowed": true
	}`, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, map[string]any{"ok": true}, resp.body)

	upserts := b.recorded(http.MethodPost, "/rest/v1/app_permissions")
	require.Len(t, upserts, 1)
	assert.Contains(t, upserts[0].Body, `"granted_to_user_id":"u-friend"`)
	assert.Contains(t, upserts[0].Body, `"function_name":"summarize"`)

	// The write invalidated the cached denial, so the next call sees it.
	resp = h.post("app-1", bearer, call, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.False(t, resp.isToolError(t))
	h.nextRow()

	resp = h.request(http.MethodDelete, "/api/permissions/p1?user_id=u-friend&app_id=app-1",
		"admin-secret", "", nil)
	require.Equal(t, http.StatusOK, resp.status)

	deletes := b.recorded(http.MethodDelete, "/rest/v1/app_permissions")
	require.Len(t, deletes, 1)
	assert.Equal(t, "eq.p1", deletes[0].Query.Get("id"))

	resp = h.post("app-1", bearer, call, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "App not found", resp.errorMessage(t))
	assert.Len(t, h.engine.invocations(), 1)
}

func TestAdminGrantValidation(t *testing.T) {
	b := newBackend(t)
	h := newHost(t, b)

	resp := h.request(http.MethodPost, "/api/permissions", "admin-secret",
		`{"granted_to_user_id":"u-x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.request(http.MethodDelete, "/api/permissions/p1", "admin-secret", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestAdminMintAndUseToken(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))

	var mu sync.Mutex
	insertedRow := ""
	b.handle(http.MethodPost, "/rest/v1/api_tokens", func(req backendRequest) (int, string) {
		mu.Lock()
		insertedRow = req.Body
		mu.Unlock()
		return http.StatusCreated, "[]"
	})
	b.handle(http.MethodGet, "/rest/v1/api_tokens", func(backendRequest) (int, string) {
		mu.Lock()
		defer mu.Unlock()
		if insertedRow == "" {
			return http.StatusOK, "[]"
		}
		return http.StatusOK, "[" + insertedRow + "]"
	})
	h := newHost(t, b)

	resp := h.request(http.MethodPost, "/api/tokens", "admin-secret",
		`{"user_id":"u-caller","name":"ci"}`, nil)
	require.Equal(t, http.StatusOK, resp.status)

	secret := resp.body["token"].(string)
	assert.True(t, strings.HasPrefix(secret, "ul_"))
	assert.Equal(t, secret[:8], resp.body["token_prefix"])

	mu.Lock()
	stored := insertedRow
	mu.Unlock()
	assert.Contains(t, stored, `"user_id":"u-caller"`)
	assert.Contains(t, stored, `"name":"ci"`)
	assert.NotContains(t, stored, secret, "only the hash persists")

	// The secret round-trips as a working credential.
	resp = h.post("app-1", secret, rpcBody(t, 1, "tools/list", nil), nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.NotEmpty(t, resp.result(t)["tools"])

	sum := sha256.Sum256([]byte(secret))
	lookups := b.recorded(http.MethodGet, "/rest/v1/api_tokens")
	require.NotEmpty(t, lookups)
	assert.Equal(t, "eq."+hex.EncodeToString(sum[:]), lookups[0].Query.Get("token_hash"))
}

func TestAdminMintRequiresUser(t *testing.T) {
	b := newBackend(t)
	h := newHost(t, b)

	resp := h.request(http.MethodPost, "/api/tokens", "admin-secret", `{"name":"ci"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Zero(t, b.count(http.MethodPost, "/rest/v1/api_tokens"))
}

func TestAdminCreditUser(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodPost, "/rest/v1/rpc/credit_hosting_balance",
		`{"balance_cents":1500,"hosting_suspended":false}`)
	h := newHost(t, b)

	resp := h.request(http.MethodPost, "/api/users/u-7/credit", "admin-secret",
		`{"amount_cents":500}`, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, float64(1500), resp.body["balance_cents"])

	calls := b.recorded(http.MethodPost, "/rest/v1/rpc/credit_hosting_balance")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Body, `"p_user_id":"u-7"`)
	assert.Contains(t, calls[0].Body, `"p_amount_cents":500`)

	resp = h.request(http.MethodPost, "/api/users/u-7/credit", "admin-secret",
		`{"amount_cents":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

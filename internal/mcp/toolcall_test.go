package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultralight-ai/mcp-host/internal/ratelimit"
	"github.com/ultralight-ai/mcp-host/internal/sandbox"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

func TestToolCallRunsSandbox(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.EnvVars = map[string]string{"API_URL": encryptBlob(t, "https://api.example.com")}
	a.EnvSchema = map[string]store.EnvVarSchema{"API_URL": {Scope: "universal", Required: true}}
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))
	b.respond(http.MethodGet, "/storage/v1/object/app-code/sk1/index.tsx", `export default {}`)
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "pro")
	resp := h.post("app-1", bearer, callBody(t, 1, "add_note", map[string]any{
		"text":        "buy milk",
		"_user_query": "note that I need milk",
	}), map[string]string{"Mcp-Session-Id": "sess-1"})

	require.Equal(t, http.StatusOK, resp.status)
	assert.False(t, resp.isToolError(t))
	assert.JSONEq(t, `{"echo":"add_note"}`, resp.toolText(t))
	structured := resp.result(t)["structuredContent"].(map[string]any)
	assert.Equal(t, "add_note", structured["echo"])

	inv := h.engine.lastInvocation(t)
	assert.Equal(t, "app-1", inv.AppID)
	assert.Equal(t, "u-caller", inv.UserID)
	assert.Equal(t, "add_note", inv.Function)
	assert.Equal(t, `export default {}`, inv.Source)
	assert.Equal(t, "index.tsx", inv.Entrypoint)
	assert.Equal(t, "https://api.example.com", inv.Env["API_URL"])
	assert.Equal(t, sandbox.DefaultPermissions(), inv.Permissions)
	_, err := uuid.Parse(inv.ExecutionID)
	assert.NoError(t, err)

	// Observability hints never reach app code.
	require.Len(t, inv.Args, 1)
	args := inv.Args[0].(map[string]any)
	assert.Equal(t, "buy milk", args["text"])
	_, leaked := args["_user_query"]
	assert.False(t, leaked)

	row := h.nextRow()
	assert.Equal(t, "u-caller", row.UserID)
	assert.Equal(t, "app-1", row.AppID)
	assert.Equal(t, "Notes", row.AppName)
	assert.Equal(t, "3", row.AppVersion)
	assert.Equal(t, "add_note", row.FunctionName)
	assert.Equal(t, "tools/call", row.Method)
	assert.True(t, row.Success)
	assert.Equal(t, "pro", row.Tier)
	assert.JSONEq(t, `{"text":"buy milk"}`, string(row.InputArgs))
	assert.JSONEq(t, `{"echo":"add_note"}`, row.Output)
	assert.Equal(t, "note that I need milk", row.UserQuery)
	assert.Equal(t, "sess-1", row.SessionID)
	assert.Equal(t, int64(1), row.SequenceNumber)
	assert.Greater(t, row.ResponseBytes, int64(0))
	assert.Zero(t, row.ChargeCents)
}

func TestToolCallInvalidParams(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")

	resp := h.post("app-1", bearer, rpcBody(t, 1, "tools/call", map[string]any{"arguments": map[string]any{}}), nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, CodeInvalidParams, resp.errorCode(t))
	assert.Equal(t, "Invalid params: tool name required", resp.errorMessage(t))

	resp = h.post("app-1", bearer, rpcBody(t, 2, "tools/call", "bogus"), nil)
	assert.Equal(t, CodeInvalidParams, resp.errorCode(t))
	assert.Equal(t, "Invalid params", resp.errorMessage(t))
}

func TestToolCallUnknownTool(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "does_not_exist", nil), nil)

	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, CodeInvalidParams, resp.errorCode(t))
	assert.Equal(t, "Unknown tool: does_not_exist", resp.errorMessage(t))
	assert.Empty(t, h.engine.invocations())
}

func TestToolCallSandboxFailure(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b, func(cfg *hostConfig) {
		cfg.run = func(inv *sandbox.Invocation) (*sandbox.Outcome, error) {
			return &sandbox.Outcome{Success: false, Error: "TypeError: boom"}, nil
		}
	})

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil), nil)

	// App failures are tool results, not protocol errors.
	require.Equal(t, http.StatusOK, resp.status)
	assert.True(t, resp.isToolError(t))
	assert.Equal(t, "TypeError: boom", resp.toolText(t))

	row := h.nextRow()
	assert.False(t, row.Success)
	assert.Equal(t, "TypeError: boom", row.Error)
	assert.Zero(t, row.ChargeCents)
	assert.Zero(t, b.count(http.MethodPost, "/rest/v1/rpc/transfer_balance"),
		"failed calls are never settled")
}

func TestToolCallEngineTransportFailure(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b, func(cfg *hostConfig) {
		cfg.run = func(inv *sandbox.Invocation) (*sandbox.Outcome, error) {
			return nil, errors.New("connection refused")
		}
	})

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "add_note", nil), nil)

	require.Equal(t, http.StatusOK, resp.status)
	assert.True(t, resp.isToolError(t))
	assert.Equal(t, "execution failed: connection refused", resp.toolText(t))
}

func TestToolCallChargesCaller(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	b.respond(http.MethodPost, "/rest/v1/rpc/transfer_balance",
		`[{"from_balance_cents":95,"to_balance_cents":5}]`)
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil), nil)

	require.Equal(t, http.StatusOK, resp.status)
	assert.False(t, resp.isToolError(t))

	transfers := b.recorded(http.MethodPost, "/rest/v1/rpc/transfer_balance")
	require.Len(t, transfers, 1)
	assert.Contains(t, transfers[0].Body, `"p_from_user_id":"u-caller"`)
	assert.Contains(t, transfers[0].Body, `"p_to_user_id":"u-owner"`)
	assert.Contains(t, transfers[0].Body, `"p_amount_cents":5`)

	row := h.nextRow()
	assert.Equal(t, int64(5), row.ChargeCents)

	// The audit transfer row lands asynchronously.
	require.Eventually(t, func() bool {
		return b.count(http.MethodPost, "/rest/v1/balance_transfers") == 1
	}, 2*time.Second, 10*time.Millisecond)
	audit := b.recorded(http.MethodPost, "/rest/v1/balance_transfers")[0]
	assert.Contains(t, audit.Body, `"amount_cents":5`)
	assert.Contains(t, audit.Body, `"function_name":"summarize"`)
}

func TestToolCallInsufficientBalance(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	b.respond(http.MethodPost, "/rest/v1/rpc/transfer_balance", `[]`)
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil), nil)

	require.Equal(t, http.StatusOK, resp.status)
	assert.True(t, resp.isToolError(t))
	assert.Equal(t,
		"Insufficient balance. This tool costs 5¢ per call. Top up your balance to continue.",
		resp.toolText(t))

	// Execution already happened; only the charge is withheld.
	assert.Len(t, h.engine.invocations(), 1)
	row := h.nextRow()
	assert.True(t, row.Success)
	assert.Zero(t, row.ChargeCents)
	assert.Zero(t, b.count(http.MethodPost, "/rest/v1/balance_transfers"))
}

func TestToolCallOwnerIsNeverCharged(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-owner", "owner@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil), nil)

	require.Equal(t, http.StatusOK, resp.status)
	assert.False(t, resp.isToolError(t))
	assert.Zero(t, b.count(http.MethodPost, "/rest/v1/rpc/transfer_balance"))

	row := h.nextRow()
	assert.Zero(t, row.ChargeCents)
}

func TestToolCallSettlementTransportFailure(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	b.handle(http.MethodPost, "/rest/v1/rpc/transfer_balance", func(backendRequest) (int, string) {
		return http.StatusInternalServerError, `{"message":"db down"}`
	})
	h := newHost(t, b)

	// A broken ledger lets the call through unbilled rather than
	// failing work that already ran.
	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil), nil)

	require.Equal(t, http.StatusOK, resp.status)
	assert.False(t, resp.isToolError(t))
	row := h.nextRow()
	assert.True(t, row.Success)
	assert.Zero(t, row.ChargeCents)
}

func TestTokenFunctionScopeDeniesCall(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	b.respond(http.MethodGet, "/rest/v1/api_tokens", `[{
		"id": "tok-fn",
		"user_id": "u-caller",
		"token_hash": "irrelevant-for-stub",
		"token_prefix": "ul_fn___",
		"function_names": ["add_note"]
	}]`)
	h := newHost(t, b)

	resp := h.post("app-1", "ul_function_scoped", callBody(t, 1, "summarize", nil), nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, CodePermission, resp.errorCode(t))
	assert.Equal(t, "Permission denied: API token scope does not allow summarize", resp.errorMessage(t))
	assert.Empty(t, h.engine.invocations())

	resp = h.post("app-1", "ul_function_scoped", callBody(t, 2, "add_note", nil), nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.False(t, resp.isToolError(t))
	assert.Len(t, h.engine.invocations(), 1)
	h.nextRow()
}

func TestGrantFunctionDenied(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.Visibility = "private"
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))
	b.respond(http.MethodGet, "/rest/v1/app_permissions", permsJSON(t,
		store.PermissionRow{ID: "p1", GrantedToUserID: "u-friend", AppID: "app-1", FunctionName: "add_note", Allowed: true},
	))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-friend", "friend@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil), nil)

	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, CodePermission, resp.errorCode(t))
	assert.Equal(t, "Permission denied: function not granted", resp.errorMessage(t))
	assert.Empty(t, h.engine.invocations())
}

func TestIPConstraint(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.Visibility = "private"
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))
	b.respond(http.MethodGet, "/rest/v1/app_permissions", permsJSON(t,
		store.PermissionRow{
			ID: "p1", GrantedToUserID: "u-friend", AppID: "app-1",
			FunctionName: "summarize", Allowed: true,
			AllowedIPs: []string{"10.0.0.0/8"},
		},
	))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-friend", "friend@example.com", "")

	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil),
		map[string]string{"X-Forwarded-For": "11.0.0.1"})
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, CodePermission, resp.errorCode(t))
	assert.Equal(t, "Permission denied: IP 11.0.0.1 not in allowlist", resp.errorMessage(t))
	assert.Empty(t, h.engine.invocations())

	resp = h.post("app-1", bearer, callBody(t, 2, "summarize", nil),
		map[string]string{"X-Forwarded-For": "10.1.2.3"})
	require.Equal(t, http.StatusOK, resp.status)
	assert.Len(t, h.engine.invocations(), 1)
	h.nextRow()
}

func TestBudgetExhaustion(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.Visibility = "private"
	budget := int64(2)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))
	b.respond(http.MethodGet, "/rest/v1/app_permissions", permsJSON(t,
		store.PermissionRow{
			ID: "p1", GrantedToUserID: "u-friend", AppID: "app-1",
			FunctionName: "summarize", Allowed: true,
			BudgetLimit: &budget, BudgetUsed: 1,
		},
	))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-friend", "friend@example.com", "")

	resp := h.post("app-1", bearer, callBody(t, 1, "summarize", nil), nil)
	require.Equal(t, http.StatusOK, resp.status)
	h.nextRow()

	// The consumed unit is persisted off the request path.
	require.Eventually(t, func() bool {
		return b.count(http.MethodPatch, "/rest/v1/app_permissions") == 1
	}, 2*time.Second, 10*time.Millisecond)
	patch := b.recorded(http.MethodPatch, "/rest/v1/app_permissions")[0]
	assert.Equal(t, "eq.p1", patch.Query.Get("id"))
	assert.Contains(t, patch.Body, `"budget_used":2`)

	// The cached snapshot already reflects the spend.
	resp = h.post("app-1", bearer, callBody(t, 2, "summarize", nil), nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, "Permission denied: budget exhausted", resp.errorMessage(t))
	assert.Len(t, h.engine.invocations(), 1)
}

func TestAppMinuteRateLimit(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.RateLimitConfig = &store.RateLimitConfig{CallsPerMinute: 2}
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	for i := 0; i < 2; i++ {
		resp := h.post("app-1", bearer, callBody(t, i+1, "add_note", nil), nil)
		require.Equal(t, http.StatusOK, resp.status)
		h.nextRow()
	}

	resp := h.post("app-1", bearer, callBody(t, 3, "add_note", nil), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.status)
	assert.Equal(t, CodeRateLimited, resp.errorCode(t))
	data := resp.errorData(t)
	assert.Equal(t, ratelimit.ScopeAppMinute, data["scope"])
	assert.Equal(t, float64(2), data["limit"])
	assert.Len(t, h.engine.invocations(), 2)

	// The author's own traffic bypasses the author's caps.
	owner := callerJWT(t, "u-owner", "owner@example.com", "")
	for i := 0; i < 3; i++ {
		resp := h.post("app-1", owner, callBody(t, i+4, "add_note", nil), nil)
		require.Equal(t, http.StatusOK, resp.status)
		h.nextRow()
	}
}

func TestMissingSecretsFailure(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.EnvSchema = map[string]store.EnvVarSchema{
		"SLACK_TOKEN":  {Scope: "per_user", Required: true},
		"GITHUB_TOKEN": {Scope: "per_user", Required: true},
	}
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "add_note", nil), nil)

	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, CodeMissingSecrets, resp.errorCode(t))
	assert.Equal(t, "Missing required secrets", resp.errorMessage(t))

	data := resp.errorData(t)
	assert.Equal(t, "MISSING_SECRETS", data["type"])
	assert.Equal(t, []any{"GITHUB_TOKEN", "SLACK_TOKEN"}, data["missing_secrets"])
	assert.Equal(t, h.base+"/a/app-1/connect", data["connect_url"])
	assert.Empty(t, h.engine.invocations())
}

func TestPerUserSecretsReachSandbox(t *testing.T) {
	b := newBackend(t)
	a := defaultApp()
	a.EnvVars = map[string]string{"SHARED_KEY": encryptBlob(t, "universal-value")}
	a.EnvSchema = map[string]store.EnvVarSchema{
		"SHARED_KEY":   {Scope: "universal"},
		"GITHUB_TOKEN": {Scope: "per_user", Required: true},
	}
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, a))
	b.respond(http.MethodGet, "/rest/v1/user_secrets", fmt.Sprintf(`[
		{"user_id":"u-caller","app_id":"app-1","key":"GITHUB_TOKEN","value_encrypted":%q},
		{"user_id":"u-caller","app_id":"app-1","key":"SHARED_KEY","value_encrypted":%q}
	]`, encryptBlob(t, "ghp_secret"), encryptBlob(t, "per-user-override")))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "add_note", nil), nil)

	require.Equal(t, http.StatusOK, resp.status)
	inv := h.engine.lastInvocation(t)
	assert.Equal(t, "ghp_secret", inv.Env["GITHUB_TOKEN"])
	assert.Equal(t, "per-user-override", inv.Env["SHARED_KEY"],
		"per-user values shadow universal ones")
	h.nextRow()
}

func TestSessionSequenceNumbers(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b)

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	hdrs := map[string]string{"Mcp-Session-Id": "sess-9"}

	h.post("app-1", bearer, callBody(t, 1, "add_note", nil), hdrs)
	h.post("app-1", bearer, callBody(t, 2, "add_note", nil), hdrs)
	// The hint can also ride as an argument instead of the header.
	h.post("app-1", bearer, callBody(t, 3, "add_note", map[string]any{
		"_session_id": "sess-9",
	}), nil)

	for want := int64(1); want <= 3; want++ {
		row := h.nextRow()
		assert.Equal(t, "sess-9", row.SessionID)
		assert.Equal(t, want, row.SequenceNumber)
	}
}

func TestComputeCentsMetered(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b, func(cfg *hostConfig) {
		cfg.computeCentsPerSec = 1000
		cfg.run = func(inv *sandbox.Invocation) (*sandbox.Outcome, error) {
			time.Sleep(50 * time.Millisecond)
			return &sandbox.Outcome{Success: true, Result: []byte(`"ok"`)}, nil
		}
	})

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "add_note", nil), nil)
	require.Equal(t, http.StatusOK, resp.status)

	row := h.nextRow()
	assert.GreaterOrEqual(t, row.DurationMS, int64(50))
	assert.GreaterOrEqual(t, row.ComputeCents, int64(50))
	assert.Less(t, row.ComputeCents, int64(5000))
}

func TestAICostCentsFlowIntoLog(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	h := newHost(t, b, func(cfg *hostConfig) {
		cfg.run = func(inv *sandbox.Invocation) (*sandbox.Outcome, error) {
			return &sandbox.Outcome{Success: true, Result: []byte(`"done"`), AICostCents: 7}, nil
		}
	})

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "add_note", nil), nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "done", resp.toolText(t))

	row := h.nextRow()
	assert.Equal(t, int64(7), row.AICostCents)
}

func TestOutputTruncatedInLog(t *testing.T) {
	b := newBackend(t)
	b.respond(http.MethodGet, "/rest/v1/apps", appsJSON(t, defaultApp()))
	big := strings.Repeat("x", maxLoggedOutput+500)
	h := newHost(t, b, func(cfg *hostConfig) {
		cfg.run = func(inv *sandbox.Invocation) (*sandbox.Outcome, error) {
			raw, _ := json.Marshal(big)
			return &sandbox.Outcome{Success: true, Result: raw}, nil
		}
	})

	bearer := callerJWT(t, "u-caller", "caller@example.com", "")
	resp := h.post("app-1", bearer, callBody(t, 1, "add_note", nil), nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Len(t, resp.toolText(t), len(big), "the client sees the full output")

	row := h.nextRow()
	assert.Len(t, row.Output, maxLoggedOutput)
	assert.Greater(t, row.ResponseBytes, int64(maxLoggedOutput),
		"response accounting covers the untruncated envelope")
}

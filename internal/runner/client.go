// Package runner talks to the sandbox runner service. The client
// submits invocations over HTTP; the bridge serves the capability
// callbacks the runner makes while app code is executing.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/sandbox"
)

// executeTimeout sits above the runner's own ceiling on user code so
// the runner, not this client, decides when an execution is dead.
const executeTimeout = 360 * time.Second

// Client is an authenticated runner REST client implementing
// sandbox.Engine.
type Client struct {
	baseURL     string
	adminKey    string
	callbackURL string
	bridge      *Bridge
	http        *http.Client
	log         *zap.Logger
}

// NewClient wires a runner client. callbackURL is the externally
// reachable base of this host, where the runner posts capability
// calls.
func NewClient(baseURL, adminKey, callbackURL string, bridge *Bridge, log *zap.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		adminKey:    adminKey,
		callbackURL: strings.TrimRight(callbackURL, "/"),
		bridge:      bridge,
		http:        &http.Client{Timeout: executeTimeout},
		log:         log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.adminKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

type executeRequest struct {
	ExecutionID   string            `json:"execution_id"`
	AppID         string            `json:"app_id"`
	UserID        string            `json:"user_id"`
	Source        string            `json:"source"`
	Entrypoint    string            `json:"entrypoint"`
	Function      string            `json:"function"`
	Args          []any             `json:"args"`
	Permissions   []string          `json:"permissions"`
	Env           map[string]string `json:"env,omitempty"`
	UpstreamDB    string            `json:"upstream_db,omitempty"`
	CapabilityURL string            `json:"capability_url"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
	Logs    []string        `json:"logs"`
}

// Execute ships one invocation to the runner and blocks until it
// reports back. For the duration, the invocation's capabilities are
// registered on the bridge under its execution id; AI spend recorded
// there is folded into the outcome, since the sandbox itself never
// sees prices.
func (c *Client) Execute(ctx context.Context, inv *sandbox.Invocation) (*sandbox.Outcome, error) {
	sess := c.bridge.Register(inv.ExecutionID, inv.Caps)
	defer c.bridge.Release(inv.ExecutionID)

	resp, err := c.do(ctx, http.MethodPost, "/api/execute", executeRequest{
		ExecutionID:   inv.ExecutionID,
		AppID:         inv.AppID,
		UserID:        inv.UserID,
		Source:        inv.Source,
		Entrypoint:    inv.Entrypoint,
		Function:      inv.Function,
		Args:          inv.Args,
		Permissions:   inv.Permissions,
		Env:           inv.Env,
		UpstreamDB:    inv.UpstreamDB,
		CapabilityURL: c.callbackURL + "/internal/capability/" + inv.ExecutionID,
	})
	if err != nil {
		return nil, fmt.Errorf("runner execute: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner execute %s: status %d", inv.ExecutionID, resp.StatusCode)
	}
	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("runner execute %s: decode: %w", inv.ExecutionID, err)
	}

	return &sandbox.Outcome{
		Success:     out.Success,
		Result:      out.Result,
		Error:       out.Error,
		Logs:        out.Logs,
		AICostCents: sess.AICostCents(),
	}, nil
}

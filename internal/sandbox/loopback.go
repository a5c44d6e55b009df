package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ResolveApp turns an app reference, either a UUID or "owner/slug",
// into an app id.
type ResolveApp func(ctx context.Context, ref string) (string, error)

// LoopbackCaller implements InterAppCaller by issuing a JSON-RPC
// tools/call back into this host. It re-presents the caller's bearer,
// so the target app sees the same user and the full admission chain
// runs again for the target.
type LoopbackCaller struct {
	http    *http.Client
	baseURL string
	bearer  string
	resolve ResolveApp
}

func NewLoopbackCaller(client *http.Client, baseURL, bearer string, resolve ResolveApp) *LoopbackCaller {
	return &LoopbackCaller{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
		bearer:  bearer,
		resolve: resolve,
	}
}

type loopbackResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent"`
	IsError           bool            `json:"isError"`
}

type loopbackResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (l *LoopbackCaller) Call(ctx context.Context, appRef, function string, args map[string]any) (json.RawMessage, error) {
	appID, err := l.resolve(ctx, appRef)
	if err != nil {
		return nil, fmt.Errorf("resolve app %q: %w", appRef, err)
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": function, "arguments": args},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/mcp/"+appID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.bearer)

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call app %q: %w", appRef, err)
	}
	defer resp.Body.Close()

	var rpc loopbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("call app %q: decode response: %w", appRef, err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("call app %q: %s", appRef, rpc.Error.Message)
	}

	var result loopbackResult
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		return nil, fmt.Errorf("call app %q: decode result: %w", appRef, err)
	}
	if result.IsError {
		if len(result.Content) > 0 {
			return nil, fmt.Errorf("app %q returned error: %s", appRef, result.Content[0].Text)
		}
		return nil, fmt.Errorf("app %q returned error", appRef)
	}

	// Prefer the structured form; fall back to the text content
	// re-encoded as a JSON string.
	if len(result.StructuredContent) > 0 {
		return result.StructuredContent, nil
	}
	if len(result.Content) > 0 {
		return json.Marshal(result.Content[0].Text)
	}
	return json.RawMessage("null"), nil
}

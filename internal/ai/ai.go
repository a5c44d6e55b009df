// Package ai binds the ultralight.ai capability to the caller's own
// model provider. Keys are bring-your-own: the platform never fronts
// inference costs, it only meters what the provider reports.
package ai

import (
	"context"
	"encoding/json"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request mirrors the argument object of an ultralight.ai call.
type Request struct {
	Messages    []Message         `json:"messages"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
}

// Usage is the metered footprint of one completion. CostCents is what
// the provider reported, rounded up to a whole cent.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CostCents    int64 `json:"cost_cents"`
}

// Response is what app code receives. Failures ride in Error so a
// misconfigured key degrades a single capability instead of killing
// the whole execution.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
	Error   string `json:"error,omitempty"`
}

// Caller executes one chat completion.
type Caller interface {
	Call(ctx context.Context, req Request) Response
}

// Unconfigured is bound when the caller has no usable provider key.
type Unconfigured struct{}

func (Unconfigured) Call(context.Context, Request) Response {
	return Response{Error: "BYOK not configured"}
}

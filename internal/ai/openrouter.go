package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"
)

const defaultModel = "openai/gpt-4o-mini"

// OpenRouter speaks the OpenAI-compatible chat completions API. All
// stored provider names route here; OpenRouter proxies the upstream
// vendors, so legacy "openai" and "anthropic" keys keep working.
type OpenRouter struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenRouter builds a caller for one user's key.
func NewOpenRouter(baseURL, apiKey string) *OpenRouter {
	return &OpenRouter{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

type orRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	Usage       orUsageOpts       `json:"usage"`
}

// orUsageOpts asks OpenRouter to include the dollar cost in the usage
// block of the response.
type orUsageOpts struct {
	Include bool `json:"include"`
}

type orResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64   `json:"prompt_tokens"`
		CompletionTokens int64   `json:"completion_tokens"`
		Cost             float64 `json:"cost"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (o *OpenRouter) Call(ctx context.Context, req Request) Response {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	payload, err := json.Marshal(orRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
		Usage:       orUsageOpts{Include: true},
	})
	if err != nil {
		return Response{Error: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{Error: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return Response{Error: fmt.Sprintf("ai request failed: %v", err)}
	}
	defer resp.Body.Close()

	var out orResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{Error: fmt.Sprintf("decode response (status %d): %v", resp.StatusCode, err)}
	}
	if out.Error != nil {
		return Response{Error: out.Error.Message, Model: out.Model}
	}
	if resp.StatusCode != http.StatusOK {
		return Response{Error: fmt.Sprintf("provider returned status %d", resp.StatusCode)}
	}
	if len(out.Choices) == 0 {
		return Response{Error: "provider returned no choices", Model: out.Model}
	}

	return Response{
		Content: out.Choices[0].Message.Content,
		Model:   out.Model,
		Usage: Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			CostCents:    costCents(out.Usage.Cost),
		},
	}
}

// costCents rounds a dollar cost up to whole cents so sub-cent calls
// still register against the caller's spend.
func costCents(dollars float64) int64 {
	if dollars <= 0 {
		return 0
	}
	return int64(math.Ceil(dollars * 100))
}

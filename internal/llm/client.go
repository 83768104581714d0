// Package llm defines the model client interface and the provider adapters
// that talk to OpenAI-compatible chat completion back-ends.
//
// Two wire styles are supported: a plain OpenAI chat completion endpoint
// and the envelope endpoint, which wraps the same request in
// {chat_id, session_data, timestamp}. Both answer with an OpenAI-shaped
// completion. Streaming is never used.
package llm

import (
	"context"

	"github.com/soyeahso/switchboard/internal/domain"
)

// Request is the input to a Complete call.
type Request struct {
	ChatID      domain.ChatID           `json:"chat_id"`
	Model       string                  `json:"model"`
	Messages    []domain.Turn           `json:"messages"`
	Tools       []domain.ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
}

// Response is one assistant message returned by a provider.
type Response struct {
	Content      string                   `json:"content"`
	ToolCalls    []domain.ToolCallRequest `json:"tool_calls,omitempty"`
	Usage        Usage                    `json:"usage"`
	Model        string                   `json:"model,omitempty"`
	FinishReason string                   `json:"finish_reason,omitempty"`
}

// Turn returns the assistant turn recorded for this response.
func (r *Response) Turn() domain.Turn {
	t := domain.AssistantTurn(r.Content)
	t.ToolCalls = r.ToolCalls
	return t
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Client is the interface every provider implements.
type Client interface {
	// Complete sends a request and returns the full assistant message.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider name from configuration.
	Name() string
}

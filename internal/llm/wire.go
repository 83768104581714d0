package llm

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
)

// Envelope is the body posted to envelope providers.
type Envelope struct {
	ChatID      domain.ChatID `json:"chat_id"`
	SessionData SessionData   `json:"session_data"`
	Timestamp   time.Time     `json:"timestamp"`
}

// SessionData carries the completion request inside an Envelope.
type SessionData struct {
	Model       string        `json:"model"`
	Messages    []WireMessage `json:"messages"`
	Tools       []WireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// WireMessage is an OpenAI chat message.
type WireMessage struct {
	Role       string         `json:"role"`
	Content    domain.Content `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
}

// WireToolCall is an OpenAI tool call.
type WireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function WireFunctionCall `json:"function"`
}

// WireFunctionCall names the function and its JSON-encoded arguments.
type WireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// WireTool is an OpenAI function tool definition.
type WireTool struct {
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

// WireFunction describes a callable function.
type WireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Completion is the OpenAI chat completion response shape.
type Completion struct {
	ID      string     `json:"id,omitempty"`
	Model   string     `json:"model,omitempty"`
	Choices []Choice   `json:"choices"`
	Usage   Usage      `json:"usage"`
	Error   *WireError `json:"error,omitempty"`
}

// Choice is one completion candidate.
type Choice struct {
	Index        int         `json:"index"`
	Message      WireMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// WireError is the error object some back-ends return with a 200.
type WireError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// NewEnvelope wraps req for an envelope provider.
func NewEnvelope(req Request, now time.Time) Envelope {
	return Envelope{
		ChatID: req.ChatID,
		SessionData: SessionData{
			Model:       req.Model,
			Messages:    WireMessages(req.Messages),
			Tools:       WireTools(req.Tools),
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		},
		Timestamp: now,
	}
}

// WireMessages converts conversation turns to chat messages.
func WireMessages(turns []domain.Turn) []WireMessage {
	out := make([]WireMessage, 0, len(turns))
	for _, t := range turns {
		m := WireMessage{
			Role:       string(t.Role),
			Content:    t.Content,
			Name:       t.Name,
			ToolCallID: t.ToolCallID,
		}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, WireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: WireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, m)
	}
	return out
}

// WireTools converts tool definitions to function tools.
func WireTools(defs []domain.ToolDefinition) []WireTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]WireTool, len(defs))
	for i, d := range defs {
		out[i] = WireTool{
			Type: "function",
			Function: WireFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}

// Response extracts the first choice. A completion without choices is a
// provider error.
func (c *Completion) Response(provider string) (*Response, error) {
	if c.Error != nil {
		return nil, &ProviderError{Provider: provider, Message: c.Error.Message}
	}
	if len(c.Choices) == 0 {
		return nil, &ProviderError{Provider: provider, Message: "completion has no choices"}
	}
	ch := c.Choices[0]
	resp := &Response{
		Content:      strings.TrimSpace(ch.Message.Content.PlainText()),
		Usage:        c.Usage,
		Model:        c.Model,
		FinishReason: ch.FinishReason,
	}
	for _, tc := range ch.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, domain.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
)

// OpenAIClient talks to any OpenAI-compatible /v1/chat/completions
// endpoint (LM Studio, vLLM, llama.cpp server, OpenAI itself).
type OpenAIClient struct {
	name   string
	client *openai.Client
	log    *logging.Logger
}

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	Name    string
	BaseURL string // host root; "/v1" is appended when missing
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
}

// NewOpenAIClient builds a client from opts.
func NewOpenAIClient(opts OpenAIOptions, log *logging.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		base := strings.TrimRight(opts.BaseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		cfg.BaseURL = base
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	hc := &http.Client{Timeout: opts.Timeout}
	if len(opts.Headers) > 0 {
		hc.Transport = headerTransport{headers: opts.Headers, next: http.DefaultTransport}
	}
	cfg.HTTPClient = hc
	return &OpenAIClient{
		name:   opts.Name,
		client: openai.NewClientWithConfig(cfg),
		log:    log.Sub("llm." + opts.Name),
	}
}

func (c *OpenAIClient) Name() string { return c.name }

// Complete sends a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  toOpenAIMessages(req.Messages),
		Tools:     toOpenAITools(req.Tools),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: c.name, Message: "completion has no choices"}
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.log.Debug().
		Str("chatId", req.ChatID.String()).
		Str("model", out.Model).
		Int("toolCalls", len(out.ToolCalls)).
		Dur("duration", time.Since(start)).
		Msg("chat completion")
	return out, nil
}

func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: c.name, Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &ProviderError{Provider: c.name, Code: reqErr.HTTPStatusCode, Message: msg}
	}
	return &ProviderError{Provider: c.name, Message: err.Error()}
}

func toOpenAIMessages(turns []domain.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		m := openai.ChatCompletionMessage{
			Role:       string(t.Role),
			Name:       t.Name,
			ToolCallID: t.ToolCallID,
		}
		if t.Content.IsMulti() {
			for _, p := range t.Content.Parts {
				switch p.Type {
				case domain.PartText:
					m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case domain.PartImageURL:
					if p.ImageURL == nil {
						continue
					}
					m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    p.ImageURL.URL,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
			}
		} else {
			m.Content = t.Content.Text
		}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

func toOpenAITools(defs []domain.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if len(params) == 0 || !json.Valid(params) {
			params = emptyObjectSchema
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}

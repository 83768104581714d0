package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/soyeahso/switchboard/internal/logging"
)

// EnvelopeClient posts the envelope body to a provider endpoint and reads
// an OpenAI-shaped completion back.
type EnvelopeClient struct {
	name string
	url  string
	http *resty.Client
	now  func() time.Time
	log  *logging.Logger
}

// EnvelopeOptions configures an EnvelopeClient.
type EnvelopeOptions struct {
	Name    string
	URL     string
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
}

// NewEnvelopeClient creates a resty-backed envelope client.
func NewEnvelopeClient(opts EnvelopeOptions, log *logging.Logger) *EnvelopeClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	http := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeaders(opts.Headers).
		SetTimeout(opts.Timeout)
	if opts.APIKey != "" {
		http.SetAuthToken(opts.APIKey)
	}
	return &EnvelopeClient{
		name: opts.Name,
		url:  strings.TrimRight(opts.URL, "/"),
		http: http,
		now:  time.Now,
		log:  log.Sub("llm." + opts.Name),
	}
}

func (c *EnvelopeClient) Name() string { return c.name }

// Complete posts the envelope and parses the first choice.
func (c *EnvelopeClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var completion Completion
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(NewEnvelope(req, c.now())).
		SetResult(&completion).
		Post(c.url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, &ProviderError{Provider: c.name, Message: err.Error()}
	}
	if resp.IsError() {
		return nil, &ProviderError{
			Provider: c.name,
			Code:     resp.StatusCode(),
			Message:  errorBody(resp.Body()),
		}
	}
	out, err := completion.Response(c.name)
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	c.log.Debug().
		Str("chatId", req.ChatID.String()).
		Str("model", out.Model).
		Int("toolCalls", len(out.ToolCalls)).
		Dur("duration", resp.Time()).
		Msg("envelope completion")
	return out, nil
}

// errorBody pulls a readable message out of an error response.
func errorBody(body []byte) string {
	var wrapped struct {
		Error *WireError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

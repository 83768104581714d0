package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/soyeahso/switchboard/internal/llm"
	"github.com/soyeahso/switchboard/internal/logging"
)

// FailoverClient resolves the request's model through the provider
// registry and falls back through a fixed model list on retryable errors
// (401, 403, 429, 5xx).
type FailoverClient struct {
	registry *llm.Registry
	log      *logging.Logger

	mu        sync.RWMutex
	fallbacks []string
}

// NewFailoverClient creates a client over registry.
func NewFailoverClient(registry *llm.Registry, fallbacks []string, log *logging.Logger) *FailoverClient {
	return &FailoverClient{
		registry:  registry,
		fallbacks: fallbacks,
		log:       log.Sub("failover"),
	}
}

func (f *FailoverClient) Name() string { return "failover" }

// SetFallbacks replaces the fallback list for subsequent calls.
func (f *FailoverClient) SetFallbacks(models []string) {
	f.mu.Lock()
	f.fallbacks = slices.Clone(models)
	f.mu.Unlock()
}

// Complete tries req.Model first, then each fallback not equal to it.
func (f *FailoverClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	models := []string{req.Model}
	f.mu.RLock()
	for _, m := range f.fallbacks {
		if m != req.Model {
			models = append(models, m)
		}
	}
	f.mu.RUnlock()

	var lastErr error
	for _, model := range models {
		client, err := f.registry.Resolve(model)
		if err != nil {
			f.log.Debug().Str("model", model).Err(err).Msg("no provider for model, skipping")
			lastErr = err
			continue
		}

		req.Model = model
		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isRetryable(err) {
			return nil, err
		}
		f.log.Warn().
			Str("model", model).
			Err(err).
			Msg("retryable error, trying next model")
	}

	return nil, lastErr
}

// isRetryable checks if the error suggests trying another model.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		switch provErr.Code {
		case 401, 403, 429, 500, 502, 503, 529:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "capacity") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout")
}

package llm

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
)

// ProviderError is returned when a model provider fails.
type ProviderError struct {
	Provider string
	Message  string
	Code     int // HTTP status code (401, 429, 500, etc.)
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap lets callers match provider failures with domain.ErrModelUnavailable.
func (e *ProviderError) Unwrap() error { return domain.ErrModelUnavailable }

// Registry manages provider clients and resolves model ids to clients.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	aliases  map[string]string // model id → provider name
	fallback string            // default provider name
	log      *logging.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		aliases: make(map[string]string),
		log:     log.Sub("llm.registry"),
	}
}

// Register adds a client under the given provider name.
func (r *Registry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	r.log.Info().Str("provider", name).Msg("registered model provider")
}

// Alias maps a model id to a provider.
func (r *Registry) Alias(model, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[model] = provider
}

// SetFallback sets the provider used when no model/provider match is found.
func (r *Registry) SetFallback(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = provider
}

// Resolve returns the Client for the given model id.
// Resolution order: exact provider name → alias → fallback.
func (r *Registry) Resolve(model string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[model]; ok {
		return c, nil
	}
	if provider, ok := r.aliases[model]; ok {
		if c, ok := r.clients[provider]; ok {
			return c, nil
		}
	}
	if r.fallback != "" {
		if c, ok := r.clients[r.fallback]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no provider for model %q", domain.ErrModelUnavailable, model)
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// NewClient builds the adapter for one configured provider, bounded by
// its maxConcurrent setting.
func NewClient(name string, p config.ModelProviderEntry, log *logging.Logger) (Client, error) {
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	var c Client
	switch p.Type {
	case "", "openai":
		c = NewOpenAIClient(OpenAIOptions{
			Name:    name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Headers: p.Headers,
			Timeout: timeout,
		}, log)
	case "envelope":
		c = NewEnvelopeClient(EnvelopeOptions{
			Name:    name,
			URL:     p.BaseURL,
			APIKey:  p.APIKey,
			Headers: p.Headers,
			Timeout: timeout,
		}, log)
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", name, p.Type)
	}
	return WithLimit(c, p.MaxConcurrent), nil
}

// NewRegistryFromConfig registers every configured provider and aliases
// each catalog model to its provider. The default model's provider is the
// fallback.
func NewRegistryFromConfig(cfg config.ModelsConfig, log *logging.Logger) (*Registry, error) {
	reg := NewRegistry(log)
	for name, p := range cfg.Providers {
		c, err := NewClient(name, p, log)
		if err != nil {
			return nil, err
		}
		reg.Register(name, c)
	}
	for _, m := range cfg.Catalog {
		reg.Alias(m.ID, m.Provider)
	}
	if def, ok := cfg.Model(cfg.Default); ok {
		reg.SetFallback(def.Provider)
	}
	return reg, nil
}

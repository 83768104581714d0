package tools

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/fswatch"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/plugin"
)

// Options configures a Manager.
type Options struct {
	Dir string
	// Disabled lists qualified tool names to register switched off.
	Disabled []string
	// Builtins returns fresh builtin services for each load.
	Builtins func() []plugin.Plugin
	Hooks    *hooks.Manager
}

// Manager owns the running tool services and keeps the agent's tool
// registry in sync with them.
type Manager struct {
	opts     Options
	registry *agent.ToolRegistry
	log      *logging.Logger

	mu       sync.Mutex
	services *plugin.Registry
}

// NewManager creates a manager that publishes into registry.
func NewManager(opts Options, registry *agent.ToolRegistry, log *logging.Logger) *Manager {
	return &Manager{
		opts:     opts,
		registry: registry,
		log:      log.Sub("tools"),
	}
}

// SetDisabled replaces the disabled tool list and applies it.
func (m *Manager) SetDisabled(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Disabled = names
	m.applyDisabled()
}

// Reload discovers services, starts them and swaps the registry's tool
// set. The previous services are stopped after the swap so in-flight
// calls keep a live process as long as possible. It returns the number of
// tools registered. Services that fail to start are logged and skipped;
// the error is non-nil only when nothing could be loaded at all.
func (m *Manager) Reload(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := plugin.NewRegistry(m.opts.Hooks, m.log)
	if m.opts.Builtins != nil {
		for _, p := range m.opts.Builtins() {
			if err := next.Register(p); err != nil {
				m.log.Error().Err(err).Msg("builtin service rejected")
			}
		}
	}

	configs, discoverErr := Discover(m.opts.Dir)
	if discoverErr != nil {
		m.log.Warn().Err(discoverErr).Str("dir", m.opts.Dir).Msg("some tool manifests were skipped")
	}
	for _, cfg := range configs {
		if err := next.Register(NewService(cfg)); err != nil {
			m.log.Warn().Err(err).Str("manifest", cfg.Path).Msg("tool service skipped")
		}
	}

	initErr := next.InitAll(ctx)
	tools := next.Tools()
	if len(tools) == 0 && next.Count() > 0 && initErr != nil {
		next.CloseAll()
		return m.registry.Len(), errors.Join(discoverErr, initErr)
	}

	for _, err := range m.registry.Replace(tools) {
		m.log.Warn().Err(err).Msg("tool rejected")
	}
	m.applyDisabled()

	prev := m.services
	m.services = next
	if prev != nil {
		prev.CloseAll()
	}

	n := m.registry.Len()
	m.log.Info().
		Int("services", next.Count()).
		Int("tools", n).
		Msg("tools loaded")
	return n, nil
}

func (m *Manager) applyDisabled() {
	for _, t := range m.registry.List() {
		_ = m.registry.SetEnabled(t.Name, !slices.Contains(m.opts.Disabled, t.Name))
	}
}

// Watch reloads whenever a manifest in the tools directory changes. It
// returns once the watcher is running; watching stops with ctx.
func (m *Manager) Watch(ctx context.Context) error {
	return fswatch.Watch(ctx, fswatch.Options{
		Paths: []string{m.opts.Dir},
		Match: IsManifest,
		Log:   m.log,
	}, func() {
		m.log.Info().Str("dir", m.opts.Dir).Msg("tool manifests changed, reloading")
		if _, err := m.Reload(ctx); err != nil {
			m.log.Error().Err(err).Msg("tool reload failed")
		}
	})
}

// Services describes the currently loaded services.
func (m *Manager) Services() []plugin.PluginInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.services == nil {
		return nil
	}
	return m.services.Info()
}

// List returns the registered tools.
func (m *Manager) List() []agent.ToolInfo { return m.registry.List() }

// Registry returns the tool registry the manager publishes into.
func (m *Manager) Registry() *agent.ToolRegistry { return m.registry }

// Close stops every running service.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.services != nil {
		m.services.CloseAll()
		m.services = nil
	}
}

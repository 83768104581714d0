package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/logging"
	"golang.org/x/sync/errgroup"
)

// maxParallelInit bounds how many services start at once.
const maxParallelInit = 4

type state int

const (
	stateRegistered state = iota
	stateStarting
	stateReady
	stateFailed
)

type slot struct {
	p     Plugin
	state state
	err   error
}

// Registry manages the lifecycle of a set of tool services. Lifecycle
// and tool order follow registration order.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot
	order []string
	hooks *hooks.Manager
	log   *logging.Logger
}

func NewRegistry(hm *hooks.Manager, log *logging.Logger) *Registry {
	return &Registry{
		slots: make(map[string]*slot),
		hooks: hm,
		log:   log.Sub("plugins"),
	}
}

// Register adds a service without starting it.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, exists := r.slots[id]; exists {
		return fmt.Errorf("service already registered: %s", id)
	}
	r.slots[id] = &slot{p: p}
	r.order = append(r.order, id)
	r.log.Debug().Str("id", id).Str("name", p.Name()).Msg("service registered")
	return nil
}

// InitAll starts every service that is not running yet, a few at a time.
// A service that fails stays out of Tools and its error is joined into
// the result; the others still start.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.Lock()
	var pending []string
	for _, id := range r.order {
		if s := r.slots[id]; s.state == stateRegistered || s.state == stateFailed {
			s.state = stateStarting
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()

	errs := make([]error, len(pending))
	var g errgroup.Group
	g.SetLimit(maxParallelInit)
	for i, id := range pending {
		g.Go(func() error {
			errs[i] = r.start(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Registry) start(ctx context.Context, id string) error {
	r.mu.RLock()
	s := r.slots[id]
	r.mu.RUnlock()

	err := s.p.Init(ctx, API{Hooks: r.hooks, Log: r.log.Sub(id)})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		s.state, s.err = stateFailed, err
		r.log.Error().Err(err).Str("id", id).Msg("service failed to start")
		return fmt.Errorf("init service %s: %w", id, err)
	}
	s.state, s.err = stateReady, nil
	r.log.Info().Str("id", id).Int("tools", len(s.p.Tools())).Msg("service started")
	return nil
}

// Tools collects the tools of every running service.
func (r *Registry) Tools() []agent.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []agent.Tool
	for _, id := range r.order {
		if s := r.slots[id]; s.state == stateReady {
			out = append(out, s.p.Tools()...)
		}
	}
	return out
}

// CloseAll stops running services in reverse registration order.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range slices.Backward(r.order) {
		s := r.slots[id]
		if s.state != stateReady {
			continue
		}
		if err := s.p.Close(); err != nil {
			r.log.Error().Err(err).Str("id", id).Msg("service close error")
		}
		s.state = stateRegistered
	}
}

// Get returns a service by id, or nil.
func (r *Registry) Get(id string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[id]; ok {
		return s.p
	}
	return nil
}

// List returns the registered ids in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Info summarises every service in registration order.
func (r *Registry) Info() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]PluginInfo, 0, len(r.order))
	for _, id := range r.order {
		s := r.slots[id]
		info := PluginInfo{
			ID:      id,
			Name:    s.p.Name(),
			Version: s.p.Version(),
			Running: s.state == stateReady,
		}
		if info.Running {
			info.Tools = len(s.p.Tools())
		}
		if s.err != nil {
			info.Error = s.err.Error()
		}
		infos = append(infos, info)
	}
	return infos
}

// PluginInfo holds summary data about a service.
type PluginInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Running bool   `json:"running"`
	Tools   int    `json:"tools"`
	Error   string `json:"error,omitempty"`
}

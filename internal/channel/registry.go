// Package channel keeps the client adapters (OneBot, IRC, the gateway)
// that feed messages into switchboard, keyed by platform.
package channel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
)

// entry is a registered channel plus what the registry saw of its
// Start goroutine.
type entry struct {
	ch      domain.Channel
	running bool
	lastErr error
}

// Registry holds channels by platform id. A chat id's platform prefix
// names the channel that owns it.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry
	wg       sync.WaitGroup
	log      *logging.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*entry),
		log:      log.Sub("channels"),
	}
}

// Register adds ch. The id becomes a chat id prefix, so it must be
// non-empty, unique and free of underscores.
func (r *Registry) Register(ch domain.Channel) error {
	id := ch.ID()
	if id == "" || strings.Contains(id, "_") {
		return fmt.Errorf("invalid channel id %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[id]; exists {
		return fmt.Errorf("channel already registered: %s", id)
	}
	r.channels[id] = &entry{ch: ch}
	r.log.Info().Str("channel", id).Msg("channel registered")
	return nil
}

// Get returns the channel registered as id.
func (r *Registry) Get(id string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[id]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Owner returns the channel that produced chatID.
func (r *Registry) Owner(chatID domain.ChatID) (domain.Channel, bool) {
	return r.Get(chatID.Platform())
}

// List returns the registered ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Status reports every channel, sorted by id. Channels that do not
// report their own status get one from the registry's view of Start.
func (r *Registry) Status() []domain.ChannelStatus {
	ids := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	statuses := make([]domain.ChannelStatus, 0, len(ids))
	for _, id := range ids {
		e, ok := r.channels[id]
		if !ok {
			continue
		}
		if sc, ok := e.ch.(interface{ Status() domain.ChannelStatus }); ok {
			statuses = append(statuses, sc.Status())
			continue
		}
		st := domain.ChannelStatus{ChannelID: id, Running: e.running, Connected: e.running}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// StartAll launches every channel's Start on its own goroutine, since
// Start blocks for the channel's lifetime. Failures are logged and show
// up in Status.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.channels {
		if e.running {
			continue
		}
		e.running = true
		e.lastErr = nil
		r.wg.Add(1)
		r.log.Info().Str("channel", id).Msg("starting channel")
		go r.run(ctx, id, e)
	}
	return nil
}

func (r *Registry) run(ctx context.Context, id string, e *entry) {
	defer r.wg.Done()
	err := e.ch.Start(ctx)
	if err != nil {
		r.log.Error().Err(err).Str("channel", id).Msg("channel exited with error")
	}
	r.mu.Lock()
	e.running = false
	e.lastErr = err
	r.mu.Unlock()
}

// StopAll stops every channel concurrently, then waits for their Start
// goroutines to return or ctx to end.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	channels := make(map[string]domain.Channel, len(r.channels))
	for id, e := range r.channels {
		channels[id] = e.ch
	}
	r.mu.RUnlock()

	var stops sync.WaitGroup
	for id, ch := range channels {
		stops.Add(1)
		go func() {
			defer stops.Done()
			r.log.Info().Str("channel", id).Msg("stopping channel")
			if err := ch.Stop(ctx); err != nil {
				r.log.Error().Err(err).Str("channel", id).Msg("failed to stop channel")
			}
		}()
	}
	stops.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn().Msg("channels still running after stop")
	}
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

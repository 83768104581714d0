package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
)

type cacheEntry struct {
	chat     *ChatContext
	lastUsed time.Time
}

// CachedStore keeps recently used chats in memory in front of a backing
// Store. Writes go through to the backend first. Chats idle longer than
// the unload threshold are dropped from memory by a periodic job.
type CachedStore struct {
	backend Store
	idle    time.Duration
	now     func() time.Time
	log     *logging.Logger

	mu      sync.Mutex
	entries map[domain.ChatID]*cacheEntry

	cron *cron.Cron
}

// NewCachedStore wraps backend. idle <= 0 disables unloading.
func NewCachedStore(backend Store, idle time.Duration, log *logging.Logger) *CachedStore {
	return &CachedStore{
		backend: backend,
		idle:    idle,
		now:     time.Now,
		log:     log.Sub("history"),
		entries: make(map[domain.ChatID]*cacheEntry),
	}
}

func (s *CachedStore) Load(ctx context.Context, chatID domain.ChatID) (*ChatContext, error) {
	s.mu.Lock()
	if e, ok := s.entries[chatID]; ok {
		e.lastUsed = s.now()
		c := e.chat.Clone()
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	loaded, err := s.backend.Load(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A write may have cached a newer copy while we were loading.
	if e, ok := s.entries[chatID]; ok {
		e.lastUsed = s.now()
		return e.chat.Clone(), nil
	}
	s.entries[chatID] = &cacheEntry{chat: loaded.Clone(), lastUsed: s.now()}
	return loaded, nil
}

// write runs the backend mutation and then applies fn to the cached copy
// when one exists.
func (s *CachedStore) write(chatID domain.ChatID, backend func() error, fn func(*ChatContext)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := backend(); err != nil {
		return err
	}
	if e, ok := s.entries[chatID]; ok {
		fn(e.chat)
		e.chat.UpdatedAt = s.now()
		e.lastUsed = s.now()
	}
	return nil
}

func (s *CachedStore) AppendTurns(ctx context.Context, chatID domain.ChatID, turns ...domain.Turn) error {
	return s.write(chatID,
		func() error { return s.backend.AppendTurns(ctx, chatID, turns...) },
		func(c *ChatContext) { c.Turns = append(c.Turns, turns...) })
}

func (s *CachedStore) Retain(ctx context.Context, chatID domain.ChatID, maxUserTurns int) error {
	return s.write(chatID,
		func() error { return s.backend.Retain(ctx, chatID, maxUserTurns) },
		func(c *ChatContext) { c.Turns = Trim(c.Turns, maxUserTurns) })
}

func (s *CachedStore) SetModel(ctx context.Context, chatID domain.ChatID, model string) error {
	return s.write(chatID,
		func() error { return s.backend.SetModel(ctx, chatID, model) },
		func(c *ChatContext) { c.Model = model })
}

func (s *CachedStore) SetToolsEnabled(ctx context.Context, chatID domain.ChatID, enabled bool) error {
	return s.write(chatID,
		func() error { return s.backend.SetToolsEnabled(ctx, chatID, enabled) },
		func(c *ChatContext) { c.ToolsEnabled = &enabled })
}

func (s *CachedStore) SetCustomPrompt(ctx context.Context, chatID domain.ChatID, prompt string) error {
	return s.write(chatID,
		func() error { return s.backend.SetCustomPrompt(ctx, chatID, prompt) },
		func(c *ChatContext) { c.CustomPrompt = prompt })
}

func (s *CachedStore) Clear(ctx context.Context, chatID domain.ChatID) error {
	return s.write(chatID,
		func() error { return s.backend.Clear(ctx, chatID) },
		func(c *ChatContext) { c.Turns = nil })
}

// Unload drops chats not used within the idle threshold and returns how
// many were dropped.
func (s *CachedStore) Unload() int {
	if s.idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.lastUsed.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug().Int("unloaded", n).Int("cached", len(s.entries)).Msg("unloaded inactive chats")
	}
	return n
}

// Cached returns the number of chats held in memory.
func (s *CachedStore) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start schedules Unload every interval.
func (s *CachedStore) Start(interval time.Duration) error {
	if s.idle <= 0 || interval <= 0 {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.Unload() }); err != nil {
		return fmt.Errorf("schedule history unload: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info().Dur("interval", interval).Dur("idle", s.idle).Msg("history unload scheduled")
	return nil
}

// Stop halts the unload job and waits for a running unload to finish.
func (s *CachedStore) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

package history

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[domain.ChatID]*ChatContext
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[domain.ChatID]*ChatContext),
		now:   time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, chatID domain.ChatID) (*ChatContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.chats[chatID]; ok {
		return c.Clone(), nil
	}
	return &ChatContext{ChatID: chatID}, nil
}

// update applies fn to the chat's context, creating it if needed.
func (s *MemoryStore) update(chatID domain.ChatID, fn func(*ChatContext)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		c = &ChatContext{ChatID: chatID}
		s.chats[chatID] = c
	}
	fn(c)
	c.UpdatedAt = s.now()
}

func (s *MemoryStore) AppendTurns(_ context.Context, chatID domain.ChatID, turns ...domain.Turn) error {
	s.update(chatID, func(c *ChatContext) { c.Turns = append(c.Turns, turns...) })
	return nil
}

func (s *MemoryStore) Retain(_ context.Context, chatID domain.ChatID, maxUserTurns int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[chatID]; ok {
		c.Turns = Trim(c.Turns, maxUserTurns)
	}
	return nil
}

func (s *MemoryStore) SetModel(_ context.Context, chatID domain.ChatID, model string) error {
	s.update(chatID, func(c *ChatContext) { c.Model = model })
	return nil
}

func (s *MemoryStore) SetToolsEnabled(_ context.Context, chatID domain.ChatID, enabled bool) error {
	s.update(chatID, func(c *ChatContext) { c.ToolsEnabled = &enabled })
	return nil
}

func (s *MemoryStore) SetCustomPrompt(_ context.Context, chatID domain.ChatID, prompt string) error {
	s.update(chatID, func(c *ChatContext) { c.CustomPrompt = prompt })
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, chatID domain.ChatID) error {
	s.update(chatID, func(c *ChatContext) { c.Turns = nil })
	return nil
}

// Len returns the number of chats held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}

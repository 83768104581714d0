// Package history keeps each chat's conversation and per-chat settings
// (model, tool switch, custom prompt).
package history

import (
	"context"
	"slices"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
)

// MaxCustomPromptLen bounds a chat's custom prompt, in characters.
const MaxCustomPromptLen = 5000

// ChatContext is everything remembered about one chat.
type ChatContext struct {
	ChatID domain.ChatID `json:"chatId"`
	// Model is the chat's selected model; empty means the default.
	Model string `json:"model,omitempty"`
	// ToolsEnabled overrides the default tool switch when non-nil.
	ToolsEnabled *bool         `json:"toolsEnabled,omitempty"`
	CustomPrompt string        `json:"customPrompt,omitempty"`
	Turns        []domain.Turn `json:"turns"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Clone returns a deep enough copy for callers to mutate Turns freely.
func (c *ChatContext) Clone() *ChatContext {
	out := *c
	out.Turns = slices.Clone(c.Turns)
	if c.ToolsEnabled != nil {
		v := *c.ToolsEnabled
		out.ToolsEnabled = &v
	}
	return &out
}

// EffectiveModel returns the chat's model or def.
func (c *ChatContext) EffectiveModel(def string) string {
	if c.Model != "" {
		return c.Model
	}
	return def
}

// EffectiveTools returns the chat's tool switch or def.
func (c *ChatContext) EffectiveTools(def bool) bool {
	if c.ToolsEnabled != nil {
		return *c.ToolsEnabled
	}
	return def
}

// Store persists chat contexts. Load of an unknown chat returns an empty
// context, never an error.
type Store interface {
	Load(ctx context.Context, chatID domain.ChatID) (*ChatContext, error)
	AppendTurns(ctx context.Context, chatID domain.ChatID, turns ...domain.Turn) error
	SetModel(ctx context.Context, chatID domain.ChatID, model string) error
	SetToolsEnabled(ctx context.Context, chatID domain.ChatID, enabled bool) error
	// SetCustomPrompt stores the chat prompt; an empty prompt deletes it.
	SetCustomPrompt(ctx context.Context, chatID domain.ChatID, prompt string) error
	// Clear drops the conversation turns but keeps settings.
	Clear(ctx context.Context, chatID domain.ChatID) error
	// Retain drops stored turns that Trim with maxUserTurns would drop.
	Retain(ctx context.Context, chatID domain.ChatID, maxUserTurns int) error
}

// Trim keeps the newest maxUserTurns user turns together with every turn
// that follows them. System turns are always kept. maxUserTurns < 1 keeps
// everything.
func Trim(turns []domain.Turn, maxUserTurns int) []domain.Turn {
	if maxUserTurns < 1 {
		return turns
	}
	cut := -1
	seen := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != domain.RoleUser {
			continue
		}
		seen++
		if seen == maxUserTurns {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return turns
	}
	out := make([]domain.Turn, 0, len(turns)-cut)
	for _, t := range turns[:cut] {
		if t.Role == domain.RoleSystem {
			out = append(out, t)
		}
	}
	return append(out, turns[cut:]...)
}

// Window returns the stored turns to send ahead of a new question, so
// that together with the question at most maxUserTurns user turns reach
// the model.
func Window(turns []domain.Turn, maxUserTurns int) []domain.Turn {
	switch {
	case maxUserTurns < 1:
		return turns
	case maxUserTurns == 1:
		var out []domain.Turn
		for _, t := range turns {
			if t.Role == domain.RoleSystem {
				out = append(out, t)
			}
		}
		return out
	}
	return Trim(turns, maxUserTurns-1)
}

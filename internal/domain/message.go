package domain

import (
	"fmt"
	"time"
)

// InboundMessage is a message handed to the dispatcher by a channel.
// It is treated as immutable once enqueued.
type InboundMessage struct {
	ChatID      ChatID      `json:"chat_id"`
	Content     Content     `json:"content"`
	UserID      string      `json:"user_id,omitempty"`
	GroupID     string      `json:"group_id,omitempty"`
	SenderName  string      `json:"sender_name,omitempty"`
	MessageType MessageType `json:"message_type"`
	IsRespond   bool        `json:"is_respond"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Validate rejects messages the dispatcher cannot route.
func (m InboundMessage) Validate() error {
	if m.ChatID == "" {
		return fmt.Errorf("%w: missing chat_id", ErrMalformedMessage)
	}
	if !m.MessageType.Valid() {
		return fmt.Errorf("%w: message_type must be private or group, got %q", ErrMalformedMessage, m.MessageType)
	}
	return m.Content.Validate()
}

// OutboundMessage is a reply handed back to the originating channel.
type OutboundMessage struct {
	ChatID    ChatID    `json:"chat_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply builds an outbound message addressed to the chat m came from.
func (m InboundMessage) Reply(content string) OutboundMessage {
	return OutboundMessage{ChatID: m.ChatID, Content: content, Timestamp: time.Now()}
}

// Package domain holds the types shared by every layer of switchboard:
// chat identifiers, inbound/outbound messages, conversation turns, tool
// calls and the error taxonomy.
package domain

import (
	"fmt"
	"strings"
)

// ChatID identifies one logical conversation as platform_type_id,
// e.g. qq_private_123 or qq_group_456. The id segment may itself
// contain underscores.
type ChatID string

// MessageType distinguishes one-to-one chats from group chats.
type MessageType string

const (
	MessagePrivate MessageType = "private"
	MessageGroup   MessageType = "group"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessagePrivate || t == MessageGroup
}

// ChatRef is the parsed form of a ChatID.
type ChatRef struct {
	Platform string
	Type     MessageType
	ID       string
}

// NewChatID builds a ChatID from its parts.
func NewChatID(platform string, t MessageType, id string) ChatID {
	return ChatID(platform + "_" + string(t) + "_" + id)
}

// Parse splits a ChatID into platform, type and id.
func (c ChatID) Parse() (ChatRef, error) {
	parts := strings.SplitN(string(c), "_", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return ChatRef{}, fmt.Errorf("%w: chat id %q is not platform_type_id", ErrMalformedMessage, string(c))
	}
	ref := ChatRef{Platform: parts[0], Type: MessageType(parts[1]), ID: parts[2]}
	if !ref.Type.Valid() {
		return ChatRef{}, fmt.Errorf("%w: chat id %q has unknown type %q", ErrMalformedMessage, string(c), parts[1])
	}
	return ref, nil
}

// Platform returns the platform prefix, or "" when the id is malformed.
func (c ChatID) Platform() string {
	p, _, ok := strings.Cut(string(c), "_")
	if !ok {
		return ""
	}
	return p
}

func (c ChatID) String() string { return string(c) }

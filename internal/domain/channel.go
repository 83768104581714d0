package domain

import "context"

// ChannelStatus reports the runtime state of a channel.
type ChannelStatus struct {
	ChannelID string `json:"channelId"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

// Channel is a client adapter. Its ID doubles as the platform prefix of
// every ChatID it produces, which is how replies find their way back.
type Channel interface {
	// ID returns the platform name, e.g. "qq" or "irc".
	ID() string

	// Start connects the channel and blocks until ctx is done or the
	// connection is given up.
	Start(ctx context.Context) error

	// Stop gracefully disconnects the channel.
	Stop(ctx context.Context) error

	// Send delivers a reply to the chat named in msg.
	Send(ctx context.Context, msg OutboundMessage) error

	// OnMessage registers the inbound handler.
	OnMessage(handler func(msg InboundMessage))
}

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
)

// Platform is the chat id prefix of gateway chats: gateway_private_<connId>.
const Platform = "gateway"

// Channel exposes gateway clients as a chat platform. chat.send feeds the
// inbound side; replies are pushed to the owning connection as chat.reply
// events.
type Channel struct {
	clients *ClientRegistry

	mu      sync.RWMutex
	handler func(domain.InboundMessage)
	running bool
	stop    chan struct{}
}

func newChannel(clients *ClientRegistry) *Channel {
	return &Channel{clients: clients, stop: make(chan struct{})}
}

func (c *Channel) ID() string { return Platform }

// Start blocks until ctx is done or Stop is called.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
	case <-c.stop:
	}
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	return nil
}

func (c *Channel) OnMessage(handler func(domain.InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Channel) Status() domain.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: Platform,
		Connected: c.clients.Count() > 0,
		Running:   c.running,
	}
}

// deliver hands a message to the inbound handler. It reports false when
// nothing is wired yet.
func (c *Channel) deliver(msg domain.InboundMessage) bool {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return false
	}
	handler(msg)
	return true
}

// ChatReply is the payload of a chat.reply event.
type ChatReply struct {
	ChatID    domain.ChatID `json:"chatId"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

// Send pushes a reply to the client that owns the chat.
func (c *Channel) Send(_ context.Context, msg domain.OutboundMessage) error {
	ref, err := msg.ChatID.Parse()
	if err != nil {
		return err
	}
	if ref.Platform != Platform {
		return fmt.Errorf("gateway: chat %s belongs to %s", msg.ChatID, ref.Platform)
	}
	client, ok := c.clients.Get(ref.ID)
	if !ok {
		return fmt.Errorf("gateway: client %s is gone", ref.ID)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return client.SendEvent(EventChatReply, ChatReply{
		ChatID:    msg.ChatID,
		Content:   msg.Content,
		Timestamp: ts,
	})
}

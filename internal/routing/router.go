// Package routing connects messaging channels to the dispatcher and
// carries replies back to the channel a chat belongs to.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/switchboard/internal/channel"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
)

// Enqueuer accepts inbound messages without blocking on their processing.
type Enqueuer interface {
	Enqueue(msg domain.InboundMessage) error
}

// Router hands inbound messages to the dispatcher and routes outbound
// messages by the platform prefix of their chat id.
type Router struct {
	channels   *channel.Registry
	dispatcher Enqueuer
	hooks      *hooks.Manager
	metrics    *metrics.Metrics
	log        *logging.Logger
}

// NewRouter creates a message router. hooks and m may be nil.
func NewRouter(
	channels *channel.Registry,
	dispatcher Enqueuer,
	hooks *hooks.Manager,
	m *metrics.Metrics,
	log *logging.Logger,
) *Router {
	return &Router{
		channels:   channels,
		dispatcher: dispatcher,
		hooks:      hooks,
		metrics:    m,
		log:        log.Sub("routing"),
	}
}

// SetDispatcher sets the queue inbound messages go to. The dispatcher
// needs the router as its reply path, so one of them is wired late.
func (r *Router) SetDispatcher(d Enqueuer) { r.dispatcher = d }

// HandleInbound enqueues msg. It returns once the message is queued, so
// calling it from a channel's read loop preserves the chat's order.
// Malformed messages whose chat id is usable get a diagnostic reply.
func (r *Router) HandleInbound(ctx context.Context, msg domain.InboundMessage) {
	r.log.Debug().
		Str("chatId", msg.ChatID.String()).
		Str("userId", msg.UserID).
		Bool("respond", msg.IsRespond).
		Msg("routing inbound message")

	r.hooks.EmitAsync(ctx, hooks.EventMessageReceived, map[string]any{
		"chatId":    msg.ChatID.String(),
		"userId":    msg.UserID,
		"isRespond": msg.IsRespond,
		"content":   msg.Content.PlainText(),
	})

	if r.dispatcher == nil {
		r.log.Warn().Msg("no dispatcher configured, dropping message")
		return
	}
	err := r.dispatcher.Enqueue(msg)
	if err == nil {
		return
	}

	r.log.Warn().Err(err).Str("chatId", msg.ChatID.String()).Msg("message rejected")
	r.hooks.EmitAsync(ctx, hooks.EventMessageRejected, map[string]any{
		"chatId": msg.ChatID.String(),
		"error":  err.Error(),
	})
	if !errors.Is(err, domain.ErrMalformedMessage) {
		return
	}
	if _, perr := msg.ChatID.Parse(); perr != nil {
		return
	}
	if serr := r.Send(ctx, msg.Reply(domain.UserMessage(err))); serr != nil {
		r.log.Warn().Err(serr).Str("chatId", msg.ChatID.String()).Msg("diagnostic reply failed")
	}
}

// Send delivers out through the channel owning its chat id.
func (r *Router) Send(ctx context.Context, out domain.OutboundMessage) error {
	platform := out.ChatID.Platform()
	ch, ok := r.channels.Owner(out.ChatID)
	if !ok {
		err := fmt.Errorf("no channel for chat %s", out.ChatID)
		r.metrics.Outbound(platform, err)
		return err
	}
	err := ch.Send(ctx, out)
	r.metrics.Outbound(platform, err)
	if err != nil {
		return fmt.Errorf("send via %s: %w", platform, err)
	}
	r.log.Debug().
		Str("chatId", out.ChatID.String()).
		Int("length", len(out.Content)).
		Msg("reply sent")
	return nil
}

// SendTo sends text to chatID.
func (r *Router) SendTo(ctx context.Context, chatID domain.ChatID, text string) error {
	if _, err := chatID.Parse(); err != nil {
		return err
	}
	return r.Send(ctx, domain.OutboundMessage{ChatID: chatID, Content: text})
}

// Wire registers HandleInbound as the message handler of every channel
// currently registered.
func (r *Router) Wire() {
	for _, id := range r.channels.List() {
		ch, ok := r.channels.Get(id)
		if !ok {
			continue
		}
		ch.OnMessage(func(msg domain.InboundMessage) {
			r.HandleInbound(context.Background(), msg)
		})
		r.log.Debug().Str("channel", id).Msg("wired message handler")
	}
}

// Package irc implements the IRC client adapter using the girc library.
// Channels map to irc_group_<channel> chats and direct messages to
// irc_private_<nick>.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lrstanley/girc"
	"github.com/soyeahso/switchboard/internal/channel"
	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
)

// Platform is the chat id prefix of IRC chats.
const Platform = "irc"

// maxLineBytes keeps a PRIVMSG under the 512 byte line limit with room
// for the prefix the server adds.
const maxLineBytes = 400

// Channel implements domain.Channel for IRC.
type Channel struct {
	cfg       config.IRCConfig
	isCommand channel.CommandMatcher
	log       *logging.Logger

	mu      sync.RWMutex
	client  *girc.Client
	handler func(msg domain.InboundMessage)
	running bool
	lastErr string
}

// New creates an IRC channel. isCommand may be nil.
func New(cfg config.IRCConfig, isCommand channel.CommandMatcher, log *logging.Logger) *Channel {
	if isCommand == nil {
		isCommand = func(string) bool { return false }
	}
	return &Channel{
		cfg:       cfg,
		isCommand: isCommand,
		log:       log.Sub("irc"),
	}
}

func (c *Channel) ID() string { return Platform }

func (c *Channel) OnMessage(handler func(msg domain.InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Status returns the current runtime status.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: Platform,
		Connected: c.client != nil && c.client.IsConnected(),
		Running:   c.running,
		LastError: c.lastErr,
	}
}

func (c *Channel) port() int {
	switch {
	case c.cfg.Port != 0:
		return c.cfg.Port
	case c.cfg.UseTLS:
		return 6697
	default:
		return 6667
	}
}

// Start connects to the IRC server and blocks until the connection ends
// or ctx is done.
func (c *Channel) Start(ctx context.Context) error {
	gircCfg := girc.Config{
		Server:  c.cfg.Server,
		Port:    c.port(),
		Nick:    c.cfg.Nick,
		User:    c.cfg.Nick,
		Name:    "switchboard",
		SSL:     c.cfg.UseTLS,
		Version: "switchboard/1.0",
	}
	if c.cfg.UseTLS {
		gircCfg.TLSConfig = &tls.Config{ServerName: c.cfg.Server}
	}
	if c.cfg.SASL && c.cfg.Password != "" {
		gircCfg.SASL = &girc.SASLPlain{User: c.cfg.Nick, Pass: c.cfg.Password}
	} else if c.cfg.Password != "" {
		gircCfg.ServerPass = c.cfg.Password
	}

	client := girc.New(gircCfg)
	client.Handlers.Add(girc.CONNECTED, c.onConnected)
	client.Handlers.Add(girc.PRIVMSG, c.onPrivmsg)
	client.Handlers.Add(girc.DISCONNECTED, c.onDisconnected)

	c.mu.Lock()
	c.client = client
	c.running = true
	c.lastErr = ""
	c.mu.Unlock()

	c.log.Info().
		Str("server", c.cfg.Server).
		Int("port", c.port()).
		Str("nick", c.cfg.Nick).
		Strs("channels", c.cfg.Channels).
		Bool("tls", c.cfg.UseTLS).
		Msg("connecting to IRC")

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect()
	}()

	select {
	case err := <-errCh:
		c.mu.Lock()
		c.running = false
		if err != nil {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("irc connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		client.Close()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Stop gracefully disconnects from the IRC server.
func (c *Channel) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		c.log.Info().Msg("disconnecting from IRC")
		c.client.Quit("switchboard shutting down")
	}
	c.running = false
	return nil
}

// Send delivers a reply to the channel or nick named by the chat id.
func (c *Channel) Send(_ context.Context, msg domain.OutboundMessage) error {
	target, err := Target(msg.ChatID)
	if err != nil {
		return err
	}
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("irc: not connected")
	}

	lines := splitMessage(msg.Content, maxLineBytes)
	for _, line := range lines {
		client.Cmd.Message(target, line)
	}
	c.log.Debug().Str("to", target).Int("lines", len(lines)).Msg("sent IRC message")
	return nil
}

// Target returns the IRC target (channel or nick) of an irc_ chat id.
func Target(chatID domain.ChatID) (string, error) {
	ref, err := chatID.Parse()
	if err != nil {
		return "", err
	}
	if ref.Platform != Platform {
		return "", fmt.Errorf("irc: chat %s belongs to %s", chatID, ref.Platform)
	}
	return ref.ID, nil
}

func (c *Channel) onConnected(client *girc.Client, _ girc.Event) {
	c.log.Info().Str("nick", client.GetNick()).Msg("connected to IRC")
	for _, ch := range c.cfg.Channels {
		client.Cmd.Join(ch)
		c.log.Info().Str("channel", ch).Msg("joining channel")
	}
}

func (c *Channel) onDisconnected(_ *girc.Client, _ girc.Event) {
	c.log.Warn().Msg("disconnected from IRC")
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Channel) onPrivmsg(client *girc.Client, e girc.Event) {
	if e.Source == nil || len(e.Params) == 0 {
		return
	}
	body := e.Last()
	if e.IsAction() {
		body = e.StripAction()
	}
	msg, ok := c.inbound(client.GetNick(), e.Source.Name, e.Params[0], e.IsFromChannel(), body)
	if !ok {
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// inbound converts a PRIVMSG into an InboundMessage. Group messages only
// ask for a reply when they address the bot or are commands.
func (c *Channel) inbound(self, from, target string, fromChannel bool, body string) (domain.InboundMessage, bool) {
	if strings.EqualFold(from, self) {
		return domain.InboundMessage{}, false
	}
	if len(c.cfg.AllowedNicks) > 0 && !slices.ContainsFunc(c.cfg.AllowedNicks, func(n string) bool {
		return strings.EqualFold(n, from)
	}) {
		c.log.Debug().Str("nick", from).Msg("ignoring message from nick not on the allow list")
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		UserID:     from,
		SenderName: from,
		Timestamp:  time.Now(),
	}
	if !fromChannel {
		msg.ChatID = domain.NewChatID(Platform, domain.MessagePrivate, from)
		msg.MessageType = domain.MessagePrivate
		msg.Content = domain.Text(body)
		msg.IsRespond = true
		return msg, true
	}

	text, addressed := stripAddress(body, self)
	msg.ChatID = domain.NewChatID(Platform, domain.MessageGroup, target)
	msg.GroupID = target
	msg.MessageType = domain.MessageGroup
	if c.isCommand(text) {
		msg.Content = domain.Text(text)
		msg.IsRespond = true
		return msg, true
	}
	msg.Content = domain.Text(channel.SpeakerText(from, text))
	msg.IsRespond = addressed
	return msg, true
}

// stripAddress removes a leading "nick:" or "nick," and reports whether
// the bot was addressed or mentioned.
func stripAddress(body, nick string) (string, bool) {
	if nick == "" {
		return body, false
	}
	lower := strings.ToLower(body)
	ln := strings.ToLower(nick)
	if strings.HasPrefix(lower, ln) && len(body) > len(nick) {
		switch body[len(nick)] {
		case ':', ',':
			return strings.TrimSpace(body[len(nick)+1:]), true
		}
	}
	return body, strings.Contains(lower, ln)
}

// splitMessage breaks text into IRC lines: one per input line, with long
// lines cut at rune boundaries so no chunk exceeds maxLen bytes. Empty
// lines are dropped.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		for len(line) > maxLen {
			cut := maxLen
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if strings.TrimSpace(line) != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}

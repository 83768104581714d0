// Package onebot implements the OneBot v11 client adapter (NapCat and
// compatible implementations) over the forward websocket. Private chats
// map to qq_private_<user> and groups to qq_group_<group>.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/switchboard/internal/channel"
	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
	"golang.org/x/time/rate"
)

// Platform is the chat id prefix of OneBot chats.
const Platform = "qq"

const (
	actionTimeout = 10 * time.Second
	maxBackoff    = time.Minute
	writeWait     = 10 * time.Second
)

var errNotConnected = errors.New("onebot: not connected")

// Channel implements domain.Channel for OneBot v11.
type Channel struct {
	cfg       config.OneBotConfig
	isCommand channel.CommandMatcher
	limiter   *rate.Limiter
	dialer    *websocket.Dialer
	log       *logging.Logger

	// backoff and chance are replaced in tests.
	backoff func(attempt int) time.Duration
	chance  func() float64

	mu        sync.RWMutex
	conn      *websocket.Conn
	handler   func(msg domain.InboundMessage)
	selfID    string
	running   bool
	lastErr   string
	cancelRun context.CancelFunc

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan frame
	seq       atomic.Uint64
}

// New creates a OneBot channel. isCommand may be nil.
func New(cfg config.OneBotConfig, isCommand channel.CommandMatcher, log *logging.Logger) *Channel {
	if isCommand == nil {
		isCommand = func(string) bool { return false }
	}
	limit := rate.Inf
	if cfg.SendRatePerSecond > 0 {
		limit = rate.Limit(cfg.SendRatePerSecond)
	}
	base := time.Duration(cfg.ReconnectSeconds) * time.Second
	if base <= 0 {
		base = 5 * time.Second
	}
	return &Channel{
		cfg:       cfg,
		isCommand: isCommand,
		limiter:   rate.NewLimiter(limit, 1),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:       log.Sub("onebot"),
		backoff: func(attempt int) time.Duration {
			return min(base*time.Duration(1<<min(attempt-1, 6)), maxBackoff)
		},
		chance:  rand.Float64,
		selfID:  cfg.SelfID,
		pending: make(map[string]chan frame),
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
		Connected: c.conn != nil,
		Running:   c.running,
		LastError: c.lastErr,
	}
}

// Start connects and keeps reconnecting with backoff until ctx is done,
// Stop is called, or MaxReconnects consecutive attempts have failed.
func (c *Channel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelRun = cancel
	c.running = true
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	failures := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		failures++
		c.setErr(err)
		if c.cfg.MaxReconnects > 0 && failures > c.cfg.MaxReconnects {
			return fmt.Errorf("onebot: giving up after %d reconnects: %w", c.cfg.MaxReconnects, err)
		}
		delay := c.backoff(failures)
		c.log.Warn().Err(err).Int("attempt", failures).Dur("retryIn", delay).Msg("connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session dials once and reads until the connection fails. connected
// reports whether the dial succeeded.
func (c *Channel) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.lastErr = ""
	c.mu.Unlock()
	c.log.Info().Str("url", c.cfg.URL).Msg("connected to OneBot")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug().Err(err).Msg("ignoring undecodable frame")
			continue
		}
		if f.Echo != "" {
			c.resolve(f)
			continue
		}
		if f.PostType == "message" {
			c.deliver(f)
		}
	}
}

func (c *Channel) setErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Channel) resolve(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.Echo]
	delete(c.pending, f.Echo)
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Channel) deliver(f frame) {
	msg, ok := c.inbound(f)
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

// inbound converts a message event. Group messages ask for a reply when
// the bot is mentioned, the text is a command, or respondToAll is set
// and the configured probability allows it.
func (c *Channel) inbound(f frame) (domain.InboundMessage, bool) {
	c.mu.Lock()
	if c.selfID == "" && f.SelfID != "" {
		c.selfID = f.SelfID.String()
	}
	selfID := c.selfID
	c.mu.Unlock()

	userID := f.UserID.String()
	if userID == "" || userID == selfID {
		return domain.InboundMessage{}, false
	}
	p, err := parseMessage(f.Message, selfID)
	if err != nil {
		c.log.Warn().Err(err).Str("userId", userID).Msg("unreadable message")
		return domain.InboundMessage{}, false
	}

	name := f.Sender.Card
	if name == "" {
		name = f.Sender.Nickname
	}
	if name == "" {
		name = userID
	}

	msg := domain.InboundMessage{
		UserID:     userID,
		SenderName: name,
		Timestamp:  time.Now(),
	}
	if f.Time > 0 {
		msg.Timestamp = time.Unix(f.Time, 0)
	}

	command := len(p.images) == 0 && c.isCommand(p.text)
	text := p.text
	if !command {
		text = channel.SpeakerText(name, p.text)
	}
	msg.Content = content(text, p.images)

	switch f.MessageType {
	case "private":
		msg.ChatID = domain.NewChatID(Platform, domain.MessagePrivate, userID)
		msg.MessageType = domain.MessagePrivate
		msg.IsRespond = true
	case "group":
		groupID := f.GroupID.String()
		if groupID == "" {
			return domain.InboundMessage{}, false
		}
		msg.ChatID = domain.NewChatID(Platform, domain.MessageGroup, groupID)
		msg.GroupID = groupID
		msg.MessageType = domain.MessageGroup
		msg.IsRespond = p.mentioned || command || c.respondAnyway()
	default:
		return domain.InboundMessage{}, false
	}
	return msg, true
}

func (c *Channel) respondAnyway() bool {
	if !c.cfg.RespondToAll {
		return false
	}
	p := c.cfg.RespondProbability
	if p <= 0 || p >= 1 {
		return true
	}
	return c.chance() < p
}

// Stop ends Start and closes the connection.
func (c *Channel) Stop(context.Context) error {
	c.mu.Lock()
	cancel := c.cancelRun
	conn := c.conn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	return nil
}

// Send delivers a reply with send_private_msg or send_group_msg and
// waits for the implementation to acknowledge it.
func (c *Channel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	ref, err := msg.ChatID.Parse()
	if err != nil {
		return err
	}
	if ref.Platform != Platform {
		return fmt.Errorf("onebot: chat %s belongs to %s", msg.ChatID, ref.Platform)
	}

	a := action{Params: map[string]any{"message": msg.Content}}
	switch ref.Type {
	case domain.MessagePrivate:
		a.Action = "send_private_msg"
		a.Params["user_id"] = numericID(ref.ID)
	case domain.MessageGroup:
		a.Action = "send_group_msg"
		a.Params["group_id"] = numericID(ref.ID)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.call(ctx, a)
	if err != nil {
		return err
	}
	if resp.Status == "failed" || resp.RetCode != 0 {
		return fmt.Errorf("onebot: %s failed: retcode %d %s", a.Action, resp.RetCode, resp.Wording)
	}
	c.log.Debug().Str("chatId", msg.ChatID.String()).Str("action", a.Action).Msg("message sent")
	return nil
}

// call writes an action and waits for the response carrying its echo.
func (c *Channel) call(ctx context.Context, a action) (frame, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return frame{}, errNotConnected
	}

	a.Echo = strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[a.Echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, a.Echo)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(a)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("onebot: write %s: %w", a.Action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return frame{}, fmt.Errorf("onebot: %s: %w", a.Action, ctx.Err())
	}
}

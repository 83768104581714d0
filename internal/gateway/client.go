package gateway

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
)

// Client is an authenticated WebSocket connection. Each connection is a
// private chat of the gateway channel, named by its connection id.
type Client struct {
	ConnID      string
	ChatID      domain.ChatID
	Info        ClientInfo
	Auth        AuthResult
	ConnectedAt time.Time

	socket   *websocket.Conn
	seq      atomic.Int64 // per-connection event sequence
	lastSeen atomic.Int64 // unix millis of the last inbound frame

	mu     sync.Mutex // serialises writes
	closed bool
}

// ClientSummary describes a connection for status output.
type ClientSummary struct {
	ConnID      string        `json:"connId"`
	ChatID      domain.ChatID `json:"chatId"`
	ClientID    string        `json:"clientId"`
	AuthMethod  string        `json:"authMethod"`
	ConnectedAt time.Time     `json:"connectedAt"`
	LastSeen    time.Time     `json:"lastSeen"`
}

// NewClient wraps a connection that passed the handshake.
func NewClient(conn *websocket.Conn, info ClientInfo, auth AuthResult) *Client {
	id := uuid.NewString()
	now := time.Now()
	c := &Client{
		ConnID:      id,
		ChatID:      domain.NewChatID(Platform, domain.MessagePrivate, id),
		Info:        info,
		Auth:        auth,
		ConnectedAt: now,
		socket:      conn,
	}
	c.lastSeen.Store(now.UnixMilli())
	return c
}

// Send writes a frame.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteJSON(f)
}

// SendEvent sends a named event stamped with the connection's next
// sequence number.
func (c *Client) SendEvent(event string, payload any) error {
	f, err := NewEvent(event, payload, c.seq.Add(1))
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Client) RespondError(reqID string, e ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, e))
}

// ReadFrame blocks for the next frame. Binary and malformed messages
// are errors.
func (c *Client) ReadFrame() (Frame, error) {
	kind, msg, err := c.socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	c.lastSeen.Store(time.Now().UnixMilli())
	if kind != websocket.TextMessage {
		return Frame{}, errBinaryFrame
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close closes the connection without a close handshake.
func (c *Client) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame carrying code and reason, then closes
// the socket. Later calls are no-ops.
func (c *Client) CloseWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if reason != "" {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	return c.socket.Close()
}

func (c *Client) summary() ClientSummary {
	return ClientSummary{
		ConnID:      c.ConnID,
		ChatID:      c.ChatID,
		ClientID:    c.Info.ID,
		AuthMethod:  c.Auth.Method,
		ConnectedAt: c.ConnectedAt,
		LastSeen:    time.UnixMilli(c.lastSeen.Load()),
	}
}

// ClientRegistry tracks connected clients by connection id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *logging.Logger
}

func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client), log: log}
}

func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c.ConnID] = c
	n := len(r.clients)
	r.mu.Unlock()
	r.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Int("clients", n).Msg("client connected")
}

func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	_, ok := r.clients[connID]
	delete(r.clients, connID)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("connId", connID).Msg("client disconnected")
	}
}

func (r *ClientRegistry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// List summarises the connections, oldest first.
func (r *ClientRegistry) List() []ClientSummary {
	r.mu.RLock()
	out := make([]ClientSummary, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.summary())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b ClientSummary) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ConnID, b.ConnID)
	})
	return out
}

// CloseAll sends every client a going-away close with reason and forgets
// them.
func (r *ClientRegistry) CloseAll(reason string) {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		_ = c.CloseWith(websocket.CloseGoingAway, reason)
	}
}

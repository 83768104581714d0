// Package gateway serves the operator surface of switchboard: a
// WebSocket RPC endpoint (status, sessions, tools, config, chat), a public
// health check and the Prometheus scrape endpoint. Connected clients can
// also chat, which makes the gateway one more channel.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/channel"
	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/dispatch"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
	"github.com/soyeahso/switchboard/internal/version"
)

var ErrClientClosed = errors.New("client connection closed")

var errBinaryFrame = errors.New("binary frames are not supported")

const (
	maxPayload       = 4 << 20
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

// StatusSource reports queue and session state.
type StatusSource interface {
	Status() dispatch.Status
}

// ToolCatalog lists and reloads the agent's tools.
type ToolCatalog interface {
	List() []agent.ToolInfo
	Reload(ctx context.Context) (int, error)
}

// Server is the gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.GatewayConfig
	metrics  config.MetricsConfig
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *ClientRegistry
	channel  *Channel
	handlers map[string]RequestHandler
	limiter  *authLimiter
	upgrader websocket.Upgrader

	status   StatusSource
	tools    ToolCatalog
	channels *channel.Registry
	hooks    *hooks.Manager
	m        *metrics.Metrics

	mu        sync.RWMutex
	configRaw map[string]any
	addr      string
	startedAt time.Time
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithConfigRaw sets the raw config tree served by config.get.
func WithConfigRaw(raw map[string]any) ServerOption {
	return func(s *Server) { s.configRaw = raw }
}

// WithStatus sets the dispatcher reported by status and sessions.list.
func WithStatus(src StatusSource) ServerOption {
	return func(s *Server) { s.status = src }
}

// WithTools sets the tool catalog for tools.list and tools.reload.
func WithTools(t ToolCatalog) ServerOption {
	return func(s *Server) { s.tools = t }
}

// WithChannels sets the channel registry for channel status.
func WithChannels(ch *channel.Registry) ServerOption {
	return func(s *Server) { s.channels = ch }
}

// WithHooks sets the hook manager for gateway lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) { s.hooks = hm }
}

// WithMetrics serves m on the configured metrics path.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.m = m }
}

// New creates a gateway server.
func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	log = log.Sub("gateway")
	s := &Server{
		cfg:       cfg.Gateway,
		metrics:   cfg.Metrics,
		auth:      ResolveAuth(cfg.Gateway.Auth),
		log:       log,
		clients:   NewClientRegistry(log),
		handlers:  make(map[string]RequestHandler),
		limiter:   newAuthLimiter(),
		configRaw: make(map[string]any),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}
	s.channel = newChannel(s.clients)
	for _, opt := range opts {
		opt(s)
	}
	s.registerRPCHandlers()
	return s
}

// Channel returns the gateway's chat channel, to be registered with the
// channel registry before routing is wired.
func (s *Server) Channel() *Channel { return s.channel }

// SetConfigRaw replaces the tree served by config.get.
func (s *Server) SetConfigRaw(raw map[string]any) {
	s.mu.Lock()
	s.configRaw = raw
	s.mu.Unlock()
}

// checkWebSocketOrigin accepts non-browser clients and browsers whose
// Origin is allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, allowed)
	}
}

// Handle registers an RPC method.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the registered RPC methods, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

func resolveBindAddr(cfg config.GatewayConfig) string {
	host := "127.0.0.1"
	switch cfg.Bind {
	case "lan":
		host = "0.0.0.0"
	case "custom":
		host = cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
	}
	return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return withMiddleware(mux, s.log, s.cfg.AllowedOrigins)
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", resolveBindAddr(s.cfg))
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	} else if s.cfg.Bind != "" && s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, credentials travel in cleartext")
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info().Str("addr", s.Addr()).Str("auth", s.auth.Mode).Strs("methods", s.Methods()).Msg("gateway listening")
	s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{"addr": s.Addr()})

	go func() {
		<-ctx.Done()
		s.hooks.Emit(context.WithoutCancel(ctx), hooks.EventGatewayStop, nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll("server shutting down")
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listen address once Start is serving.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("too many failed handshakes")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayload)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.limiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()
	s.readLoop(client)
}

// handshake: challenge, connect request, auth check, hello.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(EventChallenge, map[string]any{
		"nonce": uuid.NewString(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	var req Frame
	if err := conn.ReadJSON(&req); err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}
	if req.Type != FrameTypeRequest || req.Method != "connect" {
		rejectAndClose(conn, req.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", req.Type, req.Method)
	}
	var params ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		rejectAndClose(conn, req.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("connect params: %w", err)
	}
	auth := Authorize(s.auth, params.Auth)
	if !auth.OK {
		rejectAndClose(conn, req.ID, "unauthorized", auth.Reason)
		return nil, fmt.Errorf("auth failed: %s", auth.Reason)
	}
	_ = conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, params.Client, auth)
	resp, err := NewResponse(req.ID, HelloOK{
		Protocol: ProtocolVersion,
		Version:  version.Version,
		ConnID:   client.ConnID,
		ChatID:   client.ChatID.String(),
		Methods:  s.Methods(),
		Events:   []string{EventChallenge, EventChatReply},
		MaxBytes: maxPayload,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Send(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	s.log.Info().Str("connId", client.ConnID).Str("clientId", params.Client.ID).Str("authMethod", auth.Method).Msg("client authenticated")
	return client, nil
}

func (s *Server) readLoop(client *Client) {
	for {
		f, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}
		if f.Type != FrameTypeRequest {
			continue
		}
		s.call(client, f)
	}
}

func (s *Server) call(client *Client, f Frame) {
	handler, ok := s.handlers[f.Method]
	if !ok {
		client.RespondError(f.ID, ErrorShape{Code: "method_not_found", Message: "unknown method: " + f.Method})
		return
	}
	handler(&RequestContext{Client: client, Frame: f, Server: s})
}

func rejectAndClose(conn *websocket.Conn, reqID, code, message string) {
	_ = conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}

package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/version"
)

// readableConfig lists the config paths config.get may read. Provider
// keys, channel credentials and gateway auth are never readable.
var readableConfig = []string{
	"dispatch",
	"models.default",
	"models.maxTokens",
	"models.temperature",
	"models.catalog",
	"models.fallbacks",
	"agent",
	"prompt",
	"history",
	"commands",
	"tools",
	"images",
	"metrics",
	"logging",
	"gateway.port",
	"gateway.bind",
}

func isReadableConfigPath(key string) bool {
	for _, prefix := range readableConfig {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

const reloadTimeout = time.Minute

func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics.Enabled && s.m != nil {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.m.Handler())
	}
	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("status", s.rpcStatus)
	s.Handle("sessions.list", s.rpcSessionsList)
	s.Handle("channels.status", s.rpcChannelsStatus)
	s.Handle("chat.send", s.rpcChatSend)
	s.Handle("tools.list", s.rpcToolsList)
	s.Handle("tools.reload", s.rpcToolsReload)
	s.Handle("config.get", s.rpcConfigGet)
}

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(HealthResponse{
		Status:        "ok",
		Version:       version.Version,
		Clients:       s.clients.Count(),
		UptimeSeconds: int64(s.uptime().Seconds()),
	})
}

func (s *Server) rpcStatus(rc *RequestContext) {
	if s.status == nil {
		rc.RespondError("unavailable", "dispatcher not running")
		return
	}
	st := s.status.Status()
	resp := map[string]any{
		"mode":     st.Mode,
		"queued":   st.Queued,
		"active":   st.Active,
		"capacity": st.Capacity,
		"chats":    st.Chats,
		"clients":  s.clients.List(),
	}
	if s.channels != nil {
		resp["channels"] = s.channels.Status()
	}
	rc.Respond(resp)
}

func (s *Server) rpcSessionsList(rc *RequestContext) {
	if s.status == nil {
		rc.Respond(map[string]any{"sessions": []any{}})
		return
	}
	rc.Respond(map[string]any{"sessions": s.status.Status().Sessions})
}

func (s *Server) rpcChannelsStatus(rc *RequestContext) {
	if s.channels == nil {
		rc.Respond(map[string]any{"channels": []any{}})
		return
	}
	rc.Respond(map[string]any{"channels": s.channels.Status()})
}

type chatSendParams struct {
	Message string   `json:"message"`
	Images  []string `json:"images,omitempty"`
}

// rpcChatSend queues a message from this connection's chat. The answer
// arrives later as a chat.reply event.
func (s *Server) rpcChatSend(rc *RequestContext) {
	var p chatSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(p.Message) == "" && len(p.Images) == 0 {
		rc.RespondError("invalid_params", "message is required")
		return
	}

	content := domain.Text(p.Message)
	if len(p.Images) > 0 {
		parts := []domain.ContentPart{domain.TextPart(p.Message)}
		for _, url := range p.Images {
			parts = append(parts, domain.ImagePart(url))
		}
		content = domain.Parts(parts...)
	}
	userID := rc.Client.Info.ID
	if userID == "" {
		userID = rc.Client.ConnID
	}
	msg := domain.InboundMessage{
		ChatID:      rc.Client.ChatID,
		Content:     content,
		UserID:      userID,
		SenderName:  rc.Client.Info.DisplayName,
		MessageType: domain.MessagePrivate,
		IsRespond:   true,
		Timestamp:   time.Now(),
	}
	if err := msg.Validate(); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if !s.channel.deliver(msg) {
		rc.RespondError("unavailable", "chat routing is not wired")
		return
	}
	rc.Respond(map[string]any{"chatId": msg.ChatID, "accepted": true})
}

func (s *Server) rpcToolsList(rc *RequestContext) {
	if s.tools == nil {
		rc.Respond(map[string]any{"tools": []any{}})
		return
	}
	rc.Respond(map[string]any{"tools": s.tools.List()})
}

func (s *Server) rpcToolsReload(rc *RequestContext) {
	if s.tools == nil {
		rc.RespondError("unavailable", "no tool manager")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	n, err := s.tools.Reload(ctx)
	if err != nil {
		rc.RespondError("reload_failed", err.Error())
		return
	}
	rc.Respond(map[string]any{"tools": n})
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if !isReadableConfigPath(strings.Join(path, ".")) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return
	}

	s.mu.RLock()
	val, ok := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()
	if !ok {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

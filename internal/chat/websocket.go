package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/gagsync/internal/feed"
	"github.com/ashureev/gagsync/internal/identity"
)

// maxLineLength bounds a single reported chat line.
const maxLineLength = 512

// Publisher accepts chat lines for the coordinator. Implemented by feed.Queue.
type Publisher interface {
	Publish(ev feed.Event) bool
}

// HandlerConfig configures the WebSocket handler.
type HandlerConfig struct {
	AllowedOrigin  string
	IsDev          bool
	LinesPerSecond float64
	LineBurst      int
}

// WebSocketHandler serves /ws/chat.
type WebSocketHandler struct {
	hub    *Hub
	feed   Publisher
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, pub Publisher, cfg HandlerConfig, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LinesPerSecond <= 0 {
		cfg.LinesPerSecond = 5
	}
	if cfg.LineBurst <= 0 {
		cfg.LineBurst = 10
	}
	return &WebSocketHandler{hub: hub, feed: pub, cfg: cfg, logger: logger}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	player := identity.FromContext(r.Context())
	if player == "" {
		http.Error(w, "player identity required", http.StatusBadRequest)
		return
	}
	h.logger.Info("Chat connection request", "player", player, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "player", player)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "player", player)
		}
	}()

	connID := uuid.NewString()
	h.hub.Register(player, connID, ws)
	defer h.hub.Unregister(player, connID, ws)

	h.readLoop(r.Context(), ws, player)
	h.logger.Info("Chat connection ended", "player", player, "conn_id", connID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" || origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, player string) {
	throttle := rate.NewLimiter(rate.Limit(h.cfg.LinesPerSecond), h.cfg.LineBurst)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "player", player)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "player", player)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, ws, Message{Type: TypeError, Error: "invalid_json"})
			continue
		}

		switch msg.Type {
		case TypeLine:
			h.handleLine(ctx, ws, throttle, player, msg)
		case TypePing:
			h.reply(ctx, ws, Message{Type: TypePong})
		default:
			h.reply(ctx, ws, Message{Type: TypeError, Error: "unknown_type"})
		}
	}
}

func (h *WebSocketHandler) handleLine(ctx context.Context, ws *websocket.Conn, throttle *rate.Limiter, player string, msg Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || len(text) > maxLineLength {
		h.reply(ctx, ws, Message{Type: TypeError, Error: "invalid_line"})
		return
	}
	if !throttle.Allow() {
		h.logger.Debug("Chat line throttled", "player", player)
		h.reply(ctx, ws, Message{Type: TypeError, Error: "rate_limited"})
		return
	}

	// Clients report lines spoken by anyone in range; the sender is the fallback actor.
	actor := identity.Sanitize(msg.Actor)
	if actor == "" {
		actor = player
	}
	if !h.feed.Publish(feed.Event{Actor: actor, Text: text}) {
		h.reply(ctx, ws, Message{Type: TypeError, Error: "feed_unavailable"})
	}
}

func (h *WebSocketHandler) reply(ctx context.Context, ws *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("Failed to send reply", "type", msg.Type, "error", err)
	}
}

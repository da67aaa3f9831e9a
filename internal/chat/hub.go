// Package chat provides the WebSocket feed that game clients use to report chat lines
// and receive actions.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/containerd/errdefs"

	"github.com/ashureev/gagsync/internal/domain"
)

// Message types exchanged over /ws/chat.
const (
	TypeLine              = "line"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeAction            = "action"
	TypeDeathRollComplete = "deathroll_complete"
	TypeError             = "error"
)

// Message is the JSON envelope for every frame.
type Message struct {
	Type   string             `json:"type"`
	Actor  string             `json:"actor,omitempty"`
	Text   string             `json:"text,omitempty"`
	Action *domain.Action     `json:"action,omitempty"`
	Result *domain.RollResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Conn is the subset of *websocket.Conn the hub writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

const defaultWriteTimeout = 5 * time.Second

// Hub tracks open chat connections per player identity.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[string]Conn),
		logger: logger,
	}
}

// Register adds a connection for a player. A different connection already registered
// under the same connID is closed.
func (h *Hub) Register(player, connID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[player]; !exists {
		h.active[player] = make(map[string]Conn)
	}
	if existing, exists := h.active[player][connID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.active[player][connID] = conn
	h.logger.Info("Chat connection registered", "player", player, "conn_id", connID)
}

// Unregister removes conn if it is still the one registered under connID.
func (h *Hub) Unregister(player, connID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[player]
	if !ok {
		return
	}
	if current, exists := conns[connID]; exists && current == conn {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.active, player)
		}
		h.logger.Info("Chat connection unregistered", "player", player, "conn_id", connID)
	}
}

// CloseIdentity closes every connection of a player.
func (h *Hub) CloseIdentity(player string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.active[player] {
		_ = conn.Close(websocket.StatusNormalClosure, "closed by server")
		h.logger.Info("Chat connection closed", "player", player, "conn_id", id)
	}
	delete(h.active, player)
}

// Connections returns how many connections a player has open.
func (h *Hub) Connections(player string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[player])
}

func (h *Hub) snapshot(player string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Conn
	if player != "" {
		for _, c := range h.active[player] {
			out = append(out, c)
		}
		return out
	}
	for _, conns := range h.active {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

// Send writes msg to all connections of player. It fails with an errdefs unavailable
// error when the player has no connection, and succeeds if any write succeeded.
func (h *Hub) Send(ctx context.Context, player string, msg Message) error {
	if player == "" {
		return fmt.Errorf("send %s: empty player: %w", msg.Type, errdefs.ErrInvalidArgument)
	}
	conns := h.snapshot(player)
	if len(conns) == 0 {
		return fmt.Errorf("player %q not connected: %w", player, errdefs.ErrUnavailable)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	var lastErr error
	delivered := 0
	for _, c := range conns {
		if err := h.write(ctx, c, data); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("deliver %s to %q: %w", msg.Type, player, lastErr)
	}
	return nil
}

// Broadcast writes msg to every open connection and returns how many accepted it.
func (h *Hub) Broadcast(ctx context.Context, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", "type", msg.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, c := range h.snapshot("") {
		if err := h.write(ctx, c, data); err != nil {
			h.logger.Debug("Broadcast write failed", "type", msg.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) write(ctx context.Context, c Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

// Invoke delivers an action to its target's game client.
func (h *Hub) Invoke(ctx context.Context, action domain.Action) error {
	return h.Send(ctx, action.Target, Message{Type: TypeAction, Action: &action})
}

// NotifyRollComplete tells every client about a finished death roll.
func (h *Hub) NotifyRollComplete(result domain.RollResult) {
	n := h.Broadcast(context.Background(), Message{Type: TypeDeathRollComplete, Result: &result})
	h.logger.Debug("Death roll completion broadcast", "session_id", result.SessionID, "clients", n)
}

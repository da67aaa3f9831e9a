package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/gagsync/internal/feed"
	"github.com/ashureev/gagsync/internal/identity"
)

type lineRequest struct {
	Actor string `json:"actor"`
	Text  string `json:"text"`
}

// PostLine queues a chat line for the coordinator. The actor defaults to the caller.
func (h *Handler) PostLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_body")
		return
	}

	actor := identity.FromContext(r.Context())
	if req.Actor != "" {
		actor = identity.Sanitize(req.Actor)
	}
	text := strings.TrimSpace(req.Text)
	if actor == "" || text == "" {
		Error(w, http.StatusBadRequest, "actor_and_text_required")
		return
	}

	if !h.lines.Publish(feed.Event{Actor: actor, Text: text}) {
		slog.Warn("Feed rejected line", "actor", actor)
		Error(w, http.StatusServiceUnavailable, "feed_unavailable")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// ListSessions returns every in-progress death roll.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.rolls.Sessions()})
}

// GetActiveCap returns the cap the identity is expected to roll against next.
func (h *Handler) GetActiveCap(w http.ResponseWriter, r *http.Request) {
	id := pathIdentity(r, "identity")
	if id == "" {
		Error(w, http.StatusBadRequest, "invalid_identity")
		return
	}
	capValue, ok := h.rolls.ActiveCapFor(id)
	if !ok {
		Error(w, http.StatusNotFound, "no_active_session")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"identity": id, "cap": capValue})
}

// GetHistory returns stored death-roll results for the identity, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := pathIdentity(r, "identity")
	if id == "" {
		Error(w, http.StatusBadRequest, "invalid_identity")
		return
	}
	limit, ok := queryLimit(r, 50)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid_limit")
		return
	}

	results, err := h.history.ListRollResults(r.Context(), id, limit)
	if err != nil {
		slog.Error("Failed to list roll results", "identity", id, "error", err)
		Error(w, statusFor(err), "history_unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"identity": id, "results": results})
}

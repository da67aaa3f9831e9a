package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/identity"
	"github.com/ashureev/gagsync/internal/middleware"
)

// GetRateLimits returns the limiter bookkeeping for every configured category.
func (h *Handler) GetRateLimits(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"window_seconds": h.limits.Window().Seconds(),
		"categories":     h.limits.States(),
	})
}

// GetStrikes returns recent audited strikes, optionally for one category.
func (h *Handler) GetStrikes(w http.ResponseWriter, r *http.Request) {
	category := domain.CategoryUnknown
	if name := r.URL.Query().Get("category"); name != "" {
		c, err := domain.ParseActionCategory(name)
		if err != nil {
			Error(w, http.StatusBadRequest, "unknown_category")
			return
		}
		category = c
	}
	limit, ok := queryLimit(r, 50)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid_limit")
		return
	}

	strikes, err := h.history.ListStrikes(r.Context(), category, limit)
	if err != nil {
		slog.Error("Failed to list strikes", "error", err)
		Error(w, statusFor(err), "strikes_unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"strikes": strikes})
}

type resetRequest struct {
	Category string `json:"category"`
}

// ResetRateLimits clears one category, or every category when none is named.
func (h *Handler) ResetRateLimits(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if req.Category == "" {
		h.limits.ResetAll()
		slog.Info("All rate limits reset", "by", identity.FromContext(r.Context()))
		JSON(w, http.StatusOK, map[string]string{"reset": "all"})
		return
	}

	category, err := domain.ParseActionCategory(req.Category)
	if err != nil {
		Error(w, http.StatusBadRequest, "unknown_category")
		return
	}
	if !h.limits.Reset(category) {
		Error(w, http.StatusNotFound, "category_not_configured")
		return
	}
	slog.Info("Rate limit reset", "category", category, "by", identity.FromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]string{"reset": category.String()})
}

type actionRequest struct {
	Target string `json:"target"`
	Detail string `json:"detail"`
}

// PostAction delivers an action that already passed the Admission middleware.
func (h *Handler) PostAction(w http.ResponseWriter, r *http.Request) {
	adm, ok := middleware.AdmittedFromContext(r.Context())
	if !ok {
		Error(w, http.StatusInternalServerError, "admission_missing")
		return
	}

	var req actionRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_body")
		return
	}
	target := identity.Sanitize(req.Target)
	if target == "" {
		Error(w, http.StatusBadRequest, "invalid_target")
		return
	}

	action := h.actions.NewAction(adm.Category, target, identity.FromContext(r.Context()), req.Detail)
	if err := h.actions.Deliver(r.Context(), action); err != nil {
		slog.Warn("Action delivery failed", "action_id", action.ID, "target", target, "error", err)
		Error(w, statusFor(err), "delivery_failed")
		return
	}

	slog.Info("Action delivered", "action_id", action.ID, "category", action.Category, "target", target, "source", action.Source)
	JSON(w, http.StatusAccepted, map[string]any{"action": action, "strikes": adm.Result.Strikes})
}

// Package api provides HTTP handlers for the gagsync API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/feed"
	"github.com/ashureev/gagsync/internal/identity"
	"github.com/ashureev/gagsync/internal/middleware"
	"github.com/ashureev/gagsync/internal/ratelimit"
)

const maxListLimit = 500

// DeathRolls is the read side of deathroll.Coordinator.
type DeathRolls interface {
	Sessions() []domain.RollSession
	ActiveCapFor(identity string) (int, bool)
}

// Limits is the rate limiter surface the API exposes.
type Limits interface {
	middleware.Admitter
	Window() time.Duration
	States() []ratelimit.State
	Reset(category domain.ActionCategory) bool
	ResetAll()
}

// History reads stored results and strikes.
type History interface {
	ListRollResults(ctx context.Context, identity string, limit int) ([]domain.RollResult, error)
	ListStrikes(ctx context.Context, category domain.ActionCategory, limit int) ([]domain.StrikeRecord, error)
}

// Dispatcher builds and delivers admitted actions. Implemented by trigger.Handler.
type Dispatcher interface {
	NewAction(category domain.ActionCategory, target, source, detail string) domain.Action
	Deliver(ctx context.Context, action domain.Action) error
}

// LinePublisher accepts chat lines. Implemented by feed.Queue.
type LinePublisher interface {
	Publish(ev feed.Event) bool
}

// LocalIdentity reads and replaces the local player identity. Implemented by identity.Local.
type LocalIdentity interface {
	CurrentIdentity() string
	Set(id string) bool
}

// Handler serves the gagsync REST API.
type Handler struct {
	rolls   DeathRolls
	limits  Limits
	history History
	actions Dispatcher
	lines   LinePublisher
	local   LocalIdentity
}

// NewHandler creates a new Handler with its dependencies.
func NewHandler(rolls DeathRolls, limits Limits, history History, actions Dispatcher, lines LinePublisher, local LocalIdentity) *Handler {
	return &Handler{
		rolls:   rolls,
		limits:  limits,
		history: history,
		actions: actions,
		lines:   lines,
		local:   local,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/identity", h.GetIdentity)
		r.Put("/identity", h.PutIdentity)

		r.Route("/deathroll", func(r chi.Router) {
			r.Post("/lines", h.PostLine)
			r.Get("/sessions", h.ListSessions)
			r.Get("/cap/{identity}", h.GetActiveCap)
			r.Get("/history/{identity}", h.GetHistory)
		})

		r.Get("/ratelimit", h.GetRateLimits)
		r.Get("/ratelimit/strikes", h.GetStrikes)
		r.Post("/ratelimit/reset", h.ResetRateLimits)

		r.With(middleware.Admission(h.limits, "category")).Post("/actions/{category}", h.PostAction)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps errdefs classes to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// pathIdentity reads and validates a player identity from a URL parameter.
func pathIdentity(r *http.Request, param string) string {
	raw := chi.URLParam(r, param)
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return identity.Sanitize(raw)
}

func queryLimit(r *http.Request, fallback int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

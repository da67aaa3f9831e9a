// Package identity resolves which player a request or connection speaks for.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// HeaderName carries the caller's player identity, e.g. "Alice Example@Ultros".
const HeaderName = "X-Player-Identity"

type contextKey int

const (
	playerKey contextKey = iota
)

// Player names are letters with apostrophes/hyphens/spaces, optionally followed by @World.
var playerPattern = regexp.MustCompile(`^[\p{L}][\p{L}' -]{0,63}(@[\p{L}]{1,32})?$`)

// Sanitize trims and validates a player identity. Returns "" if invalid.
func Sanitize(id string) string {
	id = strings.Join(strings.Fields(id), " ")
	if id == "" || !playerPattern.MatchString(id) {
		return ""
	}
	return id
}

// FromContext extracts the player identity placed by Middleware.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(playerKey).(string); ok {
		return v
	}
	return ""
}

// WithPlayer returns a context carrying id.
func WithPlayer(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, playerKey, id)
}

// Provider returns the identity of the local player.
type Provider interface {
	CurrentIdentity() string
}

// Local holds the identity of the player running the game client.
// It may change at runtime when the player relogs onto another character.
type Local struct {
	mu sync.RWMutex
	id string
}

// NewLocal creates a Local holder. An invalid initial id leaves it empty.
func NewLocal(id string) *Local {
	return &Local{id: Sanitize(id)}
}

// CurrentIdentity returns the current local player identity, or "" if unknown.
func (l *Local) CurrentIdentity() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

// Set replaces the local identity. Returns false and leaves it unchanged if id is invalid.
func (l *Local) Set(id string) bool {
	id = Sanitize(id)
	if id == "" {
		return false
	}
	l.mu.Lock()
	l.id = id
	l.mu.Unlock()
	return true
}

// Middleware injects the caller identity from HeaderName (or the "player" query
// parameter, for WebSocket clients that cannot set headers). Requests without a valid
// identity fall back to the local player.
func Middleware(local Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := playerFromRequest(r)
			if id == "" && local != nil {
				id = local.CurrentIdentity()
			}
			next.ServeHTTP(w, r.WithContext(WithPlayer(r.Context(), id)))
		})
	}
}

func playerFromRequest(r *http.Request) string {
	id := r.Header.Get(HeaderName)
	if id == "" {
		id = r.URL.Query().Get("player")
	}
	return Sanitize(id)
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

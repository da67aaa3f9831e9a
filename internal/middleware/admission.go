package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/ratelimit"
)

// Admitter decides whether an action category may run now. Implemented by ratelimit.Limiter.
type Admitter interface {
	Check(category domain.ActionCategory) ratelimit.Result
}

type admissionKey struct{}

// Admitted is what Admission stores in the request context for the next handler.
type Admitted struct {
	Category domain.ActionCategory
	Result   ratelimit.Result
}

// AdmittedFromContext returns the admission decision for the request, if any.
func AdmittedFromContext(ctx context.Context) (Admitted, bool) {
	a, ok := ctx.Value(admissionKey{}).(Admitted)
	return a, ok
}

// Admission gates a route on the limiter. The category comes from the chi URL
// parameter named param. Unknown names get 400; denials get 429 with Retry-After
// when the block has a known end.
func Admission(a Admitter, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			category, err := domain.ParseActionCategory(chi.URLParam(r, param))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown_category"})
				return
			}

			res := a.Check(category)
			if !res.Allowed {
				slog.Info("Action denied by rate limiter",
					"category", category,
					"decision", res.Decision,
					"retry_after", res.RetryAfter,
				)
				body := map[string]any{
					"error":    "rate_limited",
					"category": category,
					"decision": res.Decision.String(),
					"strikes":  res.Strikes,
				}
				if res.RetryAfter > 0 {
					secs := int(math.Ceil(res.RetryAfter.Seconds()))
					w.Header().Set("Retry-After", strconv.Itoa(secs))
					body["retry_after_seconds"] = secs
				}
				writeJSON(w, http.StatusTooManyRequests, body)
				return
			}

			ctx := context.WithValue(r.Context(), admissionKey{}, Admitted{Category: category, Result: res})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/ratelimit"
)

func TestMetrics_ObserveAdmission(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.ObserveAdmission(domain.CategoryGag, ratelimit.Result{Allowed: true, Decision: ratelimit.DecisionAllowed})
	m.ObserveAdmission(domain.CategoryGag, ratelimit.Result{Decision: ratelimit.DecisionStruck, RetryAfter: 10 * time.Second, Strikes: 1})
	m.ObserveAdmission(domain.CategoryGag, ratelimit.Result{Decision: ratelimit.DecisionBlocked})

	body := scrape(t, m)
	for _, want := range []string{
		`gagsync_admission_decisions_total{category="gag",decision="allowed"} 1`,
		`gagsync_admission_decisions_total{category="gag",decision="struck"} 1`,
		`gagsync_admission_decisions_total{category="gag",decision="blocked"} 1`,
		`gagsync_ratelimit_strikes_total{category="gag"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.RegisterActiveSessions(func() int { return 3 }); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterFeedDropped(func() int64 { return 7 }); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterActiveSessions(func() int { return 0 }); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	m.ObserveCompletion()

	body := scrape(t, m)
	for _, want := range []string{
		"gagsync_deathroll_active_sessions 3",
		"gagsync_feed_dropped_lines_total 7",
		"gagsync_deathroll_completed_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

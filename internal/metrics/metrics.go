// Package metrics exposes gagsync's Prometheus instruments on a private registry.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/ratelimit"
)

const namespace = "gagsync"

// Metrics holds the registered collectors.
type Metrics struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	strikes   *prometheus.CounterVec
	completed prometheus.Counter
}

// New creates the registry and registers the static collectors.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Rate limiter decisions by action category and outcome.",
		}, []string{"category", "decision"}),
		strikes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_strikes_total",
			Help:      "Strikes issued by the rate limiter.",
		}, []string{"category"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deathroll_completed_total",
			Help:      "Death rolls that reached a roll of 1.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.decisions,
		m.strikes,
		m.completed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveAdmission counts one limiter decision. Its signature matches ratelimit.Observer.
func (m *Metrics) ObserveAdmission(category domain.ActionCategory, res ratelimit.Result) {
	m.decisions.WithLabelValues(category.String(), res.Decision.String()).Inc()
	if res.Decision == ratelimit.DecisionStruck {
		m.strikes.WithLabelValues(category.String()).Inc()
	}
}

// ObserveCompletion counts a finished death roll.
func (m *Metrics) ObserveCompletion() {
	m.completed.Inc()
}

// RegisterActiveSessions exports a gauge read from fn at scrape time.
func (m *Metrics) RegisterActiveSessions(fn func() int) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deathroll_active_sessions",
		Help:      "Death-roll sessions currently tracked.",
	}, func() float64 { return float64(fn()) })
	if err := m.registry.Register(g); err != nil {
		return fmt.Errorf("register active sessions gauge: %w", err)
	}
	return nil
}

// RegisterFeedDropped exports the feed queue's drop count.
func (m *Metrics) RegisterFeedDropped(fn func() int64) error {
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_dropped_lines_total",
		Help:      "Chat lines discarded because the feed queue was full.",
	}, func() float64 { return float64(fn()) })
	if err := m.registry.Register(c); err != nil {
		return fmt.Errorf("register feed dropped counter: %w", err)
	}
	return nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

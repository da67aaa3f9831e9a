// Package ratelimit gates categorized actions behind a per-window cap with
// escalating lockouts for repeat offenders.
//
// Each category counts invocations in a window that starts at the first call after the
// previous window elapsed. Exceeding the cap records a strike, and every strike blocks the
// category for the next duration in the escalation schedule. Unconfigured categories are
// always denied.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/gagsync/internal/clock"
	"github.com/ashureev/gagsync/internal/domain"
)

// DefaultGracePeriod is how long after a block lifts a caller still over the cap
// is treated as re-offending rather than starting a fresh window.
const DefaultGracePeriod = 3 * time.Second

// DefaultEscalation returns the block durations for strikes 1..4. Later strikes reuse the last entry.
func DefaultEscalation() []time.Duration {
	return []time.Duration{10 * time.Second, 30 * time.Second, 5 * time.Minute, time.Hour}
}

// State is the bookkeeping for one category.
type State struct {
	Category       domain.ActionCategory `json:"category"`
	CapPerWindow   int                   `json:"cap_per_window"`
	Count          int                   `json:"count"`
	StrikeCount    int                   `json:"strike_count"`
	WindowStart    time.Time             `json:"window_start"`
	BlockUntil     time.Time             `json:"block_until,omitempty"`
	LastStrikeTime time.Time             `json:"last_strike_time,omitempty"`
}

// Observer receives every admission result. It runs after the limiter lock is released.
type Observer func(domain.ActionCategory, Result)

// Option configures a Limiter.
type Option func(*Limiter)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= 0 {
			l.grace = d
		}
	}
}

// WithEscalation overrides the strike block schedule. Empty schedules are ignored.
func WithEscalation(schedule []time.Duration) Option {
	return func(l *Limiter) {
		if len(schedule) > 0 {
			l.escalation = append([]time.Duration(nil), schedule...)
		}
	}
}

// WithStrikePolicy selects how strike counts are forgiven.
func WithStrikePolicy(p StrikePolicy) Option {
	return func(l *Limiter) {
		l.policy = p
	}
}

// WithObserver registers a callback for admission results.
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		l.observer = o
	}
}

// WithLogger sets the logger for strike diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Limiter holds one State per configured category.
// All methods are safe for concurrent use.
type Limiter struct {
	clock      clock.Clock
	window     time.Duration
	grace      time.Duration
	escalation []time.Duration
	policy     StrikePolicy
	observer   Observer
	logger     *slog.Logger

	mu     sync.Mutex
	states map[domain.ActionCategory]*State
}

// New builds a Limiter sharing one window length across categories.
// Categories with a cap <= 0 are left unconfigured and therefore always denied.
func New(clk clock.Clock, window time.Duration, caps map[domain.ActionCategory]int, opts ...Option) *Limiter {
	if clk == nil {
		clk = clock.System{}
	}
	l := &Limiter{
		clock:      clk,
		window:     window,
		grace:      DefaultGracePeriod,
		escalation: DefaultEscalation(),
		logger:     slog.Default(),
		states:     make(map[domain.ActionCategory]*State, len(caps)),
	}
	for _, opt := range opts {
		opt(l)
	}

	now := clk.Now()
	for category, capPerWindow := range caps {
		if category == domain.CategoryUnknown || capPerWindow <= 0 {
			l.logger.Warn("Rate limit category left unconfigured", "category", category, "cap", capPerWindow)
			continue
		}
		l.states[category] = &State{
			Category:     category,
			CapPerWindow: capPerWindow,
			WindowStart:  now,
		}
	}
	return l
}

// Window returns the shared window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// CanExecute reports whether an action in category may proceed now, and records it if so.
func (l *Limiter) CanExecute(category domain.ActionCategory) bool {
	return l.Check(category).Allowed
}

// Check is CanExecute with the reason and retry hint attached.
func (l *Limiter) Check(category domain.ActionCategory) Result {
	l.mu.Lock()
	res := l.checkLocked(category, l.clock.Now())
	l.mu.Unlock()

	if l.observer != nil {
		l.observer(category, res)
	}
	return res
}

func (l *Limiter) checkLocked(category domain.ActionCategory, now time.Time) Result {
	st, ok := l.states[category]
	if !ok {
		return Result{Decision: DecisionUnconfigured}
	}

	if now.Before(st.BlockUntil) {
		return Result{Decision: DecisionBlocked, RetryAfter: st.BlockUntil.Sub(now), Strikes: st.StrikeCount}
	}

	if elapsed(st.WindowStart, now) > l.window {
		if l.reoffendingLocked(st, now) {
			return l.strikeLocked(st, now)
		}
		l.rolloverLocked(st, now)
	}

	if st.Count >= st.CapPerWindow {
		return l.strikeLocked(st, now)
	}

	st.Count++
	return Result{Allowed: true, Decision: DecisionAllowed, Strikes: st.StrikeCount}
}

// reoffendingLocked reports whether a block just lifted on a caller that is still over the cap.
// Such a caller does not get a fresh window.
func (l *Limiter) reoffendingLocked(st *State, now time.Time) bool {
	if st.StrikeCount == 0 || st.BlockUntil.IsZero() {
		return false
	}
	return elapsed(st.BlockUntil, now) <= l.grace && st.Count >= st.CapPerWindow
}

func (l *Limiter) rolloverLocked(st *State, now time.Time) {
	if l.policy == StrikePolicyCleanWindow && st.StrikeCount > 0 && st.LastStrikeTime.Before(st.WindowStart) {
		l.logger.Info("Rate limit strikes forgiven after clean window", "category", st.Category, "strikes", st.StrikeCount)
		st.StrikeCount = 0
	}
	st.Count = 0
	st.WindowStart = now
}

func (l *Limiter) strikeLocked(st *State, now time.Time) Result {
	st.StrikeCount++
	st.LastStrikeTime = now

	idx := min(st.StrikeCount, len(l.escalation)) - 1
	block := l.escalation[idx]
	st.BlockUntil = now.Add(block)

	l.logger.Warn("Rate limit strike",
		"category", st.Category,
		"strikes", st.StrikeCount,
		"blocked_for", block,
	)
	return Result{Decision: DecisionStruck, RetryAfter: block, Strikes: st.StrikeCount}
}

// Reset clears all bookkeeping for category, including strikes.
// Returns false if the category is not configured.
func (l *Limiter) Reset(category domain.ActionCategory) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[category]
	if !ok {
		return false
	}
	l.resetLocked(st, l.clock.Now())
	return true
}

// ResetAll clears every configured category, e.g. for a daily amnesty.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for _, st := range l.states {
		l.resetLocked(st, now)
	}
}

func (l *Limiter) resetLocked(st *State, now time.Time) {
	st.Count = 0
	st.StrikeCount = 0
	st.WindowStart = now
	st.BlockUntil = time.Time{}
	st.LastStrikeTime = time.Time{}
	l.logger.Info("Rate limit reset", "category", st.Category)
}

// State returns a copy of the bookkeeping for category.
func (l *Limiter) State(category domain.ActionCategory) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[category]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// States returns copies for every configured category in declaration order.
func (l *Limiter) States() []State {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]State, 0, len(l.states))
	for _, category := range domain.AllActionCategories() {
		if st, ok := l.states[category]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// elapsed returns to-from, clamped at zero when the clock went backwards.
func elapsed(from, to time.Time) time.Duration {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d
}

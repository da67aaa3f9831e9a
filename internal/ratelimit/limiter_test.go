package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/gagsync/internal/clock"
	"github.com/ashureev/gagsync/internal/domain"
)

var epoch = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

func newRestraintLimiter(t *testing.T, opts ...Option) (*Limiter, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	l := New(clk, 10*time.Second, map[domain.ActionCategory]int{domain.CategoryRestraint: 3}, opts...)
	return l, clk
}

func TestLimiter_CapThenStrike(t *testing.T) {
	l, clk := newRestraintLimiter(t)

	for i := 0; i < 3; i++ {
		if !l.CanExecute(domain.CategoryRestraint) {
			t.Fatalf("Call %d should be allowed", i+1)
		}
		_ = clk.Advance(500 * time.Millisecond)
	}

	res := l.Check(domain.CategoryRestraint)
	if res.Allowed || res.Decision != DecisionStruck {
		t.Fatalf("Expected fourth call to strike, got %+v", res)
	}
	if res.RetryAfter != 10*time.Second || res.Strikes != 1 {
		t.Errorf("Expected 10s block on first strike, got %+v", res)
	}

	st, _ := l.State(domain.CategoryRestraint)
	if want := clk.Now().Add(10 * time.Second); !st.BlockUntil.Equal(want) {
		t.Errorf("Expected BlockUntil %s, got %s", want, st.BlockUntil)
	}
}

func TestLimiter_BlockedWhileLockedOut(t *testing.T) {
	l, clk := newRestraintLimiter(t)
	for i := 0; i < 4; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}

	_ = clk.Advance(4 * time.Second)
	res := l.Check(domain.CategoryRestraint)
	if res.Allowed || res.Decision != DecisionBlocked {
		t.Fatalf("Expected blocked, got %+v", res)
	}
	if res.RetryAfter != 6*time.Second {
		t.Errorf("Expected 6s remaining, got %s", res.RetryAfter)
	}

	st, _ := l.State(domain.CategoryRestraint)
	if st.StrikeCount != 1 {
		t.Errorf("Blocked calls must not add strikes, got %d", st.StrikeCount)
	}
}

func TestLimiter_ReoffendingRightAfterBlockEscalates(t *testing.T) {
	l, clk := newRestraintLimiter(t)
	for i := 0; i < 4; i++ {
		l.CanExecute(domain.CategoryRestraint)
		_ = clk.Advance(500 * time.Millisecond)
	}

	// Let the 10s block lift, then call again within the grace period.
	_ = clk.Advance(10 * time.Second)
	res := l.Check(domain.CategoryRestraint)
	if res.Allowed || res.Decision != DecisionStruck {
		t.Fatalf("Expected immediate re-offence to strike, got %+v", res)
	}
	if res.RetryAfter != 30*time.Second || res.Strikes != 2 {
		t.Errorf("Expected escalated 30s block, got %+v", res)
	}
}

func TestLimiter_WaitingPastGraceStartsFreshWindow(t *testing.T) {
	l, clk := newRestraintLimiter(t)
	for i := 0; i < 4; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}

	_ = clk.Advance(10*time.Second + DefaultGracePeriod + time.Second)
	if !l.CanExecute(domain.CategoryRestraint) {
		t.Fatal("Expected fresh window after waiting past the grace period")
	}

	st, _ := l.State(domain.CategoryRestraint)
	if st.Count != 1 {
		t.Errorf("Expected count reset to 1, got %d", st.Count)
	}
	if st.StrikeCount != 1 {
		t.Errorf("Manual policy must keep strikes across rollover, got %d", st.StrikeCount)
	}
}

func TestLimiter_WindowRolloverResetsCount(t *testing.T) {
	l, clk := newRestraintLimiter(t)
	for i := 0; i < 3; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}

	_ = clk.Advance(11 * time.Second)
	for i := 0; i < 3; i++ {
		if !l.CanExecute(domain.CategoryRestraint) {
			t.Fatalf("Call %d in new window should be allowed", i+1)
		}
	}
	st, _ := l.State(domain.CategoryRestraint)
	if st.StrikeCount != 0 {
		t.Errorf("Expected no strikes, got %d", st.StrikeCount)
	}
}

func TestLimiter_EscalationIsMonotonicAndClamps(t *testing.T) {
	l, clk := newRestraintLimiter(t)
	for i := 0; i < 3; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}

	want := []time.Duration{10 * time.Second, 30 * time.Second, 5 * time.Minute, time.Hour, time.Hour, time.Hour}
	var prev time.Duration
	for i, w := range want {
		res := l.Check(domain.CategoryRestraint)
		if res.Decision != DecisionStruck {
			t.Fatalf("Strike %d: expected struck, got %+v", i+1, res)
		}
		if res.RetryAfter != w {
			t.Errorf("Strike %d: expected %s, got %s", i+1, w, res.RetryAfter)
		}
		if res.RetryAfter < prev {
			t.Errorf("Strike %d: block shrank from %s to %s", i+1, prev, res.RetryAfter)
		}
		prev = res.RetryAfter
		// Come back the instant the block lifts.
		_ = clk.Advance(res.RetryAfter)
	}
}

func TestLimiter_UnconfiguredCategoryDenied(t *testing.T) {
	l, _ := newRestraintLimiter(t)

	for _, c := range []domain.ActionCategory{domain.CategoryUnknown, domain.CategoryGag, domain.CategoryTrigger} {
		res := l.Check(c)
		if res.Allowed || res.Decision != DecisionUnconfigured {
			t.Errorf("Expected %v to be denied as unconfigured, got %+v", c, res)
		}
	}
}

func TestLimiter_NonPositiveCapLeavesCategoryUnconfigured(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(clk, time.Second, map[domain.ActionCategory]int{
		domain.CategoryGag:     0,
		domain.CategoryTrigger: -2,
		domain.CategoryUnknown: 5,
	})

	if len(l.States()) != 0 {
		t.Fatalf("Expected no configured categories, got %+v", l.States())
	}
	if l.CanExecute(domain.CategoryGag) {
		t.Error("Zero cap must deny")
	}
}

func TestLimiter_CategoriesAreIndependent(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(clk, 10*time.Second, map[domain.ActionCategory]int{
		domain.CategoryGag:       1,
		domain.CategoryRestraint: 1,
	})

	l.CanExecute(domain.CategoryGag)
	l.CanExecute(domain.CategoryGag) // strike on gag

	if !l.CanExecute(domain.CategoryRestraint) {
		t.Error("Restraint must not be affected by gag strikes")
	}
}

func TestLimiter_CleanWindowPolicyForgivesStrikes(t *testing.T) {
	l, clk := newRestraintLimiter(t, WithStrikePolicy(StrikePolicyCleanWindow))
	for i := 0; i < 4; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}

	// First rollover closes the window that held the strike: strikes stay.
	_ = clk.Advance(20 * time.Second)
	if !l.CanExecute(domain.CategoryRestraint) {
		t.Fatal("Expected admission after block and grace")
	}
	if st, _ := l.State(domain.CategoryRestraint); st.StrikeCount != 1 {
		t.Fatalf("Expected strike kept after dirty window, got %d", st.StrikeCount)
	}

	// Second rollover closes a clean window: strikes are forgiven.
	_ = clk.Advance(11 * time.Second)
	if !l.CanExecute(domain.CategoryRestraint) {
		t.Fatal("Expected admission in next window")
	}
	if st, _ := l.State(domain.CategoryRestraint); st.StrikeCount != 0 {
		t.Errorf("Expected strikes forgiven after clean window, got %d", st.StrikeCount)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newRestraintLimiter(t)
	for i := 0; i < 5; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}

	if !l.Reset(domain.CategoryRestraint) {
		t.Fatal("Reset of configured category should succeed")
	}
	st, _ := l.State(domain.CategoryRestraint)
	if st.StrikeCount != 0 || st.Count != 0 || !st.BlockUntil.IsZero() {
		t.Errorf("Expected clean state, got %+v", st)
	}
	if !l.CanExecute(domain.CategoryRestraint) {
		t.Error("Expected admission after reset")
	}
	if l.Reset(domain.CategoryGag) {
		t.Error("Reset of unconfigured category should report false")
	}
}

func TestLimiter_ResetAll(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(clk, time.Minute, map[domain.ActionCategory]int{
		domain.CategoryGag:     1,
		domain.CategoryTrigger: 1,
	})
	for i := 0; i < 2; i++ {
		l.CanExecute(domain.CategoryGag)
		l.CanExecute(domain.CategoryTrigger)
	}

	l.ResetAll()

	for _, st := range l.States() {
		if st.StrikeCount != 0 || st.Count != 0 {
			t.Errorf("Expected %v reset, got %+v", st.Category, st)
		}
	}
}

func TestLimiter_CustomEscalationAndGrace(t *testing.T) {
	l, clk := newRestraintLimiter(t,
		WithEscalation([]time.Duration{time.Second, 2 * time.Second}),
		WithGracePeriod(0),
	)
	for i := 0; i < 4; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}
	st, _ := l.State(domain.CategoryRestraint)
	if got := st.BlockUntil.Sub(clk.Now()); got != time.Second {
		t.Errorf("Expected 1s block, got %s", got)
	}

	// With zero grace, any wait past the block lift and the window starts fresh.
	_ = clk.Advance(11 * time.Second)
	if !l.CanExecute(domain.CategoryRestraint) {
		t.Error("Expected fresh window with zero grace")
	}
}

func TestLimiter_NeverExceedsCapWithinWindow(t *testing.T) {
	l, clk := newRestraintLimiter(t)

	var windowStart time.Time
	allowedInWindow := 0
	for i := 0; i < 500; i++ {
		ok := l.CanExecute(domain.CategoryRestraint)
		st, _ := l.State(domain.CategoryRestraint)
		if !st.WindowStart.Equal(windowStart) {
			windowStart = st.WindowStart
			allowedInWindow = 0
		}
		if ok {
			allowedInWindow++
		}
		if allowedInWindow > st.CapPerWindow || st.Count > st.CapPerWindow {
			t.Fatalf("Step %d: %d admissions in window, cap %d", i, allowedInWindow, st.CapPerWindow)
		}
		// Irregular pacing: bursts, pauses and long gaps.
		step := time.Duration((i*7)%13) * 400 * time.Millisecond
		if i%50 == 0 {
			step = 2 * time.Minute
		}
		_ = clk.Advance(step)
	}
}

func TestLimiter_ClockSkewDoesNotPanicOrAdmitExtra(t *testing.T) {
	l, clk := newRestraintLimiter(t)
	for i := 0; i < 3; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}

	clk.Set(epoch.Add(-time.Hour))
	if l.CanExecute(domain.CategoryRestraint) {
		t.Error("Clock moving backwards must not open a new window")
	}
}

func TestLimiter_ObserverSeesEveryDecision(t *testing.T) {
	var mu sync.Mutex
	var seen []Decision
	var l *Limiter
	l, _ = newRestraintLimiter(t, WithObserver(func(c domain.ActionCategory, r Result) {
		mu.Lock()
		seen = append(seen, r.Decision)
		mu.Unlock()
		// Observers run outside the lock.
		_, _ = l.State(c)
	}))

	for i := 0; i < 5; i++ {
		l.CanExecute(domain.CategoryRestraint)
	}
	l.CanExecute(domain.CategoryGag)

	want := []Decision{DecisionAllowed, DecisionAllowed, DecisionAllowed, DecisionStruck, DecisionBlocked, DecisionUnconfigured}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("Expected %d observations, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Observation %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestLimiter_ConcurrentCallersRespectCap(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	l := New(clk, time.Minute, map[domain.ActionCategory]int{domain.CategoryTrigger: 25})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.CanExecute(domain.CategoryTrigger) {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 25 {
		t.Errorf("Expected exactly 25 admissions, got %d", got)
	}
}

func TestParseStrikePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    StrikePolicy
		wantErr bool
	}{
		{"", StrikePolicyManual, false},
		{"manual", StrikePolicyManual, false},
		{"Clean-Window", StrikePolicyCleanWindow, false},
		{"clean_window", StrikePolicyCleanWindow, false},
		{"decay", StrikePolicyManual, true},
	}
	for _, tt := range tests {
		got, err := ParseStrikePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseStrikePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}

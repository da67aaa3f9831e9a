// Package deathroll tracks two-player death roll sessions observed in chat.
//
// A player opens a session by announcing a cap ("rolls a 1 to 100"). Players then take
// alternating turns rolling under the current cap; each roll becomes the next cap. Whoever
// rolls a 1 loses, at which point the completion callback fires once and the session is
// dropped from the registry.
package deathroll

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/gagsync/internal/clock"
	"github.com/ashureev/gagsync/internal/domain"
	"github.com/google/uuid"
)

// minAnnouncedCap is the smallest cap that can open a session.
// A cap of 1 would end before anyone could reply.
const minAnnouncedCap = 2

// CompletionFunc is called once for every session that ends with a terminal roll.
type CompletionFunc func(domain.RollSession)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for session diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIDGenerator overrides how session IDs are minted.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Coordinator is the registry of in-progress sessions.
// All methods are safe for concurrent use.
type Coordinator struct {
	clock      clock.Clock
	onComplete CompletionFunc
	logger     *slog.Logger
	newID      func() string

	mu       sync.Mutex
	sessions []*domain.RollSession // creation order; first match wins on duplicate caps
}

// New creates a Coordinator. onComplete may be nil.
func New(clk clock.Clock, onComplete CompletionFunc, opts ...Option) *Coordinator {
	if clk == nil {
		clk = clock.System{}
	}
	c := &Coordinator{
		clock:      clk,
		onComplete: onComplete,
		logger:     slog.Default(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessLine feeds one chat line spoken by actor into the session registry.
func (c *Coordinator) ProcessLine(actor, text string) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return
	}

	nums := extractNumbers(text)
	if len(nums) == 0 {
		c.logger.Debug("Ignoring line without roll values", "actor", actor)
		return
	}

	var completed *domain.RollSession

	c.mu.Lock()
	switch len(nums) {
	case 1:
		c.startLocked(actor, nums[0])
	default:
		completed = c.turnLocked(actor, min(nums[0], nums[1]), max(nums[0], nums[1]))
	}
	c.mu.Unlock()

	// Outside the lock so the callback may call back into the coordinator.
	if completed != nil && c.onComplete != nil {
		c.onComplete(*completed)
	}
}

func (c *Coordinator) startLocked(actor string, announcedCap int) {
	if announcedCap < minAnnouncedCap {
		c.logger.Debug("Ignoring announcement below minimum cap", "actor", actor, "cap", announcedCap)
		return
	}

	c.evictLocked(actor, nil)

	now := c.clock.Now()
	s := &domain.RollSession{
		ID:             c.newID(),
		Initiator:      actor,
		StartingCap:    announcedCap,
		CurrentCap:     announcedCap,
		LastRoller:     actor,
		StartedAt:      now,
		LastActionTime: now,
	}
	c.sessions = append(c.sessions, s)
	c.logger.Info("Death roll started", "session_id", s.ID, "initiator", actor, "cap", announcedCap)
}

func (c *Coordinator) turnLocked(actor string, rolled, announcedCap int) *domain.RollSession {
	var s *domain.RollSession
	for _, candidate := range c.sessions {
		if candidate.CurrentCap == announcedCap && !candidate.IsComplete && candidate.LastRoller != actor {
			s = candidate
			break
		}
	}
	if s == nil {
		c.logger.Debug("No death roll matches turn", "actor", actor, "cap", announcedCap)
		return nil
	}

	if s.Opponent != "" && s.Opponent != actor && s.Initiator != actor {
		c.logger.Debug("Actor is not part of matched death roll", "actor", actor, "session_id", s.ID)
		return nil
	}

	if s.Opponent == "" {
		c.evictLocked(actor, s)
		s.Opponent = actor
	}

	s.LastRoller = actor
	s.CurrentCap = rolled
	s.LastActionTime = c.clock.Now()
	s.Turns++

	if rolled != domain.TerminalRoll {
		return nil
	}

	s.IsComplete = true
	c.removeLocked(s)
	c.logger.Info("Death roll completed", "session_id", s.ID, "loser", s.LastRoller, "turns", s.Turns)

	done := *s
	return &done
}

// evictLocked drops every session identity takes part in, except keep.
// Evicted sessions never reach the completion callback.
func (c *Coordinator) evictLocked(identity string, keep *domain.RollSession) {
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		if s != keep && s.Participates(identity) {
			c.logger.Debug("Evicting death roll", "session_id", s.ID, "identity", identity)
			continue
		}
		kept = append(kept, s)
	}
	clear(c.sessions[len(kept):])
	c.sessions = kept
}

func (c *Coordinator) removeLocked(target *domain.RollSession) {
	for i, s := range c.sessions {
		if s == target {
			c.sessions = slices.Delete(c.sessions, i, i+1)
			return
		}
	}
}

// ActiveCapFor returns the current cap identity is expected to roll under.
// Only sessions where identity did not just roll (or that still await an opponent) count;
// the most recently active one wins.
func (c *Coordinator) ActiveCapFor(identity string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *domain.RollSession
	for _, s := range c.sessions {
		if s.IsComplete || !s.Participates(identity) {
			continue
		}
		if s.LastRoller == identity && s.Opponent != "" {
			continue
		}
		if best == nil || s.LastActionTime.After(best.LastActionTime) {
			best = s
		}
	}
	if best == nil {
		return 0, false
	}
	return best.CurrentCap, true
}

// Sweep evicts sessions idle for longer than maxIdle and returns how many were dropped.
func (c *Coordinator) Sweep(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		idle := now.Sub(s.LastActionTime)
		if idle < 0 {
			idle = 0
		}
		if idle > maxIdle {
			c.logger.Info("Death roll expired", "session_id", s.ID, "initiator", s.Initiator, "idle", idle)
			continue
		}
		kept = append(kept, s)
	}
	removed := len(c.sessions) - len(kept)
	clear(c.sessions[len(kept):])
	c.sessions = kept
	return removed
}

// Sessions returns copies of the active sessions in creation order.
func (c *Coordinator) Sessions() []domain.RollSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.RollSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	return out
}

// Len returns the number of active sessions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

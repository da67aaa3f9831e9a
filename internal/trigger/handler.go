// Package trigger reacts to finished death rolls and dispatches throttled actions.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/gagsync/internal/clock"
	"github.com/ashureev/gagsync/internal/domain"
	"github.com/ashureev/gagsync/internal/ratelimit"
)

// ErrRateLimited is returned by Execute when the limiter denies the action.
var ErrRateLimited = errors.New("action rate limited")

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
	defaultTimeout   = 10 * time.Second
)

// Admitter decides whether an action category may run now. Implemented by ratelimit.Limiter.
type Admitter interface {
	Check(category domain.ActionCategory) ratelimit.Result
}

// Invoker performs an admitted action, e.g. by sending it to the target's client.
type Invoker interface {
	Invoke(ctx context.Context, action domain.Action) error
}

// Recorder persists finished death rolls.
type Recorder interface {
	RecordRollResult(ctx context.Context, result domain.RollResult) error
}

// Notifier broadcasts completion events to connected clients.
type Notifier interface {
	NotifyRollComplete(result domain.RollResult)
}

// IdentityProvider returns the local player's identity.
type IdentityProvider interface {
	CurrentIdentity() string
}

// LossAction is what runs against the local player when they lose a death roll.
type LossAction struct {
	Category domain.ActionCategory
	Detail   string
}

// Option configures a Handler.
type Option func(*Handler)

// WithRecorder stores every completed session.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithNotifier broadcasts every completed session.
func WithNotifier(n Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// WithLossAction sets the action dispatched when the local player loses.
func WithLossAction(a LossAction) Option {
	return func(h *Handler) { h.loss = &a }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.workers = n
		}
	}
}

// WithQueueSize sets how many completions may wait for a worker.
func WithQueueSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithTimeout bounds each job's record and invoke calls.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

type completionJob struct {
	session domain.RollSession
}

// Handler processes completed death rolls on a worker pool so the coordinator never waits
// on storage or delivery.
type Handler struct {
	admitter Admitter
	invoker  Invoker
	local    IdentityProvider
	clock    clock.Clock
	recorder Recorder
	notifier Notifier
	loss     *LossAction
	logger   *slog.Logger

	workers   int
	queueSize int
	timeout   time.Duration

	mu       sync.RWMutex
	closed   bool
	jobChan  chan completionJob
	workerWg sync.WaitGroup
	stopOnce sync.Once
}

// NewHandler creates a Handler and starts its workers. Call Stop to drain them.
func NewHandler(admitter Admitter, invoker Invoker, local IdentityProvider, clk clock.Clock, opts ...Option) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	h := &Handler{
		admitter:  admitter,
		invoker:   invoker,
		local:     local,
		clock:     clk,
		logger:    slog.Default(),
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.jobChan = make(chan completionJob, h.queueSize)
	for i := 0; i < h.workers; i++ {
		h.workerWg.Add(1)
		go h.worker()
	}
	return h
}

// OnComplete queues a finished session. It is safe to pass as the coordinator callback.
func (h *Handler) OnComplete(session domain.RollSession) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.logger.Warn("Completion dropped after stop", "session_id", session.ID)
		return
	}

	select {
	case h.jobChan <- completionJob{session: session}:
	default:
		h.logger.Warn("Completion queue full, dropping session",
			"session_id", session.ID,
			"loser", session.Loser(),
		)
	}
}

func (h *Handler) worker() {
	defer h.workerWg.Done()

	for job := range h.jobChan {
		h.process(job)
	}
}

func (h *Handler) process(job completionJob) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	result := domain.ResultFromSession(job.session)
	h.logger.Info("Death roll complete",
		"session_id", result.SessionID,
		"winner", result.Winner,
		"loser", result.Loser,
		"starting_cap", result.StartingCap,
		"turns", result.Turns,
	)

	if h.recorder != nil {
		if err := h.recorder.RecordRollResult(ctx, result); err != nil {
			h.logger.Error("Failed to record death roll", "session_id", result.SessionID, "error", err)
		}
	}
	if h.notifier != nil {
		h.notifier.NotifyRollComplete(result)
	}

	if h.loss == nil || h.local == nil {
		return
	}
	me := h.local.CurrentIdentity()
	if me == "" || result.Loser != me {
		return
	}

	action := h.NewAction(h.loss.Category, me, result.Winner, h.loss.Detail)
	res, err := h.Execute(ctx, action)
	switch {
	case errors.Is(err, ErrRateLimited):
		h.logger.Warn("Loss action rate limited",
			"category", action.Category,
			"decision", res.Decision,
			"retry_after", res.RetryAfter,
		)
	case err != nil:
		h.logger.Error("Loss action failed", "action_id", action.ID, "error", err)
	default:
		h.logger.Info("Loss action dispatched", "action_id", action.ID, "category", action.Category, "target", me)
	}
}

// NewAction builds an Action stamped with a fresh ID and the handler's clock.
func (h *Handler) NewAction(category domain.ActionCategory, target, source, detail string) domain.Action {
	return domain.Action{
		ID:        uuid.NewString(),
		Category:  category,
		Target:    target,
		Source:    source,
		Detail:    detail,
		CreatedAt: h.clock.Now(),
	}
}

// Execute admits action through the limiter and, if allowed, delivers it.
// A denial returns the limiter's Result with an error wrapping ErrRateLimited.
func (h *Handler) Execute(ctx context.Context, action domain.Action) (ratelimit.Result, error) {
	res := h.admitter.Check(action.Category)
	if !res.Allowed {
		return res, fmt.Errorf("%s: %w", action.Category, ErrRateLimited)
	}
	return res, h.Deliver(ctx, action)
}

// Deliver sends an already-admitted action to the invoker.
func (h *Handler) Deliver(ctx context.Context, action domain.Action) error {
	if h.invoker == nil {
		return errors.New("no action invoker configured")
	}
	if err := h.invoker.Invoke(ctx, action); err != nil {
		return fmt.Errorf("invoke %s action: %w", action.Category, err)
	}
	return nil
}

// Stop stops accepting completions and waits for queued jobs to finish.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.jobChan)
		h.mu.Unlock()
		h.workerWg.Wait()
	})
}

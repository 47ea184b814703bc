package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Session is one isolated automation runtime instance, bound 1:1 to a
// request for its lifetime. Close unwinds gracefully; Kill is the hard
// backstop for when cooperative shutdown does not complete in time.
// Both must be idempotent.
type Session interface {
	ID() string
	Close(ctx context.Context) error
	Kill()
}

// SessionFactory launches sessions. Launch failures are reported as
// BrowserLaunchError and fast-failed against their own budget, never the
// task's execution budget.
type SessionFactory interface {
	New(ctx context.Context) (Session, error)
}

// Executor runs the automation steps of one request against an acquired
// session. Every suspension point must honour ctx so that cancellation
// unwinds promptly.
type Executor interface {
	Run(ctx context.Context, sess Session, req Request) (map[string]any, error)
}

// Options collects every tunable of the engine. See config for the
// externally-facing defaults.
type Options struct {
	PoolSize       int
	ExecTimeout    time.Duration // hard wall-clock budget per attempt
	GracePeriod    time.Duration // cooperative unwind window after expiry
	LaunchTimeout  time.Duration // fast-fail budget for session creation
	MaxQueueLength int
	MaxQueueWait   time.Duration
	MaxRetries     int
	SlotCeiling    time.Duration // stuck-slot reclaim ceiling
}

// Engine accepts requests, runs each inside an isolated browser session
// under bounded concurrency, enforces the execution budget, and reports a
// single outcome per request.
type Engine struct {
	opts    Options
	pool    *SlotPool
	factory SessionFactory
	exec    Executor
	logger  *zap.Logger

	onOutcome func(Outcome)
}

// Option configures optional engine behaviour.
type Option func(*Engine)

// WithOutcomeHook registers a callback invoked once per published outcome.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(e *Engine) { e.onOutcome = fn }
}

// New wires an engine. The session factory and executor are the only
// collaborators; everything else is bookkeeping owned by the engine.
func New(opts Options, factory SessionFactory, exec Executor, logger *zap.Logger, extra ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SlotCeiling <= 0 {
		opts.SlotCeiling = opts.ExecTimeout + opts.GracePeriod + opts.LaunchTimeout + time.Minute
	}
	e := &Engine{
		opts:    opts,
		pool:    NewSlotPool(opts.PoolSize, opts.MaxQueueLength, opts.SlotCeiling, logger.Named("pool")),
		factory: factory,
		exec:    exec,
		logger:  logger,
	}
	for _, o := range extra {
		o(e)
	}
	return e
}

// Pool exposes the slot pool for health reporting.
func (e *Engine) Pool() *SlotPool { return e.pool }

// Submit runs one request to completion and returns its outcome. Retryable
// failures re-enter admission as fresh attempts against a new slot and
// session, up to MaxRetries extra attempts. The caller observes exactly one
// outcome.
func (e *Engine) Submit(ctx context.Context, req Request) Outcome {
	start := time.Now()
	log := e.logger.With(zap.String("request_id", req.ID), zap.String("url", req.URL))

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	var out Outcome
	for attempt := 1; attempt <= e.opts.MaxRetries+1; attempt++ {
		out = e.runAttempt(ctx, log.With(zap.Int("attempt", attempt)), req)
		out.Attempts = attempt
		if out.Status == StatusSuccess || !out.Kind.Retryable() {
			break
		}
		if attempt <= e.opts.MaxRetries {
			log.Warn("attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.String("kind", string(out.Kind)),
				zap.String("detail", out.Detail))
		}
	}

	out.RequestID = req.ID
	out.Duration = time.Since(start)
	e.publish(log, out)
	return out
}

func (e *Engine) publish(log *zap.Logger, out Outcome) {
	switch out.Status {
	case StatusSuccess:
		log.Info("task completed",
			zap.Int("attempts", out.Attempts),
			zap.Duration("duration", out.Duration))
	default:
		log.Warn("task ended without success",
			zap.String("status", string(out.Status)),
			zap.String("kind", string(out.Kind)),
			zap.String("detail", out.Detail),
			zap.Int("attempts", out.Attempts),
			zap.Duration("duration", out.Duration))
	}
	if e.onOutcome != nil {
		e.onOutcome(out)
	}
}

// runAttempt performs one admission → session → execute → teardown cycle.
// The slot and session are released on every exit path.
func (e *Engine) runAttempt(ctx context.Context, log *zap.Logger, req Request) Outcome {
	slot, err := e.pool.Acquire(ctx, e.opts.MaxQueueWait)
	if err != nil {
		return Outcome{Status: StatusRejected, Kind: KindAdmissionRejected, Detail: err.Error()}
	}
	defer slot.Release()

	launchCtx, cancelLaunch := context.WithTimeout(ctx, e.opts.LaunchTimeout)
	sess, err := e.factory.New(launchCtx)
	cancelLaunch()
	if err != nil {
		return Outcome{Status: StatusFailed, Kind: KindBrowserLaunch, Detail: err.Error()}
	}
	log = log.With(zap.String("session_id", sess.ID()))
	log.Debug("session acquired")

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.opts.GracePeriod)
		defer cancel()
		if cerr := sess.Close(closeCtx); cerr != nil {
			// A failed release is an internal defect. Fall back to the hard
			// kill so the browser process cannot outlive the slot.
			log.Error("session close failed, forcing kill", zap.Error(cerr))
			sess.Kill()
		}
	}()

	return e.runWithBudget(ctx, log, sess, req)
}

// runWithBudget supervises the executor under the hard execution budget.
// Exactly one of natural completion, timeout, or external cancel wins; a
// late natural result is discarded. The slot is never held beyond
// ExecTimeout + GracePeriod.
func (e *Engine) runWithBudget(ctx context.Context, log *zap.Logger, sess Session, req Request) Outcome {
	execCtx, cancel := context.WithTimeout(ctx, e.opts.ExecTimeout)
	defer cancel()

	type result struct {
		payload map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, err := e.exec.Run(execCtx, sess, req)
		done <- result{payload: p, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return e.failureOutcome(r.err)
		}
		return Outcome{Status: StatusSuccess, Payload: r.payload}

	case <-execCtx.Done():
		// Cooperative signal is already delivered through execCtx. Give the
		// executor the grace period to unwind, then force teardown.
		timer := time.NewTimer(e.opts.GracePeriod)
		defer timer.Stop()
		select {
		case <-done:
			log.Debug("executor unwound within grace period")
		case <-timer.C:
			log.Warn("executor did not unwind in time, killing session",
				zap.Duration("grace", e.opts.GracePeriod))
			sess.Kill()
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return Outcome{
				Status: StatusFailed,
				Kind:   KindExecutionStep,
				Detail: "cancelled by caller",
			}
		}
		return Outcome{
			Status: StatusTimeout,
			Kind:   KindTimeout,
			Detail: "execution budget exceeded",
		}
	}
}

func (e *Engine) failureOutcome(err error) Outcome {
	kind := KindOf(err)
	if kind == KindTimeout {
		return Outcome{Status: StatusTimeout, Kind: kind, Detail: "execution budget exceeded"}
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Status: StatusFailed, Kind: KindExecutionStep, Detail: "cancelled by caller"}
	}
	return Outcome{Status: StatusFailed, Kind: kind, Detail: err.Error()}
}

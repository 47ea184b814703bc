package browser

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webquiz/solver/internal/engine"
)

// chromedpFactory launches one dedicated Chrome process per session via the
// DevTools protocol. Teardown is context cancellation, which reliably kills
// the process tree, so this runtime needs no separate process reaper.
type chromedpFactory struct {
	opts   Options
	logger *zap.Logger
}

func newChromedpFactory(opts Options, logger *zap.Logger) *chromedpFactory {
	return &chromedpFactory{opts: opts, logger: logger}
}

func (f *chromedpFactory) New(ctx context.Context) (engine.Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	// The session must outlive the launch context, so the allocator hangs
	// off Background and is cancelled only by Close/Kill.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)

	id := uuid.NewString()
	s := &chromedpSession{
		id:          id,
		ctx:         taskCtx,
		cancelTask:  cancelTask,
		cancelAlloc: cancelAlloc,
		logger:      f.logger.With(zap.String("session_id", id)),
	}

	// Track the document response so navigation can surface HTTP-level
	// failures, not just transport errors.
	chromedp.ListenTarget(taskCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok &&
			resp.Type == network.ResourceTypeDocument {
			s.lastStatus.Store(resp.Response.Status)
		}
	})

	// First Run starts the browser; ctx bounds the launch budget.
	if err := s.run(ctx, network.Enable()); err != nil {
		s.Kill()
		return nil, engine.NewError(engine.KindBrowserLaunch, "launch", err)
	}
	f.logger.Debug("session launched", zap.String("session_id", id))
	return s, nil
}

type chromedpSession struct {
	id          string
	ctx         context.Context
	cancelTask  context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *zap.Logger
	closed      atomic.Bool
	lastStatus  atomic.Int64
}

// run executes actions against the session target, aborting early when the
// caller's ctx ends. The session itself stays alive across calls.
func (s *chromedpSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *chromedpSession) ID() string { return s.id }

// Close asks the browser to shut down gracefully. Idempotent.
func (s *chromedpSession) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, err := await(ctx, func() (struct{}, error) {
		err := chromedp.Cancel(s.ctx)
		s.cancelAlloc()
		return struct{}{}, err
	})
	if err != nil {
		// Graceful shutdown stalled; fall back to hard cancellation.
		s.cancelTask()
		s.cancelAlloc()
	}
	return err
}

// Kill cancels the browser contexts outright, killing the process tree.
func (s *chromedpSession) Kill() {
	s.closed.Store(true)
	s.cancelTask()
	s.cancelAlloc()
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	s.lastStatus.Store(0)
	err := s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return engine.NewError(engine.KindNavigation, "navigate", err)
	}
	if st := s.lastStatus.Load(); st >= 400 {
		return engine.NewError(engine.KindNavigation, "navigate",
			fmt.Errorf("document request returned HTTP %d", st))
	}
	return nil
}

func (s *chromedpSession) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", engine.NewError(engine.KindExecutionStep, "content", err)
	}
	return html, nil
}

func (s *chromedpSession) Text(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", engine.NewError(engine.KindExecutionStep, "text", err)
	}
	return text, nil
}

func (s *chromedpSession) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

func (s *chromedpSession) CurrentURL() string {
	var loc string
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	_ = chromedp.Run(runCtx, chromedp.Location(&loc))
	return loc
}

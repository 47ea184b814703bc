// Package browser owns the lifecycle of heavyweight automation sessions:
// launch, navigation and extraction primitives, and guaranteed teardown.
// Two runtimes are supported, Playwright (default) and chromedp; both hand
// out one isolated browser instance per session, never shared or reused.
package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webquiz/solver/internal/engine"
)

const (
	RuntimePlaywright = "playwright"
	RuntimeChromedp   = "chromedp"
)

// Session extends the engine's session contract with the step-level
// automation primitives the executor consumes. Every method honours ctx as
// a cancellation checkpoint.
type Session interface {
	engine.Session

	// Navigate loads url and waits for the page to settle.
	Navigate(ctx context.Context, url string) error
	// Content returns the full HTML of the current document.
	Content(ctx context.Context) (string, error)
	// Text returns the visible text of the document body.
	Text(ctx context.Context) (string, error)
	// Title returns the current document title.
	Title(ctx context.Context) (string, error)
	// CurrentURL returns the page URL after redirects.
	CurrentURL() string
}

// Options configures session launch for either runtime.
type Options struct {
	Runtime    string
	Headless   bool
	NavTimeout time.Duration
}

// NewFactory builds the session factory for the configured runtime. The
// Playwright driver is provisioned once here, not per session, so per-task
// launches stay cheap enough to fast-fail.
func NewFactory(opts Options, logger *zap.Logger) (engine.SessionFactory, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.Runtime {
	case "", RuntimePlaywright:
		return newPlaywrightFactory(opts, logger.Named("playwright"))
	case RuntimeChromedp:
		return newChromedpFactory(opts, logger.Named("chromedp")), nil
	default:
		return nil, fmt.Errorf("unknown browser runtime %q", opts.Runtime)
	}
}

// await runs fn on its own goroutine and abandons the wait when ctx ends.
// The underlying driver call keeps running; the session teardown path is
// responsible for reaping it.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type res struct {
		v   T
		err error
	}
	ch := make(chan res, 1)
	go func() {
		v, err := fn()
		ch <- res{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

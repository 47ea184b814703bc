package browser

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/webquiz/solver/internal/engine"
)

// playwrightFactory holds the shared driver. Browsers themselves are
// launched per session so that no state crosses requests.
type playwrightFactory struct {
	opts   Options
	pw     *playwright.Playwright
	logger *zap.Logger
}

func newPlaywrightFactory(opts Options, logger *zap.Logger) (*playwrightFactory, error) {
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &playwrightFactory{opts: opts, pw: pw, logger: logger}, nil
}

// New launches an isolated headless browser with its own context and page.
// ctx bounds the launch only; the session outlives it. A launch that
// completes after ctx expired is reaped, never handed out.
func (f *playwrightFactory) New(ctx context.Context) (engine.Session, error) {
	type launched struct {
		sess *playwrightSession
		err  error
	}
	ch := make(chan launched, 1)
	go func() {
		s, err := f.launch()
		ch <- launched{sess: s, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, engine.NewError(engine.KindBrowserLaunch, "launch", r.err)
		}
		return r.sess, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				r.sess.Kill()
			}
		}()
		return nil, engine.NewError(engine.KindBrowserLaunch, "launch", ctx.Err())
	}
}

func (f *playwrightFactory) launch() (*playwrightSession, error) {
	browser, err := f.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(f.opts.Headless),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-blink-features=AutomationControlled",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	timeoutMs := float64(f.opts.NavTimeout.Milliseconds())
	page.SetDefaultTimeout(timeoutMs)
	page.SetDefaultNavigationTimeout(timeoutMs)

	id := uuid.NewString()
	f.logger.Debug("session launched", zap.String("session_id", id))
	return &playwrightSession{
		id:      id,
		browser: browser,
		bctx:    bctx,
		page:    page,
		logger:  f.logger.With(zap.String("session_id", id)),
	}, nil
}

// Shutdown stops the shared driver. Call once at process exit.
func (f *playwrightFactory) Shutdown() error {
	return f.pw.Stop()
}

type playwrightSession struct {
	id      string
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	logger  *zap.Logger
	closed  atomic.Bool
}

func (s *playwrightSession) ID() string { return s.id }

// Close tears the session down gracefully: page, context, browser, in that
// order. Idempotent; concurrent with Kill the first caller wins.
func (s *playwrightSession) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, err := await(ctx, func() (struct{}, error) {
		var firstErr error
		if err := s.page.Close(); err != nil {
			firstErr = err
		}
		if err := s.bctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return struct{}{}, firstErr
	})
	return err
}

// Kill terminates the underlying browser process without waiting for
// in-flight operations. Used as the hard backstop after the grace period.
func (s *playwrightSession) Kill() {
	s.closed.Store(true)
	if err := s.browser.Close(); err != nil {
		s.logger.Debug("kill: browser close reported error", zap.Error(err))
	}
}

func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	resp, err := await(ctx, func() (playwright.Response, error) {
		return s.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
		})
	})
	if err != nil {
		return engine.NewError(engine.KindNavigation, "navigate", err)
	}
	if resp != nil && resp.Status() >= 400 {
		return engine.NewError(engine.KindNavigation, "navigate",
			fmt.Errorf("document request returned HTTP %d", resp.Status()))
	}
	return nil
}

func (s *playwrightSession) Content(ctx context.Context) (string, error) {
	html, err := await(ctx, s.page.Content)
	if err != nil {
		return "", engine.NewError(engine.KindExecutionStep, "content", err)
	}
	return html, nil
}

func (s *playwrightSession) Text(ctx context.Context) (string, error) {
	text, err := await(ctx, func() (string, error) {
		return s.page.InnerText("body")
	})
	if err != nil {
		return "", engine.NewError(engine.KindExecutionStep, "text", err)
	}
	return text, nil
}

func (s *playwrightSession) Title(ctx context.Context) (string, error) {
	return await(ctx, s.page.Title)
}

func (s *playwrightSession) CurrentURL() string { return s.page.URL() }

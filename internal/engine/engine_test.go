package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     string
	closes atomic.Int32
	killed atomic.Bool
}

func (s *fakeSession) ID() string                  { return s.id }
func (s *fakeSession) Close(context.Context) error { s.closes.Add(1); return nil }
func (s *fakeSession) Kill()                       { s.killed.Store(true) }

type fakeFactory struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	attempts  int
	failFirst int // fail this many launches before succeeding
}

func (f *fakeFactory) New(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failFirst {
		return nil, NewError(KindBrowserLaunch, "launch", errors.New("chromium exited early"))
	}
	s := &fakeSession{id: fmt.Sprintf("sess-%d", f.attempts)}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) launchAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeFactory) tornDown() (created, down int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.closes.Load() > 0 || s.killed.Load() {
			down++
		}
	}
	return len(f.sessions), down
}

type funcExecutor func(ctx context.Context, sess Session, req Request) (map[string]any, error)

func (f funcExecutor) Run(ctx context.Context, sess Session, req Request) (map[string]any, error) {
	return f(ctx, sess, req)
}

func defaultOpts() Options {
	return Options{
		PoolSize:       2,
		ExecTimeout:    time.Second,
		GracePeriod:    100 * time.Millisecond,
		LaunchTimeout:  time.Second,
		MaxQueueLength: 4,
		MaxQueueWait:   time.Second,
		MaxRetries:     0,
	}
}

func sleepExecutor(d time.Duration, cooperative bool) funcExecutor {
	return func(ctx context.Context, sess Session, _ Request) (map[string]any, error) {
		if cooperative {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			time.Sleep(d)
		}
		return map[string]any{"session": sess.ID()}, nil
	}
}

func TestSubmitBothSucceedWithDistinctSessions(t *testing.T) {
	factory := &fakeFactory{}
	eng := New(defaultOpts(), factory, sleepExecutor(20*time.Millisecond, true), nil)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))
		}()
	}
	wg.Wait()

	ids := map[any]bool{}
	for _, out := range outcomes {
		require.Equal(t, StatusSuccess, out.Status)
		assert.Equal(t, 1, out.Attempts)
		ids[out.Payload["session"]] = true
	}
	assert.Len(t, ids, 2, "each request must get its own session")

	created, down := factory.tornDown()
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, down, "every session must be torn down")
}

func TestSubmitTimeoutKillsUncooperativeSession(t *testing.T) {
	opts := defaultOpts()
	opts.PoolSize = 1
	opts.ExecTimeout = 60 * time.Millisecond
	opts.GracePeriod = 40 * time.Millisecond

	factory := &fakeFactory{}
	eng := New(opts, factory, sleepExecutor(5*time.Second, false), nil)

	start := time.Now()
	out := eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))
	elapsed := time.Since(start)

	require.Equal(t, StatusTimeout, out.Status)
	assert.Equal(t, KindTimeout, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Less(t, elapsed, 500*time.Millisecond,
		"caller must get the timeout at about T_exec + grace")
	require.Len(t, factory.sessions, 1)
	assert.True(t, factory.sessions[0].killed.Load(),
		"the hard backstop must kill a session that does not unwind")
}

func TestSubmitTimeoutCooperativeUnwind(t *testing.T) {
	opts := defaultOpts()
	opts.ExecTimeout = 50 * time.Millisecond

	factory := &fakeFactory{}
	eng := New(opts, factory, sleepExecutor(5*time.Second, true), nil)

	out := eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))

	require.Equal(t, StatusTimeout, out.Status)
	require.Len(t, factory.sessions, 1)
	assert.False(t, factory.sessions[0].killed.Load(),
		"a cooperative executor must not be force-killed")
	assert.Positive(t, factory.sessions[0].closes.Load())
}

func TestSubmitQueuedSecondRunsAfterFirst(t *testing.T) {
	opts := defaultOpts()
	opts.PoolSize = 1

	factory := &fakeFactory{}
	release := make(chan struct{})
	var concurrent, peak atomic.Int32
	exec := funcExecutor(func(ctx context.Context, sess Session, _ Request) (map[string]any, error) {
		cur := concurrent.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		defer concurrent.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{}, nil
	})
	eng := New(opts, factory, exec, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))
			assert.Equal(t, StatusSuccess, out.Status)
		}()
	}

	require.Eventually(t, func() bool { return eng.Pool().QueueLen() == 1 },
		time.Second, time.Millisecond, "second request must queue behind the first")
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load(), "at most PoolSize sessions may run")
	created, down := factory.tornDown()
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, down)
}

func TestSubmitRejectsWhenQueueDisabled(t *testing.T) {
	opts := defaultOpts()
	opts.PoolSize = 1
	opts.MaxQueueLength = 0

	factory := &fakeFactory{}
	block := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, _ Session, _ Request) (map[string]any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	eng := New(opts, factory, exec, nil)

	go eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))
	require.Eventually(t, func() bool { return eng.Pool().InUse() == 1 },
		time.Second, time.Millisecond)

	out := eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))
	close(block)

	require.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, KindAdmissionRejected, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, factory.launchAttempts(),
		"a rejected request must never instantiate a session")
}

func TestSubmitRetriesLaunchFailures(t *testing.T) {
	opts := defaultOpts()
	opts.MaxRetries = 2

	factory := &fakeFactory{failFirst: 5}
	eng := New(opts, factory, sleepExecutor(time.Millisecond, true), nil)

	out := eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))

	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindBrowserLaunch, out.Kind)
	assert.Equal(t, 3, out.Attempts, "MaxRetries=2 means exactly 3 total attempts")
	assert.Equal(t, 3, factory.launchAttempts())
}

func TestSubmitRetrySucceedsOnFreshSession(t *testing.T) {
	opts := defaultOpts()
	opts.MaxRetries = 2

	factory := &fakeFactory{failFirst: 1}
	eng := New(opts, factory, sleepExecutor(time.Millisecond, true), nil)

	out := eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))

	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Attempts)
	require.Len(t, factory.sessions, 1)
	assert.Equal(t, "sess-2", out.Payload["session"],
		"the retry must run on a newly launched session")
}

func TestSubmitNoRetryForSolverLogicError(t *testing.T) {
	opts := defaultOpts()
	opts.MaxRetries = 2

	factory := &fakeFactory{}
	exec := funcExecutor(func(context.Context, Session, Request) (map[string]any, error) {
		return nil, NewError(KindSolverLogic, "submit", errors.New("no submit endpoint found"))
	})
	eng := New(opts, factory, exec, nil)

	out := eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))

	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindSolverLogic, out.Kind)
	assert.Equal(t, 1, out.Attempts)
}

func TestSubmitExternalCancel(t *testing.T) {
	factory := &fakeFactory{}
	eng := New(defaultOpts(), factory, sleepExecutor(5*time.Second, true), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	out := eng.Submit(ctx, NewRequest("a@b.c", "s", "https://quiz.test"))

	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, KindExecutionStep, out.Kind)
	assert.Contains(t, out.Detail, "cancelled")
}

func TestSubmitNoSessionLeaksAcrossMixedOutcomes(t *testing.T) {
	opts := defaultOpts()
	opts.ExecTimeout = 40 * time.Millisecond
	opts.GracePeriod = 20 * time.Millisecond

	factory := &fakeFactory{}
	var n atomic.Int32
	exec := funcExecutor(func(ctx context.Context, sess Session, _ Request) (map[string]any, error) {
		switch n.Add(1) % 3 {
		case 0:
			return map[string]any{}, nil
		case 1:
			return nil, NewError(KindExecutionStep, "click", errors.New("element not found"))
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})
	eng := New(opts, factory, exec, nil)

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))
		}()
	}
	wg.Wait()

	created, down := factory.tornDown()
	assert.Equal(t, created, down,
		"session creations must equal teardowns across all outcome paths")
	assert.Equal(t, 0, eng.Pool().InUse(), "all slots must be released")
}

func TestOutcomeHookFiresOncePerRequest(t *testing.T) {
	factory := &fakeFactory{}
	var hookCalls atomic.Int32
	eng := New(defaultOpts(), factory, sleepExecutor(time.Millisecond, true), nil,
		WithOutcomeHook(func(Outcome) { hookCalls.Add(1) }))

	eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))
	eng.Submit(context.Background(), NewRequest("a@b.c", "s", "https://quiz.test"))

	assert.EqualValues(t, 2, hookCalls.Load())
}

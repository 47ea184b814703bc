package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlotPool is the single piece of state shared across concurrent tasks: a
// fixed set of slots plus a bounded FIFO wait queue. All bookkeeping is
// guarded by one mutex; sessions themselves are never shared.
type SlotPool struct {
	mu       sync.Mutex
	size     int
	maxQueue int
	ceiling  time.Duration // hard ceiling after which a held slot is reclaimed
	logger   *zap.Logger

	active  map[*Slot]struct{}
	waiters []*waiter
}

type waiter struct {
	ch chan *Slot // buffered: handoff never blocks Release
}

// Slot is a unit of worker capacity. Exactly one request occupies a slot at
// a time. Release is idempotent.
type Slot struct {
	pool       *SlotPool
	acquiredAt time.Time

	once sync.Once
}

// NewSlotPool creates a pool with the given capacity and queue bound.
// ceiling is the hard limit after which a slot that was never released is
// treated as stuck and reclaimed.
func NewSlotPool(size, maxQueue int, ceiling time.Duration, logger *zap.Logger) *SlotPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlotPool{
		size:     size,
		maxQueue: maxQueue,
		ceiling:  ceiling,
		logger:   logger,
		active:   make(map[*Slot]struct{}),
	}
}

// Acquire obtains a free slot, queueing FIFO behind earlier waiters for at
// most maxWait (or until ctx is cancelled). When the pool is saturated and
// the queue is full it rejects immediately without waiting.
func (p *SlotPool) Acquire(ctx context.Context, maxWait time.Duration) (*Slot, error) {
	p.mu.Lock()
	p.reclaimStuckLocked()

	if len(p.active) < p.size && len(p.waiters) == 0 {
		s := p.grantLocked()
		p.mu.Unlock()
		return s, nil
	}

	if p.maxQueue <= 0 || len(p.waiters) >= p.maxQueue {
		p.mu.Unlock()
		return nil, NewError(KindAdmissionRejected, "", errPoolSaturated)
	}

	w := &waiter{ch: make(chan *Slot, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case s := <-w.ch:
		return s, nil
	case <-ctx.Done():
		return nil, p.abandon(w, ctx.Err())
	case <-timer.C:
		return nil, p.abandon(w, errQueueWaitExceeded)
	}
}

// abandon removes w from the queue. If a slot was handed over concurrently
// it is put back so the next waiter gets it.
func (p *SlotPool) abandon(w *waiter, cause error) error {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case s := <-w.ch:
		s.Release()
	default:
	}
	return NewError(KindAdmissionRejected, "", cause)
}

// grantLocked registers and returns a fresh slot. Caller holds p.mu.
func (p *SlotPool) grantLocked() *Slot {
	s := &Slot{pool: p, acquiredAt: time.Now()}
	p.active[s] = struct{}{}
	return s
}

// reclaimStuckLocked force-releases slots held past the hard ceiling. A
// stuck slot is an internal defect, never a user-visible error; it must not
// block future reuse indefinitely. Caller holds p.mu.
func (p *SlotPool) reclaimStuckLocked() {
	if p.ceiling <= 0 {
		return
	}
	now := time.Now()
	for s := range p.active {
		if now.Sub(s.acquiredAt) > p.ceiling {
			s.once.Do(func() {}) // poison: the holder's late Release becomes a no-op
			delete(p.active, s)
			p.logger.Error("slot held past hard ceiling, reclaiming",
				zap.Duration("held", now.Sub(s.acquiredAt)),
				zap.Duration("ceiling", p.ceiling))
			if len(p.waiters) > 0 {
				w := p.waiters[0]
				p.waiters = p.waiters[1:]
				w.ch <- p.grantLocked()
			}
		}
	}
}

var (
	errPoolSaturated     = errors.New("slot pool saturated and wait queue full")
	errQueueWaitExceeded = errors.New("gave up waiting for a free slot")
)

// InUse returns the number of currently held slots.
func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// QueueLen returns the number of callers waiting for a slot.
func (p *SlotPool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Release returns the slot to the pool, waking the longest-waiting queued
// caller if any. Safe to call more than once; only the first call counts.
func (s *Slot) Release() {
	s.once.Do(func() {
		p := s.pool
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, held := p.active[s]; !held {
			// Already reclaimed by the stuck-slot ceiling.
			return
		}
		delete(p.active, s)
		// The handoff stays under the lock so a waiter abandoning
		// concurrently always finds the granted slot in its buffered
		// channel and puts it back.
		if len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			w.ch <- p.grantLocked()
		}
	})
}

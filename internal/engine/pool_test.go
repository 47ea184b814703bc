package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolAcquireRelease(t *testing.T) {
	p := NewSlotPool(2, 4, time.Minute, nil)

	s1, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, p.InUse())

	s1.Release()
	assert.Equal(t, 1, p.InUse())
	s2.Release()
	assert.Equal(t, 0, p.InUse())
}

func TestSlotPoolReleaseIdempotent(t *testing.T) {
	p := NewSlotPool(1, 0, time.Minute, nil)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	s.Release()
	s.Release()
	assert.Equal(t, 0, p.InUse())

	// The double release must not have created phantom capacity.
	s2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	s2.Release()
}

func TestSlotPoolRejectsWhenQueueDisabled(t *testing.T) {
	p := NewSlotPool(1, 0, time.Minute, nil)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer s.Release()

	_, err = p.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, KindAdmissionRejected, KindOf(err))
}

func TestSlotPoolRejectsWhenQueueFull(t *testing.T) {
	p := NewSlotPool(1, 1, time.Minute, nil)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	queued := make(chan struct{})
	go func() {
		s2, qerr := p.Acquire(context.Background(), time.Second)
		close(queued)
		if qerr == nil {
			s2.Release()
		}
	}()

	// Wait for the first waiter to enqueue, then the queue is full.
	require.Eventually(t, func() bool { return p.QueueLen() == 1 },
		time.Second, 5*time.Millisecond)

	_, err = p.Acquire(context.Background(), time.Second)
	require.Error(t, err)

	s.Release()
	<-queued
}

func TestSlotPoolFIFOOrdering(t *testing.T) {
	p := NewSlotPool(1, 8, time.Minute, nil)

	first, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, aerr := p.Acquire(context.Background(), 5*time.Second)
			if aerr != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			s.Release()
		}()
		// Serialize enqueue so arrival order is deterministic.
		require.Eventually(t, func() bool { return p.QueueLen() == i },
			time.Second, time.Millisecond)
	}

	first.Release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestSlotPoolQueueWaitTimeout(t *testing.T) {
	p := NewSlotPool(1, 4, time.Minute, nil)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer s.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, p.QueueLen(), "abandoned waiter must leave the queue")
}

func TestSlotPoolCallerCancellation(t *testing.T) {
	p := NewSlotPool(1, 4, time.Minute, nil)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx, time.Minute)
	require.Error(t, err)
	assert.Equal(t, 0, p.QueueLen())
}

func TestSlotPoolReleaseConcurrentWithAbandon(t *testing.T) {
	// A release handing a slot to a waiter must not lose the slot when that
	// waiter gives up at the same moment. Run many rounds to hit the window.
	for i := 0; i < 500; i++ {
		p := NewSlotPool(1, 1, 0, nil)

		held, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if s, aerr := p.Acquire(context.Background(), time.Microsecond); aerr == nil {
				s.Release()
			}
		}()
		go func() {
			defer wg.Done()
			held.Release()
		}()
		wg.Wait()

		require.Equal(t, 0, p.InUse(), "iteration %d: slot lost between release and abandon", i)
	}
}

func TestSlotPoolReclaimsStuckSlot(t *testing.T) {
	p := NewSlotPool(1, 0, 30*time.Millisecond, nil)

	stuck, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// The stuck slot is past the ceiling; admission reclaims it.
	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer s.Release()

	// The original holder's late release must be inert.
	stuck.Release()
	assert.Equal(t, 1, p.InUse())
}

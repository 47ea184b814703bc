package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	events := []Event{
		{Status: "success", At: time.Now()},
		{Status: "success", At: time.Now()},
		{Status: "timeout", Kind: "timeout", At: time.Now()},
		{Status: "rejected", Kind: "admission_rejected", At: time.Now()},
		{Status: "failed", Kind: "browser_launch_error", At: time.Now()},
		{Status: "failed", Kind: "browser_launch_error", At: time.Now()},
	}
	for _, ev := range events {
		require.NoError(t, store.Record(ctx, ev))
	}

	got, err := store.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), got.Success)
	assert.Equal(t, int64(1), got.Timeout)
	assert.Equal(t, int64(1), got.Rejected)
	assert.Equal(t, int64(2), got.Failed)
	assert.Equal(t, int64(2), got.ByKind["browser_launch_error"])
}

func TestMemoryStoreSnapshotIsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Record(ctx, Event{Status: "success", Kind: "x"}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	snap.ByKind["x"] = 99

	again, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.ByKind["x"])
}

func TestMemoryStoreConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = store.Record(ctx, Event{Status: "success"})
			}
		}()
	}
	wg.Wait()

	got, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.Success)
}

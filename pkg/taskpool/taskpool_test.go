package taskpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessesSubmittedTasks(t *testing.T) {
	var sum atomic.Int64
	var wg sync.WaitGroup

	p := New(2, 10, func(_ context.Context, n int64) error {
		defer wg.Done()
		sum.Add(n)
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := int64(1); i <= 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(i))
	}
	wg.Wait()
	require.NoError(t, p.Stop(time.Second))

	assert.EqualValues(t, 15, sum.Load())
	stats := p.Stats()
	assert.EqualValues(t, 5, stats.Submitted)
	assert.EqualValues(t, 5, stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestConcurrencyCap(t *testing.T) {
	const limit = 2
	var current, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	p := New(limit, 10, func(_ context.Context, _ int) error {
		defer wg.Done()
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := range 5 {
		wg.Add(1)
		require.NoError(t, p.Submit(i))
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(limit))

	close(release)
	wg.Wait()
	require.NoError(t, p.Stop(time.Second))
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestSubmitBeforeStart(t *testing.T) {
	p := New(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, p.Submit(1), ErrNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit(1), ErrStopped)
}

func TestFullQueueDrops(t *testing.T) {
	blocked := make(chan struct{})
	p := New(1, 1, func(context.Context, int) error {
		<-blocked
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	defer func() {
		close(blocked)
		_ = p.Stop(time.Second)
	}()

	// one task runs, one sits queued; the next submit must not block
	require.NoError(t, p.Submit(1))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Submit(2))

	err := p.Submit(3)
	assert.ErrorIs(t, err, ErrFull)
	assert.EqualValues(t, 1, p.Stats().Dropped)
}

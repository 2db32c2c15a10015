package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsWithinTopLevelLimit(t *testing.T) {
	s := New(context.Background(), Config{MergeThreadNum: 2, MergeChunkSubThreadNum: 2})

	started := make(chan struct{}, 3)
	release := make(chan struct{})

	task := func(ctx context.Context, pool *SubPool) error {
		started <- struct{}{}
		<-release
		return nil
	}

	require.NoError(t, s.Submit(task))
	require.NoError(t, s.Submit(task))

	require.Eventually(t, func() bool { return len(started) == 2 }, time.Second, time.Millisecond)

	err := s.Submit(task)
	require.ErrorIs(t, err, ErrPoolSaturated)

	close(release)
	require.NoError(t, s.Wait())
}

func TestWaitReturnsFirstTaskError(t *testing.T) {
	s := New(context.Background(), Config{MergeThreadNum: 4})
	boom := errors.New("boom")

	require.NoError(t, s.Submit(func(ctx context.Context, pool *SubPool) error { return boom }))
	err := s.Wait()
	require.ErrorIs(t, err, boom)
}

func TestTaskFailureCancelsSiblingTasks(t *testing.T) {
	s := New(context.Background(), Config{MergeThreadNum: 4})
	boom := errors.New("boom")

	var sawCancel bool
	var mu sync.Mutex
	ready := make(chan struct{})

	require.NoError(t, s.Submit(func(ctx context.Context, pool *SubPool) error {
		close(ready)
		<-ctx.Done()
		mu.Lock()
		sawCancel = true
		mu.Unlock()
		return ctx.Err()
	}))

	<-ready
	require.NoError(t, s.Submit(func(ctx context.Context, pool *SubPool) error { return boom }))

	_ = s.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.True(t, sawCancel, "a sibling task's failure must cancel this task's context")
}

func TestSubPoolFallsBackToInlineWhenSaturated(t *testing.T) {
	pool := NewSubPool(1)
	require.True(t, pool.TryAcquire())

	ran := false
	err := pool.Run(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran, "Run must execute inline when the pool is saturated, not block or error")

	pool.Release()
}

package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskRunner_BoundsConcurrency(t *testing.T) {
	req := require.New(t)
	runner := NewTaskRunner(3, time.Second)

	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		runner.Go("work", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(runner.Wait(ctx))
	req.LessOrEqual(peak.Load(), int32(3))
	req.Positive(peak.Load())
}

func TestTaskRunner_SurvivesErrorsAndPanics(t *testing.T) {
	req := require.New(t)
	runner := NewTaskRunner(2, time.Second)
	var after atomic.Bool

	runner.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	runner.Go("panics", func(ctx context.Context) error { panic("boom") })
	runner.Go("after", func(ctx context.Context) error {
		after.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(runner.Wait(ctx))
	req.True(after.Load())
}

func TestTaskRunner_TaskDeadline(t *testing.T) {
	req := require.New(t)
	runner := NewTaskRunner(1, 20*time.Millisecond)
	result := make(chan error, 1)

	runner.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-result:
		req.ErrorIs(err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		req.Fail("task deadline was not applied")
	}
}

func TestTaskRunner_WaitTimeout_CancelsRemaining(t *testing.T) {
	req := require.New(t)
	runner := NewTaskRunner(1, time.Minute)
	cancelled := make(chan struct{})

	runner.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req.ErrorIs(runner.Wait(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		req.Fail("stuck task was not cancelled")
	}
}

func TestTaskRunner_Go_AfterWait_IsRejected(t *testing.T) {
	req := require.New(t)
	runner := NewTaskRunner(2, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Given a runner that has already drained for shutdown
	req.NoError(runner.Wait(ctx))

	// When more work arrives
	var ran atomic.Bool
	accepted := runner.Go("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	// Then it is refused and never runs
	req.False(accepted)
	time.Sleep(20 * time.Millisecond)
	req.False(ran.Load())
}

func TestTaskRunner_Go_FullBacklog_IsRejected(t *testing.T) {
	req := require.New(t)
	runner := NewTaskRunner(1, time.Minute)
	release := make(chan struct{})

	// Given every slot and every backlog place is taken by a stuck task
	for i := 0; i < taskBacklogPerSlot; i++ {
		req.True(runner.Go("stuck", func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}))
	}

	// When one more task arrives
	// Then it is refused instead of parking another goroutine
	req.False(runner.Go("overflow", func(ctx context.Context) error { return nil }))

	// And the runner accepts work again once the backlog drains
	close(release)
	req.Eventually(func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.pending == 0
	}, 2*time.Second, 5*time.Millisecond)
	req.True(runner.Go("after", func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req.NoError(runner.Wait(ctx))
}

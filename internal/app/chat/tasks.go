package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/metrics"
)

// taskBacklogPerSlot sets how many tasks may wait for each concurrency slot before Go
// starts refusing work.
const taskBacklogPerSlot = 64

// TaskRunner runs fire-and-forget background work under supervision: a bounded number
// run at once, each gets a deadline, and every error or panic is logged here.
type TaskRunner struct {
	sem     *semaphore.Weighted
	timeout time.Duration

	// ctx is cancelled only when Wait gives up, so pending tasks stop waiting for a slot.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed and pending, and orders wg.Add before wg.Wait.
	mu         sync.Mutex
	closed     bool
	pending    int
	maxPending int

	wg sync.WaitGroup

	logger zerolog.Logger
}

// NewTaskRunner creates a runner that allows at most limit tasks to run concurrently,
// each bounded by timeout.
func NewTaskRunner(limit int64, timeout time.Duration) *TaskRunner {
	ctx, cancel := context.WithCancel(context.Background())

	return &TaskRunner{
		sem:        semaphore.NewWeighted(limit),
		timeout:    timeout,
		ctx:        ctx,
		cancel:     cancel,
		maxPending: int(limit) * taskBacklogPerSlot,
		logger:     logx.Component("TaskRunner"),
	}
}

// Go starts fn in the background. The caller never blocks on it. Go reports false, and
// fn never runs, once Wait has been called or when the backlog is full.
func (t *TaskRunner) Go(name string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		t.reject(name, "runner closed")
		return false
	case t.pending >= t.maxPending:
		t.mu.Unlock()
		t.reject(name, "backlog full")
		return false
	}
	t.pending++
	t.wg.Add(1)
	t.mu.Unlock()

	metrics.BackgroundTasksInflight.Inc()

	go func() {
		defer t.done()

		if err := t.sem.Acquire(t.ctx, 1); err != nil {
			t.logger.Error().Err(err).Str("task", name).Msg("Background task dropped before start.")
			return
		}
		defer t.sem.Release(1)

		if err := t.run(name, fn); err != nil {
			t.logger.Error().Err(err).Str("task", name).Msg("Background task failed.")
		}
	}()

	return true
}

func (t *TaskRunner) done() {
	metrics.BackgroundTasksInflight.Dec()

	t.mu.Lock()
	t.pending--
	t.mu.Unlock()

	t.wg.Done()
}

func (t *TaskRunner) reject(name, reason string) {
	metrics.PersistenceFailures.WithLabelValues("task_rejected").Inc()
	t.logger.Error().Str("task", name).Str("reason", reason).Msg("Background task rejected.")
}

func (t *TaskRunner) run(name string, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()

	return fn(ctx)
}

// Wait stops the runner from accepting tasks, then blocks until every started task has
// finished or ctx is done. In the latter case the remaining tasks are cancelled and
// ctx's error is returned.
func (t *TaskRunner) Wait(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.cancel()
		t.logger.Warn().Msg("Timed out waiting for background tasks. Cancelled the rest.")
		return ctx.Err()
	}
}

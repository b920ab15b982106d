package service

import (
	"context"
	"errors"
	"sync"

	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"

	"golang.org/x/sync/semaphore"
)

// ErrSchedulerClosed is returned by Schedule after Shutdown has begun.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// Scheduler starts task runs without blocking the caller.
type Scheduler interface {
	Schedule(taskID string) error
	// Accepting reports whether Schedule would take new tasks.
	Accepting() bool
	Shutdown(ctx context.Context) error
}

// RunFunc executes one task to completion.
type RunFunc func(ctx context.Context, taskID string) error

// PoolScheduler runs each task on its own goroutine, with at most limit runs
// active at once. Tasks beyond the limit wait in pending.
type PoolScheduler struct {
	run RunFunc
	sem *semaphore.Weighted
	log *logger.Logger

	queueCtx   context.Context // cancelled when Shutdown starts
	stopQueue  context.CancelFunc
	runCtx     context.Context // cancelled when Shutdown gives up waiting
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
}

// NewPoolScheduler creates a scheduler; limit <= 0 means one run at a time.
func NewPoolScheduler(limit int, run RunFunc, log *logger.Logger) *PoolScheduler {
	if limit <= 0 {
		limit = 1
	}
	queueCtx, stopQueue := context.WithCancel(context.Background())
	runCtx, cancelRuns := context.WithCancel(context.Background())
	return &PoolScheduler{
		run:        run,
		sem:        semaphore.NewWeighted(int64(limit)),
		log:        log,
		queueCtx:   queueCtx,
		stopQueue:  stopQueue,
		runCtx:     runCtx,
		cancelRuns: cancelRuns,
	}
}

// Schedule queues taskID and returns immediately.
func (s *PoolScheduler) Schedule(taskID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.queueCtx, 1); err != nil {
			// Shut down before a slot freed up; the task stays pending.
			return
		}
		defer s.sem.Release(1)
		if err := s.run(s.runCtx, taskID); err != nil {
			s.log.WithTask(taskID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Task run ended with error")
		}
	}()
	return nil
}

func (s *PoolScheduler) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Shutdown stops accepting tasks, drops queued ones and waits for active
// runs. If ctx expires first the active runs are cancelled.
func (s *PoolScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopQueue()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelRuns()
		return nil
	case <-ctx.Done():
		s.cancelRuns()
		<-done
		return ctx.Err()
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"
)

// ErrClosed is returned by Flush after the recorder has been closed.
var ErrClosed = errors.New("recorder closed")

// Sink receives task snapshots.
type Sink interface {
	Save(ctx context.Context, task models.AnalysisTask) error
}

// TaskArchive is a Sink that can also return everything it has saved, so the
// registry can be rebuilt after a restart.
type TaskArchive interface {
	Sink
	LoadAll(ctx context.Context) ([]models.AnalysisTask, error)
}

const saveTimeout = 5 * time.Second

// Recorder is a registry observer that forwards snapshots to its sinks on a
// background goroutine. Only the newest snapshot of a task is kept while a
// write is outstanding, so a slow sink never holds up the pipeline.
type Recorder struct {
	sinks []Sink
	log   *logger.Logger

	mu      sync.Mutex
	pending map[string]models.AnalysisTask
	order   []string
	closed  bool

	flushMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewRecorder starts a recorder writing to sinks.
func NewRecorder(log *logger.Logger, sinks ...Sink) *Recorder {
	r := &Recorder{
		sinks:   sinks,
		log:     log,
		pending: make(map[string]models.AnalysisTask),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// TaskChanged queues the snapshot and returns immediately.
func (r *Recorder) TaskChanged(task models.AnalysisTask) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, queued := r.pending[task.ID]; !queued {
		r.order = append(r.order, task.ID)
	}
	r.pending[task.ID] = task
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Flush writes every queued snapshot before returning.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return r.flush(ctx)
}

// Close stops accepting snapshots and writes the queued ones.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.stop)

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			_ = r.flush(context.Background())
		case <-r.stop:
			_ = r.flush(context.Background())
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	order, pending := r.order, r.pending
	r.order, r.pending = nil, make(map[string]models.AnalysisTask)
	r.mu.Unlock()

	var errs []error
	for _, id := range order {
		task := pending[id]
		for _, sink := range r.sinks {
			saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
			err := sink.Save(saveCtx, task)
			cancel()
			if err != nil {
				r.log.WithTask(id).WithError(models.ErrorInfo{
					Message: err.Error(),
					Type:    fmt.Sprintf("%T", sink),
				}).Warn("Failed to record task snapshot")
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

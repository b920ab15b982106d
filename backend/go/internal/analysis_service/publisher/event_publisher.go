package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"
)

// EventWriter delivers one progress event, e.g. to a Kafka topic.
type EventWriter interface {
	PublishTaskEvent(ctx context.Context, entry *models.TaskLogEntry) error
}

const (
	defaultBuffer   = 256
	publishTimeout  = 5 * time.Second
	terminalTimeout = time.Second
)

// EventPublisher is a registry observer that turns every committed task
// change into a TaskLogEntry and hands it to the writer in order. Progress
// events are dropped when the buffer is full; terminal events wait briefly
// for room.
type EventPublisher struct {
	writer  EventWriter
	log     *logger.Logger
	events  chan *models.TaskLogEntry
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewEventPublisher starts a publisher; buffer <= 0 uses a default size.
func NewEventPublisher(writer EventWriter, buffer int, log *logger.Logger) *EventPublisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	p := &EventPublisher{
		writer: writer,
		log:    log,
		events: make(chan *models.TaskLogEntry, buffer),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// TaskChanged queues an event for the snapshot.
func (p *EventPublisher) TaskChanged(task models.AnalysisTask) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	entry := models.NewTaskLogEntry(task)
	if task.Status.IsTerminal() {
		timer := time.NewTimer(terminalTimeout)
		defer timer.Stop()
		select {
		case p.events <- entry:
		case <-timer.C:
			p.drop(entry)
		}
		return
	}
	select {
	case p.events <- entry:
	default:
		p.drop(entry)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (p *EventPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events and waits for the queued ones to be written.
func (p *EventPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *EventPublisher) loop() {
	defer close(p.done)
	for entry := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.writer.PublishTaskEvent(ctx, entry)
		cancel()
		if err != nil {
			p.log.WithTask(entry.TaskID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to publish task event")
		}
	}
}

func (p *EventPublisher) drop(entry *models.TaskLogEntry) {
	n := p.dropped.Add(1)
	p.log.WithTask(entry.TaskID).WithPayload(map[string]interface{}{
		"status":  entry.Status,
		"dropped": n,
	}).Warn("Event buffer full, dropping task event")
}

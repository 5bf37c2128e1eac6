package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credit_ledger/internal/events"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/utils"
)

// BatchWriter persists a batch of records and returns where it was written
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*Record) (string, error)
}

// Worker drains the events queue into archive batches. A batch that still
// fails after MaxRetries uploads is dead-lettered event by event.
type Worker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	writer      BatchWriter
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a new archive worker
func NewWorker(q queue.Queue, dlq queue.DeadLetterQueue, writer BatchWriter, config *queue.Config) *Worker {
	if config == nil {
		config = queue.DefaultConfig("archive")
	}

	return &Worker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      utils.NewLogger("archive-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop flushes what is already queued and stops the worker
func (w *Worker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Archive worker stopping, flushing queue")
			w.drain(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			w.logger.Info("Archive worker context cancelled")
			return
		default:
			_, err := w.processBatch(ctx, w.config.BatchTimeout)
			switch {
			case errors.Is(err, queue.ErrQueueClosed):
				select {
				case <-w.stopChan:
				case <-ctx.Done():
				}
				return
			case err != nil:
				select {
				case <-time.After(time.Second):
				case <-w.stopChan:
				case <-ctx.Done():
				}
			}
		}
	}
}

// drain writes out whatever is left in the queue
func (w *Worker) drain(ctx context.Context) {
	for {
		n, err := w.processBatch(ctx, 10*time.Millisecond)
		if err != nil || n == 0 {
			return
		}
	}
}

// processBatch archives up to one batch and reports how many items it took.
func (w *Worker) processBatch(ctx context.Context, timeout time.Duration) (int, error) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
			w.logger.Error("Failed to dequeue events", "error", err)
		}
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	records := make([]*Record, 0, len(items))
	evs := make([]events.Event, 0, len(items))
	for _, item := range items {
		ev, err := unmarshalEvent(item)
		if err != nil {
			w.deadLetter(ctx, item, err, 0)
			continue
		}
		rec, err := RecordFromEvent(ev)
		if err != nil {
			w.deadLetter(ctx, ev, err, 0)
			continue
		}
		records = append(records, rec)
		evs = append(evs, ev)
	}

	if err := w.write(ctx, records); err != nil {
		w.logger.Error("Failed to archive batch", "count", len(records), "error", err)
		for _, ev := range evs {
			w.deadLetter(ctx, ev, err, w.config.MaxRetries)
		}
	}
	return len(items), nil
}

func (w *Worker) write(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(w.config.Backoff(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		if _, err := w.writer.WriteBatch(ctx, records); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, item interface{}, cause error, retries int) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Add(context.WithoutCancel(ctx), item, cause, retries); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "error", err)
	}
}

func unmarshalEvent(item interface{}) (events.Event, error) {
	var ev events.Event
	switch v := item.(type) {
	case events.Event:
		return v, nil
	case *events.Event:
		return *v, nil
	case json.RawMessage:
		return ev, json.Unmarshal(v, &ev)
	case []byte:
		return ev, json.Unmarshal(v, &ev)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return ev, fmt.Errorf("failed to marshal item: %w", err)
		}
		return ev, json.Unmarshal(data, &ev)
	}
}

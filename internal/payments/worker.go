package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credit_ledger/internal/models"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/utils"
)

// PaymentQueueWorker applies payments accepted by the webhook asynchronously.
// Transient failures are retried with backoff; permanent ones and exhausted
// retries go to the dead letter queue. A dequeued payment always ends up
// applied or dead-lettered, including when the worker stops mid-retry.
type PaymentQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	applier     *Applier
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewPaymentQueueWorker creates a new payment queue worker
func NewPaymentQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, applier *Applier, config *queue.Config) *PaymentQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("payments")
	}

	return &PaymentQueueWorker{
		queue:       q,
		dlq:         dlq,
		applier:     applier,
		config:      config,
		logger:      utils.NewLogger("payments-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *PaymentQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop applies what is already queued and stops the worker
func (w *PaymentQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds a payment confirmation to the queue
func (w *PaymentQueueWorker) Enqueue(ctx context.Context, p *models.Payment) error {
	return w.queue.Enqueue(ctx, p)
}

func (w *PaymentQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Payment worker stopping, draining queue")
			w.drain(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			w.logger.Info("Payment worker context cancelled, draining queue")
			w.drain(context.WithoutCancel(ctx))
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// drain processes whatever is left in the queue. Retries are cut short, so
// payments that fail transiently here are dead-lettered for a later replay.
func (w *PaymentQueueWorker) drain(ctx context.Context) {
	drained := 0
	for {
		items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, 10*time.Millisecond)
		if err != nil || len(items) == 0 {
			break
		}
		for _, item := range items {
			if err := w.processItem(ctx, item); err != nil {
				w.logger.Error("Failed to process payment during drain", "error", err)
			}
		}
		drained += len(items)
	}
	if drained > 0 {
		w.logger.Info("Drained payment queue", "count", drained)
	}
}

func (w *PaymentQueueWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			select {
			case <-w.stopChan:
			case <-ctx.Done():
			}
			return
		}
		w.logger.Error("Failed to dequeue payments", "error", err)
		w.sleep(ctx, time.Second)
		return
	}

	if len(items) == 0 {
		return
	}

	w.logger.Debug("Processing payment batch", "count", len(items))

	for _, item := range items {
		if err := w.processItem(ctx, item); err != nil {
			w.logger.Error("Failed to process payment", "error", err)
		}
	}
}

// processItem applies a single payment with retries
func (w *PaymentQueueWorker) processItem(ctx context.Context, item interface{}) error {
	var p models.Payment
	if err := unmarshalPayment(item, &p); err != nil {
		w.deadLetter(ctx, item, err, 0)
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.Backoff(attempt)
			w.logger.Debug("Retrying payment", "payment_id", p.ExternalPaymentID, "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				cause := fmt.Errorf("%w: %w", queue.ErrWorkerStopped, lastErr)
				w.deadLetter(ctx, &p, cause, attempt-1)
				return fmt.Errorf("payment %s: %w", p.ExternalPaymentID, cause)
			}
		}

		_, err := w.applier.Apply(ctx, &p)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			w.deadLetter(ctx, &p, err, attempt)
			return fmt.Errorf("payment %s rejected: %w", p.ExternalPaymentID, err)
		}
	}

	w.deadLetter(ctx, &p, lastErr, w.config.MaxRetries)
	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *PaymentQueueWorker) deadLetter(ctx context.Context, item interface{}, cause error, retries int) {
	if w.dlq == nil {
		w.logger.Error("Payment dropped, no dead letter queue configured", "item", item, "error", cause)
		return
	}
	if err := w.dlq.Add(context.WithoutCancel(ctx), item, cause, retries); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "error", err)
		return
	}
	w.logger.Warn("Payment moved to DLQ", "error", cause, "retries", retries)
}

// sleep waits for d and reports false if the worker was stopped first.
func (w *PaymentQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func unmarshalPayment(item interface{}, p *models.Payment) error {
	switch v := item.(type) {
	case *models.Payment:
		*p = *v
		return nil
	case models.Payment:
		*p = v
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case json.RawMessage:
		return json.Unmarshal(v, p)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return json.Unmarshal(data, p)
	}
}

// GetQueueLength returns the current queue length
func (w *PaymentQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *PaymentQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a dead-lettered payment. Re-applying is
// safe: an already-applied payment is a no-op.
func (w *PaymentQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		var p models.Payment
		if err := unmarshalPayment(dlItem.Item, &p); err != nil {
			return fmt.Errorf("dead letter item %s is not a payment: %w", id, err)
		}
		if err := w.queue.Enqueue(ctx, &p); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}

package queue

import (
	"context"
	"time"
)

// Package queue provides the asynchronous intake used around the ledger,
// with two backends:
//
// 1. Memory Queue (in-memory, channel-based):
//    - No persistence, data lost on restart
//    - Zero external dependencies
//    - Suitable for development and single-node deployments
//
// 2. Redis Queue (Redis List-based):
//    - Persistent across restarts
//    - Supports distributed workers
//
// Architecture:
//
//	┌──────────────┐          ┌──────────────┐
//	│ Payment      │          │ Ledger       │
//	│ webhook      │          │ events       │
//	└──────┬───────┘          └──────┬───────┘
//	       │                         │
//	       ▼                         ▼
//	┌──────────────┐          ┌──────────────┐
//	│ Payments     │          │ Archive      │
//	│ Queue        │          │ Queue        │
//	└──────┬───────┘          └──────┬───────┘
//	       │                         │
//	       ▼                         ▼
//	┌──────────────┐          ┌──────────────┐
//	│ Payment      │          │ Archive      │
//	│ Worker       │          │ Worker       │
//	└──────┬───────┘          └──────┬───────┘
//	       │ (retry)                 │
//	       ├─────────┐               │
//	       ▼         ▼               ▼
//	 ┌──────────┐ ┌─────┐      ┌──────────┐
//	 │ Payment  │ │ DLQ │      │ S3 JSONL │
//	 │ Applier  │ └─────┘      └──────────┘
//	 └──────────┘
//
// Features:
// - Batch processing
// - Retry with exponential backoff
// - Dead-letter queue for failed items
// - Graceful shutdown with queue draining

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// Dequeue retrieves items from the queue (up to maxItems)
	// Blocks until at least one item is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]interface{}, error)

	// DequeueWithTimeout retrieves items with a timeout
	// Returns items if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue defines the interface for handling failed items
type DeadLetterQueue interface {
	// Add adds a failed item to the dead letter queue with error info
	Add(ctx context.Context, item interface{}, err error, retries int) error

	// List retrieves items from the dead letter queue, oldest first
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string      `json:"id"`
	Item      interface{} `json:"item"`
	Error     string      `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
	Retries   int         `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff
	MaxRetryBackoff time.Duration

	// QueueName is the name/key for the queue
	QueueName string

	// BufferSize caps in-memory queues; zero means ten batches
	BufferSize int
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:       100,
		BatchTimeout:    5 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    1 * time.Second,
		MaxRetryBackoff: 30 * time.Second,
		QueueName:       queueName,
	}
}

// Backoff returns the wait before retry attempt n (1-based).
func (c *Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBackoff << (attempt - 1)
	if d <= 0 || (c.MaxRetryBackoff > 0 && d > c.MaxRetryBackoff) {
		d = c.MaxRetryBackoff
	}
	return d
}

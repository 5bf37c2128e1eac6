package queue

import "errors"

var (
	// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once
	// a closed queue has handed out its buffered items.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when a dead letter id does not exist
	ErrItemNotFound = errors.New("item not found")

	// ErrMaxRetriesExceeded wraps the last error of an item that used up its retries
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrWorkerStopped marks an item a worker gave up on because it was
	// stopped between retries. The item is dead-lettered, not dropped.
	ErrWorkerStopped = errors.New("worker stopped before retry")
)

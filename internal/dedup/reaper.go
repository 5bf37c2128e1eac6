package dedup

import (
	"context"
	"time"

	"credit_ledger/internal/utils"
)

// Reaper periodically purges expired entries. Correctness never depends on
// it running: lookups compare expiry timestamps themselves.
type Reaper struct {
	expirers    []Expirer
	interval    time.Duration
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewReaper creates a reaper for the caches that implement Expirer; the
// others are skipped.
func NewReaper(interval time.Duration, caches ...Cache) *Reaper {
	var expirers []Expirer
	for _, c := range caches {
		if e, ok := c.(Expirer); ok {
			expirers = append(expirers, e)
		}
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{
		expirers:    expirers,
		interval:    interval,
		logger:      utils.NewLogger("dedup-reaper"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the reaper goroutine
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the reaper and waits for it to exit
func (r *Reaper) Stop() error {
	close(r.stopChan)
	<-r.stoppedChan
	return nil
}

// ReapOnce purges every cache once and returns the number of removed entries
func (r *Reaper) ReapOnce(ctx context.Context) int {
	total := 0
	for _, e := range r.expirers {
		n, err := e.DeleteExpired(ctx)
		if err != nil {
			r.logger.Warn("Failed to purge expired dedup entries", "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		r.logger.Debug("Purged expired dedup entries", "count", total)
	}
	return total
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.stoppedChan)

	if len(r.expirers) == 0 {
		select {
		case <-r.stopChan:
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the background sweep runs. Drift between
// the ledger and the usage log is rare, so five minutes keeps the query
// load negligible while still catching problems quickly.
const DefaultInterval = 5 * time.Minute

// Timer drives the periodic ledger-vs-usage sweep. The admin endpoint
// can trigger the same runner on demand.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a timer with the default interval.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		interval: DefaultInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop terminates the loop. Safe to call more than once, and before
// Start has begun.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation sweep failed", "error", err)
	}
}

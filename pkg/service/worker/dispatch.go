package worker

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/secmon-lab/herald/pkg/usecase"
	"github.com/secmon-lab/herald/pkg/utils/errutil"
	"github.com/secmon-lab/herald/pkg/utils/logging"
)

const (
	DefaultLockKey = "herald:dispatch"
	DefaultLockTTL = 30 * time.Second
)

// Dispatcher sends the messages that are due
type Dispatcher interface {
	DispatchDue(ctx context.Context) (*usecase.DispatchReport, error)
}

// Recoverer aborts bulk runs whose executor stopped renewing them
type Recoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// DispatchWorker scans for due messages on a fixed interval.
//
// Several instances may run against the same store: per-message claims keep
// each message from being sent twice. The optional Redis lock only keeps
// instances from scanning at the same time.
type DispatchWorker struct {
	dispatcher Dispatcher
	interval   time.Duration

	recoverer Recoverer

	locker  *redislock.Client
	lockKey string
	lockTTL time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

type Option func(*DispatchWorker)

// WithLock serializes scans across instances through a Redis lock
func WithLock(locker *redislock.Client, key string, ttl time.Duration) Option {
	return func(w *DispatchWorker) {
		w.locker = locker
		if key != "" {
			w.lockKey = key
		}
		if ttl > 0 {
			w.lockTTL = ttl
		}
	}
}

// WithRunRecovery sweeps for bulk runs with an expired lease after every scan
func WithRunRecovery(r Recoverer) Option {
	return func(w *DispatchWorker) {
		w.recoverer = r
	}
}

func NewDispatchWorker(dispatcher Dispatcher, interval time.Duration, opts ...Option) *DispatchWorker {
	w := &DispatchWorker{
		dispatcher: dispatcher,
		interval:   interval,
		lockKey:    DefaultLockKey,
		lockTTL:    DefaultLockTTL,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the first scan and the ticker loop in the background
func (w *DispatchWorker) Start(ctx context.Context) error {
	logging.From(ctx).Info("dispatch worker starting",
		"interval", w.interval.String(), "distributed_lock", w.locker != nil)

	go w.run(ctx)
	return nil
}

// Stop signals the worker to stop and waits for the current scan to finish
func (w *DispatchWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	logging.Default().Info("dispatch worker stopped")
}

func (w *DispatchWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)

		case <-w.stopCh:
			return

		case <-ctx.Done():
			logging.From(ctx).Info("dispatch worker context cancelled")
			return
		}
	}
}

// tick runs one scan. It reports false when another instance holds the lock.
func (w *DispatchWorker) tick(ctx context.Context) bool {
	if w.locker != nil {
		lock, err := w.locker.Obtain(ctx, w.lockKey, w.lockTTL, nil)
		switch {
		case errors.Is(err, redislock.ErrNotObtained):
			logging.From(ctx).Debug("dispatch scan skipped, lock held elsewhere")
			return false
		case err != nil:
			// Claims still prevent double sends, so the scan goes on unlocked.
			logging.From(ctx).Warn("failed to obtain dispatch lock, scanning without it", "error", err.Error())
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
					logging.From(ctx).Warn("failed to release dispatch lock", "error", err.Error())
				}
			}()
		}
	}

	report, err := w.dispatcher.DispatchDue(ctx)
	if err != nil {
		_ = errutil.Handle(ctx, err, "dispatch scan failed (will retry next interval)")
	} else if report.Late > 0 {
		logging.From(ctx).Warn("late messages dispatched", "late", report.Late)
	}

	if w.recoverer != nil {
		if n, err := w.recoverer.RecoverInterrupted(ctx); err != nil {
			_ = errutil.Handle(ctx, err, "bulk run recovery failed")
		} else if n > 0 {
			logging.From(ctx).Warn("bulk runs with an expired lease marked interrupted", "count", n)
		}
	}
	return true
}

package worker

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler is the part of the escrow engine the worker drives.
type Reconciler interface {
	PendingEscrows() []string
	Reconcile(ctx context.Context, id string) error
}

// Worker completes in-flight settlements. It polls on a fixed interval and,
// when head endpoints are configured, also on every new block.
type Worker struct {
	Engine              Reconciler
	Interval            time.Duration
	WSEndpoints         []string
	WSFailoverThreshold int
	Logger              *slog.Logger

	wake chan struct{}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func (w *Worker) Run(ctx context.Context) {
	w.wake = make(chan struct{}, 1)
	if len(w.WSEndpoints) > 0 {
		go w.RunWS(ctx)
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.SyncOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// Trigger requests an early sync. Calls while one is queued are coalesced.
func (w *Worker) Trigger() {
	if w.wake == nil {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// SyncOnce reconciles every pending escrow and returns how many are still
// pending afterwards.
func (w *Worker) SyncOnce(ctx context.Context) int {
	ids := w.Engine.PendingEscrows()
	if len(ids) == 0 {
		return 0
	}
	w.logger().Debug("reconcile pending settlements", "pending", len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := w.Engine.Reconcile(ctx, id); err != nil {
			w.logger().Warn("reconcile failed", "escrow_id", id, "err", err)
		}
	}
	return len(w.Engine.PendingEscrows())
}

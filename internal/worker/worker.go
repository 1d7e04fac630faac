package worker

import (
	"context"
	"errors"
	"time"

	"CryptoPayRecon/internal/lock"

	"go.uber.org/zap"
)

// Worker triggers reconciliation runs on a fixed interval and whenever it is poked.
type Worker struct {
	Reconciler *Reconciler
	Interval   time.Duration
	WSEndpoint string
	Logger     *zap.Logger

	poke chan struct{}
}

func New(r *Reconciler, interval time.Duration, wsEndpoint string, logger *zap.Logger) *Worker {
	return &Worker{
		Reconciler: r,
		Interval:   interval,
		WSEndpoint: wsEndpoint,
		Logger:     logger,
		poke:       make(chan struct{}, 1),
	}
}

// Poke requests a run as soon as the current one is done. Pokes coalesce.
func (w *Worker) Poke() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

func (w *Worker) Run(ctx context.Context) {
	go w.RunWS(ctx)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.poke:
		}
	}
}

func (w *Worker) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := w.Reconciler.Run(ctx, RunOptions{})
	if err != nil && !errors.Is(err, lock.ErrLocked) && !errors.Is(err, context.Canceled) {
		w.Logger.Warn("reconciliation run did not complete, retrying on next tick", zap.Error(err))
	}
}

package worker

import (
	"context"
	"time"

	"CryptoPayRecon/internal/chain"

	"go.uber.org/zap"
)

const (
	wsRetryDelay     = 3 * time.Second
	wsReconnectDelay = 2 * time.Second
)

// RunWS subscribes to new chain heads and pokes the worker for each one.
// The ticker keeps runs going while the subscription is down.
func (w *Worker) RunWS(ctx context.Context) {
	if w.WSEndpoint == "" {
		w.Logger.Info("ws disabled: ws_endpoint is empty")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		client := chain.NewWSClient(w.WSEndpoint)
		if err := client.Connect(ctx); err != nil {
			w.Logger.Warn("ws connect failed", zap.String("endpoint", w.WSEndpoint), zap.Error(err))
			sleep(ctx, wsRetryDelay)
			continue
		}
		w.Logger.Info("ws connected", zap.String("endpoint", w.WSEndpoint))

		if err := client.SubscribeNewHeads(ctx); err != nil {
			w.Logger.Warn("ws subscribe failed", zap.Error(err))
			client.Close()
			sleep(ctx, wsRetryDelay)
			continue
		}

		w.readHeads(ctx, client)
		client.Close()
		sleep(ctx, wsReconnectDelay)
	}
}

func (w *Worker) readHeads(ctx context.Context, client *chain.WSClient) {
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	for {
		msg, err := client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.Logger.Warn("ws read failed", zap.Error(err))
			}
			return
		}

		number, ok, err := chain.ParseHead(msg)
		if err != nil {
			w.Logger.Warn("ws parse failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		w.Logger.Debug("new chain head", zap.Uint64("block", number))
		w.Poke()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

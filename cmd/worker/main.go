package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"CryptoPayRecon/internal/app"
	"CryptoPayRecon/internal/chain"
	"CryptoPayRecon/internal/config"
	"CryptoPayRecon/internal/logger"
	"CryptoPayRecon/internal/tracing"
	"CryptoPayRecon/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer lg.Sync()

	shutdownTracing, err := tracing.Init("crypto-pay-recon-worker", cfg.Tracing.JaegerEndpoint)
	if err != nil {
		lg.Fatal("tracing init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	wsEndpoint := cfg.Chain.WSEndpoint
	if wsEndpoint == "" {
		wsEndpoint = chain.DefaultWSEndpoint(a.Chain.BaseURL())
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("metrics server error", zap.Error(err))
		}
	}()

	w := worker.New(a.Reconciler, cfg.Worker.Interval(), wsEndpoint, lg)
	lg.Info("worker started",
		zap.String("rpc", a.Chain.BaseURL()),
		zap.String("ws", wsEndpoint),
		zap.Duration("interval", cfg.Worker.Interval()),
	)
	w.Run(ctx)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctxShutdown)
	_ = shutdownTracing(ctxShutdown)
}

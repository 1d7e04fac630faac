package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CryptoPayRecon/internal/app"
	"CryptoPayRecon/internal/config"
	internalhttp "CryptoPayRecon/internal/http"
	"CryptoPayRecon/internal/logger"
	"CryptoPayRecon/internal/services"
	"CryptoPayRecon/internal/tracing"

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

	shutdownTracing, err := tracing.Init("crypto-pay-recon-api", cfg.Tracing.JaegerEndpoint)
	if err != nil {
		lg.Fatal("tracing init failed", zap.Error(err))
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	orderSvc := services.OrderService{
		Store:      a.Store,
		Reconciler: a.Reconciler,
		RunTimeout: cfg.Worker.TriggerTimeout(),
	}
	h := internalhttp.NewHandler(orderSvc, lg)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		lg.Info("api listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	_ = shutdownTracing(ctxShutdown)
}

package app

import (
	"context"
	"fmt"

	"CryptoPayRecon/internal/chain"
	"CryptoPayRecon/internal/config"
	"CryptoPayRecon/internal/db"
	"CryptoPayRecon/internal/lock"
	"CryptoPayRecon/internal/models"
	"CryptoPayRecon/internal/notify"
	"CryptoPayRecon/internal/payments"
	"CryptoPayRecon/internal/store"
	"CryptoPayRecon/internal/worker"

	"go.uber.org/zap"
)

// App holds the dependencies shared by the api and worker processes.
type App struct {
	Store      *store.Store
	Chain      *chain.MultiRPCClient
	Reconciler *worker.Reconciler

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}
	if err := a.build(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	a.Store = store.New(pool)

	rpc, err := chain.NewMultiRPCClient(cfg.Chain.RPCEndpoints, cfg.Chain.RPCFailoverThreshold, chain.Options{
		BatchSize:        cfg.Chain.BatchSize,
		BatchConcurrency: cfg.Chain.BatchConcurrency,
		Timeout:          cfg.Chain.Timeout(),
		Logger:           logger.Named("chain"),
	})
	if err != nil {
		return fmt.Errorf("rpc client: %w", err)
	}
	a.closers = append(a.closers, rpc.Close)
	a.Chain = rpc

	tokens := make([]payments.Token, 0, len(cfg.Chain.Tokens))
	for _, t := range cfg.Chain.Tokens {
		tokens = append(tokens, payments.Token{
			Method:   models.PaymentMethod(t.Symbol),
			Address:  t.Address,
			Decimals: t.Decimals,
		})
	}

	engine, err := payments.NewEngine(cfg.Worker.ToleranceFactor)
	if err != nil {
		return err
	}

	var locker lock.Locker
	if cfg.Redis.Addr != "" {
		rl, err := lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = rl.Close() })
		locker = rl
	} else {
		logger.Warn("redis not configured, run lock is process local")
		locker = lock.NewLocalLocker()
	}

	var notifier notify.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.ConfirmationTopic, logger)
		a.closers = append(a.closers, func() { _ = kn.Close() })
		notifier = kn
	} else {
		logger.Warn("kafka not configured, confirmations are only logged")
		notifier = notify.LogNotifier{Logger: logger}
	}

	a.Reconciler = &worker.Reconciler{
		Store: a.Store,
		Chain: rpc,
		Extractor: &payments.Extractor{
			Chain:           rpc,
			ReceivingWallet: cfg.Chain.ReceivingWallet,
			NativeMethod:    models.PaymentMethod(cfg.Chain.NativeSymbol),
			NativeDecimals:  int32(cfg.Chain.NativeDecimals),
			Tokens:          tokens,
			Logger:          logger,
		},
		Engine:            engine,
		Notifier:          notifier,
		Locker:            locker,
		Logger:            logger,
		ConfirmDelay:      uint64(cfg.Chain.ConfirmDelay),
		Lookback:          uint64(cfg.Worker.LookbackBlocks),
		MaxCatchup:        uint64(cfg.Worker.MaxCatchupBlocks),
		OrderConcurrency:  cfg.Worker.OrderConcurrency,
		NotifyRetryWindow: cfg.Worker.NotifyRetryWindow(),
		LockTTL:           cfg.Worker.RunLockTTL(),
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

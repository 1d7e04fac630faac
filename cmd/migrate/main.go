package main

import (
	"errors"
	"flag"
	"log"

	"CryptoPayRecon/internal/config"
	"CryptoPayRecon/internal/logger"
	"CryptoPayRecon/internal/store"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"
)

func main() {
	down := flag.Bool("down", false, "roll back the most recent migration")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer lg.Sync()

	m, err := store.NewMigrator(cfg.DB.DSN)
	if err != nil {
		lg.Fatal("migrator init failed", zap.Error(err))
	}
	defer m.Close()

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		lg.Fatal("migrate failed", zap.Bool("down", *down), zap.Error(err))
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		lg.Fatal("read version failed", zap.Error(err))
	}
	lg.Info("schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
}

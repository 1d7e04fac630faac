package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const defaultPath = "configs/config.yaml"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"db"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Chain   ChainConfig   `yaml:"chain"`
	Worker  WorkerConfig  `yaml:"worker"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"SERVER_ADDR"`
}

type DBConfig struct {
	DSN string `yaml:"dsn" env:"DB_DSN"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type KafkaConfig struct {
	Brokers           []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	ConfirmationTopic string   `yaml:"confirmation_topic" env:"KAFKA_CONFIRMATION_TOPIC"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	Env   string `yaml:"env" env:"APP_ENV"`
}

type TracingConfig struct {
	JaegerEndpoint string `yaml:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
}

type ChainConfig struct {
	RPCEndpoints         []string  `yaml:"rpc_endpoints" env:"RPC_ENDPOINTS" envSeparator:","`
	WSEndpoint           string    `yaml:"ws_endpoint" env:"WS_ENDPOINT"`
	ReceivingWallet      string    `yaml:"receiving_wallet" env:"RECEIVING_WALLET"`
	NativeSymbol         string    `yaml:"native_symbol" env:"NATIVE_SYMBOL"`
	NativeDecimals       int       `yaml:"native_decimals" env:"NATIVE_DECIMALS"`
	Tokens               TokenList `yaml:"tokens" env:"TOKENS"`
	ConfirmDelay         int64     `yaml:"confirm_delay" env:"CONFIRM_DELAY"`
	BatchSize            int       `yaml:"batch_size" env:"RPC_BATCH_SIZE"`
	BatchConcurrency     int       `yaml:"batch_concurrency" env:"RPC_BATCH_CONCURRENCY"`
	RPCFailoverThreshold int       `yaml:"rpc_failover_threshold" env:"RPC_FAILOVER_THRESHOLD"`
	TimeoutSeconds       int       `yaml:"timeout_seconds" env:"RPC_TIMEOUT_SECONDS"`
}

type WorkerConfig struct {
	IntervalSeconds    int64           `yaml:"interval_seconds" env:"WORKER_INTERVAL_SECONDS"`
	LookbackBlocks     int64           `yaml:"lookback_blocks" env:"WORKER_LOOKBACK_BLOCKS"`
	MaxCatchupBlocks   int64           `yaml:"max_catchup_blocks" env:"WORKER_MAX_CATCHUP_BLOCKS"`
	OrderConcurrency   int             `yaml:"order_concurrency" env:"WORKER_ORDER_CONCURRENCY"`
	Tolerance          string          `yaml:"tolerance" env:"COMPLETION_TOLERANCE"`
	NotifyRetryMinutes int64           `yaml:"notify_retry_minutes" env:"NOTIFY_RETRY_MINUTES"`
	RunLockTTLSeconds  int64           `yaml:"run_lock_ttl_seconds" env:"RUN_LOCK_TTL_SECONDS"`
	TriggerTimeoutSecs int64           `yaml:"trigger_timeout_seconds" env:"TRIGGER_TIMEOUT_SECONDS"`
	MetricsAddr        string          `yaml:"metrics_addr" env:"WORKER_METRICS_ADDR"`
	ToleranceFactor    decimal.Decimal `yaml:"-"`
}

type Token struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// TokenList parses "SYMBOL:0xaddress:decimals" entries separated by commas.
type TokenList []Token

func (l *TokenList) UnmarshalText(text []byte) error {
	var out TokenList
	for _, entry := range splitCommaList(string(text)) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return fmt.Errorf("token %q: want SYMBOL:ADDRESS:DECIMALS", entry)
		}
		dec, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 32)
		if err != nil {
			return fmt.Errorf("token %q: decimals: %w", entry, err)
		}
		out = append(out, Token{
			Symbol:   strings.TrimSpace(parts[0]),
			Address:  strings.TrimSpace(parts[1]),
			Decimals: int32(dec),
		})
	}
	*l = out
	return nil
}

func (w WorkerConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

func (w WorkerConfig) NotifyRetryWindow() time.Duration {
	return time.Duration(w.NotifyRetryMinutes) * time.Minute
}

func (w WorkerConfig) RunLockTTL() time.Duration {
	return time.Duration(w.RunLockTTLSeconds) * time.Second
}

func (w WorkerConfig) TriggerTimeout() time.Duration {
	return time.Duration(w.TriggerTimeoutSecs) * time.Second
}

func (c ChainConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads the YAML file (if any), a .env file (if any), applies environment
// overrides and validates the result. An explicit path must exist; the default one may not.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = defaultPath
	}

	cfg := seedDefaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// seedDefaults sets the defaults for settings where zero is meaningful, so
// only an absent key falls back to them.
func seedDefaults() Config {
	var cfg Config
	cfg.Chain.ConfirmDelay = 6
	cfg.Worker.MaxCatchupBlocks = 5000
	cfg.Worker.NotifyRetryMinutes = 24 * 60
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Env == "" {
		cfg.Log.Env = "development"
	}
	if cfg.Kafka.ConfirmationTopic == "" {
		cfg.Kafka.ConfirmationTopic = "order-confirmations"
	}
	if cfg.Chain.NativeSymbol == "" {
		cfg.Chain.NativeSymbol = "ETH"
	}
	if cfg.Chain.NativeDecimals == 0 {
		cfg.Chain.NativeDecimals = 18
	}
	if cfg.Chain.BatchSize <= 0 {
		cfg.Chain.BatchSize = 20
	}
	if cfg.Chain.BatchConcurrency <= 0 {
		cfg.Chain.BatchConcurrency = 2
	}
	if cfg.Chain.RPCFailoverThreshold <= 0 {
		cfg.Chain.RPCFailoverThreshold = 3
	}
	if cfg.Chain.TimeoutSeconds <= 0 {
		cfg.Chain.TimeoutSeconds = 10
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 15
	}
	if cfg.Worker.LookbackBlocks <= 0 {
		cfg.Worker.LookbackBlocks = 500
	}
	if cfg.Worker.OrderConcurrency <= 0 {
		cfg.Worker.OrderConcurrency = 4
	}
	if cfg.Worker.Tolerance == "" {
		cfg.Worker.Tolerance = "0.99"
	}
	if cfg.Worker.RunLockTTLSeconds <= 0 {
		cfg.Worker.RunLockTTLSeconds = 120
	}
	if cfg.Worker.TriggerTimeoutSecs <= 0 {
		cfg.Worker.TriggerTimeoutSecs = 30
	}
	if cfg.Worker.MetricsAddr == "" {
		cfg.Worker.MetricsAddr = ":9100"
	}
}

func (cfg *Config) validate() error {
	if cfg.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if len(cfg.Chain.RPCEndpoints) == 0 {
		return errors.New("chain.rpc_endpoints is required")
	}
	if !common.IsHexAddress(cfg.Chain.ReceivingWallet) {
		return fmt.Errorf("chain.receiving_wallet %q is not an EVM address", cfg.Chain.ReceivingWallet)
	}
	if cfg.Chain.ConfirmDelay < 0 {
		return errors.New("chain.confirm_delay must not be negative")
	}
	if cfg.Worker.MaxCatchupBlocks < 0 {
		return errors.New("worker.max_catchup_blocks must not be negative")
	}

	seen := map[string]struct{}{strings.ToUpper(cfg.Chain.NativeSymbol): {}}
	for _, t := range cfg.Chain.Tokens {
		if t.Symbol == "" {
			return errors.New("chain.tokens: symbol is required")
		}
		key := strings.ToUpper(t.Symbol)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("chain.tokens: duplicate payment method %q", t.Symbol)
		}
		seen[key] = struct{}{}
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("chain.tokens: %s address %q is not an EVM address", t.Symbol, t.Address)
		}
		if t.Decimals < 0 || t.Decimals > 77 {
			return fmt.Errorf("chain.tokens: %s decimals %d out of range", t.Symbol, t.Decimals)
		}
	}

	tol, err := decimal.NewFromString(cfg.Worker.Tolerance)
	if err != nil {
		return fmt.Errorf("worker.tolerance: %w", err)
	}
	if !tol.IsPositive() || tol.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("worker.tolerance %s must be in (0, 1)", cfg.Worker.Tolerance)
	}
	cfg.Worker.ToleranceFactor = tol
	return nil
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName          = "ChunkVault"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultChunkSize        = "0.001"
	defaultDepositTTL       = 30 * time.Minute
	defaultDepositPoll      = 5 * time.Minute
	defaultDepositAttempts  = 6
	defaultDepositRateLimit = 10
	defaultMaxWatchers      = 1024
	defaultConfirmations    = 12
	defaultInterestRate     = "0.002"
	defaultInterestWindow   = 7 * 24 * time.Hour
	defaultInterestSchedule = "0 0 * * 0"
	defaultKafkaTopic       = "chunkvault-events"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	Chain    ChainConfig
	Deposit  DepositConfig
	Interest InterestConfig
	Kafka    KafkaConfig
}

// ChainConfig describes the settlement network connection.
type ChainConfig struct {
	RPCURL        string
	Confirmations uint64
	// ChunkSize is the withdrawal denomination in ether.
	ChunkSize decimal.Decimal
}

// DepositConfig bounds deposit address watchers.
type DepositConfig struct {
	TTL          time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	MaxWatchers  int
	// RatePerMinute caps deposit address requests per user; 0 disables the limit.
	RatePerMinute int
}

// InterestConfig drives the periodic accrual job.
type InterestConfig struct {
	Rate     decimal.Decimal
	Window   time.Duration
	Schedule string
}

// KafkaConfig enables the Kafka notifier when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		Chain: ChainConfig{
			RPCURL: os.Getenv("ETH_RPC_URL"),
		},
		Interest: InterestConfig{
			Schedule: getEnv("INTEREST_SCHEDULE", defaultInterestSchedule),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = getDuration("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.Deposit.TTL, err = getDuration("DEPOSIT_TTL", defaultDepositTTL); err != nil {
		return Config{}, err
	}
	if cfg.Deposit.PollInterval, err = getDuration("DEPOSIT_POLL_INTERVAL", defaultDepositPoll); err != nil {
		return Config{}, err
	}
	if cfg.Deposit.MaxAttempts, err = getInt("DEPOSIT_MAX_ATTEMPTS", defaultDepositAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Deposit.MaxWatchers, err = getInt("DEPOSIT_MAX_WATCHERS", defaultMaxWatchers); err != nil {
		return Config{}, err
	}
	if cfg.Deposit.RatePerMinute, err = getInt("DEPOSIT_RATE_PER_MINUTE", defaultDepositRateLimit); err != nil {
		return Config{}, err
	}
	confirmations, err := getInt("ETH_CONFIRMATIONS", defaultConfirmations)
	if err != nil {
		return Config{}, err
	}
	if confirmations < 0 {
		return Config{}, fmt.Errorf("invalid ETH_CONFIRMATIONS: must not be negative")
	}
	cfg.Chain.Confirmations = uint64(confirmations)
	if cfg.Chain.ChunkSize, err = getDecimal("CHUNK_SIZE_ETH", defaultChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.Interest.Rate, err = getDecimal("INTEREST_RATE", defaultInterestRate); err != nil {
		return Config{}, err
	}
	if cfg.Interest.Window, err = getDuration("INTEREST_WINDOW", defaultInterestWindow); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !c.Chain.ChunkSize.IsPositive() {
		return fmt.Errorf("CHUNK_SIZE_ETH must be positive")
	}
	if c.Interest.Rate.IsNegative() {
		return fmt.Errorf("INTEREST_RATE must not be negative")
	}
	if c.Deposit.PollInterval <= 0 || c.Deposit.TTL <= 0 {
		return fmt.Errorf("deposit TTL and poll interval must be positive")
	}
	if c.Deposit.MaxAttempts <= 0 {
		return fmt.Errorf("DEPOSIT_MAX_ATTEMPTS must be positive")
	}
	if c.IsDevelopment() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("ETH_RPC_URL must be set")
	}
	return nil
}

// IsDevelopment reports whether in-memory fallbacks are permitted.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts either a Go duration ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

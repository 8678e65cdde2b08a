package infra

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chunkvault/chunkvault/internal/config"
)

// Backends holds the shared storage connections. A nil field means the
// backend is not configured and in-memory fallbacks should be used.
type Backends struct {
	DB    *pgxpool.Pool
	Cache *redis.Client
}

// Open connects to every configured backend and migrates the database schema.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	if cfg.DatabaseURL != "" {
		if err := RunMigrations(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		db, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.DB = db
		logger.Info("postgres connected")
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
	}

	if cfg.RedisURL != "" {
		cache, err := NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Cache = cache
		logger.Info("redis connected")
	} else {
		logger.Warn("REDIS_URL not set; idempotency and rate limits disabled, locks are process-local")
	}
	return b, nil
}

// Close releases every open connection.
func (b *Backends) Close() {
	if b.DB != nil {
		b.DB.Close()
	}
	if b.Cache != nil {
		_ = b.Cache.Close()
	}
}

package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chunkvault/chunkvault/internal/chunk"
	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/deposit"
	"github.com/chunkvault/chunkvault/internal/identity"
	"github.com/chunkvault/chunkvault/internal/interest"
	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/lock"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/middleware"
	"github.com/chunkvault/chunkvault/internal/notification"
	"github.com/chunkvault/chunkvault/internal/settlement"
	"github.com/chunkvault/chunkvault/internal/tasks"
	"github.com/chunkvault/chunkvault/internal/withdrawal"
)

// lockTTL bounds how long a crashed instance can hold a withdrawal or
// interest-period lock.
const lockTTL = 5 * time.Minute

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Network  settlement.Network
	Tasks    *tasks.Registry
	Notifier notification.Notifier
}

// Services are the domain services built by Setup. The server uses them for
// startup hooks that run outside a request.
type Services struct {
	Ledger      ledger.Ledger
	Identity    *identity.Service
	Pool        *chunk.Pool
	Deposits    *deposit.Monitor
	Withdrawals *withdrawal.Service
	Interest    *interest.Scheduler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	svc, err := buildServices(d)
	if err != nil {
		return nil, err
	}

	// A nil *redis.Client must not reach the middlewares as a non-nil interface.
	var cache redis.UniversalClient
	if d.Cache != nil {
		cache = d.Cache
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(logging.Component(d.Logger, "http")))

	RegisterHealthRoutes(app, d, svc)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	RegisterIdentityRoutes(api, identity.NewHandler(svc.Identity), cache)

	// Caller routes
	protected := api.Group("", middleware.Caller(svc.Identity))
	RegisterAccountRoutes(protected, svc, cache, d.Cfg, d.Logger)

	return svc, nil
}

func buildServices(d Deps) (*Services, error) {
	denomination, err := settlement.ToWei(d.Cfg.Chain.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("chunk size: %w", err)
	}

	var (
		ledgerBackend ledger.Ledger
		identityRepo  identity.Repository
		depositRepo   deposit.Repository
		chunkStore    chunk.Store
		locker        lock.Locker
	)
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB)
		identityRepo = identity.NewPostgresRepository(d.DB)
		depositRepo = deposit.NewPostgresRepository(d.DB)
		chunkStore = chunk.NewPostgresStore(d.DB)
	} else {
		ledgerBackend = ledger.NewInMemory()
		identityRepo = identity.NewMemoryRepository()
		depositRepo = deposit.NewMemoryRepository()
		chunkStore = chunk.NewMemoryStore()
	}
	if d.Cache != nil {
		locker = lock.NewRedis(d.Cache, lockTTL)
	} else {
		locker = lock.NewLocal()
	}

	identitySvc := identity.NewService(identityRepo, ledgerBackend)
	pool := chunk.NewPool(chunkStore, d.Network, denomination, logging.Component(d.Logger, "chunk"))

	monitor := deposit.NewMonitor(deposit.Deps{
		Repo:     depositRepo,
		Ledger:   ledgerBackend,
		Network:  d.Network,
		Pool:     pool,
		Tasks:    d.Tasks,
		Notifier: d.Notifier,
		Logger:   logging.Component(d.Logger, "deposit"),
	}, deposit.Config{
		TTL:          d.Cfg.Deposit.TTL,
		PollInterval: d.Cfg.Deposit.PollInterval,
		MaxAttempts:  d.Cfg.Deposit.MaxAttempts,
	})

	withdrawals := withdrawal.NewService(identitySvc, ledgerBackend, pool, locker, d.Notifier, logging.Component(d.Logger, "withdrawal"))

	interestLogger := logging.Component(d.Logger, "interest")
	accruer := interest.NewAccruer(ledgerBackend, d.Cfg.Interest.Rate, d.Cfg.Interest.Window, d.Notifier, interestLogger)
	scheduler, err := interest.NewScheduler(accruer, d.Cfg.Interest.Schedule, locker, interestLogger)
	if err != nil {
		return nil, err
	}

	return &Services{
		Ledger:      ledgerBackend,
		Identity:    identitySvc,
		Pool:        pool,
		Deposits:    monitor,
		Withdrawals: withdrawals,
		Interest:    scheduler,
	}, nil
}

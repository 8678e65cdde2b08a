package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chunkvault/chunkvault/internal/chunk"
	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/deposit"
	"github.com/chunkvault/chunkvault/internal/identity"
	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/middleware"
	"github.com/chunkvault/chunkvault/internal/withdrawal"
)

// RegisterAccountRoutes wires the caller-scoped custody endpoints.
func RegisterAccountRoutes(r fiber.Router, svc *Services, cache redis.UniversalClient, cfg config.Config, logger *slog.Logger) {
	ledgerHandler := ledger.NewHandler(svc.Ledger)
	r.Get("/balance", ledgerHandler.Balance)
	r.Get("/transactions", ledgerHandler.Transactions)
	r.Put("/me/wallet-address", identity.NewHandler(svc.Identity).SetWalletAddress)

	depositHandler := deposit.NewHandler(svc.Deposits)
	r.Post("/deposits", middleware.RateLimit(cache, "deposit", cfg.Deposit.RatePerMinute, middleware.ByUser), depositHandler.Request)

	withdrawalHandler := withdrawal.NewHandler(svc.Withdrawals)
	if cache != nil {
		r.Post("/withdrawals", middleware.Idempotency(cache, cfg.IdempotencyTTL, logger), withdrawalHandler.Withdraw)
	} else {
		r.Post("/withdrawals", withdrawalHandler.Withdraw)
	}

	r.Get("/inventory", chunk.NewHandler(svc.Pool).Inventory)
}

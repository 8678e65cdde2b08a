package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chunkvault/chunkvault/internal/identity"
	"github.com/chunkvault/chunkvault/internal/middleware"
)

const loginAttemptsPerMinute = 5

// RegisterIdentityRoutes wires signup and login. Login attempts are limited per
// username.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler, cache redis.UniversalClient) {
	r.Post("/users", h.Register)
	r.Post("/login", middleware.RateLimit(cache, "login", loginAttemptsPerMinute, middleware.ByField("username")), h.Authenticate)
}

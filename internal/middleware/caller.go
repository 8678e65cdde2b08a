package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/chunkvault/chunkvault/internal/identity"
)

const (
	userIDHeader = "X-User-ID"
	userIDLocal  = "user_id"
)

// UserLookup confirms a caller identity refers to a real user.
type UserLookup interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

// Caller trusts the X-User-ID header set by the fronting auth layer, checks the
// user exists and stores the identifier in c.Locals("user_id").
func Caller(users UserLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uid := strings.TrimSpace(c.Get(userIDHeader))
		if uid == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing "+userIDHeader+" header")
		}
		if _, err := users.Get(c.UserContext(), uid); err != nil {
			if errors.Is(err, identity.ErrUserNotFound) {
				return fiber.NewError(http.StatusUnauthorized, "unknown user")
			}
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
		c.Locals(userIDLocal, uid)
		return c.Next()
	}
}

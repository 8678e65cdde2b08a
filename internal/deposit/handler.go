package deposit

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/tasks"
)

// Handler exposes deposit HTTP endpoints.
type Handler struct {
	monitor *Monitor
}

// NewHandler builds a deposit HTTP handler.
func NewHandler(monitor *Monitor) *Handler {
	return &Handler{monitor: monitor}
}

type addressResponse struct {
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Request issues a deposit address for the calling user.
func (h *Handler) Request(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	wallet, err := h.monitor.RequestAddress(c.UserContext(), uid)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, tasks.ErrRegistryFull), errors.Is(err, tasks.ErrRegistryClosed):
			return fiber.NewError(http.StatusServiceUnavailable, err.Error())
		default:
			return fiber.NewError(http.StatusBadGateway, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(addressResponse{
		Address:   wallet.Address,
		ExpiresAt: wallet.ExpiresAt,
	})
}

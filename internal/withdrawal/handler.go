package withdrawal

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/chunkvault/chunkvault/internal/chunk"
	"github.com/chunkvault/chunkvault/internal/identity"
	"github.com/chunkvault/chunkvault/internal/ledger"
	"github.com/chunkvault/chunkvault/internal/settlement"
)

// Handler exposes the withdrawal endpoint.
type Handler struct {
	service *Service
}

// NewHandler constructs a withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Withdraw pays the calling user out to their registered address.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "amount must be a decimal string")
	}

	result, err := h.service.Withdraw(c.UserContext(), Input{UserID: uid, Amount: amount})
	if err != nil {
		switch {
		case errors.Is(err, ErrPartialPayout), errors.Is(err, settlement.ErrSubmissionFailed):
			// value may have left custody; the body reports exactly what was paid
			resp := toResponse(result)
			resp.Error = err.Error()
			return c.Status(http.StatusBadGateway).JSON(resp)
		case errors.Is(err, identity.ErrUserNotFound), errors.Is(err, ledger.ErrAccountNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ErrNotChunkAligned), errors.Is(err, ledger.ErrInsufficientFunds):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrNoDestination):
			return fiber.NewError(http.StatusConflict, err.Error())
		case errors.Is(err, chunk.ErrInsufficientInventory):
			return fiber.NewError(http.StatusServiceUnavailable, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

func toResponse(result Result) Response {
	refs := result.References
	if refs == nil {
		refs = []string{}
	}
	return Response{
		Destination: result.Destination,
		Requested:   result.Requested.String(),
		Debited:     result.Debited.String(),
		References:  refs,
		Balance:     result.Balance.String(),
	}
}

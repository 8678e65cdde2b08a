package chunk

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the operator view of the chunk pool.
type Handler struct {
	pool *Pool
}

// NewHandler builds a chunk pool HTTP handler.
func NewHandler(pool *Pool) *Handler {
	return &Handler{pool: pool}
}

type leftoverResponse struct {
	Address   string    `json:"address"`
	AmountWei string    `json:"amount_wei"`
	CreatedAt time.Time `json:"created_at"`
}

type inventoryResponse struct {
	DenominationWei  string             `json:"denomination_wei"`
	Available        int                `json:"available"`
	LeftoverTotalWei string             `json:"leftover_total_wei"`
	Leftovers        []leftoverResponse `json:"leftovers"`
}

// Inventory reports available chunks and leftovers awaiting a manual sweep.
// Private keys are never returned.
func (h *Handler) Inventory(c *fiber.Ctx) error {
	inv, err := h.pool.Inventory(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	resp := inventoryResponse{
		DenominationWei:  inv.Denomination.String(),
		Available:        inv.Available,
		LeftoverTotalWei: inv.LeftoverTotal.String(),
		Leftovers:        make([]leftoverResponse, 0, len(inv.Leftovers)),
	}
	for _, l := range inv.Leftovers {
		resp.Leftovers = append(resp.Leftovers, leftoverResponse{
			Address:   l.Address,
			AmountWei: l.Amount.String(),
			CreatedAt: l.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(resp)
}

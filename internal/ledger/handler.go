package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes read-only account endpoints for the calling user.
type Handler struct {
	ledger Ledger
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger: ledger}
}

type balanceResponse struct {
	AccountNumber string    `json:"account_number"`
	Balance       string    `json:"balance"`
	AsOf          time.Time `json:"as_of"`
}

type transactionResponse struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Amount       string    `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
	Counterparty string    `json:"counterparty,omitempty"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	Status       Status    `json:"status"`
}

// Balance returns the caller's current balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	account, err := h.ledger.AccountByUser(c.UserContext(), uid)
	if err != nil {
		return accountError(err)
	}
	return c.Status(http.StatusOK).JSON(balanceResponse{
		AccountNumber: account.Number,
		Balance:       account.Balance.String(),
		AsOf:          time.Now().UTC(),
	})
}

// Transactions lists the caller's postings, optionally from ?since=<RFC3339>.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "since must be an RFC3339 timestamp")
		}
		since = parsed
	}

	account, err := h.ledger.AccountByUser(c.UserContext(), uid)
	if err != nil {
		return accountError(err)
	}
	_, txs, err := h.ledger.History(c.UserContext(), account.ID, since)
	if err != nil {
		return accountError(err)
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:           tx.ID,
			Kind:         tx.Kind,
			Amount:       tx.Amount.String(),
			Timestamp:    tx.Timestamp,
			Counterparty: tx.Counterparty,
			ExternalRef:  tx.ExternalRef,
			Status:       tx.Status,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_number": account.Number,
		"transactions":   out,
	})
}

func accountError(err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}

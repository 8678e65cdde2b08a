package deposit

import (
	"errors"
	"time"
)

// ErrWalletNotFound is returned for unknown deposit wallet identifiers.
var ErrWalletNotFound = errors.New("deposit wallet not found")

// State is where a deposit wallet is in its watch lifecycle.
type State string

const (
	StateCreated  State = "created"
	StateWatching State = "watching"
	StateSettled  State = "settled"
	StateExpired  State = "expired"
)

// Wallet is a disposable address handed to one user for one deposit.
type Wallet struct {
	ID         string
	UserID     string
	AccountID  string
	Address    string
	PrivateKey string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Processed  bool
}

// Expired reports whether the wallet stopped accepting deposits at now.
func (w Wallet) Expired(now time.Time) bool {
	return !now.Before(w.ExpiresAt)
}

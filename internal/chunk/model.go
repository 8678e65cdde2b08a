// Package chunk holds the pool of fixed-denomination wallets that deposits are
// repackaged into and withdrawals are paid out of.
package chunk

import (
	"errors"
	"math/big"
	"time"
)

var (
	// ErrInsufficientInventory is returned when fewer available chunks exist than requested.
	ErrInsufficientInventory = errors.New("insufficient chunk inventory")

	// ErrNotReserved is returned when a chunk is marked used or released without being reserved.
	ErrNotReserved = errors.New("chunk is not reserved")
)

// State is the lifecycle position of a chunk wallet.
type State string

const (
	StateAvailable State = "available"
	StateReserved  State = "reserved"
	StateUsed      State = "used"
)

// Wallet is a single-use wallet funded with exactly one denomination.
type Wallet struct {
	ID            string
	Seq           int64
	Address       string
	PrivateKey    string
	SourceAddress string
	Denomination  *big.Int
	State         State
	SpendRef      string
	CreatedAt     time.Time
	UsedAt        *time.Time
}

// Leftover is value below one denomination that stayed at a source address.
type Leftover struct {
	ID         string
	Address    string
	PrivateKey string
	Amount     *big.Int
	CreatedAt  time.Time
}

// Inventory summarises the pool for operators.
type Inventory struct {
	Denomination  *big.Int
	Available     int
	Leftovers     []Leftover
	LeftoverTotal *big.Int
}

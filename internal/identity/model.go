package identity

import (
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned for unknown user identifiers or usernames.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when a username or wallet address is taken.
	ErrUserExists = errors.New("user exists")
	// ErrInvalidCredentials is returned when a login does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidAddress rejects malformed withdrawal destinations.
	ErrInvalidAddress = errors.New("invalid wallet address")
)

// User is a ledger customer. WalletAddress is where withdrawals are sent.
type User struct {
	ID            string
	Username      string
	PasswordHash  []byte
	WalletAddress string
	CreatedAt     time.Time
}

// Credentials request structure.
type Credentials struct {
	Username      string
	Password      string
	WalletAddress string
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chunkvault/chunkvault/internal/ledger"
)

const minPasswordLength = 8

// Service manages identity lifecycle.
type Service struct {
	repo   Repository
	ledger ledger.Ledger
}

// NewService creates a new identity service.
func NewService(repo Repository, ledger ledger.Ledger) *Service {
	return &Service{repo: repo, ledger: ledger}
}

// Register creates a user with a hashed password and opens their ledger account.
func (s *Service) Register(ctx context.Context, creds Credentials) (User, ledger.Account, error) {
	if creds.Username == "" {
		return User{}, ledger.Account{}, errors.New("username is required")
	}
	if len(creds.Password) < minPasswordLength {
		return User{}, ledger.Account{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	address, err := normalizeAddress(creds.WalletAddress)
	if err != nil {
		return User{}, ledger.Account{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, ledger.Account{}, err
	}

	user := User{
		ID:            uuid.New().String(),
		Username:      creds.Username,
		PasswordHash:  hash,
		WalletAddress: address,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, ledger.Account{}, err
	}

	account, err := s.ledger.OpenAccount(ctx, user.ID)
	if err != nil {
		return User{}, ledger.Account{}, fmt.Errorf("open account: %w", err)
	}
	return user, account, nil
}

// Authenticate verifies a username and password.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	user, err := s.repo.FindByUsername(ctx, creds.Username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(creds.Password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Get fetches a user by identifier.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// SetWalletAddress changes where the user's withdrawals are sent.
func (s *Service) SetWalletAddress(ctx context.Context, id, address string) (User, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return User{}, err
	}
	if normalized == "" {
		return User{}, ErrInvalidAddress
	}
	if err := s.repo.SetWalletAddress(ctx, id, normalized); err != nil {
		return User{}, err
	}
	return s.repo.FindByID(ctx, id)
}

// normalizeAddress returns the checksummed form of a hex address. Empty input
// stays empty.
func normalizeAddress(address string) (string, error) {
	if address == "" {
		return "", nil
	}
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(address).Hex(), nil
}

// Package settlement talks to the external value-transfer network: address
// generation, confirmed balances, sequence numbers, fee rates and transfers.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiDecimals is the number of fractional digits between ether and wei.
const WeiDecimals = 18

var (
	// ErrSubmissionFailed wraps any failure to hand a signed transfer to the network.
	ErrSubmissionFailed = errors.New("settlement submission failed")

	// ErrFractionalWei is returned when an ether amount has more than 18 decimals.
	ErrFractionalWei = errors.New("amount is not a whole number of wei")
)

// Credential is a network address together with the secret that can spend from it.
type Credential struct {
	Address    string
	PrivateKey string
}

// Network is the opaque settlement capability consumed by the custody core.
type Network interface {
	CreateAddress(ctx context.Context) (Credential, error)
	ConfirmedBalance(ctx context.Context, address string) (*big.Int, error)
	SequenceNumber(ctx context.Context, address string) (uint64, error)
	FeeRate(ctx context.Context) (*big.Int, error)
	// SubmitTransfer signs and broadcasts a transfer and returns its network reference.
	SubmitTransfer(ctx context.Context, from Credential, to string, amount *big.Int, sequence uint64, feeRate *big.Int) (string, error)
}

// ToWei converts an ether amount into wei.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	shifted := amount.Shift(WeiDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrFractionalWei
	}
	return shifted.BigInt(), nil
}

// FromWei converts a wei amount into ether.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -WeiDecimals)
}

func submissionError(err error) error {
	return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
}

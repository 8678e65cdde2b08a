package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// Transfer is a transfer accepted by MemoryNetwork.
type Transfer struct {
	From     string
	To       string
	Amount   *big.Int
	Sequence uint64
	Ref      string
}

// MemoryNetwork is an in-process settlement network for development runs and
// tests. Transfers move value instantly, fees are not charged, and sequence
// numbers must match the source's count exactly.
type MemoryNetwork struct {
	mu           sync.Mutex
	counter      int
	keys         map[string]string
	balances     map[string]*big.Int
	nonces       map[string]uint64
	balanceCalls map[string]int
	transfers    []Transfer

	// FailSubmit, when set, is consulted before every transfer; a non-nil
	// result rejects the transfer.
	FailSubmit func(from, to string, sequence uint64) error
	// FailBalance, when set, is consulted before every balance query.
	FailBalance func(address string) error
}

// NewMemoryNetwork returns an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		keys:         make(map[string]string),
		balances:     make(map[string]*big.Int),
		nonces:       make(map[string]uint64),
		balanceCalls: make(map[string]int),
	}
}

func (n *MemoryNetwork) CreateAddress(_ context.Context) (Credential, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counter++
	cred := Credential{
		Address:    fmt.Sprintf("0x%040x", n.counter),
		PrivateKey: fmt.Sprintf("%064x", n.counter),
	}
	n.keys[cred.Address] = cred.PrivateKey
	return cred, nil
}

func (n *MemoryNetwork) ConfirmedBalance(_ context.Context, address string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balanceCalls[address]++
	if n.FailBalance != nil {
		if err := n.FailBalance(address); err != nil {
			return nil, err
		}
	}
	return n.balanceOf(address), nil
}

func (n *MemoryNetwork) SequenceNumber(_ context.Context, address string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[address], nil
}

func (n *MemoryNetwork) FeeRate(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (n *MemoryNetwork) SubmitTransfer(_ context.Context, from Credential, to string, amount *big.Int, sequence uint64, _ *big.Int) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.FailSubmit != nil {
		if err := n.FailSubmit(from.Address, to, sequence); err != nil {
			return "", submissionError(err)
		}
	}
	if key, ok := n.keys[from.Address]; ok && key != from.PrivateKey {
		return "", submissionError(errors.New("credential does not match address"))
	}
	if want := n.nonces[from.Address]; sequence != want {
		return "", submissionError(fmt.Errorf("nonce %d for %s, expected %d", sequence, from.Address, want))
	}
	balance := n.balanceOf(from.Address)
	if balance.Cmp(amount) < 0 {
		return "", submissionError(fmt.Errorf("insufficient balance at %s", from.Address))
	}

	n.balances[from.Address] = new(big.Int).Sub(balance, amount)
	n.balances[to] = new(big.Int).Add(n.balanceOf(to), amount)
	n.nonces[from.Address] = sequence + 1

	ref := fmt.Sprintf("0x%064x", len(n.transfers)+1)
	n.transfers = append(n.transfers, Transfer{
		From:     from.Address,
		To:       to,
		Amount:   new(big.Int).Set(amount),
		Sequence: sequence,
		Ref:      ref,
	})
	return ref, nil
}

// Fund credits address with amount, as if an outside party had paid it.
func (n *MemoryNetwork) Fund(address string, amount *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[address] = new(big.Int).Add(n.balanceOf(address), amount)
}

// Balance returns the current balance of address.
func (n *MemoryNetwork) Balance(address string) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.balanceOf(address))
}

// BalanceCalls reports how many times ConfirmedBalance was asked about address.
func (n *MemoryNetwork) BalanceCalls(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balanceCalls[address]
}

// Transfers returns a copy of the accepted transfers in submission order.
func (n *MemoryNetwork) Transfers() []Transfer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Transfer, len(n.transfers))
	copy(out, n.transfers)
	return out
}

func (n *MemoryNetwork) balanceOf(address string) *big.Int {
	if b, ok := n.balances[address]; ok {
		return b
	}
	return big.NewInt(0)
}

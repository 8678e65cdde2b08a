package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transferGasLimit is the fixed gas cost of a plain value transfer.
const transferGasLimit uint64 = 21000

// EthereumNetwork implements Network against an Ethereum JSON-RPC endpoint.
type EthereumNetwork struct {
	client        *ethclient.Client
	chainID       *big.Int
	confirmations uint64
	logger        *slog.Logger
}

// DialEthereum connects to rpcURL and resolves the chain ID used for signing.
// Balances are read at head minus confirmations.
func DialEthereum(ctx context.Context, rpcURL string, confirmations uint64, logger *slog.Logger) (*EthereumNetwork, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	logger.Info("ethereum network connected", "chain_id", chainID.String(), "confirmations", confirmations)
	return &EthereumNetwork{client: client, chainID: chainID, confirmations: confirmations, logger: logger}, nil
}

// Close releases the RPC connection.
func (n *EthereumNetwork) Close() {
	n.client.Close()
}

// CreateAddress generates a fresh secp256k1 key pair.
func (n *EthereumNetwork) CreateAddress(_ context.Context) (Credential, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Credential{}, fmt.Errorf("generate key: %w", err)
	}
	return Credential{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key))[2:],
	}, nil
}

// ConfirmedBalance returns the balance at the most recent block with enough confirmations.
func (n *EthereumNetwork) ConfirmedBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	var block *big.Int
	if n.confirmations > 0 {
		head, err := n.client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("get block number: %w", err)
		}
		if head < n.confirmations {
			return big.NewInt(0), nil
		}
		block = new(big.Int).SetUint64(head - n.confirmations)
	}
	balance, err := n.client.BalanceAt(ctx, common.HexToAddress(address), block)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// SequenceNumber returns the pending nonce of address.
func (n *EthereumNetwork) SequenceNumber(ctx context.Context, address string) (uint64, error) {
	nonce, err := n.client.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

// FeeRate returns the node's suggested gas price.
func (n *EthereumNetwork) FeeRate(ctx context.Context) (*big.Int, error) {
	price, err := n.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}
	return price, nil
}

// SubmitTransfer signs a legacy value transfer with the EIP-155 signer and broadcasts it.
func (n *EthereumNetwork) SubmitTransfer(ctx context.Context, from Credential, to string, amount *big.Int, sequence uint64, feeRate *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", submissionError(fmt.Errorf("invalid destination %q", to))
	}
	key, err := parseKey(from.PrivateKey)
	if err != nil {
		return "", submissionError(err)
	}

	tx := types.NewTransaction(sequence, common.HexToAddress(to), amount, transferGasLimit, feeRate, nil)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(n.chainID), key)
	if err != nil {
		return "", submissionError(fmt.Errorf("sign transaction: %w", err))
	}
	if err := n.client.SendTransaction(ctx, signed); err != nil {
		return "", submissionError(err)
	}

	ref := signed.Hash().Hex()
	n.logger.Info("transfer submitted",
		"from", from.Address,
		"to", to,
		"amount_wei", amount.String(),
		"nonce", sequence,
		"tx_hash", ref)
	return ref, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

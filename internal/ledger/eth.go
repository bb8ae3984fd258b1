package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 minimal ABI for transfer
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// DefaultFinalityTimeout for waiting on transactions
	DefaultFinalityTimeout = 60 * time.Second

	// FinalityPollInterval between receipt checks
	FinalityPollInterval = 2 * time.Second
)

// EthBackend abstracts the go-ethereum client for testing
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EthConfig for creating an Ethereum-backed client
type EthConfig struct {
	RPCURL          string
	PrivateKey      string // Hex string, 0x prefix optional
	ChainID         int64
	TokenContract   string
	FinalityTimeout time.Duration
}

// EthOption configures the client
type EthOption func(*EthClient)

// WithBackend sets a custom Ethereum backend (useful for testing)
func WithBackend(backend EthBackend) EthOption {
	return func(c *EthClient) {
		c.backend = backend
	}
}

// WithPollInterval overrides the receipt poll interval (useful for testing)
func WithPollInterval(d time.Duration) EthOption {
	return func(c *EthClient) {
		c.pollInterval = d
	}
}

// EthClient pays entry fees with an ERC20 transfer and treats a successful
// receipt as finality.
type EthClient struct {
	backend         EthBackend
	privateKey      *ecdsa.PrivateKey
	address         common.Address
	chainID         *big.Int
	tokenContract   common.Address
	tokenABI        abi.ABI
	finalityTimeout time.Duration
	pollInterval    time.Duration
}

// Compile-time interface check
var _ Client = (*EthClient)(nil)

// NewEthClient creates a new Ethereum-backed ledger client
func NewEthClient(cfg EthConfig, opts ...EthOption) (*EthClient, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("ledger: failed to derive public key")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to parse ERC20 ABI: %w", err)
	}

	timeout := cfg.FinalityTimeout
	if timeout == 0 {
		timeout = DefaultFinalityTimeout
	}

	c := &EthClient{
		privateKey:      privateKey,
		address:         crypto.PubkeyToAddress(*publicKey),
		chainID:         big.NewInt(cfg.ChainID),
		tokenContract:   common.HexToAddress(cfg.TokenContract),
		tokenABI:        parsedABI,
		finalityTimeout: timeout,
		pollInterval:    FinalityPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		c.backend = client
	}

	return c, nil
}

// Address returns the paying wallet's address
func (c *EthClient) Address() string {
	return c.address.Hex()
}

// SubmitTransfer sends an ERC20 transfer of amount minor units to destination.
func (c *EthClient) SubmitTransfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}

	to := common.HexToAddress(destination)
	data, err := c.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return "", fmt.Errorf("%w: pack transfer: %v", ErrSubmissionRejected, err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrNetwork, err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrNetwork, err)
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.tokenContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrSubmissionRejected, err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	return signedTx.Hash().Hex(), nil
}

// AwaitFinality polls for the transaction receipt until it is mined or the
// finality timeout elapses.
func (c *EthClient) AwaitFinality(ctx context.Context, txID string) error {
	hash := common.HexToHash(txID)

	ctx, cancel := context.WithTimeout(ctx, c.finalityTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrFinalityTimeout, txID)
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return &ExecutionError{TxID: txID, Reason: "reverted"}
			}

			return nil
		}
	}
}

// Close closes the backend connection
func (c *EthClient) Close() error {
	if c.backend != nil {
		c.backend.Close()
	}
	return nil
}

package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrivateKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testContract   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testDest       = "0x1234567890123456789012345678901234567890"
)

// fakeBackend implements EthBackend for tests
type fakeBackend struct {
	mu          sync.Mutex
	sendErr     error
	nonceErr    error
	gasPriceErr error
	receipts    map[common.Hash]*types.Receipt
	receiptErr  error
	sent        []*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, f.nonceErr
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), f.gasPriceErr
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeBackend) Close() {}

func newTestClient(t *testing.T, backend *fakeBackend) *EthClient {
	t.Helper()
	c, err := NewEthClient(EthConfig{
		RPCURL:          "http://unused",
		PrivateKey:      testPrivateKey,
		ChainID:         84532,
		TokenContract:   testContract,
		FinalityTimeout: 500 * time.Millisecond,
	}, WithBackend(backend), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNewEthClient_InvalidKey(t *testing.T) {
	_, err := NewEthClient(EthConfig{PrivateKey: "nope", ChainID: 1, TokenContract: testContract})
	assert.Error(t, err)
}

func TestSubmitTransfer_Success(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	txID, err := c.SubmitTransfer(context.Background(), testDest, big.NewInt(10_000))
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, txID, backend.sent[0].Hash().Hex())
}

func TestSubmitTransfer_InvalidDestination(t *testing.T) {
	c := newTestClient(t, newFakeBackend())

	_, err := c.SubmitTransfer(context.Background(), "not-an-address", big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestSubmitTransfer_NonPositiveAmount(t *testing.T) {
	c := newTestClient(t, newFakeBackend())

	_, err := c.SubmitTransfer(context.Background(), testDest, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = c.SubmitTransfer(context.Background(), testDest, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSubmitTransfer_Rejected(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("user rejected")
	c := newTestClient(t, backend)

	_, err := c.SubmitTransfer(context.Background(), testDest, big.NewInt(10_000))
	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.Contains(t, err.Error(), "user rejected")
}

func TestSubmitTransfer_NetworkError(t *testing.T) {
	backend := newFakeBackend()
	backend.nonceErr = errors.New("connection refused")
	c := newTestClient(t, backend)

	_, err := c.SubmitTransfer(context.Background(), testDest, big.NewInt(10_000))
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestAwaitFinality_Success(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	txID, err := c.SubmitTransfer(context.Background(), testDest, big.NewInt(10_000))
	require.NoError(t, err)

	backend.mu.Lock()
	backend.receipts[common.HexToHash(txID)] = &types.Receipt{Status: 1, BlockNumber: big.NewInt(42)}
	backend.mu.Unlock()

	assert.NoError(t, c.AwaitFinality(context.Background(), txID))
}

func TestAwaitFinality_Reverted(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	txID := common.HexToHash("0xabcd").Hex()
	backend.receipts[common.HexToHash(txID)] = &types.Receipt{Status: 0}

	err := c.AwaitFinality(context.Background(), txID)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, txID, execErr.TxID)
}

func TestAwaitFinality_Timeout(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptErr = errors.New("not found")
	c := newTestClient(t, backend)

	err := c.AwaitFinality(context.Background(), "0xdeadbeef")
	assert.ErrorIs(t, err, ErrFinalityTimeout)
}

func TestExecutionError_Message(t *testing.T) {
	err := &ExecutionError{TxID: "0xabc", Reason: "reverted"}
	assert.Contains(t, err.Error(), "0xabc")
	assert.Contains(t, err.Error(), "reverted")
}

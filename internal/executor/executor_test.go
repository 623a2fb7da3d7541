package executor

import (
	"context"
	"math/big"
	"sync"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbidca/dca-engine/internal/logger"
)

// fakeChainBackend is a hand-written ChainBackend fake: it signs nothing
// itself, just records sent transactions and reports them mined immediately
// with a configurable receipt status, following SPEC_FULL.md's preference
// for fakes over a mocking framework.
type fakeChainBackend struct {
	mu sync.Mutex

	nonce       uint64
	ethBalance  *big.Int
	gasEstimate uint64
	gasPrice    *big.Int

	sentTxs      []*types.Transaction
	receiptFor   map[common.Hash]*types.Receipt
	sendErr      error
	estimateErr  error
	callContractResult []byte
	callContractErr    error
}

func newFakeChainBackend() *fakeChainBackend {
	return &fakeChainBackend{
		ethBalance:  big.NewInt(1e18),
		gasEstimate: 21000,
		gasPrice:    big.NewInt(1e9),
		receiptFor:  map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChainBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeChainBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callContractResult, f.callContractErr
}

func (f *fakeChainBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (f *fakeChainBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return nil, nil
}

func (f *fakeChainBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChainBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeChainBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e8), nil
}

func (f *fakeChainBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.gasEstimate, nil
}

func (f *fakeChainBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTxs = append(f.sentTxs, tx)
	f.receiptFor[tx.Hash()] = &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           21000,
		EffectiveGasPrice: f.gasPrice,
	}
	return nil
}

func (f *fakeChainBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeChainBackend) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}

func (f *fakeChainBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.ethBalance, nil
}

func (f *fakeChainBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receiptFor[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChainBackend) setReceiptStatus(txHash common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receiptFor[txHash]; ok {
		r.Status = status
	}
}

func newTestExecutor(t *testing.T, chain ChainBackend) *Executor {
	keyHex := testKeyHex()
	exec, err := New(chain, keyHex, 1.1, nil, &logger.EmptyLogger{})
	require.NoError(t, err)
	return exec
}

func testKeyHex() string {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return common.Bytes2Hex(crypto.FromECDSA(key))
}

func TestExecuteRejectsWrongChainID(t *testing.T) {
	chain := newFakeChainBackend()
	exec := newTestExecutor(t, chain)

	_, err := exec.Execute(t.Context(), []TransactionPlan{{
		ChainID: 1,
		To:      common.HexToAddress("0xabc"),
	}})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExecuteRejectsMissingDestination(t *testing.T) {
	chain := newFakeChainBackend()
	exec := newTestExecutor(t, chain)

	_, err := exec.Execute(t.Context(), []TransactionPlan{{
		ChainID: SupportedChainID,
	}})
	require.Error(t, err)
}

func TestExecuteSendsAndWaitsForReceipt(t *testing.T) {
	chain := newFakeChainBackend()
	exec := newTestExecutor(t, chain)

	result, err := exec.Execute(t.Context(), []TransactionPlan{{
		ChainID: SupportedChainID,
		To:      common.HexToAddress("0xabc"),
		Data:    []byte{0x01},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 21000, result.GasUsed)
	assert.Len(t, chain.sentTxs, 1)
}

func TestExecuteFailsOnInsufficientEth(t *testing.T) {
	chain := newFakeChainBackend()
	chain.ethBalance = big.NewInt(0)
	exec := newTestExecutor(t, chain)

	_, err := exec.Execute(t.Context(), []TransactionPlan{{
		ChainID: SupportedChainID,
		To:      common.HexToAddress("0xabc"),
		Value:   big.NewInt(1000),
	}})
	require.Error(t, err)
	var ierr *InsufficientEthError
	assert.ErrorAs(t, err, &ierr)
}

func TestExecuteDetectsRevertedReceipt(t *testing.T) {
	chain := newFakeChainBackend()
	failChain := &revertingChainBackend{fakeChainBackend: chain}
	exec := newTestExecutor(t, failChain)

	_, err := exec.Execute(t.Context(), []TransactionPlan{{
		ChainID: SupportedChainID,
		To:      common.HexToAddress("0xabc"),
	}})
	require.Error(t, err)
	var rerr *TransactionRevertedError
	assert.ErrorAs(t, err, &rerr)
}

// revertingChainBackend wraps fakeChainBackend to always report a reverted
// receipt, isolating the revert-handling path from the happy path above.
type revertingChainBackend struct {
	*fakeChainBackend
}

func (r *revertingChainBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := r.fakeChainBackend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	r.fakeChainBackend.setReceiptStatus(tx.Hash(), types.ReceiptStatusFailed)
	return nil
}

func TestExecuteCapsGasPriceAtMaxGasPrice(t *testing.T) {
	chain := newFakeChainBackend()
	chain.gasPrice = big.NewInt(5e9) // RPC suggests 5 gwei

	keyHex := testKeyHex()
	cap := big.NewInt(2e9) // operator caps at 2 gwei
	exec, err := New(chain, keyHex, 1.1, cap, &logger.EmptyLogger{})
	require.NoError(t, err)

	_, err = exec.Execute(t.Context(), []TransactionPlan{{
		ChainID: SupportedChainID,
		To:      common.HexToAddress("0xabc"),
	}})
	require.NoError(t, err)
	require.Len(t, chain.sentTxs, 1)
	assert.Equal(t, cap, chain.sentTxs[0].GasPrice())
}

func TestExecuteAppliesGasMultiplierToEstimate(t *testing.T) {
	chain := newFakeChainBackend()
	chain.gasEstimate = 100000

	keyHex := testKeyHex()
	exec, err := New(chain, keyHex, 1.2, nil, &logger.EmptyLogger{})
	require.NoError(t, err)

	_, err = exec.Execute(t.Context(), []TransactionPlan{{
		ChainID: SupportedChainID,
		To:      common.HexToAddress("0xabc"),
	}})
	require.NoError(t, err)
	require.Len(t, chain.sentTxs, 1)
	assert.EqualValues(t, 120000, chain.sentTxs[0].Gas())
}

func TestFromReturnsSignerAddress(t *testing.T) {
	chain := newFakeChainBackend()
	exec := newTestExecutor(t, chain)
	assert.NotEqual(t, common.Address{}, exec.From())
}

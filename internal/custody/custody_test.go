package custody

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbidca/dca-engine/internal/executor"
	"github.com/arbidca/dca-engine/internal/logger"
)

// minimalChainBackend is the smallest executor.ChainBackend fake that lets a
// *executor.Executor successfully send and mine a transaction, so custody's
// tests can exercise the real approve/transferFrom send path end to end.
type minimalChainBackend struct {
	sent []*types.Transaction
}

func (m *minimalChainBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) { return nil, nil }
func (m *minimalChainBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}
func (m *minimalChainBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}
func (m *minimalChainBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) { return nil, nil }
func (m *minimalChainBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (m *minimalChainBackend) SuggestGasPrice(context.Context) (*big.Int, error)    { return big.NewInt(1e9), nil }
func (m *minimalChainBackend) SuggestGasTipCap(context.Context) (*big.Int, error)   { return big.NewInt(1e8), nil }
func (m *minimalChainBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (m *minimalChainBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.sent = append(m.sent, tx)
	return nil
}
func (m *minimalChainBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (m *minimalChainBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}
func (m *minimalChainBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (m *minimalChainBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for _, tx := range m.sent {
		if tx.Hash() == txHash {
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21000}, nil
		}
	}
	return nil, ethereum.NotFound
}

var _ executor.ChainBackend = (*minimalChainBackend)(nil)

func newTestExecutor(t *testing.T) *executor.Executor {
	exec, err := executor.New(&minimalChainBackend{}, randomKeyHex(t), 1.1, nil, &logger.EmptyLogger{})
	require.NoError(t, err)
	return exec
}

func randomKeyHex(t *testing.T) string {
	// A freshly generated key is sufficient since no real signature
	// verification against a live chain happens in these tests.
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return common.Bytes2Hex(crypto.FromECDSA(key))
}

type fakeTokenReader struct {
	allowances map[string]*big.Int
	balances   map[string]*big.Int
}

func newFakeTokenReader() *fakeTokenReader {
	return &fakeTokenReader{allowances: map[string]*big.Int{}, balances: map[string]*big.Int{}}
}

func (f *fakeTokenReader) key(token, a, b common.Address) string {
	return token.Hex() + "|" + a.Hex() + "|" + b.Hex()
}

func (f *fakeTokenReader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if v, ok := f.allowances[f.key(token, owner, spender)]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeTokenReader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if v, ok := f.balances[token.Hex()+"|"+account.Hex()]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

var (
	tokenAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	routerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	userAddr   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestEnsureSelfExecutionOnlyApprovesRouter(t *testing.T) {
	exec := newTestExecutor(t)
	reader := newFakeTokenReader()
	m := New(reader, exec, routerAddr, &logger.EmptyLogger{})

	err := m.Ensure(t.Context(), tokenAddr, big.NewInt(1000), exec.From())
	require.NoError(t, err)
}

func TestEnsureSkipsRouterApprovalWhenAlreadySufficient(t *testing.T) {
	exec := newTestExecutor(t)
	reader := newFakeTokenReader()
	reader.allowances[reader.key(tokenAddr, exec.From(), routerAddr)] = MaxUint256

	m := New(reader, exec, routerAddr, &logger.EmptyLogger{})
	err := m.Ensure(t.Context(), tokenAddr, big.NewInt(1000), exec.From())
	require.NoError(t, err)
}

func TestEnsureSkipsTransferFromWhenExecutorAlreadyHoldsFunds(t *testing.T) {
	exec := newTestExecutor(t)
	reader := newFakeTokenReader()
	reader.allowances[reader.key(tokenAddr, exec.From(), routerAddr)] = MaxUint256
	reader.balances[tokenAddr.Hex()+"|"+exec.From().Hex()] = big.NewInt(5000)

	m := New(reader, exec, routerAddr, &logger.EmptyLogger{})
	err := m.Ensure(t.Context(), tokenAddr, big.NewInt(1000), userAddr)
	require.NoError(t, err)
}

func TestEnsureFailsWithInsufficientUserApproval(t *testing.T) {
	exec := newTestExecutor(t)
	reader := newFakeTokenReader()
	reader.allowances[reader.key(tokenAddr, exec.From(), routerAddr)] = MaxUint256
	reader.allowances[reader.key(tokenAddr, userAddr, exec.From())] = big.NewInt(1)

	m := New(reader, exec, routerAddr, &logger.EmptyLogger{})
	err := m.Ensure(t.Context(), tokenAddr, big.NewInt(1000), userAddr)
	require.Error(t, err)
	var aerr *InsufficientUserApprovalError
	assert.ErrorAs(t, err, &aerr)
}

func TestEnsurePullsFromUserWhenApproved(t *testing.T) {
	exec := newTestExecutor(t)
	reader := newFakeTokenReader()
	reader.allowances[reader.key(tokenAddr, exec.From(), routerAddr)] = MaxUint256
	reader.allowances[reader.key(tokenAddr, userAddr, exec.From())] = big.NewInt(10000)

	m := New(reader, exec, routerAddr, &logger.EmptyLogger{})
	err := m.Ensure(t.Context(), tokenAddr, big.NewInt(1000), userAddr)
	require.NoError(t, err)
}

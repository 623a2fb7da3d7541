// Package chainclient is the Chain Client: the engine's single gateway to
// Arbitrum RPC (spec.md §4.6). It wraps ethclient.Client the way the
// teacher's pkg/blockchain/chain.go wraps it for the Intent contract, but
// generalized to plain ERC-20/vault reads plus the raw primitives the
// Transaction Executor needs, and every call is routed through a circuit
// breaker so a dying RPC endpoint fails fast instead of stalling every
// pending plan on every tick.
package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/pkg/contracts"
)

// ErrCircuitOpen is returned instead of calling out to RPC while the breaker
// is tripped.
var ErrCircuitOpen = fmt.Errorf("chain client: circuit breaker open")

const callTimeout = 15 * time.Second

// Client is the Chain Client. It satisfies executor.ChainBackend (via the
// passthrough methods below that wrap its *ethclient.Client: the
// bind.ContractBackend set, PendingNonceAt, BalanceAt and TransactionReceipt)
// and custody.TokenReader / vault reader needs on top of that.
type Client struct {
	rpc     *ethclient.Client
	chainID int
	breaker *breaker
	log     logger.Logger
}

// Config configures the circuit breaker wrapped around the RPC connection.
type Config struct {
	ChainID                 int
	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerFailureWindow    time.Duration
	BreakerResetTimeout     time.Duration
}

// Dial connects to the given RPC endpoint and wraps it in a circuit breaker.
func Dial(ctx context.Context, rpcURL string, cfg Config, log logger.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Client{
		rpc:     rpc,
		chainID: cfg.ChainID,
		breaker: newBreaker(cfg.BreakerEnabled, cfg.BreakerFailureThreshold, cfg.BreakerFailureWindow, cfg.BreakerResetTimeout, log),
		log:     log,
	}, nil
}

// call runs op through the circuit breaker, recording success/failure.
func (c *Client) call(ctx context.Context, op func(ctx context.Context) error) error {
	if c.breaker.isOpen() {
		return ErrCircuitOpen
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	err := op(ctx)
	if err != nil {
		c.breaker.recordFailure()
		return err
	}
	c.breaker.recordSuccess()
	return nil
}

// ChainID returns the connected chain's ID, as configured (not queried per call).
func (c *Client) ChainID() int { return c.chainID }

// Allowance reads token.allowance(owner, spender).
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	caller, err := contracts.NewERC20Caller(token, c.rpc)
	if err != nil {
		return nil, err
	}
	var result *big.Int
	err = c.call(ctx, func(ctx context.Context) error {
		v, err := caller.Allowance(&bind.CallOpts{Context: ctx}, owner, spender)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// BalanceOf reads token.balanceOf(account).
func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	caller, err := contracts.NewERC20Caller(token, c.rpc)
	if err != nil {
		return nil, err
	}
	var result *big.Int
	err = c.call(ctx, func(ctx context.Context) error {
		v, err := caller.BalanceOf(&bind.CallOpts{Context: ctx}, account)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Decimals reads token.decimals().
func (c *Client) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	caller, err := contracts.NewERC20Caller(token, c.rpc)
	if err != nil {
		return 0, err
	}
	var result uint8
	err = c.call(ctx, func(ctx context.Context) error {
		v, err := caller.Decimals(&bind.CallOpts{Context: ctx})
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// VaultBalance reads a vault's share balance for account, using the caller
// selected by kind ("erc4626" or "simple" — both expose the same balanceOf
// shape, so a single VaultCaller serves either).
func (c *Client) VaultBalance(ctx context.Context, vault common.Address, kind string, account common.Address) (*big.Int, error) {
	caller, err := c.vaultCaller(vault, kind)
	if err != nil {
		return nil, err
	}
	var result *big.Int
	err = c.call(ctx, func(ctx context.Context) error {
		v, err := caller.BalanceOf(&bind.CallOpts{Context: ctx}, account)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// VaultDecimals reads a vault's own share decimals (spec.md §9: never the
// underlying asset's decimals).
func (c *Client) VaultDecimals(ctx context.Context, vault common.Address, kind string) (uint8, error) {
	caller, err := c.vaultCaller(vault, kind)
	if err != nil {
		return 0, err
	}
	var result uint8
	err = c.call(ctx, func(ctx context.Context) error {
		v, err := caller.Decimals(&bind.CallOpts{Context: ctx})
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) vaultCaller(vault common.Address, kind string) (*contracts.VaultCaller, error) {
	if kind == "erc4626" {
		return contracts.NewERC4626Caller(vault, c.rpc)
	}
	return contracts.NewSimpleVaultCaller(vault, c.rpc)
}

// EthBalance returns account's native ETH balance, used for the Transaction
// Executor's gas-affordability check.
func (c *Client) EthBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var result *big.Int
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.BalanceAt(ctx, account, nil)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// --- executor.ChainBackend passthrough, routed through the breaker except
// SubscribeFilterLogs, which goes to the RPC connection directly ---

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.CodeAt(ctx, account, blockNumber)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.CallContract(ctx, call, blockNumber)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var result *types.Header
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.HeaderByNumber(ctx, number)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	var result []byte
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.PendingCodeAt(ctx, account)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var result uint64
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.PendingNonceAt(ctx, account)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var result *big.Int
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var result *big.Int
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	var result uint64
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.EstimateGas(ctx, call)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.rpc.SendTransaction(ctx, tx)
	})
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var result []types.Log
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.rpc.SubscribeFilterLogs(ctx, query, ch)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var result *big.Int
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.BalanceAt(ctx, account, blockNumber)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var result *types.Receipt
	err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.rpc.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

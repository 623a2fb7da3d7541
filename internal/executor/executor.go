// Package executor is the Transaction Executor: a single-writer
// signer/broadcaster with a cached monotonic nonce, fee/gas assembly,
// revert-reason decoding, and per-batch nonce reset on failure (spec.md
// §4.4). Grounded on pkg/blockchain/nonce_manager.go's cache/track/confirm/
// fail pattern (here collapsed from a multi-transaction ledger into a
// per-batch nonce cache with a 5-second staleness window, per spec.md §4.4,
// rather than the teacher's 5-minute window) and pkg/fulfiller/fulfill.go's
// nonce-get/track/wait/mark call sequence around a contract send.
package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/retry"
)

// SupportedChainID is the only chain the executor will sign for (spec.md §9,
// Open Question 4, resolved: the executor hard-rejects any other chain ID).
const SupportedChainID = 42161

const (
	nonceCacheWindow = 5 * time.Second
	receiptTimeout   = 120 * time.Second
	sendMaxRetries   = 3
	sendBaseDelay    = 2 * time.Second

	// defaultGasMultiplier is used when the caller passes a zero or negative
	// multiplier, matching config.DefaultGasMultiplier's buffer over the
	// eth_estimateGas result.
	defaultGasMultiplier = 1.1
)

// ValidationError marks a TransactionPlan that failed the executor's
// pre-send checks (spec.md §7 ValidationError kind).
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "validation error: " + e.Reason }

// InsufficientEthError marks an attempt to send a value-bearing transaction
// without enough ETH balance to cover it.
type InsufficientEthError struct{ Have, Need *big.Int }

func (e *InsufficientEthError) Error() string {
	return fmt.Sprintf("insufficient eth: have %s, need %s", e.Have.String(), e.Need.String())
}

// TransactionRevertedError marks a mined transaction whose receipt status
// was reverted, carrying the decoded revert reason when available.
type TransactionRevertedError struct {
	TxHash common.Hash
	Reason string
}

func (e *TransactionRevertedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
	}
	return fmt.Sprintf("transaction %s reverted", e.TxHash.Hex())
}

// TransactionPlan is the opaque unit of work the Quote Client (or the
// Custody Manager, for approve/transferFrom) hands to the executor.
type TransactionPlan struct {
	ChainID              int
	To                   common.Address
	Data                 []byte
	Value                *big.Int // may be nil, treated as zero
	Gas                  uint64   // optional override; 0 means estimate
	GasPrice             *big.Int // legacy fee; mutually exclusive with the pair below
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// BatchResult is the outcome of ExecuteBatch.
type BatchResult struct {
	FinalTxHash common.Hash
	GasUsed     uint64
	GasCostEth  *big.Float
}

// ChainBackend is the subset of chain access the executor needs; satisfied
// by internal/chainclient.Client and by fakes in tests.
type ChainBackend interface {
	bind.ContractBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Executor is the single-writer signer/broadcaster. One Executor owns
// exactly one hot key; every TransactionPlan for that key flows through it.
type Executor struct {
	chain      ChainBackend
	privateKey *ecdsa.PrivateKey
	signer     types.Signer
	from       common.Address

	mu         sync.Mutex // single-writer lock: one batch occupies the executor at a time
	nonce      uint64
	nonceAt    time.Time
	nonceKnown bool

	gasMultiplier float64  // applied over the eth_estimateGas result, e.g. 1.1 for a 10% buffer
	maxGasPrice   *big.Int // nil means uncapped

	log logger.Logger
}

// New creates an Executor for the given hot key. keyHex is an unprefixed
// hex-encoded secp256k1 private key, as the teacher's createAuthenticator
// expects. gasMultiplier buffers the eth_estimateGas result before a
// transaction is sent (config.Config.GasMultiplier; a zero or negative value
// falls back to defaultGasMultiplier). maxGasPrice caps both the legacy gas
// price and the EIP-1559 max fee per gas (config.Config.MaxGasPrice); nil
// leaves fees uncapped.
func New(chain ChainBackend, keyHex string, gasMultiplier float64, maxGasPrice *big.Int, log logger.Logger) (*Executor, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if gasMultiplier <= 0 {
		gasMultiplier = defaultGasMultiplier
	}
	return &Executor{
		chain:         chain,
		privateKey:    key,
		signer:        types.LatestSignerForChainID(big.NewInt(SupportedChainID)),
		from:          crypto.PubkeyToAddress(key.PublicKey),
		gasMultiplier: gasMultiplier,
		maxGasPrice:   maxGasPrice,
		log:           log,
	}, nil
}

// From returns the executor's signing address.
func (e *Executor) From() common.Address { return e.from }

// Execute runs a batch of transactions sequentially, per spec.md §4.4: reset
// the nonce cache, then sign/send/wait each transaction in order, failing the
// whole batch (and resetting the cache) on the first unrecoverable error.
// Custody Manager calls this with a single-element slice for approve/
// transferFrom, so every signed transaction for this key flows through the
// same nonce sequencing.
func (e *Executor) Execute(ctx context.Context, txs []TransactionPlan) (*BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetNonceCacheLocked()

	var (
		lastHash  common.Hash
		gasUsed   uint64
		gasCostWei = new(big.Int)
	)

	for _, plan := range txs {
		if err := validatePlan(plan); err != nil {
			return nil, err
		}

		if plan.Value != nil && plan.Value.Sign() > 0 {
			balance, err := e.chain.BalanceAt(ctx, e.from, nil)
			if err != nil {
				return nil, fmt.Errorf("read executor balance: %w", err)
			}
			if balance.Cmp(plan.Value) < 0 {
				return nil, &InsufficientEthError{Have: balance, Need: plan.Value}
			}
		}

		receipt, hash, err := e.sendOneLocked(ctx, plan)
		if err != nil {
			e.resetNonceCacheLocked()
			return nil, err
		}

		if receipt.Status == types.ReceiptStatusFailed {
			e.resetNonceCacheLocked()
			return nil, &TransactionRevertedError{TxHash: hash, Reason: decodeRevertReason(ctx, e.chain, plan, hash)}
		}

		gasUsed += receipt.GasUsed
		effPrice := receipt.EffectiveGasPrice
		if effPrice == nil {
			effPrice = plan.GasPrice
		}
		if effPrice != nil {
			gasCostWei.Add(gasCostWei, new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), effPrice))
		}

		lastHash = hash
	}

	gasCostEth := new(big.Float).Quo(new(big.Float).SetInt(gasCostWei), big.NewFloat(1e18))

	return &BatchResult{FinalTxHash: lastHash, GasUsed: gasUsed, GasCostEth: gasCostEth}, nil
}

func validatePlan(plan TransactionPlan) error {
	if plan.ChainID != SupportedChainID {
		return &ValidationError{Reason: fmt.Sprintf("unsupported chain id %d (only %d is supported)", plan.ChainID, SupportedChainID)}
	}
	if plan.To == (common.Address{}) {
		return &ValidationError{Reason: "transaction plan has no destination address"}
	}
	return nil
}

// sendOneLocked signs, sends, and waits for one transaction, retrying the
// send (not the wait) up to sendMaxRetries times on a nonce-shaped error per
// spec.md §4.6's nonce predicate. Caller must hold e.mu.
func (e *Executor) sendOneLocked(ctx context.Context, plan TransactionPlan) (*types.Receipt, common.Hash, error) {
	var tx *types.Transaction

	err := retry.Do(ctx, "executor.send", func(ctx context.Context) error {
		nonce, nerr := e.nextNonceLocked(ctx)
		if nerr != nil {
			return nerr
		}

		built, berr := e.buildTransaction(ctx, plan, nonce)
		if berr != nil {
			return berr
		}

		signed, serr := types.SignTx(built, e.signer, e.privateKey)
		if serr != nil {
			return serr
		}

		if err := e.chain.SendTransaction(ctx, signed); err != nil {
			if retry.IsNonceError(err) {
				e.resetNonceCacheLocked()
			}
			return err
		}

		tx = signed
		return nil
	}, sendMaxRetries, sendBaseDelay, retry.IsNonceError)

	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := e.waitMined(ctx, tx)
	if err != nil {
		return nil, tx.Hash(), fmt.Errorf("wait for receipt %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, tx.Hash(), nil
}

func (e *Executor) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	return bind.WaitMined(ctx, e.chain, tx)
}

func (e *Executor) buildTransaction(ctx context.Context, plan TransactionPlan, nonce uint64) (*types.Transaction, error) {
	value := plan.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := plan.Gas
	if gasLimit == 0 {
		estimate, err := e.chain.EstimateGas(ctx, ethereum.CallMsg{
			From:  e.from,
			To:    &plan.To,
			Value: value,
			Data:  plan.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = uint64(float64(estimate) * e.gasMultiplier)
	}

	if plan.MaxFeePerGas != nil && plan.MaxPriorityFeePerGas != nil {
		feeCap := e.capGasPrice(plan.MaxFeePerGas)
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   big.NewInt(SupportedChainID),
			Nonce:     nonce,
			To:        &plan.To,
			Value:     value,
			Data:      plan.Data,
			Gas:       gasLimit,
			GasFeeCap: feeCap,
			GasTipCap: plan.MaxPriorityFeePerGas,
		}), nil
	}

	gasPrice := plan.GasPrice
	if gasPrice == nil {
		suggested, err := e.chain.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		gasPrice = suggested
	}
	gasPrice = e.capGasPrice(gasPrice)

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &plan.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     plan.Data,
	}), nil
}

// capGasPrice clamps price to e.maxGasPrice when one is configured, so a
// spiking RPC-suggested fee can never push a send past the operator's
// declared ceiling (config.Config.MaxGasPrice).
func (e *Executor) capGasPrice(price *big.Int) *big.Int {
	if e.maxGasPrice == nil || price.Cmp(e.maxGasPrice) <= 0 {
		return price
	}
	return e.maxGasPrice
}

// nextNonceLocked implements spec.md §4.4's nonce cache: refresh from the
// network if the cache is stale or empty, otherwise hand out the next
// consecutive value. Caller must hold e.mu.
func (e *Executor) nextNonceLocked(ctx context.Context) (uint64, error) {
	if !e.nonceKnown || time.Since(e.nonceAt) > nonceCacheWindow {
		n, err := e.chain.PendingNonceAt(ctx, e.from)
		if err != nil {
			return 0, fmt.Errorf("fetch pending nonce: %w", err)
		}
		e.nonce = n
		e.nonceAt = time.Now()
		e.nonceKnown = true
		return e.nonce, nil
	}
	e.nonce++
	return e.nonce, nil
}

func (e *Executor) resetNonceCacheLocked() {
	e.nonceKnown = false
}

// decodeRevertReason attempts to recover a human-readable revert string by
// re-simulating the call at the transaction's block via eth_call, which
// go-ethereum surfaces as a *CallContractError wrapping the ABI-encoded
// reason; falls back to an empty string if the cause chain doesn't carry one.
func decodeRevertReason(ctx context.Context, chain ChainBackend, plan TransactionPlan, hash common.Hash) string {
	_, err := chain.CallContract(ctx, ethereum.CallMsg{
		To:   &plan.To,
		Data: plan.Data,
	}, nil)
	if err == nil {
		return ""
	}
	var reason string
	if unwrapped := errors.Unwrap(err); unwrapped != nil {
		reason = unwrapped.Error()
	} else {
		reason = err.Error()
	}
	return strings.TrimPrefix(reason, "execution reverted: ")
}

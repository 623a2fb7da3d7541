// Package vault is the Vault Integration component (spec.md §4.5): deposits
// swap proceeds into a configured vault and tracks share balances, using
// balance-delta accounting the same way the teacher's fulfiller measures
// received tokens by diffing balanceOf before and after a call rather than
// trusting a return value or an emitted event.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/arbidca/dca-engine/internal/config"
	"github.com/arbidca/dca-engine/internal/executor"
	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/retry"
	"github.com/arbidca/dca-engine/internal/store"
	"github.com/arbidca/dca-engine/pkg/contracts"
)

// maxUint256 is the unlimited-approval sentinel used for the vault's token
// allowance, matching the Custody Manager's own approval strategy.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Reader is the read side of the Chain Client the vault integration needs.
type Reader interface {
	VaultBalance(ctx context.Context, vault common.Address, kind string, account common.Address) (*big.Int, error)
	VaultDecimals(ctx context.Context, vault common.Address, kind string) (uint8, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// InsufficientBalanceError marks an attempt to deposit more of a token than
// the executor currently holds (spec.md §4.5, step 1).
type InsufficientBalanceError struct{ Have, Need *big.Int }

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance to deposit: have %s, need %s", e.Have.String(), e.Need.String())
}

// DepositResult carries what the pipeline needs to record after a deposit.
type DepositResult struct {
	SharesReceived     *big.Int
	SharesReceivedDisp string // formatted at the vault's own decimals
	TxHash             common.Hash
}

// Integration deposits proceeds of a swap into the configured vault and
// records the resulting share balance in the Plan Store.
type Integration struct {
	cfg     config.VaultConfig
	address common.Address // cfg.Address parsed once at construction
	reader  Reader
	exec    *executor.Executor
	store   store.PlanStore
	log     logger.Logger
}

// New builds a vault Integration from cfg. A zero-value cfg (no address
// configured) yields a disabled Integration — Enabled() reports false and
// Deposit/Redeem fail fast.
func New(cfg config.VaultConfig, reader Reader, exec *executor.Executor, planStore store.PlanStore, log logger.Logger) *Integration {
	return &Integration{
		cfg:     cfg,
		address: common.HexToAddress(cfg.Address),
		reader:  reader,
		exec:    exec,
		store:   planStore,
		log:     log,
	}
}

// Enabled reports whether a vault destination is configured at all.
func (v *Integration) Enabled() bool {
	return v.cfg.Address != "" && v.address != (common.Address{})
}

// Address returns the configured vault's contract address.
func (v *Integration) Address() common.Address { return v.address }

// TokenSymbol returns the destination-token symbol this vault receives
// deposits for, so callers can decide whether a given plan's toToken
// routes into this vault.
func (v *Integration) TokenSymbol() string { return v.cfg.TokenSymbol }

// Deposit runs the algorithm in spec.md §4.5: read the vault's share balance
// for whichever account actually ends up holding the minted shares before the
// deposit, submit the deposit through the Transaction Executor, read the
// balance again, and take the delta as the number of shares actually minted
// rather than trusting a decoded return value (deposit's return isn't
// observable from a TransactionPlan send). The ERC-4626 form mints shares
// directly to userAddress (deposit(amount, receiver=userAddress) per spec.md
// §4.5 step 4), so the share-balance snapshot in step 3 is taken against
// userAddress, not the executor, for that vault kind; the "simple" form
// credits the caller (the executor) instead, so its snapshot stays on the
// executor.
func (v *Integration) Deposit(ctx context.Context, userAddress common.Address, token common.Address, atomicAmount *big.Int) (*DepositResult, error) {
	if !v.Enabled() {
		return nil, fmt.Errorf("vault: no vault configured")
	}

	executorAddress := v.exec.From()

	balance, err := v.readTokenBalance(ctx, token, executorAddress)
	if err != nil {
		return nil, fmt.Errorf("read executor %s balance: %w", token.Hex(), err)
	}
	if balance.Cmp(atomicAmount) < 0 {
		return nil, &InsufficientBalanceError{Have: balance, Need: atomicAmount}
	}

	if err := v.ensureVaultAllowance(ctx, token, executorAddress, atomicAmount); err != nil {
		return nil, err
	}

	shareAccount := v.shareAccountFor(userAddress)

	before, err := v.readShareBalance(ctx, shareAccount)
	if err != nil {
		return nil, fmt.Errorf("read pre-deposit share balance: %w", err)
	}

	data, err := v.packDeposit(atomicAmount, userAddress)
	if err != nil {
		return nil, fmt.Errorf("pack deposit: %w", err)
	}

	result, err := v.exec.Execute(ctx, []executor.TransactionPlan{{
		ChainID: executor.SupportedChainID,
		To:      v.address,
		Data:    data,
	}})
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}

	after, err := v.readShareBalance(ctx, shareAccount)
	if err != nil {
		return nil, fmt.Errorf("read post-deposit share balance: %w", err)
	}

	shares := new(big.Int).Sub(after, before)
	if shares.Sign() < 0 {
		shares = big.NewInt(0)
	}

	decimals, err := v.reader.VaultDecimals(ctx, v.address, v.cfg.Kind)
	if err != nil {
		return nil, fmt.Errorf("read vault decimals: %w", err)
	}
	sharesDisp := decimal.NewFromBigInt(shares, -int32(decimals))

	if err := v.recordHolding(ctx, userAddress, sharesDisp); err != nil {
		v.log.ErrorWithComponent(logger.Vault, "recording vault holding for %s: %v", userAddress.Hex(), err)
	}

	return &DepositResult{SharesReceived: shares, SharesReceivedDisp: sharesDisp.String(), TxHash: result.FinalTxHash}, nil
}

// Redeem withdraws shares back out of the vault on behalf of userAddress,
// per spec.md §4.5's withdrawal algorithm: redeem(shares, receiver=executor,
// owner=userAddress) for the ERC-4626 form, so the underlying assets land
// back with the executor (which mediates custody for the swap it funds) while
// the shares being burned are the user's own ERC-4626 position.
func (v *Integration) Redeem(ctx context.Context, userAddress common.Address, shares *big.Int) error {
	if !v.Enabled() {
		return fmt.Errorf("vault: no vault configured")
	}

	data, err := v.packRedeem(shares, userAddress)
	if err != nil {
		return fmt.Errorf("pack redeem: %w", err)
	}

	_, err = v.exec.Execute(ctx, []executor.TransactionPlan{{
		ChainID: executor.SupportedChainID,
		To:      v.address,
		Data:    data,
	}})
	if err != nil {
		return fmt.Errorf("redeem: %w", err)
	}

	decimals, err := v.reader.VaultDecimals(ctx, v.address, v.cfg.Kind)
	if err != nil {
		return fmt.Errorf("read vault decimals: %w", err)
	}
	negative := decimal.NewFromBigInt(new(big.Int).Neg(shares), -int32(decimals))
	if err := v.recordHolding(ctx, userAddress, negative); err != nil {
		v.log.ErrorWithComponent(logger.Vault, "recording vault redemption for %s: %v", userAddress.Hex(), err)
	}
	return nil
}

// shareAccountFor reports which address actually ends up holding vault
// shares for userAddress's deposits: userAddress itself for ERC-4626 (shares
// mint directly to the declared receiver), or the executor for the "simple"
// form (whose deposit always credits its caller).
func (v *Integration) shareAccountFor(userAddress common.Address) common.Address {
	if v.cfg.Kind == config.VaultKindERC4626 {
		return userAddress
	}
	return v.exec.From()
}

func (v *Integration) packDeposit(atomicAmount *big.Int, userAddress common.Address) ([]byte, error) {
	if v.cfg.Kind == config.VaultKindERC4626 {
		return contracts.PackDepositERC4626(atomicAmount, userAddress)
	}
	return contracts.PackDepositSimple(atomicAmount)
}

func (v *Integration) packRedeem(shares *big.Int, userAddress common.Address) ([]byte, error) {
	if v.cfg.Kind == config.VaultKindERC4626 {
		return contracts.PackRedeemERC4626(shares, v.exec.From(), userAddress)
	}
	return contracts.PackWithdrawSimple(shares)
}

// ensureVaultAllowance tops up the executor's token allowance to the vault
// contract, mirroring the Custody Manager's router-allowance step (spec.md
// §4.3/§4.5): read the current allowance and only send an approve if it
// falls short of the amount about to be deposited.
func (v *Integration) ensureVaultAllowance(ctx context.Context, token, owner common.Address, need *big.Int) error {
	current, err := v.readAllowance(ctx, token, owner, v.address)
	if err != nil {
		return fmt.Errorf("read vault allowance: %w", err)
	}
	if current.Cmp(need) >= 0 {
		return nil
	}

	v.log.InfoWithComponent(logger.Vault, "approving vault %s for token %s", v.address.Hex(), token.Hex())
	data, err := contracts.PackApprove(v.address, maxUint256)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	if _, err := v.exec.Execute(ctx, []executor.TransactionPlan{{
		ChainID: executor.SupportedChainID,
		To:      token,
		Data:    data,
	}}); err != nil {
		return fmt.Errorf("approve vault: %w", err)
	}
	return nil
}

func (v *Integration) readAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var result *big.Int
	err := retry.Do(ctx, "vault.allowance", func(ctx context.Context) error {
		a, err := v.reader.Allowance(ctx, token, owner, spender)
		if err != nil {
			return err
		}
		result = a
		return nil
	}, 3, 2*time.Second, retry.IsNetworkError)
	return result, err
}

func (v *Integration) readTokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	var result *big.Int
	err := retry.Do(ctx, "vault.tokenBalance", func(ctx context.Context) error {
		b, err := v.reader.BalanceOf(ctx, token, account)
		if err != nil {
			return err
		}
		result = b
		return nil
	}, 3, 2*time.Second, retry.IsNetworkError)
	return result, err
}

func (v *Integration) readShareBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var result *big.Int
	err := retry.Do(ctx, "vault.shareBalance", func(ctx context.Context) error {
		bal, err := v.reader.VaultBalance(ctx, v.address, v.cfg.Kind, account)
		if err != nil {
			return err
		}
		result = bal
		return nil
	}, 3, 2*time.Second, retry.IsNetworkError)
	return result, err
}

func (v *Integration) recordHolding(ctx context.Context, userAddress common.Address, shareDelta decimal.Decimal) error {
	_, err := v.store.UpsertVaultHoldingAdd(ctx, userAddress.Hex(), v.address.Hex(), v.cfg.TokenSymbol, shareDelta.String())
	return err
}

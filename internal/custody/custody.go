// Package custody is the Custody Manager: guarantees the executor holds the
// swap amount and has granted router allowance before the swap transactions
// broadcast (spec.md §4.3). Grounded on pkg/fulfiller/token.go's
// OptimizedTokenApproval/determineApprovalAmount (unlimited-approval
// strategy) and pkg/fulfiller/service.go's checkAndCacheAllowance.
package custody

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arbidca/dca-engine/internal/executor"
	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/retry"
	"github.com/arbidca/dca-engine/pkg/contracts"
)

// MaxUint256 is the unlimited-approval sentinel used for router approvals,
// matching the teacher's approval strategy.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// InsufficientUserApprovalError marks the case where, in separate-executor
// mode, the user hasn't granted the executor enough allowance (spec.md §7).
type InsufficientUserApprovalError struct {
	Have, Need *big.Int
}

func (e *InsufficientUserApprovalError) Error() string {
	return fmt.Sprintf("insufficient user approval: have %s, need %s", e.Have.String(), e.Need.String())
}

// TokenReader is the read side of the Chain Client the Custody Manager needs.
type TokenReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// Manager is the Custody Manager.
type Manager struct {
	reader        TokenReader
	exec          *executor.Executor
	routerAddress common.Address
	log           logger.Logger
}

func New(reader TokenReader, exec *executor.Executor, routerAddress common.Address, log logger.Logger) *Manager {
	return &Manager{reader: reader, exec: exec, routerAddress: routerAddress, log: log}
}

// Ensure runs the algorithm in spec.md §4.3 for one pending swap: case A
// (self-execution) or case B (separate executor), depending on whether
// userAddress equals the executor's own address.
func (m *Manager) Ensure(ctx context.Context, token common.Address, atomicAmount *big.Int, userAddress common.Address) error {
	executorAddress := m.exec.From()

	if err := m.ensureRouterAllowance(ctx, token, executorAddress, atomicAmount); err != nil {
		return err
	}

	if userAddress == executorAddress {
		return nil // case A: the executor already holds its own funds.
	}

	return m.pullFromUser(ctx, token, userAddress, executorAddress, atomicAmount)
}

func (m *Manager) ensureRouterAllowance(ctx context.Context, token, owner common.Address, need *big.Int) error {
	current, err := m.readAllowance(ctx, token, owner, m.routerAddress)
	if err != nil {
		return fmt.Errorf("read router allowance: %w", err)
	}
	if current.Cmp(need) >= 0 {
		return nil
	}

	m.log.InfoWithComponent(logger.Custody, "approving router %s for token %s", m.routerAddress.Hex(), token.Hex())
	data, err := contracts.PackApprove(m.routerAddress, MaxUint256)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	_, err = m.exec.Execute(ctx, []executor.TransactionPlan{{
		ChainID: executor.SupportedChainID,
		To:      token,
		Data:    data,
	}})
	if err != nil {
		return fmt.Errorf("approve router: %w", err)
	}
	return nil
}

// pullFromUser implements case B, resolving spec.md §9's idempotence open
// question: skip the transferFrom entirely if the executor already holds
// enough of the token from a prior partial run, rather than unconditionally
// redrawing funds.
func (m *Manager) pullFromUser(ctx context.Context, token, userAddress, executorAddress common.Address, atomicAmount *big.Int) error {
	executorBalance, err := m.readBalance(ctx, token, executorAddress)
	if err != nil {
		return fmt.Errorf("read executor balance: %w", err)
	}
	if executorBalance.Cmp(atomicAmount) >= 0 {
		m.log.DebugWithComponent(logger.Custody, "executor already holds %s of %s, skipping transferFrom", executorBalance.String(), token.Hex())
		return nil
	}

	userAllowance, err := m.readAllowance(ctx, token, userAddress, executorAddress)
	if err != nil {
		return fmt.Errorf("read user allowance: %w", err)
	}
	if userAllowance.Cmp(atomicAmount) < 0 {
		return &InsufficientUserApprovalError{Have: userAllowance, Need: atomicAmount}
	}

	m.log.InfoWithComponent(logger.Custody, "pulling %s of %s from user %s", atomicAmount.String(), token.Hex(), userAddress.Hex())
	data, err := contracts.PackTransferFrom(userAddress, executorAddress, atomicAmount)
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}
	_, err = m.exec.Execute(ctx, []executor.TransactionPlan{{
		ChainID: executor.SupportedChainID,
		To:      token,
		Data:    data,
	}})
	if err != nil {
		return fmt.Errorf("transferFrom: %w", err)
	}
	return nil
}

func (m *Manager) readAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var result *big.Int
	err := retry.Do(ctx, "custody.allowance", func(ctx context.Context) error {
		v, err := m.reader.Allowance(ctx, token, owner, spender)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, 3, 2*time.Second, retry.IsNetworkError)
	return result, err
}

func (m *Manager) readBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	var result *big.Int
	err := retry.Do(ctx, "custody.balance", func(ctx context.Context) error {
		v, err := m.reader.BalanceOf(ctx, token, account)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, 3, 2*time.Second, retry.IsNetworkError)
	return result, err
}

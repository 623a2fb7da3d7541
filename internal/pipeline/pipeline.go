// Package pipeline is the Swap Pipeline: the seven-step per-plan
// orchestration in spec.md §4.2 (resolve tokens -> ensure custody -> request
// quote -> execute -> measure -> optional vault deposit -> record). Grounded
// on pkg/fulfiller/fulfill.go and pkg/fulfiller/fulfiller.go's overall
// per-intent orchestration shape (resolve -> custody -> act -> record),
// retargeted from a cross-chain intent fulfillment to a same-chain DCA swap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/arbidca/dca-engine/internal/custody"
	"github.com/arbidca/dca-engine/internal/executor"
	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/metrics"
	"github.com/arbidca/dca-engine/internal/quoteclient"
	"github.com/arbidca/dca-engine/internal/store"
	"github.com/arbidca/dca-engine/internal/tokens"
	"github.com/arbidca/dca-engine/internal/vault"
)

// minSlippagePercent is the floor spec.md §4.2 requires below which a
// requested slippage tolerance is clamped.
const minSlippagePercent = "0.3"

// ErrTokenNotFound marks a plan whose fromToken or toToken isn't registered
// for the pipeline's chain (spec.md §7).
var ErrTokenNotFound = errors.New("token not found")

// BalanceReader is the subset of chain reads the pipeline needs directly
// (custody's own reads are internal to *custody.Manager).
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// QuoteClient is the subset of the Quote Client the pipeline calls directly.
type QuoteClient interface {
	CreateSwap(ctx context.Context, req quoteclient.CreateSwapRequest) (*quoteclient.SwapPlan, error)
}

// Pipeline wires together every collaborator one swap iteration needs.
type Pipeline struct {
	chainID  int
	registry *tokens.Registry
	custody  *custody.Manager
	quote    QuoteClient
	exec     *executor.Executor
	chain    BalanceReader
	vault    *vault.Integration // nil when no vault is configured
	store    store.PlanStore
	log      logger.Logger
}

// New builds a Pipeline. vaultIntegration may be nil to disable vault
// deposits entirely.
func New(chainID int, registry *tokens.Registry, custodyMgr *custody.Manager, quote QuoteClient, exec *executor.Executor, chain BalanceReader, vaultIntegration *vault.Integration, planStore store.PlanStore, log logger.Logger) *Pipeline {
	return &Pipeline{
		chainID:  chainID,
		registry: registry,
		custody:  custodyMgr,
		quote:    quote,
		exec:     exec,
		chain:    chain,
		vault:    vaultIntegration,
		store:    planStore,
		log:      log,
	}
}

// Execute runs exactly one DCA iteration for plan (spec.md §4.2). On any
// failure it writes a FAILED Execution (plan.ID is never empty for a
// scheduler-driven call) and returns the error without advancing the plan.
func (p *Pipeline) Execute(ctx context.Context, plan *store.Plan) error {
	start := time.Now()
	result, err := p.run(ctx, plan)
	duration := time.Since(start)

	if err != nil {
		metrics.PlanExecutionsTotal.WithLabelValues("failed").Inc()
		metrics.PlanExecutionDuration.WithLabelValues("failed").Observe(duration.Seconds())
		p.recordFailure(ctx, plan, err)
		return err
	}

	metrics.PlanExecutionsTotal.WithLabelValues("success").Inc()
	metrics.PlanExecutionDuration.WithLabelValues("success").Observe(duration.Seconds())
	return p.recordSuccess(ctx, plan, result)
}

// execResult carries everything the record step needs, gathered across the
// resolve/custody/quote/execute/measure steps.
type execResult struct {
	fromDesc   tokens.TokenDescriptor
	toDesc     tokens.TokenDescriptor
	atomicAmt  *big.Int
	swap       *quoteclient.SwapPlan
	batch      *executor.BatchResult
	deposit    *vault.DepositResult
}

func (p *Pipeline) run(ctx context.Context, plan *store.Plan) (*execResult, error) {
	fromDesc, toDesc, err := p.resolveTokens(plan)
	if err != nil {
		return nil, err
	}

	atomicAmt, err := quoteclient.AtomicAmount(plan.Amount, fromDesc.Decimals)
	if err != nil {
		return nil, fmt.Errorf("parse plan amount: %w", err)
	}

	userAddress := common.HexToAddress(plan.UserAddress)
	fromAddress := common.HexToAddress(fromDesc.Address)

	if err := p.custody.Ensure(ctx, fromAddress, atomicAmt, userAddress); err != nil {
		return nil, err
	}

	slippage := clampSlippage(plan.SlippagePercent)
	swap, err := p.quote.CreateSwap(ctx, quoteclient.CreateSwapRequest{
		BaseToken:         fromDesc.Symbol,
		QuoteToken:        toDesc.Symbol,
		Amount:            atomicAmt.String(),
		Recipient:         plan.UserAddress,
		SlippageTolerance: slippage,
	})
	if err != nil {
		return nil, err
	}

	toAddress := common.HexToAddress(toDesc.Address)
	executorAddress := p.exec.From()

	var preBalance *big.Int
	vaultEnabled := p.vault != nil && p.vault.Enabled() && strings.EqualFold(p.vault.TokenSymbol(), toDesc.Symbol)
	if vaultEnabled {
		preBalance, err = p.chain.BalanceOf(ctx, toAddress, executorAddress)
		if err != nil {
			return nil, fmt.Errorf("pre-measure %s balance: %w", toDesc.Symbol, err)
		}
	}

	txs, err := toExecutorPlans(swap.Transactions)
	if err != nil {
		return nil, err
	}

	batch, err := p.exec.Execute(ctx, txs)
	if err != nil {
		return nil, err
	}

	res := &execResult{fromDesc: fromDesc, toDesc: toDesc, atomicAmt: atomicAmt, swap: swap, batch: batch}

	if vaultEnabled {
		postBalance, err := p.chain.BalanceOf(ctx, toAddress, executorAddress)
		if err != nil {
			return nil, fmt.Errorf("post-measure %s balance: %w", toDesc.Symbol, err)
		}
		received := new(big.Int).Sub(postBalance, preBalance)
		if received.Sign() > 0 {
			deposit, err := p.vault.Deposit(ctx, userAddress, toAddress, received)
			if err != nil {
				metrics.VaultDepositsTotal.WithLabelValues("failed").Inc()
				return nil, fmt.Errorf("vault deposit: %w", err)
			}
			metrics.VaultDepositsTotal.WithLabelValues("success").Inc()
			res.deposit = deposit
		}
	}

	return res, nil
}

func (p *Pipeline) resolveTokens(plan *store.Plan) (tokens.TokenDescriptor, tokens.TokenDescriptor, error) {
	fromDesc, ok := p.registry.Lookup(plan.FromToken, p.chainID)
	if !ok {
		return tokens.TokenDescriptor{}, tokens.TokenDescriptor{}, fmt.Errorf("%w: %s on chain %d", ErrTokenNotFound, plan.FromToken, p.chainID)
	}
	toDesc, ok := p.registry.Lookup(plan.ToToken, p.chainID)
	if !ok {
		return tokens.TokenDescriptor{}, tokens.TokenDescriptor{}, fmt.Errorf("%w: %s on chain %d", ErrTokenNotFound, plan.ToToken, p.chainID)
	}
	return fromDesc, toDesc, nil
}

// clampSlippage enforces spec.md §4.2's 0.3% floor.
func clampSlippage(pct string) string {
	v, err := decimal.NewFromString(pct)
	if err != nil {
		return minSlippagePercent
	}
	floor, _ := decimal.NewFromString(minSlippagePercent)
	if v.LessThan(floor) {
		return minSlippagePercent
	}
	return v.String()
}

func toExecutorPlans(descs []quoteclient.TransactionDescriptor) ([]executor.TransactionPlan, error) {
	plans := make([]executor.TransactionPlan, 0, len(descs))
	for i, d := range descs {
		data, err := decodeHex(d.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: decode data: %w", i, err)
		}
		plan := executor.TransactionPlan{
			ChainID: d.ChainID,
			To:      common.HexToAddress(d.To),
			Data:    data,
		}
		if plan.Value, err = decodeBigIntOrNil(d.Value); err != nil {
			return nil, fmt.Errorf("transaction %d: decode value: %w", i, err)
		}
		if d.Gas != "" {
			gas, err := strconv.ParseUint(strings.TrimPrefix(d.Gas, "0x"), 16, 64)
			if err != nil {
				gas, err = strconv.ParseUint(d.Gas, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("transaction %d: decode gas: %w", i, err)
				}
			}
			plan.Gas = gas
		}
		if plan.GasPrice, err = decodeBigIntOrNil(d.GasPrice); err != nil {
			return nil, fmt.Errorf("transaction %d: decode gasPrice: %w", i, err)
		}
		if plan.MaxFeePerGas, err = decodeBigIntOrNil(d.MaxFeePerGas); err != nil {
			return nil, fmt.Errorf("transaction %d: decode maxFeePerGas: %w", i, err)
		}
		if plan.MaxPriorityFeePerGas, err = decodeBigIntOrNil(d.MaxPriorityFeePerGas); err != nil {
			return nil, fmt.Errorf("transaction %d: decode maxPriorityFeePerGas: %w", i, err)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

func decodeBigIntOrNil(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "0x")
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		v, ok = new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
	}
	return v, nil
}

func (p *Pipeline) recordSuccess(ctx context.Context, plan *store.Plan, result *execResult) error {
	gasFee := result.batch.GasCostEth.Text('f', 18)
	txHash := result.batch.FinalTxHash.Hex()

	exec := &store.Execution{
		PlanID:       &plan.ID,
		FromAmount:   plan.Amount,
		ToAmount:     result.swap.DisplayToAmount,
		ExchangeRate: result.swap.Estimation.EffectivePrice,
		GasFee:       &gasFee,
		TxHash:       &txHash,
		Status:       store.ExecutionSuccess,
	}
	if result.deposit != nil {
		vaultAddr := p.vault.Address().Hex()
		shareStr := result.deposit.SharesReceivedDisp
		depositHash := result.deposit.TxHash.Hex()
		exec.VaultAddress = &vaultAddr
		exec.ShareTokens = &shareStr
		exec.DepositTxHash = &depositHash
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	metrics.GasUsed.Observe(float64(result.batch.GasUsed))
	gasCostFloat, _ := result.batch.GasCostEth.Float64()
	metrics.GasCostEth.Observe(gasCostFloat)

	plan.ExecutionCount++
	now := time.Now()
	if plan.ExecutionCount >= plan.TotalExecutions {
		plan.Status = store.PlanCompleted
		plan.NextExecutionAt = nil
	} else {
		next := now.Add(time.Duration(plan.IntervalMinutes) * time.Minute)
		plan.NextExecutionAt = &next
		plan.Status = store.PlanActive
	}
	plan.LeasedUntil = nil

	if err := p.store.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("advance plan: %w", err)
	}
	return nil
}

func (p *Pipeline) recordFailure(ctx context.Context, plan *store.Plan, runErr error) {
	msg := runErr.Error()
	exec := &store.Execution{
		PlanID:       &plan.ID,
		FromAmount:   plan.Amount,
		ToAmount:     "0",
		ExchangeRate: "0",
		Status:       store.ExecutionFailed,
		ErrorMessage: &msg,
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		p.log.ErrorWithComponent(logger.Pipeline, "recording failed execution for plan %s: %v", plan.ID, err)
	}
	if err := p.store.ReleaseLease(ctx, plan.ID); err != nil {
		p.log.ErrorWithComponent(logger.Pipeline, "releasing lease for plan %s: %v", plan.ID, err)
	}
}

package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20ABI is the minimal ABI surface the engine needs from an ERC-20 token:
// reads for custody/balance-delta accounting, plus approve/transferFrom,
// which are sent as raw calldata through the Transaction Executor (this
// package has no Transactor binding; see PackApprove/
// PackTransferFrom), so the Executor remains the single nonce-assigning
// writer per spec.md §5.
const ERC20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

// ERC20Caller is a read-only Go binding around the ERC-20 standard.
type ERC20Caller struct {
	contract *bind.BoundContract
}

// NewERC20Caller binds a read-only ERC20Caller to a deployed token.
func NewERC20Caller(address common.Address, caller bind.ContractCaller) (*ERC20Caller, error) {
	contract, err := bindContract(address, ERC20ABI, caller, nil, nil)
	if err != nil {
		return nil, err
	}
	return &ERC20Caller{contract: contract}, nil
}

// Allowance returns the amount spender is allowed to draw from owner.
func (t *ERC20Caller) Allowance(opts *bind.CallOpts, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// BalanceOf returns the token balance of account.
func (t *ERC20Caller) BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "balanceOf", account); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Decimals returns the number of decimals the token's amounts are denominated in.
func (t *ERC20Caller) Decimals(opts *bind.CallOpts) (uint8, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "decimals"); err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// Symbol returns the token's ticker symbol.
func (t *ERC20Caller) Symbol(opts *bind.CallOpts) (string, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "symbol"); err != nil {
		return "", err
	}
	return out[0].(string), nil
}

var erc20Parsed = mustParseABI(ERC20ABI)

// PackApprove ABI-encodes an approve(spender, amount) call, for callers (the
// Custody Manager) that build a TransactionPlan and hand it to the
// Transaction Executor rather than sending through a TransactOpts-managed
// nonce directly.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20Parsed.Pack("approve", spender, amount)
}

// PackTransferFrom ABI-encodes a transferFrom(from, to, amount) call.
func PackTransferFrom(from, to common.Address, amount *big.Int) ([]byte, error) {
	return erc20Parsed.Pack("transferFrom", from, to, amount)
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func bindContract(address common.Address, rawABI string, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) (*bind.BoundContract, error) {
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(address, parsed, caller, transactor, filterer), nil
}

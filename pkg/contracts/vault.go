package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ERC4626ABI is the subset of the ERC-4626 interface this engine uses.
const ERC4626ABI = `[
	{"constant":false,"inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"name":"deposit","outputs":[{"name":"shares","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"shares","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"name":"redeem","outputs":[{"name":"assets","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// SimpleVaultABI is the subset of the "simple" (non-4626) vault interface
// this engine uses: deposit credits the caller directly, withdraw burns the
// caller's own shares.
const SimpleVaultABI = `[
	{"constant":false,"inputs":[{"name":"amount","type":"uint256"}],"name":"deposit","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"shares","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// VaultCaller is a read-only binding shared by both vault flavors: balanceOf
// and decimals have the same shape in ERC-4626 and the simple form.
type VaultCaller struct {
	contract *bind.BoundContract
}

// NewERC4626Caller binds a read-only ERC-4626 vault caller.
func NewERC4626Caller(address common.Address, caller bind.ContractCaller) (*VaultCaller, error) {
	contract, err := bindContract(address, ERC4626ABI, caller, nil, nil)
	if err != nil {
		return nil, err
	}
	return &VaultCaller{contract: contract}, nil
}

// NewSimpleVaultCaller binds a read-only simple-vault caller.
func NewSimpleVaultCaller(address common.Address, caller bind.ContractCaller) (*VaultCaller, error) {
	contract, err := bindContract(address, SimpleVaultABI, caller, nil, nil)
	if err != nil {
		return nil, err
	}
	return &VaultCaller{contract: contract}, nil
}

// BalanceOf returns account's share balance in the vault.
func (v *VaultCaller) BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := v.contract.Call(opts, &out, "balanceOf", account); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Decimals returns the vault's own share decimals, which may differ from the
// underlying asset's decimals (spec.md §9 open question, resolved: always use
// this value for share arithmetic).
func (v *VaultCaller) Decimals(opts *bind.CallOpts) (uint8, error) {
	var out []interface{}
	if err := v.contract.Call(opts, &out, "decimals"); err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

var (
	erc4626Parsed     = mustParseABI(ERC4626ABI)
	simpleVaultParsed = mustParseABI(SimpleVaultABI)
)

// PackDepositERC4626 ABI-encodes deposit(assets, receiver), for callers that
// route the call through the Transaction Executor rather than signing
// directly via a TransactOpts-managed nonce.
func PackDepositERC4626(assets *big.Int, receiver common.Address) ([]byte, error) {
	return erc4626Parsed.Pack("deposit", assets, receiver)
}

// PackRedeemERC4626 ABI-encodes redeem(shares, receiver, owner).
func PackRedeemERC4626(shares *big.Int, receiver, owner common.Address) ([]byte, error) {
	return erc4626Parsed.Pack("redeem", shares, receiver, owner)
}

// PackDepositSimple ABI-encodes deposit(amount) on the simple vault interface.
func PackDepositSimple(amount *big.Int) ([]byte, error) {
	return simpleVaultParsed.Pack("deposit", amount)
}

// PackWithdrawSimple ABI-encodes withdraw(shares) on the simple vault interface.
func PackWithdrawSimple(shares *big.Int) ([]byte, error) {
	return simpleVaultParsed.Pack("withdraw", shares)
}

// Package store is the DCA engine's Plan Store: the durable source of truth
// for Plans, Executions, and VaultHoldings, grounded on the GORM repository
// pattern in Aigen6-preworker's backend/internal/repository package (the
// teacher itself has no relational store — it talks to a remote intent API
// instead, so this concern is adapted from elsewhere in the retrieved pack).
package store

import "time"

// PlanStatus is the lifecycle state of a Plan (spec.md §3).
type PlanStatus string

const (
	PlanActive    PlanStatus = "ACTIVE"
	PlanPaused    PlanStatus = "PAUSED"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// ExecutionStatus is the terminal (or pending) outcome of one pipeline run.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
	ExecutionPending ExecutionStatus = "PENDING"
)

// Plan is a standing DCA instruction: convert `amount` of fromToken into
// toToken every intervalMinutes, for totalExecutions iterations.
type Plan struct {
	ID               string     `gorm:"primaryKey;type:varchar(64)"`
	UserAddress      string     `gorm:"type:varchar(42);index;not null"`
	FromToken        string     `gorm:"type:varchar(32);not null"`
	ToToken          string     `gorm:"type:varchar(32);not null"`
	Amount           string     `gorm:"type:varchar(78);not null"`
	IntervalMinutes  int        `gorm:"not null"`
	DurationWeeks    int        `gorm:"not null"`
	SlippagePercent  string     `gorm:"type:varchar(16);not null"`
	Status           PlanStatus `gorm:"type:varchar(16);index;not null"`
	ExecutionCount   int        `gorm:"not null;default:0"`
	TotalExecutions  int        `gorm:"not null"`
	NextExecutionAt  *time.Time `gorm:"index"`
	LeasedUntil      *time.Time `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Plan) TableName() string { return "plans" }

// TotalExecutionsFor computes totalExecutions = floor(durationWeeks*10080 / intervalMinutes)
// per spec.md §8's boundary behavior, using integer division (which floors
// for non-negative operands).
func TotalExecutionsFor(durationWeeks, intervalMinutes int) int {
	if intervalMinutes <= 0 {
		return 0
	}
	return (durationWeeks * 7 * 24 * 60) / intervalMinutes
}

// Execution is an append-only audit row: exactly one is written per terminal
// pipeline outcome for a plan.
type Execution struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	PlanID         *string `gorm:"index;type:varchar(64)"`
	ExecutedAt     time.Time
	FromAmount     string
	ToAmount       string
	ExchangeRate   string
	GasFee         *string
	TxHash         *string `gorm:"index"`
	Status         ExecutionStatus `gorm:"type:varchar(16);index;not null"`
	ErrorMessage   *string
	VaultAddress   *string
	ShareTokens    *string
	DepositTxHash  *string
}

func (Execution) TableName() string { return "executions" }

// VaultHolding tracks one user's share balance in one vault.
type VaultHolding struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	UserAddress string `gorm:"type:varchar(42);uniqueIndex:idx_user_vault;not null"`
	VaultAddress string `gorm:"type:varchar(42);uniqueIndex:idx_user_vault;not null"`
	TokenSymbol string `gorm:"type:varchar(32);not null"`
	ShareTokens string `gorm:"type:varchar(78);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (VaultHolding) TableName() string { return "user_vault_holdings" }

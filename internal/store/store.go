package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanStore is the Plan Store's interface: read by the scheduler, written by
// the swap pipeline and (externally) by the CRUD surface out of scope for
// this engine.
type PlanStore interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error

	// LeaseDuePlans selects ACTIVE plans with nextExecutionAt <= now, ordered
	// by nextExecutionAt ascending, and marks them leased until leaseDuration
	// from now so a second scheduler process cannot select the same row
	// concurrently (spec.md §9 open question, resolved in DESIGN.md).
	LeaseDuePlans(ctx context.Context, now time.Time, limit int, leaseDuration time.Duration) ([]*Plan, error)
	ReleaseLease(ctx context.Context, planID string) error

	CreateExecution(ctx context.Context, e *Execution) error

	GetVaultHolding(ctx context.Context, userAddress, vaultAddress string) (*VaultHolding, error)

	// UpsertVaultHoldingAdd adds deltaShares (a signed decimal string, at the
	// vault's own decimals per spec.md §9) to the holding's shareTokens using
	// exact decimal.Decimal arithmetic, creating the row if it doesn't exist
	// yet. deltaShares may be negative (redemption).
	UpsertVaultHoldingAdd(ctx context.Context, userAddress, vaultAddress, tokenSymbol, deltaShares string) (*VaultHolding, error)
}

// gormPlanStore is the PlanStore backed by a relational database via GORM,
// grounded on Aigen6-preworker's repository.CheckbookRepository: one struct
// wrapping *gorm.DB, queries built with WithContext(ctx).Where(...).
type gormPlanStore struct {
	db *gorm.DB
}

var _ PlanStore = (*gormPlanStore)(nil)

// NewGormPlanStore wraps an already-connected *gorm.DB.
func NewGormPlanStore(db *gorm.DB) PlanStore {
	return &gormPlanStore{db: db}
}

// Migrate applies the schema for Plan, Execution, and VaultHolding. Called
// once at startup; the CRUD surface and this engine share the same schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Plan{}, &Execution{}, &VaultHolding{})
}

func (s *gormPlanStore) CreatePlan(ctx context.Context, p *Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *gormPlanStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *gormPlanStore) UpdatePlan(ctx context.Context, p *Plan) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *gormPlanStore) LeaseDuePlans(ctx context.Context, now time.Time, limit int, leaseDuration time.Duration) ([]*Plan, error) {
	var plans []*Plan

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			// Postgres row-level lock, skipping rows another transaction already
			// holds, so concurrent scheduler processes never double-select a plan.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_execution_at IS NOT NULL AND next_execution_at <= ? AND (leased_until IS NULL OR leased_until < ?)", PlanActive, now, now).
			Order("next_execution_at ASC").
			Limit(limit).
			Find(&plans).Error; err != nil {
			return err
		}

		leasedUntil := now.Add(leaseDuration)
		for _, p := range plans {
			p.LeasedUntil = &leasedUntil
			if err := tx.Model(&Plan{}).Where("id = ?", p.ID).Update("leased_until", leasedUntil).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease due plans: %w", err)
	}
	return plans, nil
}

func (s *gormPlanStore) ReleaseLease(ctx context.Context, planID string) error {
	return s.db.WithContext(ctx).Model(&Plan{}).Where("id = ?", planID).Update("leased_until", nil).Error
}

func (s *gormPlanStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *gormPlanStore) GetVaultHolding(ctx context.Context, userAddress, vaultAddress string) (*VaultHolding, error) {
	var h VaultHolding
	err := s.db.WithContext(ctx).
		Where("user_address = ? AND vault_address = ?", userAddress, vaultAddress).
		First(&h).Error
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpsertVaultHoldingAdd implements the addition described on PlanStore: the
// row is locked for the duration of the transaction so two concurrent
// deposits for the same (user, vault) can't read-modify-write past each
// other, and the new total is computed with decimal.Decimal (an exact
// coefficient+exponent representation, never a float) rather than string
// concatenation or float addition.
func (s *gormPlanStore) UpsertVaultHoldingAdd(ctx context.Context, userAddress, vaultAddress, tokenSymbol, deltaShares string) (*VaultHolding, error) {
	delta, err := decimal.NewFromString(deltaShares)
	if err != nil {
		return nil, fmt.Errorf("parse delta shares %q: %w", deltaShares, err)
	}

	var h VaultHolding
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_address = ? AND vault_address = ?", userAddress, vaultAddress).
			First(&h).Error
		if err == gorm.ErrRecordNotFound {
			if delta.Sign() < 0 {
				return fmt.Errorf("cannot create vault holding with negative shares %s", deltaShares)
			}
			h = VaultHolding{
				ID:           uuid.NewString(),
				UserAddress:  userAddress,
				VaultAddress: vaultAddress,
				TokenSymbol:  tokenSymbol,
				ShareTokens:  delta.String(),
			}
			return tx.Create(&h).Error
		}
		if err != nil {
			return err
		}

		current, perr := decimal.NewFromString(h.ShareTokens)
		if perr != nil {
			return fmt.Errorf("parse stored share tokens %q: %w", h.ShareTokens, perr)
		}
		total := current.Add(delta)
		if total.Sign() < 0 {
			return fmt.Errorf("vault holding for %s/%s would go negative: %s + %s", userAddress, vaultAddress, h.ShareTokens, deltaShares)
		}
		h.ShareTokens = total.String()
		return tx.Save(&h).Error
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"gorm.io/gorm"
)

type (
	PositionStore interface {
		FindPosition(ctx context.Context, poolId, owner uuid.UUID) (*Position, error)
		UpsertPosition(ctx context.Context, position *Position) error
		ListPositions(ctx context.Context, poolId uuid.UUID) ([]*Position, error)
	}

	// Position holds one user's raw asset-unit balances against one pool.
	// Balances are amounts, not shares: pool-level accrual does not
	// redistribute into DepositAmount, so the sum of position deposits
	// drifts below Pool.TotalDeposits as interest accrues.
	Position struct {
		Owner  uuid.UUID `json:"owner"`
		PoolId uuid.UUID `json:"poolId"`

		DepositAmount  uint64 `json:"depositAmount"`
		BorrowedAmount uint64 `json:"borrowedAmount"`

		CreatedAt   int64 `json:"createdAt"`
		LastUpdated int64 `json:"lastUpdated"`
	}
)

func NewPosition(clk clock.Clock, poolId, owner uuid.UUID) *Position {
	now := clk.Now().Unix()
	return &Position{
		Owner:       owner,
		PoolId:      poolId,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// FindOrNewPosition returns the stored position or a fresh zero-balance one.
// The fresh record is NOT persisted here: positions only reach the store
// when the surrounding operation commits, so a failed first deposit leaves
// no trace.
func FindOrNewPosition(ctx context.Context, clk clock.Clock, store PositionStore, poolId, owner uuid.UUID) (*Position, error) {
	position, err := store.FindPosition(ctx, poolId, owner)
	if err != nil {
		if err == gorm.ErrRecordNotFound || err == ErrPositionNotFound {
			return NewPosition(clk, poolId, owner), nil
		}
		return nil, err
	}
	return position.Clone(), nil
}

func (p *Position) Clone() *Position {
	return &Position{
		Owner:          p.Owner,
		PoolId:         p.PoolId,
		DepositAmount:  p.DepositAmount,
		BorrowedAmount: p.BorrowedAmount,
		CreatedAt:      p.CreatedAt,
		LastUpdated:    p.LastUpdated,
	}
}

func (p *Position) AddDeposit(amount uint64) error {
	depositAmount, err := CheckedAdd(p.DepositAmount, amount)
	if err != nil {
		return err
	}
	p.DepositAmount = depositAmount
	return nil
}

func (p *Position) SubDeposit(amount uint64) error {
	depositAmount, err := CheckedSub(p.DepositAmount, amount)
	if err != nil {
		return err
	}
	p.DepositAmount = depositAmount
	return nil
}

func (p *Position) AddDebt(amount uint64) error {
	borrowedAmount, err := CheckedAdd(p.BorrowedAmount, amount)
	if err != nil {
		return err
	}
	p.BorrowedAmount = borrowedAmount
	return nil
}

func (p *Position) SubDebt(amount uint64) error {
	borrowedAmount, err := CheckedSub(p.BorrowedAmount, amount)
	if err != nil {
		return err
	}
	p.BorrowedAmount = borrowedAmount
	return nil
}

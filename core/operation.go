package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
)

type (
	OperationStore interface {
		CreateOperation(ctx context.Context, operation *Operation) error
		ListOperations(ctx context.Context, actor uuid.UUID, createdBeforeAt, limit int64) ([]Operation, error)
	}

	// Operation is an audit record appended after every committed engine
	// operation. It is bookkeeping only; replaying the journal is not how
	// state is reconstructed.
	Operation struct {
		Actor     uuid.UUID  `json:"actor"`
		Action    ActionType `json:"action"`
		PoolId    uuid.UUID  `json:"poolId"`
		Amount    uint64     `json:"amount"`
		CreatedAt int64      `json:"createdAt"`
	}
)

type ActionType string

const (
	ActionInitPool      ActionType = "init_pool"
	ActionInitPriceFeed ActionType = "init_price_feed"
	ActionSetPrice      ActionType = "set_price"
	ActionDeposit       ActionType = "deposit"
	ActionBorrow        ActionType = "borrow"
	ActionRepay         ActionType = "repay"
	ActionLiquidate     ActionType = "liquidate"
)

func NewOperation(clk clock.Clock, actor uuid.UUID, action ActionType, poolId uuid.UUID, amount uint64) *Operation {
	return &Operation{
		Actor:     actor,
		Action:    action,
		PoolId:    poolId,
		Amount:    amount,
		CreatedAt: clk.Now().Unix(),
	}
}

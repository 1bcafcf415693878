package core

import "github.com/pkg/errors"

// Business-rule and arithmetic failures. Every operation either fully
// commits or returns exactly one of these with no partial mutation.
var (
	ErrOverLTV                = errors.New("borrow would exceed the collateral-backed limit")
	ErrInsufficientFunds      = errors.New("treasury has insufficient liquidity")
	ErrOverRepay              = errors.New("repay amount exceeds outstanding debt")
	ErrMathOverflow           = errors.New("checked arithmetic overflow")
	ErrNotUndercollateralized = errors.New("position is not below its liquidation threshold")
	ErrUnauthorized           = errors.New("caller is not the recorded authority")

	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidPoolConfig = errors.New("invalid pool configuration")

	ErrPoolNotFound      = errors.New("pool not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPriceFeedNotFound = errors.New("price feed not found")

	ErrLedgerUnauthorized = errors.New("ledger: authorization does not cover the source holder")
	ErrLedgerInsufficient = errors.New("ledger: insufficient balance")
)

package core

import (
	"context"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/openlend/core/observability"
)

// LendingEngine orchestrates the economic operations against one set of
// stores and one token ledger. Every state-changing operation follows the
// same shape: accrue pool interest, validate against cloned records, invoke
// the external ledger, then commit the clones. A failure at any step leaves
// the stored Pool and Position untouched.
//
// Locking: the pool mutex is always acquired before any position mutex, so
// concurrent operations across pools and positions cannot deadlock.
type LendingEngine struct {
	clk     clock.Clock
	log     Log
	metrics *observability.Metrics

	ledger     TokenLedger
	pools      PoolStore
	positions  PositionStore
	feeds      PriceFeedStore
	operations OperationStore

	// Lock maps gain one entry per pool or position ever touched and are
	// never pruned; they live as long as the engine.
	mu            sync.Mutex
	poolLocks     map[uuid.UUID]*sync.Mutex
	positionLocks map[positionKey]*sync.Mutex
}

type positionKey struct {
	poolId uuid.UUID
	owner  uuid.UUID
}

type EngineOption func(e *LendingEngine)

func WithClock(clk clock.Clock) EngineOption {
	return func(e *LendingEngine) { e.clk = clk }
}

func WithLog(log Log) EngineOption {
	return func(e *LendingEngine) { e.log = log }
}

func WithMetrics(metrics *observability.Metrics) EngineOption {
	return func(e *LendingEngine) { e.metrics = metrics }
}

// WithOperationStore enables the audit journal.
func WithOperationStore(operations OperationStore) EngineOption {
	return func(e *LendingEngine) { e.operations = operations }
}

func NewLendingEngine(ledger TokenLedger, pools PoolStore, positions PositionStore, feeds PriceFeedStore, opts ...EngineOption) *LendingEngine {
	logger := observability.NewLogger("lending-engine")
	e := &LendingEngine{
		clk:           clock.New(),
		log:           &logger,
		ledger:        ledger,
		pools:         pools,
		positions:     positions,
		feeds:         feeds,
		poolLocks:     make(map[uuid.UUID]*sync.Mutex),
		positionLocks: make(map[positionKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitPool creates the per-asset pool with a deterministic id and treasury.
func (e *LendingEngine) InitPool(ctx context.Context, authority uuid.UUID, assetId string, poolConfig PoolConfig) (*Pool, error) {
	if err := poolConfig.Validate(); err != nil {
		return nil, e.reject(ActionInitPool, err)
	}

	pool := NewPool(e.clk, authority, assetId, poolConfig)
	if err := e.pools.CreatePool(ctx, pool); err != nil {
		return nil, e.reject(ActionInitPool, errors.Wrap(err, "create pool"))
	}

	e.applied(ActionInitPool, pool, 0)
	e.journal(ctx, authority, ActionInitPool, pool.Id, 0)
	e.log.Info().
		Str("pool", pool.Id.String()).
		Str("asset", pool.AssetId).
		Uint64("maxLtv", pool.MaxLTV).
		Uint64("liquidationThreshold", pool.LiquidationThreshold).
		Uint64("interestRateBps", pool.InterestRateBps).
		Msg("pool initialized")
	return pool, nil
}

// InitPriceFeed creates a feed owned by authority at an initial price.
func (e *LendingEngine) InitPriceFeed(ctx context.Context, authority uuid.UUID, price uint64, decimals uint8) (*PriceFeed, error) {
	feed := NewPriceFeed(e.clk, authority, price, decimals)
	if err := e.feeds.CreatePriceFeed(ctx, feed); err != nil {
		return nil, e.reject(ActionInitPriceFeed, errors.Wrap(err, "create price feed"))
	}

	e.journal(ctx, authority, ActionInitPriceFeed, uuid.Nil, price)
	e.log.Info().
		Str("feed", feed.Id.String()).
		Uint64("price", price).
		Uint8("decimals", decimals).
		Msg("price feed initialized")
	return feed, nil
}

// SetPrice replaces the feed price. Only the feed authority may call it.
func (e *LendingEngine) SetPrice(ctx context.Context, feedId, caller uuid.UUID, newPrice uint64) error {
	feed, err := e.feeds.GetPriceFeedById(ctx, feedId)
	if err != nil {
		return e.reject(ActionSetPrice, errors.Wrap(ErrPriceFeedNotFound, feedId.String()))
	}

	feed = feed.Clone()
	if err := feed.SetPrice(caller, newPrice, e.clk.Now().Unix()); err != nil {
		return e.reject(ActionSetPrice, err)
	}
	if err := e.feeds.UpsertPriceFeed(ctx, feed); err != nil {
		return e.reject(ActionSetPrice, errors.Wrap(err, "commit price feed"))
	}

	e.journal(ctx, caller, ActionSetPrice, uuid.Nil, newPrice)
	return nil
}

// Deposit moves amount from the user into the pool treasury and credits the
// user's position. The position is created lazily on first deposit. No LTV
// check: deposits only add collateral.
func (e *LendingEngine) Deposit(ctx context.Context, poolId, user uuid.UUID, amount uint64) error {
	if amount == 0 {
		return e.reject(ActionDeposit, ErrInvalidAmount)
	}

	unlockPool := e.lockPool(poolId)
	defer unlockPool()

	pool, err := e.loadPool(ctx, poolId)
	if err != nil {
		return e.reject(ActionDeposit, err)
	}
	now := e.clk.Now().Unix()
	interest, err := pool.AccrueInterest(e.log, now)
	if err != nil {
		return e.reject(ActionDeposit, err)
	}

	unlockPosition := e.lockPosition(poolId, user)
	defer unlockPosition()

	position, err := FindOrNewPosition(ctx, e.clk, e.positions, poolId, user)
	if err != nil {
		return e.reject(ActionDeposit, err)
	}

	totalDeposits, err := CheckedAdd(pool.TotalDeposits, amount)
	if err != nil {
		return e.reject(ActionDeposit, err)
	}
	if err := position.AddDeposit(amount); err != nil {
		return e.reject(ActionDeposit, err)
	}
	pool.TotalDeposits = totalDeposits

	if err := e.ledger.Transfer(ctx, user, pool.Treasury, amount, UserAuth(user)); err != nil {
		return e.reject(ActionDeposit, errors.Wrap(err, "deposit transfer"))
	}

	position.LastUpdated = now
	if err := e.commit(ctx, pool, position); err != nil {
		return e.reject(ActionDeposit, err)
	}

	e.accrued(interest)
	e.applied(ActionDeposit, pool, amount)
	e.journal(ctx, user, ActionDeposit, poolId, amount)
	return nil
}

// Borrow lends amount to the user against their deposited collateral.
//
// The collateral limit uses the oracle-price-inclusive form
// deposit*price*maxLTV/100 and compares it against the raw debt amount.
// PriceFeed.Decimals is deliberately not applied anywhere in this math; a
// feed scaled differently from the asset misprices the collateral.
func (e *LendingEngine) Borrow(ctx context.Context, poolId, feedId, user uuid.UUID, amount uint64) error {
	if amount == 0 {
		return e.reject(ActionBorrow, ErrInvalidAmount)
	}

	unlockPool := e.lockPool(poolId)
	defer unlockPool()

	pool, err := e.loadPool(ctx, poolId)
	if err != nil {
		return e.reject(ActionBorrow, err)
	}
	now := e.clk.Now().Unix()
	interest, err := pool.AccrueInterest(e.log, now)
	if err != nil {
		return e.reject(ActionBorrow, err)
	}

	feed, err := e.feeds.GetPriceFeedById(ctx, feedId)
	if err != nil {
		return e.reject(ActionBorrow, errors.Wrap(ErrPriceFeedNotFound, feedId.String()))
	}

	unlockPosition := e.lockPosition(poolId, user)
	defer unlockPosition()

	position, err := FindOrNewPosition(ctx, e.clk, e.positions, poolId, user)
	if err != nil {
		return e.reject(ActionBorrow, err)
	}

	collateralValue, err := CheckedMul(position.DepositAmount, feed.Price)
	if err != nil {
		return e.reject(ActionBorrow, err)
	}
	maxBorrowValue, err := MulDiv(collateralValue, pool.MaxLTV, MAX_PERCENT)
	if err != nil {
		return e.reject(ActionBorrow, err)
	}
	if err := position.AddDebt(amount); err != nil {
		return e.reject(ActionBorrow, err)
	}
	if position.BorrowedAmount > maxBorrowValue {
		return e.reject(ActionBorrow, ErrOverLTV)
	}

	totalBorrowed, err := CheckedAdd(pool.TotalBorrowed, amount)
	if err != nil {
		return e.reject(ActionBorrow, err)
	}

	treasuryBalance, err := e.ledger.Balance(ctx, pool.Treasury)
	if err != nil {
		return e.reject(ActionBorrow, errors.Wrap(err, "treasury balance"))
	}
	if amount > treasuryBalance {
		return e.reject(ActionBorrow, ErrInsufficientFunds)
	}

	// Outbound treasury transfers are signed by the pool's custody
	// capability, never by the recipient.
	if err := e.ledger.Transfer(ctx, pool.Treasury, user, amount, pool.CustodyAuth()); err != nil {
		return e.reject(ActionBorrow, errors.Wrap(err, "borrow transfer"))
	}

	pool.TotalBorrowed = totalBorrowed
	position.LastUpdated = now
	if err := e.commit(ctx, pool, position); err != nil {
		return e.reject(ActionBorrow, err)
	}

	e.accrued(interest)
	e.applied(ActionBorrow, pool, amount)
	e.journal(ctx, user, ActionBorrow, poolId, amount)
	return nil
}

// Repay returns amount of the user's debt to the treasury. Repaying more
// than the recorded debt is rejected outright rather than clamped.
func (e *LendingEngine) Repay(ctx context.Context, poolId, user uuid.UUID, amount uint64) error {
	if amount == 0 {
		return e.reject(ActionRepay, ErrInvalidAmount)
	}

	unlockPool := e.lockPool(poolId)
	defer unlockPool()

	pool, err := e.loadPool(ctx, poolId)
	if err != nil {
		return e.reject(ActionRepay, err)
	}
	now := e.clk.Now().Unix()
	interest, err := pool.AccrueInterest(e.log, now)
	if err != nil {
		return e.reject(ActionRepay, err)
	}

	unlockPosition := e.lockPosition(poolId, user)
	defer unlockPosition()

	position, err := FindOrNewPosition(ctx, e.clk, e.positions, poolId, user)
	if err != nil {
		return e.reject(ActionRepay, err)
	}

	if amount > position.BorrowedAmount {
		return e.reject(ActionRepay, ErrOverRepay)
	}
	if err := position.SubDebt(amount); err != nil {
		return e.reject(ActionRepay, err)
	}
	totalBorrowed, err := CheckedSub(pool.TotalBorrowed, amount)
	if err != nil {
		return e.reject(ActionRepay, err)
	}
	pool.TotalBorrowed = totalBorrowed

	if err := e.ledger.Transfer(ctx, user, pool.Treasury, amount, UserAuth(user)); err != nil {
		return e.reject(ActionRepay, errors.Wrap(err, "repay transfer"))
	}

	position.LastUpdated = now
	if err := e.commit(ctx, pool, position); err != nil {
		return e.reject(ActionRepay, err)
	}

	e.accrued(interest)
	e.applied(ActionRepay, pool, amount)
	e.journal(ctx, user, ActionRepay, poolId, amount)
	return nil
}

// Liquidate lets the liquidator repay amount of an under-collateralized
// target's debt and seize the same amount of its collateral 1:1; no
// liquidation bonus is modeled. A position qualifies only when its debt is
// STRICTLY above deposit*price*threshold/100; equality is refused.
func (e *LendingEngine) Liquidate(ctx context.Context, poolId, feedId, liquidator, targetUser uuid.UUID, amount uint64) error {
	if amount == 0 {
		return e.reject(ActionLiquidate, ErrInvalidAmount)
	}

	unlockPool := e.lockPool(poolId)
	defer unlockPool()

	pool, err := e.loadPool(ctx, poolId)
	if err != nil {
		return e.reject(ActionLiquidate, err)
	}
	now := e.clk.Now().Unix()
	interest, err := pool.AccrueInterest(e.log, now)
	if err != nil {
		return e.reject(ActionLiquidate, err)
	}

	feed, err := e.feeds.GetPriceFeedById(ctx, feedId)
	if err != nil {
		return e.reject(ActionLiquidate, errors.Wrap(ErrPriceFeedNotFound, feedId.String()))
	}

	unlockPosition := e.lockPosition(poolId, targetUser)
	defer unlockPosition()

	target, err := FindOrNewPosition(ctx, e.clk, e.positions, poolId, targetUser)
	if err != nil {
		return e.reject(ActionLiquidate, err)
	}

	collateralValue, err := CheckedMul(target.DepositAmount, feed.Price)
	if err != nil {
		return e.reject(ActionLiquidate, err)
	}
	liquidationLimit, err := MulDiv(collateralValue, pool.LiquidationThreshold, MAX_PERCENT)
	if err != nil {
		return e.reject(ActionLiquidate, err)
	}
	if target.BorrowedAmount <= liquidationLimit {
		return e.reject(ActionLiquidate, ErrNotUndercollateralized)
	}

	// Stage all four checked subtractions before any funds move so that a
	// liquidation amount exceeding the seizable collateral or recorded
	// debt fails with no transfer having happened.
	if err := target.SubDebt(amount); err != nil {
		return e.reject(ActionLiquidate, err)
	}
	if err := target.SubDeposit(amount); err != nil {
		return e.reject(ActionLiquidate, err)
	}
	totalBorrowed, err := CheckedSub(pool.TotalBorrowed, amount)
	if err != nil {
		return e.reject(ActionLiquidate, err)
	}
	totalDeposits, err := CheckedSub(pool.TotalDeposits, amount)
	if err != nil {
		return e.reject(ActionLiquidate, err)
	}
	pool.TotalBorrowed = totalBorrowed
	pool.TotalDeposits = totalDeposits

	// The liquidator covers the bad debt first, then is paid the seized
	// collateral out of the treasury under the pool's custody signature.
	if err := e.ledger.Transfer(ctx, liquidator, pool.Treasury, amount, UserAuth(liquidator)); err != nil {
		return e.reject(ActionLiquidate, errors.Wrap(err, "liquidation repayment transfer"))
	}
	if err := e.ledger.Transfer(ctx, pool.Treasury, liquidator, amount, pool.CustodyAuth()); err != nil {
		// The repayment leg already settled on the ledger; book state is
		// still untouched. Surface loudly so the operator can reconcile.
		e.log.Error().
			Str("pool", poolId.String()).
			Str("liquidator", liquidator.String()).
			Uint64("amount", amount).
			Msg("collateral payout failed after liquidation repayment settled")
		return e.reject(ActionLiquidate, errors.Wrap(err, "collateral payout transfer"))
	}

	target.LastUpdated = now
	if err := e.commit(ctx, pool, target); err != nil {
		return e.reject(ActionLiquidate, err)
	}

	e.accrued(interest)
	e.applied(ActionLiquidate, pool, amount)
	e.journal(ctx, liquidator, ActionLiquidate, poolId, amount)
	return nil
}

func (e *LendingEngine) loadPool(ctx context.Context, poolId uuid.UUID) (*Pool, error) {
	pool, err := e.pools.GetPoolById(ctx, poolId)
	if err != nil {
		return nil, errors.Wrap(ErrPoolNotFound, poolId.String())
	}
	return pool.Clone(), nil
}

func (e *LendingEngine) commit(ctx context.Context, pool *Pool, position *Position) error {
	if err := e.pools.UpsertPool(ctx, pool); err != nil {
		return errors.Wrap(err, "commit pool")
	}
	if err := e.positions.UpsertPosition(ctx, position); err != nil {
		return errors.Wrap(err, "commit position")
	}
	return nil
}

// journal appends an audit record. Journal failures never unwind an already
// committed operation.
func (e *LendingEngine) journal(ctx context.Context, actor uuid.UUID, action ActionType, poolId uuid.UUID, amount uint64) {
	if e.operations == nil {
		return
	}
	op := NewOperation(e.clk, actor, action, poolId, amount)
	if err := e.operations.CreateOperation(ctx, op); err != nil {
		e.log.Warn().Err(err).Str("action", string(action)).Msg("journal append failed")
	}
}

func (e *LendingEngine) applied(action ActionType, pool *Pool, amount uint64) {
	if e.metrics == nil {
		return
	}
	e.metrics.OperationsApplied.WithLabelValues(string(action)).Inc()
	e.metrics.PoolDeposits.WithLabelValues(pool.Id.String()).Set(float64(pool.TotalDeposits))
	e.metrics.PoolBorrowed.WithLabelValues(pool.Id.String()).Set(float64(pool.TotalBorrowed))
}

func (e *LendingEngine) accrued(interest uint64) {
	if e.metrics == nil || interest == 0 {
		return
	}
	e.metrics.InterestAccrued.Add(float64(interest))
}

func (e *LendingEngine) reject(action ActionType, err error) error {
	if e.metrics != nil {
		e.metrics.OperationsRejected.WithLabelValues(string(action), rejectReason(err)).Inc()
	}
	return err
}

func rejectReason(err error) string {
	switch errors.Cause(err) {
	case ErrOverLTV:
		return "over_ltv"
	case ErrInsufficientFunds:
		return "insufficient_funds"
	case ErrOverRepay:
		return "over_repay"
	case ErrMathOverflow:
		return "math_overflow"
	case ErrNotUndercollateralized:
		return "not_undercollateralized"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrInvalidAmount:
		return "invalid_amount"
	case ErrInvalidPoolConfig:
		return "invalid_pool_config"
	case ErrPoolNotFound, ErrPositionNotFound, ErrPriceFeedNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

func (e *LendingEngine) lockPool(poolId uuid.UUID) func() {
	e.mu.Lock()
	lock, ok := e.poolLocks[poolId]
	if !ok {
		lock = &sync.Mutex{}
		e.poolLocks[poolId] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (e *LendingEngine) lockPosition(poolId, owner uuid.UUID) func() {
	e.mu.Lock()
	key := positionKey{poolId: poolId, owner: owner}
	lock, ok := e.positionLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.positionLocks[key] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

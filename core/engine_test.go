package core

import (
	"context"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlend/core/observability"
)

// memState implements all four stores over plain maps.
type memState struct {
	pools     map[uuid.UUID]*Pool
	positions map[positionKey]*Position
	feeds     map[uuid.UUID]*PriceFeed
	ops       []Operation
}

func newMemState() *memState {
	return &memState{
		pools:     make(map[uuid.UUID]*Pool),
		positions: make(map[positionKey]*Position),
		feeds:     make(map[uuid.UUID]*PriceFeed),
	}
}

func (m *memState) CreatePool(_ context.Context, pool *Pool) error {
	m.pools[pool.Id] = pool.Clone()
	return nil
}

func (m *memState) UpsertPool(_ context.Context, pool *Pool) error {
	m.pools[pool.Id] = pool.Clone()
	return nil
}

func (m *memState) GetPoolById(_ context.Context, poolId uuid.UUID) (*Pool, error) {
	pool, ok := m.pools[poolId]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return pool.Clone(), nil
}

func (m *memState) GetPoolByAssetId(_ context.Context, assetId string) (*Pool, error) {
	for _, pool := range m.pools {
		if pool.AssetId == assetId {
			return pool.Clone(), nil
		}
	}
	return nil, ErrPoolNotFound
}

func (m *memState) ListPools(_ context.Context) ([]*Pool, error) {
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool.Clone())
	}
	return pools, nil
}

func (m *memState) FindPosition(_ context.Context, poolId, owner uuid.UUID) (*Position, error) {
	position, ok := m.positions[positionKey{poolId: poolId, owner: owner}]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return position.Clone(), nil
}

func (m *memState) UpsertPosition(_ context.Context, position *Position) error {
	m.positions[positionKey{poolId: position.PoolId, owner: position.Owner}] = position.Clone()
	return nil
}

func (m *memState) ListPositions(_ context.Context, poolId uuid.UUID) ([]*Position, error) {
	var positions []*Position
	for _, position := range m.positions {
		if position.PoolId == poolId {
			positions = append(positions, position.Clone())
		}
	}
	return positions, nil
}

func (m *memState) CreatePriceFeed(_ context.Context, feed *PriceFeed) error {
	m.feeds[feed.Id] = feed.Clone()
	return nil
}

func (m *memState) UpsertPriceFeed(_ context.Context, feed *PriceFeed) error {
	m.feeds[feed.Id] = feed.Clone()
	return nil
}

func (m *memState) GetPriceFeedById(_ context.Context, feedId uuid.UUID) (*PriceFeed, error) {
	feed, ok := m.feeds[feedId]
	if !ok {
		return nil, ErrPriceFeedNotFound
	}
	return feed.Clone(), nil
}

func (m *memState) CreateOperation(_ context.Context, operation *Operation) error {
	m.ops = append(m.ops, *operation)
	return nil
}

func (m *memState) ListOperations(_ context.Context, actor uuid.UUID, _, limit int64) ([]Operation, error) {
	var ops []Operation
	for _, op := range m.ops {
		if op.Actor == actor && int64(len(ops)) < limit {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// failingLedger wraps a working ledger and fails transfers on demand:
// all of them, or only the custody-signed ones so a user-signed leg can
// settle while the treasury payout fails.
type failingLedger struct {
	*MemoryLedger
	failTransfers bool
	failCustody   bool
}

func (l *failingLedger) Transfer(ctx context.Context, from, to uuid.UUID, amount uint64, auth Authorization) error {
	if l.failTransfers {
		return errors.New("ledger offline")
	}
	if l.failCustody && auth.Kind == AuthorizationCustody {
		return errors.New("custody signer rejected")
	}
	return l.MemoryLedger.Transfer(ctx, from, to, amount, auth)
}

type engineEnv struct {
	ctx    context.Context
	clk    *clock.Mock
	state  *memState
	ledger *failingLedger
	engine *LendingEngine

	authority uuid.UUID
	alice     uuid.UUID
	bob       uuid.UUID

	pool *Pool
	feed *PriceFeed
}

func newEngineEnv(t *testing.T, poolConfig PoolConfig, price uint64) *engineEnv {
	t.Helper()

	env := &engineEnv{
		ctx:       context.Background(),
		clk:       clock.NewMock(),
		state:     newMemState(),
		ledger:    &failingLedger{MemoryLedger: NewMemoryLedger()},
		authority: newTestId("authority"),
		alice:     newTestId("alice"),
		bob:       newTestId("bob"),
	}
	env.engine = NewLendingEngine(env.ledger, env.state, env.state, env.state,
		WithClock(env.clk),
		WithLog(nopLog()),
		WithOperationStore(env.state),
	)

	pool, err := env.engine.InitPool(env.ctx, env.authority, "asset-usdc", poolConfig)
	require.NoError(t, err)
	env.pool = pool
	env.ledger.BindCustody(pool.Treasury, CustodySigner(pool.Id))

	feed, err := env.engine.InitPriceFeed(env.ctx, env.authority, price, 6)
	require.NoError(t, err)
	env.feed = feed

	env.ledger.Mint(env.alice, 1_000_000)
	env.ledger.Mint(env.bob, 1_000_000)
	return env
}

func defaultEnv(t *testing.T) *engineEnv {
	return newEngineEnv(t, PoolConfig{
		LiquidationThreshold: 80,
		MaxLTV:               50,
		InterestRateBps:      500,
	}, 1)
}

func (env *engineEnv) storedPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := env.state.GetPoolById(env.ctx, env.pool.Id)
	require.NoError(t, err)
	return pool
}

func (env *engineEnv) storedPosition(t *testing.T, owner uuid.UUID) *Position {
	t.Helper()
	position, err := env.state.FindPosition(env.ctx, env.pool.Id, owner)
	require.NoError(t, err)
	return position
}

func TestDepositCreatesPositionLazily(t *testing.T) {
	env := defaultEnv(t)

	_, err := env.state.FindPosition(env.ctx, env.pool.Id, env.alice)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))

	position := env.storedPosition(t, env.alice)
	assert.Equal(t, env.alice, position.Owner)
	assert.Equal(t, uint64(1000), position.DepositAmount)
	assert.Equal(t, uint64(0), position.BorrowedAmount)
	assert.Equal(t, uint64(1000), env.storedPool(t).TotalDeposits)

	treasuryBalance, err := env.ledger.Balance(env.ctx, env.pool.Treasury)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), treasuryBalance)
}

func TestDepositZeroAmount(t *testing.T) {
	env := defaultEnv(t)
	assert.ErrorIs(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 0), ErrInvalidAmount)
}

func TestBorrowAtExactLtvBoundary(t *testing.T) {
	// max_ltv=50, deposit=1000, price=1 -> max_borrow_value=500.
	env := defaultEnv(t)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))

	require.NoError(t, env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 500))
	assert.Equal(t, uint64(500), env.storedPosition(t, env.alice).BorrowedAmount)
	assert.Equal(t, uint64(500), env.storedPool(t).TotalBorrowed)

	// One more unit crosses the limit.
	err := env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 1)
	assert.ErrorIs(t, err, ErrOverLTV)
	assert.Equal(t, uint64(500), env.storedPosition(t, env.alice).BorrowedAmount)
}

func TestBorrowWithoutCollateral(t *testing.T) {
	env := defaultEnv(t)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.bob, 1000))

	err := env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 1)
	assert.ErrorIs(t, err, ErrOverLTV)
}

func TestBorrowInsufficientTreasuryLiquidity(t *testing.T) {
	// Price 10 lifts the collateral limit well above what the treasury
	// actually holds.
	env := newEngineEnv(t, PoolConfig{
		LiquidationThreshold: 80,
		MaxLTV:               50,
		InterestRateBps:      500,
	}, 10)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))

	// max_borrow_value = 1000*10*50/100 = 5000, treasury holds 1000.
	err := env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 2000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(0), env.storedPool(t).TotalBorrowed)
}

func TestBorrowIgnoresFeedDecimals(t *testing.T) {
	// Decimals is carried on the feed but never normalizes the collateral
	// math; two feeds with equal Price and different Decimals behave
	// identically.
	env := defaultEnv(t)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))

	otherFeed, err := env.engine.InitPriceFeed(env.ctx, env.authority, 1, 0)
	require.NoError(t, err)

	require.NoError(t, env.engine.Borrow(env.ctx, env.pool.Id, otherFeed.Id, env.alice, 500))
	err = env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 1)
	assert.ErrorIs(t, err, ErrOverLTV)
}

func TestRepayExactAndOver(t *testing.T) {
	env := defaultEnv(t)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))
	require.NoError(t, env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 500))

	// A single unit above the recorded debt is rejected, not clamped.
	err := env.engine.Repay(env.ctx, env.pool.Id, env.alice, 501)
	assert.ErrorIs(t, err, ErrOverRepay)
	assert.Equal(t, uint64(500), env.storedPosition(t, env.alice).BorrowedAmount)

	require.NoError(t, env.engine.Repay(env.ctx, env.pool.Id, env.alice, 500))
	assert.Equal(t, uint64(0), env.storedPosition(t, env.alice).BorrowedAmount)
	assert.Equal(t, uint64(0), env.storedPool(t).TotalBorrowed)
}

func TestAccrualFoldsIntoAggregatesOnly(t *testing.T) {
	// interest_rate=1000bps, total_borrowed=1000, one year ->
	// interest=100 on both aggregates, while the position's recorded
	// deposit does not move: accrual is aggregate-only by design.
	env := newEngineEnv(t, PoolConfig{
		LiquidationThreshold: 100,
		MaxLTV:               100,
		InterestRateBps:      1000,
	}, 1)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))
	require.NoError(t, env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 1000))

	env.clk.Add(SECONDS_PER_YEAR * time.Second)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.bob, 1))

	pool := env.storedPool(t)
	assert.Equal(t, uint64(1100), pool.TotalBorrowed)
	assert.Equal(t, uint64(1101), pool.TotalDeposits)

	// Per-position balances drift below the pool aggregate.
	alicePosition := env.storedPosition(t, env.alice)
	bobPosition := env.storedPosition(t, env.bob)
	assert.Equal(t, uint64(1000), alicePosition.DepositAmount)
	assert.Equal(t, uint64(1000), alicePosition.BorrowedAmount)
	assert.Less(t, alicePosition.DepositAmount+bobPosition.DepositAmount, pool.TotalDeposits)
}

func liquidationEnv(t *testing.T, debt uint64) *engineEnv {
	t.Helper()
	// Borrow against price 2, then mark the price down to 1 so the debt
	// sits against collateral_value=1000 and liquidation_limit=800.
	env := newEngineEnv(t, PoolConfig{
		LiquidationThreshold: 80,
		MaxLTV:               50,
		InterestRateBps:      0,
	}, 2)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))
	require.NoError(t, env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, debt))
	require.NoError(t, env.engine.SetPrice(env.ctx, env.feed.Id, env.authority, 1))
	return env
}

func TestLiquidateUndercollateralizedPosition(t *testing.T) {
	// liquidation_threshold=80, deposit=1000, price=1, debt=850:
	// limit=800 < 850, so the position qualifies.
	env := liquidationEnv(t, 850)

	bobBefore, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)

	require.NoError(t, env.engine.Liquidate(env.ctx, env.pool.Id, env.feed.Id, env.bob, env.alice, 850))

	target := env.storedPosition(t, env.alice)
	assert.Equal(t, uint64(0), target.BorrowedAmount)
	assert.Equal(t, uint64(150), target.DepositAmount)

	pool := env.storedPool(t)
	assert.Equal(t, uint64(0), pool.TotalBorrowed)
	assert.Equal(t, uint64(150), pool.TotalDeposits)

	// The liquidator repays the debt and is paid the same amount of
	// collateral: an even swap, no bonus.
	bobAfter, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)
	assert.Equal(t, bobBefore, bobAfter)
}

func TestLiquidateRefusedAtExactThreshold(t *testing.T) {
	// debt == liquidation_limit must NOT qualify; strictly greater only.
	env := liquidationEnv(t, 800)

	err := env.engine.Liquidate(env.ctx, env.pool.Id, env.feed.Id, env.bob, env.alice, 100)
	assert.ErrorIs(t, err, ErrNotUndercollateralized)
}

func TestLiquidateAmountExceedsPosition(t *testing.T) {
	env := liquidationEnv(t, 850)
	poolBefore := env.storedPool(t)
	positionBefore := env.storedPosition(t, env.alice)
	bobBefore, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)

	// More than the seizable amount underflows the checked subtraction
	// before any funds move.
	err = env.engine.Liquidate(env.ctx, env.pool.Id, env.feed.Id, env.bob, env.alice, 900)
	assert.ErrorIs(t, err, ErrMathOverflow)

	assert.Equal(t, poolBefore, env.storedPool(t))
	assert.Equal(t, positionBefore, env.storedPosition(t, env.alice))
	bobAfter, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)
	assert.Equal(t, bobBefore, bobAfter)
}

func TestFailedTransferLeavesStateUntouched(t *testing.T) {
	env := defaultEnv(t)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))
	require.NoError(t, env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 400))

	poolBefore := env.storedPool(t)
	positionBefore := env.storedPosition(t, env.alice)

	env.ledger.failTransfers = true
	assert.Error(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 10))
	assert.Error(t, env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 10))
	assert.Error(t, env.engine.Repay(env.ctx, env.pool.Id, env.alice, 10))
	env.ledger.failTransfers = false

	assert.Equal(t, poolBefore, env.storedPool(t))
	assert.Equal(t, positionBefore, env.storedPosition(t, env.alice))
}

func TestLiquidateRepaymentLegFailureLeavesBooksUntouched(t *testing.T) {
	env := liquidationEnv(t, 850)
	poolBefore := env.storedPool(t)
	positionBefore := env.storedPosition(t, env.alice)
	bobBefore, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)

	env.ledger.failTransfers = true
	assert.Error(t, env.engine.Liquidate(env.ctx, env.pool.Id, env.feed.Id, env.bob, env.alice, 850))
	env.ledger.failTransfers = false

	assert.Equal(t, poolBefore, env.storedPool(t))
	assert.Equal(t, positionBefore, env.storedPosition(t, env.alice))
	bobAfter, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)
	assert.Equal(t, bobBefore, bobAfter)
}

func TestLiquidatePayoutLegFailureLeavesBooksUntouched(t *testing.T) {
	env := liquidationEnv(t, 850)
	poolBefore := env.storedPool(t)
	positionBefore := env.storedPosition(t, env.alice)
	bobBefore, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)
	treasuryBefore, err := env.ledger.Balance(env.ctx, env.pool.Treasury)
	require.NoError(t, err)

	// The user-signed repayment leg settles, then the custody-signed
	// collateral payout fails.
	env.ledger.failCustody = true
	assert.Error(t, env.engine.Liquidate(env.ctx, env.pool.Id, env.feed.Id, env.bob, env.alice, 850))
	env.ledger.failCustody = false

	// Book state never commits.
	assert.Equal(t, poolBefore, env.storedPool(t))
	assert.Equal(t, positionBefore, env.storedPosition(t, env.alice))

	// The settled repayment leg is left in the treasury for manual
	// reconciliation.
	bobAfter, err := env.ledger.Balance(env.ctx, env.bob)
	require.NoError(t, err)
	treasuryAfter, err := env.ledger.Balance(env.ctx, env.pool.Treasury)
	require.NoError(t, err)
	assert.Equal(t, bobBefore-850, bobAfter)
	assert.Equal(t, treasuryBefore+850, treasuryAfter)
}

func TestSetPriceThroughEngine(t *testing.T) {
	env := defaultEnv(t)

	err := env.engine.SetPrice(env.ctx, env.feed.Id, env.alice, 7)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, env.engine.SetPrice(env.ctx, env.feed.Id, env.authority, 7))
	feed, err := env.state.GetPriceFeedById(env.ctx, env.feed.Id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), feed.Price)
}

func TestInitPoolRejectsInvalidConfig(t *testing.T) {
	env := defaultEnv(t)
	_, err := env.engine.InitPool(env.ctx, env.authority, "asset-other", PoolConfig{
		LiquidationThreshold: 40,
		MaxLTV:               50,
	})
	assert.ErrorIs(t, err, ErrInvalidPoolConfig)
}

func TestEngineMetrics(t *testing.T) {
	env := defaultEnv(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := NewLendingEngine(env.ledger, env.state, env.state, env.state,
		WithClock(env.clk),
		WithLog(nopLog()),
		WithMetrics(metrics),
	)

	require.NoError(t, engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))
	require.Error(t, engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 600))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsApplied.WithLabelValues("deposit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsRejected.WithLabelValues("borrow", "over_ltv")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(metrics.PoolDeposits.WithLabelValues(env.pool.Id.String())))
}

func TestOperationJournal(t *testing.T) {
	env := defaultEnv(t)
	require.NoError(t, env.engine.Deposit(env.ctx, env.pool.Id, env.alice, 1000))
	require.NoError(t, env.engine.Borrow(env.ctx, env.pool.Id, env.feed.Id, env.alice, 100))
	require.NoError(t, env.engine.Repay(env.ctx, env.pool.Id, env.alice, 100))

	ops, err := env.state.ListOperations(env.ctx, env.alice, 0, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, ActionDeposit, ops[0].Action)
	assert.Equal(t, ActionBorrow, ops[1].Action)
	assert.Equal(t, ActionRepay, ops[2].Action)
	for _, op := range ops {
		assert.Equal(t, env.pool.Id, op.PoolId)
	}

	// A rejected operation leaves no journal entry.
	require.Error(t, env.engine.Repay(env.ctx, env.pool.Id, env.alice, 1))
	ops, err = env.state.ListOperations(env.ctx, env.alice, 0, 10)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

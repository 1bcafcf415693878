package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"

	"github.com/openlend/core/utils"
)

type (
	PoolStore interface {
		CreatePool(ctx context.Context, pool *Pool) error
		UpsertPool(ctx context.Context, pool *Pool) error
		GetPoolById(ctx context.Context, poolId uuid.UUID) (*Pool, error)
		GetPoolByAssetId(ctx context.Context, assetId string) (*Pool, error)
		ListPools(ctx context.Context) ([]*Pool, error)
	}

	// Pool is the aggregate accounting state for one asset. TotalDeposits
	// and TotalBorrowed move together during accrual: the pool credits
	// depositors in aggregate exactly what borrowers owe, with no spread.
	Pool struct {
		Id        uuid.UUID `json:"id"`
		Authority uuid.UUID `json:"authority"`
		AssetId   string    `json:"assetId"`

		// Treasury is the custody holder for all pooled funds.
		Treasury uuid.UUID `json:"treasury"`

		TotalDeposits uint64 `json:"totalDeposits"`
		TotalBorrowed uint64 `json:"totalBorrowed"`

		PoolConfig `json:"poolConfig"`

		CreatedAt   int64 `json:"createdAt"`
		LastUpdated int64 `json:"lastUpdated"`
	}

	PoolConfig struct {
		// LiquidationThreshold and MaxLTV are whole percents in [0, 100].
		LiquidationThreshold uint64 `json:"liquidationThreshold"`
		MaxLTV               uint64 `json:"maxLtv"`

		// InterestRateBps is the annualized borrow rate in basis points.
		InterestRateBps uint64 `json:"interestRateBps"`
	}
)

func (pc *PoolConfig) Validate() error {
	if pc.LiquidationThreshold > MAX_PERCENT {
		return ErrInvalidPoolConfig
	}
	if pc.MaxLTV > MAX_PERCENT {
		return ErrInvalidPoolConfig
	}
	// A threshold below the borrow limit would make fresh max-LTV borrows
	// instantly liquidatable.
	if pc.LiquidationThreshold < pc.MaxLTV {
		return ErrInvalidPoolConfig
	}
	return nil
}

// NewPool derives the pool and treasury identities from the asset id, so the
// same asset always maps to the same pool.
func NewPool(clk clock.Clock, authority uuid.UUID, assetId string, poolConfig PoolConfig) *Pool {
	now := clk.Now().Unix()
	return &Pool{
		Id:          utils.DeriveUuid("bank", assetId),
		Authority:   authority,
		AssetId:     assetId,
		Treasury:    utils.DeriveUuid("treasury", assetId),
		PoolConfig:  poolConfig,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func (p *Pool) Clone() *Pool {
	return &Pool{
		Id:            p.Id,
		Authority:     p.Authority,
		AssetId:       p.AssetId,
		Treasury:      p.Treasury,
		TotalDeposits: p.TotalDeposits,
		TotalBorrowed: p.TotalBorrowed,
		PoolConfig:    p.PoolConfig,
		CreatedAt:     p.CreatedAt,
		LastUpdated:   p.LastUpdated,
	}
}

// AccrueInterest folds the interest owed since LastUpdated into both
// aggregates and returns the accrued amount. Calling it twice with the same
// timestamp is a no-op. It runs as the first step of every state-changing
// operation so that all balance checks see up-to-date aggregates.
func (p *Pool) AccrueInterest(log Log, currentTimestamp int64) (uint64, error) {
	timeDelta := currentTimestamp - p.LastUpdated
	if timeDelta <= 0 {
		return 0, nil
	}

	interest, err := AccruedInterest(p.TotalBorrowed, p.InterestRateBps, uint64(timeDelta))
	if err != nil {
		return 0, err
	}

	totalBorrowed, err := CheckedAdd(p.TotalBorrowed, interest)
	if err != nil {
		return 0, err
	}
	totalDeposits, err := CheckedAdd(p.TotalDeposits, interest)
	if err != nil {
		return 0, err
	}

	p.TotalBorrowed = totalBorrowed
	p.TotalDeposits = totalDeposits
	p.LastUpdated = currentTimestamp

	if interest > 0 {
		log.Debug().
			Str("pool", p.Id.String()).
			Int64("elapsed", timeDelta).
			Uint64("interest", interest).
			Msg("accrued pool interest")
	}
	return interest, nil
}

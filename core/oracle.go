package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
)

type (
	PriceFeedStore interface {
		CreatePriceFeed(ctx context.Context, feed *PriceFeed) error
		UpsertPriceFeed(ctx context.Context, feed *PriceFeed) error
		GetPriceFeedById(ctx context.Context, feedId uuid.UUID) (*PriceFeed, error)
	}

	// PriceFeed is a single externally-writable asset price. Decimals is
	// recorded but never applied: collateral math multiplies Price and
	// deposit amounts as raw integers, so a feed whose decimal scale does
	// not match the asset's silently misprices it. Operators must publish
	// prices in raw asset units.
	PriceFeed struct {
		Id        uuid.UUID `json:"id"`
		Authority uuid.UUID `json:"authority"`

		Price    uint64 `json:"price"`
		Decimals uint8  `json:"decimals"`

		CreatedAt   int64 `json:"createdAt"`
		LastUpdated int64 `json:"lastUpdated"`
	}
)

func NewPriceFeed(clk clock.Clock, authority uuid.UUID, price uint64, decimals uint8) *PriceFeed {
	now := clk.Now().Unix()
	return &PriceFeed{
		Id:          uuid.Must(uuid.NewV4()),
		Authority:   authority,
		Price:       price,
		Decimals:    decimals,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func (f *PriceFeed) Clone() *PriceFeed {
	return &PriceFeed{
		Id:          f.Id,
		Authority:   f.Authority,
		Price:       f.Price,
		Decimals:    f.Decimals,
		CreatedAt:   f.CreatedAt,
		LastUpdated: f.LastUpdated,
	}
}

// SetPrice replaces the price unconditionally once the caller is verified as
// the feed authority. No staleness or bounds checking: consumers of the feed
// trust the authority entirely.
func (f *PriceFeed) SetPrice(caller uuid.UUID, newPrice uint64, currentTimestamp int64) error {
	if caller != f.Authority {
		return ErrUnauthorized
	}
	f.Price = newPrice
	f.LastUpdated = currentTimestamp
	return nil
}

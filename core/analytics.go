package core

import (
	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
)

// Read-only reporting helpers. These produce decimals for dashboards and
// API responses; the accounting path itself never leaves uint64.

var ONE = decimal.NewFromInt(1)

// ComputeUtilizationRate returns TotalBorrowed / TotalDeposits, or zero for
// an empty pool.
func (p *Pool) ComputeUtilizationRate() decimal.Decimal {
	if p.TotalDeposits == 0 {
		return decimal.Zero
	}
	totalDeposits := decimal.NewFromUint64(p.TotalDeposits)
	totalBorrowed := decimal.NewFromUint64(p.TotalBorrowed)
	return totalBorrowed.Div(totalDeposits)
}

// BorrowApr is the configured annualized borrow rate as a fraction.
func (p *Pool) BorrowApr() decimal.Decimal {
	return decimal.NewFromUint64(p.InterestRateBps).Div(decimal.NewFromInt(BPS_DENOMINATOR))
}

// LendApr is the rate depositors earn in aggregate. Interest is credited
// without a spread, so the lending rate is the borrow rate scaled by
// utilization.
func (p *Pool) LendApr() decimal.Decimal {
	return p.BorrowApr().Mul(p.ComputeUtilizationRate())
}

// AprToApy converts an APR to an APY assuming hourly compounding.
func AprToApy(apr decimal.Decimal) decimal.Decimal {
	hoursPerYear := decimal.NewFromInt(HOURS_PER_YEAR)
	return (ONE.Add(apr.Div(hoursPerYear))).Pow(hoursPerYear).Sub(ONE).Round(8)
}

// OutstandingInterest estimates the interest that would fold into the
// aggregates if the pool accrued right now. It mirrors AccrueInterest
// without the checked-add commit.
func (p *Pool) OutstandingInterest(clk clock.Clock) decimal.Decimal {
	timeDelta := clk.Now().Unix() - p.LastUpdated
	if timeDelta <= 0 {
		return decimal.Zero
	}
	totalBorrowed := decimal.NewFromUint64(p.TotalBorrowed)
	return totalBorrowed.
		Mul(decimal.NewFromUint64(p.InterestRateBps)).
		Mul(decimal.NewFromInt(timeDelta)).
		Div(decimal.NewFromInt(BPS_DENOMINATOR * SECONDS_PER_YEAR)).
		Floor()
}

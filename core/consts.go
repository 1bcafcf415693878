package core

const (
	SECONDS_PER_YEAR = 31_536_000
	HOURS_PER_YEAR   = 365.25 * 24

	// Basis point denominator for interest rates.
	BPS_DENOMINATOR = 10_000

	// LiquidationThreshold and MaxLTV are whole percents.
	MAX_PERCENT = 100
)

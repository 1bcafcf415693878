package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the lending engine's operational surface: how many
// operations commit or get rejected, how much interest accrual has folded
// into the books, and the per-pool aggregates.
type Metrics struct {
	OperationsApplied  *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	InterestAccrued    prometheus.Counter
	PoolDeposits       *prometheus.GaugeVec
	PoolBorrowed       *prometheus.GaugeVec
}

// NewMetrics registers all metrics against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openlend_operations_applied_total",
			Help: "Engine operations committed, by action.",
		}, []string{"action"}),
		OperationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openlend_operations_rejected_total",
			Help: "Engine operations rejected before commit, by action and reason.",
		}, []string{"action", "reason"}),
		InterestAccrued: factory.NewCounter(prometheus.CounterOpts{
			Name: "openlend_interest_accrued_units_total",
			Help: "Asset units of interest folded into pool aggregates.",
		}),
		PoolDeposits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "openlend_pool_total_deposits",
			Help: "Current Pool.TotalDeposits, by pool.",
		}, []string{"pool"}),
		PoolBorrowed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "openlend_pool_total_borrowed",
			Help: "Current Pool.TotalBorrowed, by pool.",
		}, []string{"pool"}),
	}
}

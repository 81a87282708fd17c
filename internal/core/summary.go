package core

// HealthStatus classifies how much of a budget has been spent.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Exceeded HealthStatus = "exceeded"
)

// BudgetRollup is derived from a Budget and the Transactions and Allocations
// that reference it. It is recomputed, never mutated.
type BudgetRollup struct {
	BudgetID          string
	Total             Money
	SpentAmount       Money
	AvailableAmount   Money
	AllocatedAmount   Money
	UnallocatedAmount Money
	// PercentageUsed is unclamped; DisplayPercentage is clamped to [0, 100].
	PercentageUsed    float64
	DisplayPercentage float64
	HealthStatus      HealthStatus
	TransactionCount  int
	AllocationCount   int
	// Pending is true when any input is an unconfirmed local change.
	Pending bool
}

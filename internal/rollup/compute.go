// Package rollup derives per-budget aggregates from the visible ledger state
// and keeps them current as changes are published.
package rollup

import (
	"fmt"

	"ledgersync/internal/core"
)

// Health thresholds on PercentageUsed. Below DefaultWarningPercent a budget
// is healthy; above DefaultExceededPercent it is exceeded.
const (
	DefaultWarningPercent  = 80.0
	DefaultExceededPercent = 100.0
)

// Thresholds classifies PercentageUsed into a HealthStatus.
type Thresholds struct {
	WarningPercent  float64
	ExceededPercent float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{WarningPercent: DefaultWarningPercent, ExceededPercent: DefaultExceededPercent}
}

func (t Thresholds) Validate() error {
	if t.WarningPercent <= 0 {
		return fmt.Errorf("warning threshold must be positive, got %v", t.WarningPercent)
	}
	if t.ExceededPercent < t.WarningPercent {
		return fmt.Errorf("exceeded threshold %v is below warning threshold %v", t.ExceededPercent, t.WarningPercent)
	}
	return nil
}

// Classify maps an unclamped percentage to a health status.
func (t Thresholds) Classify(percent float64) core.HealthStatus {
	switch {
	case percent > t.ExceededPercent:
		return core.Exceeded
	case percent >= t.WarningPercent:
		return core.Warning
	}
	return core.Healthy
}

// Compute derives the rollup of b. Only live records linked to b count;
// linked incomes are refunds and reduce the spent amount. The result depends
// on nothing but the arguments.
func Compute(b core.Budget, txs []core.Transaction, allocs []core.Allocation, th Thresholds) core.BudgetRollup {
	r := core.BudgetRollup{BudgetID: b.ID, Total: b.Total}

	for _, t := range txs {
		if t.BudgetID != b.ID || t.IsDeleted() {
			continue
		}
		r.TransactionCount++
		switch t.Type {
		case core.TransactionExpense:
			r.SpentAmount = r.SpentAmount.Add(t.Amount)
		case core.TransactionIncome:
			r.SpentAmount = r.SpentAmount.Sub(t.Amount)
		}
	}
	for _, a := range allocs {
		if a.BudgetID != b.ID || a.IsDeleted() {
			continue
		}
		r.AllocationCount++
		r.AllocatedAmount = r.AllocatedAmount.Add(a.Amount)
	}

	r.AvailableAmount = b.Total.Sub(r.SpentAmount)
	r.UnallocatedAmount = b.Total.Sub(r.AllocatedAmount)
	if b.Total.Cents > 0 {
		r.PercentageUsed = float64(r.SpentAmount.Cents) / float64(b.Total.Cents) * 100
	}
	r.DisplayPercentage = clamp(r.PercentageUsed, 0, 100)
	r.HealthStatus = th.Classify(r.PercentageUsed)
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

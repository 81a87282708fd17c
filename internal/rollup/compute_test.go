package rollup

import (
	"testing"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/testutil"
)

func TestComputeExample(t *testing.T) {
	b := testutil.NewBudget("Jan", 200000)
	tx := testutil.NewExpense("c1", b.ID, 50000)

	r := Compute(b, []core.Transaction{tx}, nil, DefaultThresholds())
	testutil.AssertCents(t, "spent", r.SpentAmount.Cents, 50000)
	testutil.AssertCents(t, "available", r.AvailableAmount.Cents, 150000)
	if r.PercentageUsed != 25 || r.DisplayPercentage != 25 {
		t.Fatalf("expected 25%%, got %v / %v", r.PercentageUsed, r.DisplayPercentage)
	}
	if r.HealthStatus != core.Healthy {
		t.Fatalf("expected healthy, got %s", r.HealthStatus)
	}
	if r.TransactionCount != 1 {
		t.Fatalf("expected 1 transaction, got %d", r.TransactionCount)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	b := testutil.NewBudget("Jan", 100000)
	txs := []core.Transaction{
		testutil.NewExpense("c1", b.ID, 30000),
		testutil.NewExpense("c2", b.ID, 12345),
	}
	allocs := []core.Allocation{testutil.NewAllocation(b.ID, "c1", 40000)}

	first := Compute(b, txs, allocs, DefaultThresholds())
	second := Compute(b, txs, allocs, DefaultThresholds())
	if first != second {
		t.Fatalf("rollup not idempotent:\n%+v\n%+v", first, second)
	}

	reversed := []core.Transaction{txs[1], txs[0]}
	if got := Compute(b, reversed, allocs, DefaultThresholds()); got != first {
		t.Fatalf("rollup depends on input order")
	}
}

func TestComputeHealthBoundaries(t *testing.T) {
	tests := []struct {
		spent   int64
		health  core.HealthStatus
		display float64
	}{
		{0, core.Healthy, 0},
		{79999, core.Healthy, 79.999},
		{80000, core.Warning, 80},
		{100000, core.Warning, 100},
		{100001, core.Exceeded, 100},
		{250000, core.Exceeded, 100},
	}
	b := testutil.NewBudget("Jan", 100000)
	for _, tt := range tests {
		var txs []core.Transaction
		if tt.spent > 0 {
			txs = append(txs, testutil.NewExpense("c1", b.ID, tt.spent))
		}
		r := Compute(b, txs, nil, DefaultThresholds())
		if r.HealthStatus != tt.health {
			t.Errorf("spent %d: expected %s, got %s", tt.spent, tt.health, r.HealthStatus)
		}
		if diff := r.DisplayPercentage - tt.display; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("spent %d: expected display %v, got %v", tt.spent, tt.display, r.DisplayPercentage)
		}
	}
}

func TestComputeIgnoresUnrelatedAndDeleted(t *testing.T) {
	b := testutil.NewBudget("Jan", 100000)
	deleted := testutil.NewExpense("c1", b.ID, 5000)
	now := time.Now()
	deleted.DeletedAt = &now
	other := testutil.NewExpense("c1", "other", 7000)
	refund := testutil.NewExpense("c1", b.ID, 2000)
	refund.Type = core.TransactionIncome
	spend := testutil.NewExpense("c1", b.ID, 10000)
	deadAlloc := testutil.NewAllocation(b.ID, "c1", 1000)
	deadAlloc.DeletedAt = &now

	r := Compute(b, []core.Transaction{deleted, other, refund, spend},
		[]core.Allocation{deadAlloc, testutil.NewAllocation(b.ID, "c1", 30000)}, DefaultThresholds())
	testutil.AssertCents(t, "spent", r.SpentAmount.Cents, 8000)
	testutil.AssertCents(t, "allocated", r.AllocatedAmount.Cents, 30000)
	testutil.AssertCents(t, "unallocated", r.UnallocatedAmount.Cents, 70000)
	if r.TransactionCount != 2 || r.AllocationCount != 1 {
		t.Fatalf("unexpected counts: %+v", r)
	}
}

func TestComputeNetRefundClampsDisplay(t *testing.T) {
	b := testutil.NewBudget("Jan", 100000)
	refund := testutil.NewExpense("c1", b.ID, 5000)
	refund.Type = core.TransactionIncome

	r := Compute(b, []core.Transaction{refund}, nil, DefaultThresholds())
	if r.PercentageUsed != -5 || r.DisplayPercentage != 0 || r.HealthStatus != core.Healthy {
		t.Fatalf("unexpected rollup for net refund: %+v", r)
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}
	if err := (Thresholds{WarningPercent: 90, ExceededPercent: 80}).Validate(); err == nil {
		t.Fatalf("expected error for inverted thresholds")
	}
}

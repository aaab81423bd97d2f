package strategy

import "testing"

func TestPlanAllocationDeficits(t *testing.T) {
	plan := PlanAllocation(1000, 400, 500, 0.55, 0.45)
	if plan.TargetSpotValue != 550 || plan.TargetFuturesValue != 450 {
		t.Fatalf("unexpected targets: %f/%f", plan.TargetSpotValue, plan.TargetFuturesValue)
	}
	if plan.SpotDeficit != 150 {
		t.Fatalf("expected spot deficit 150, got %f", plan.SpotDeficit)
	}
	if plan.FuturesDeficit != -50 {
		t.Fatalf("expected futures deficit -50, got %f", plan.FuturesDeficit)
	}
}

func TestPlanAllocationIsIdempotent(t *testing.T) {
	first := PlanAllocation(1234.56, 300, 700, 0.55, 0.45)
	second := PlanAllocation(1234.56, 300, 700, 0.55, 0.45)
	if first != second {
		t.Fatalf("identical inputs produced different plans: %+v vs %+v", first, second)
	}
}

func TestNeedsAction(t *testing.T) {
	plan := AllocationPlan{SpotDeficit: 8, FuturesDeficit: -9}
	if plan.NeedsAction(10) {
		t.Fatalf("deficits inside threshold should not trigger action")
	}
	plan.SpotDeficit = 11
	if !plan.NeedsAction(10) {
		t.Fatalf("spot deficit above threshold should trigger action")
	}
	plan = AllocationPlan{FuturesDeficit: -12}
	if !plan.NeedsAction(10) {
		t.Fatalf("negative futures deficit above threshold should trigger action")
	}
}

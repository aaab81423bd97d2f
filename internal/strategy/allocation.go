package strategy

// AllocationPlan is the target spot/futures capital split for a portfolio
// and the signed deficits against current USDT ledger balances. Positive
// deficit means the ledger needs more capital. Transient: recomputed on every
// allocation pass from a fresh snapshot.
type AllocationPlan struct {
	TargetSpotValue    float64
	TargetFuturesValue float64
	SpotDeficit        float64
	FuturesDeficit     float64
}

// PlanAllocation applies the target ratios to totalValue and measures each
// ledger's USDT balance against its share. Pure: identical inputs yield an
// identical plan.
func PlanAllocation(totalValue, spotUSDT, futuresUSDT, spotRatio, futuresRatio float64) AllocationPlan {
	targetSpot := totalValue * spotRatio
	targetFutures := totalValue * futuresRatio
	return AllocationPlan{
		TargetSpotValue:    targetSpot,
		TargetFuturesValue: targetFutures,
		SpotDeficit:        targetSpot - spotUSDT,
		FuturesDeficit:     targetFutures - futuresUSDT,
	}
}

// NeedsAction reports whether either deficit exceeds the actuation threshold.
func (p AllocationPlan) NeedsAction(threshold float64) bool {
	return abs(p.SpotDeficit) > threshold || abs(p.FuturesDeficit) > threshold
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

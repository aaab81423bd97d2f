package strategy

import "math"

// LossStopRule captures the close-on-loss thresholds. Either the absolute
// floor or the percent-of-notional floor trips it; both tighten by
// TightenFactor when the position's symbol has dropped out of the top
// RankCutoff ranks (or out of the ranking entirely).
type LossStopRule struct {
	AbsUSD        float64
	PctOfNotional float64
	TightenFactor float64
	RankCutoff    int
}

// ShouldStop evaluates the rule for a position with the given unrealized PnL,
// notional and current rank (-1 when unranked).
func (r LossStopRule) ShouldStop(pnlUSD, notionalUSD float64, rank int) bool {
	absFloor := r.AbsUSD
	pctFloor := r.PctOfNotional
	if rank < 0 || rank >= r.RankCutoff {
		absFloor *= r.TightenFactor
		pctFloor *= r.TightenFactor
	}
	if pnlUSD <= -absFloor {
		return true
	}
	if notionalUSD > 0 && pnlUSD <= -(notionalUSD*pctFloor) {
		return true
	}
	return false
}

// ImprovementExceeds reports whether the candidate's daily rate beats the
// held position's by more than the configured ratio. A held rate of zero
// always counts as improvable when the candidate pays anything.
func ImprovementExceeds(candidateDailyRate, heldDailyRate, improvementRatio float64) bool {
	if candidateDailyRate <= 0 {
		return false
	}
	if heldDailyRate <= 0 {
		return true
	}
	return candidateDailyRate > heldDailyRate*improvementRatio
}

// WinnerScaleUSD sizes an add-on for a profitable position: scalePct of total
// value, clamped so the position stays under capPct of total value. Returns 0
// when no headroom remains.
func WinnerScaleUSD(totalValue, positionNotional, scalePct, capPct float64) float64 {
	if totalValue <= 0 {
		return 0
	}
	add := totalValue * scalePct
	headroom := totalValue*capPct - positionNotional
	if headroom <= 0 {
		return 0
	}
	return math.Min(add, headroom)
}

// IdleCapital reports whether utilization is materially below target.
func IdleCapital(utilization, targetUtilization, shortfall float64) bool {
	return utilization < targetUtilization-shortfall
}

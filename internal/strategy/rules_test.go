package strategy

import "testing"

var testStop = LossStopRule{AbsUSD: 25, PctOfNotional: 0.08, TightenFactor: 0.6, RankCutoff: 10}

func TestLossStopAbsoluteFloor(t *testing.T) {
	if testStop.ShouldStop(-10, 1000, 0) {
		t.Fatalf("small loss should not stop a top-ranked position")
	}
	if !testStop.ShouldStop(-25, 1000, 0) {
		t.Fatalf("loss at absolute floor should stop")
	}
}

func TestLossStopPercentFloor(t *testing.T) {
	// -8% of a $200 notional is -$16, under the $25 absolute floor
	if !testStop.ShouldStop(-16, 200, 0) {
		t.Fatalf("percent floor should trip before absolute floor on small notional")
	}
}

func TestLossStopTightensWhenUnranked(t *testing.T) {
	// tightened absolute floor is 25*0.6 = 15
	if testStop.ShouldStop(-16, 10000, 3) {
		t.Fatalf("-16 on a ranked position should hold")
	}
	if !testStop.ShouldStop(-16, 10000, -1) {
		t.Fatalf("-16 on an unranked position should stop")
	}
	if !testStop.ShouldStop(-16, 10000, 12) {
		t.Fatalf("-16 on a position past the rank cutoff should stop")
	}
}

func TestImprovementExceeds(t *testing.T) {
	if !ImprovementExceeds(0.30, 0.25, 1.10) {
		t.Fatalf("0.30 vs 0.25 at 1.10x should count as improvement")
	}
	if ImprovementExceeds(0.27, 0.25, 1.10) {
		t.Fatalf("0.27 vs 0.25 at 1.10x should not count")
	}
	if ImprovementExceeds(0, 0.25, 1.10) {
		t.Fatalf("zero candidate rate is never an improvement")
	}
	if !ImprovementExceeds(0.05, 0, 1.10) {
		t.Fatalf("any paying candidate beats a held position earning nothing")
	}
}

func TestWinnerScaleUSD(t *testing.T) {
	// 3% of 1000 = 30, cap is 150; position at 100 has 50 headroom
	if got := WinnerScaleUSD(1000, 100, 0.03, 0.15); got != 30 {
		t.Fatalf("expected 30, got %f", got)
	}
	// headroom smaller than the scale amount clamps
	if got := WinnerScaleUSD(1000, 130, 0.03, 0.15); got != 20 {
		t.Fatalf("expected clamp to 20, got %f", got)
	}
	if got := WinnerScaleUSD(1000, 150, 0.03, 0.15); got != 0 {
		t.Fatalf("expected 0 at cap, got %f", got)
	}
	if got := WinnerScaleUSD(0, 0, 0.03, 0.15); got != 0 {
		t.Fatalf("expected 0 for empty portfolio, got %f", got)
	}
}

func TestIdleCapital(t *testing.T) {
	if !IdleCapital(40, 80, 20) {
		t.Fatalf("40%% against an 80%% target is idle")
	}
	if IdleCapital(70, 80, 20) {
		t.Fatalf("70%% against an 80%% target is within tolerance")
	}
}

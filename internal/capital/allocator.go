package capital

import (
	"context"
	"errors"
	"fmt"
	"math"

	"bn-harvest-bot/internal/audit"
	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/exchange"
	"bn-harvest-bot/internal/portfolio"
	"bn-harvest-bot/internal/strategy"

	"go.uber.org/zap"
)

// ErrValidationFailed marks an action the exchange accepted but whose effect
// never showed up in a fresh balance read.
var ErrValidationFailed = errors.New("capital action not verified")

// Allocator corrects drift between the spot and futures USDT ledgers toward
// the configured split. It acts through at most one corrective path per pass
// and judges itself only by a fresh re-read of both ledgers: a pass succeeds
// when the combined deficit strictly shrank, regardless of what the transfer
// or conversion calls claimed.
type Allocator struct {
	gw        exchange.Gateway
	analyzer  *portfolio.Analyzer
	converter *Converter
	auditor   *audit.Auditor
	cfg       config.AllocatorConfig
	log       *zap.Logger
}

func NewAllocator(gw exchange.Gateway, analyzer *portfolio.Analyzer, converter *Converter, auditor *audit.Auditor, cfg config.AllocatorConfig, log *zap.Logger) *Allocator {
	return &Allocator{gw: gw, analyzer: analyzer, converter: converter, auditor: auditor, cfg: cfg, log: log}
}

// Plan computes the current allocation plan from a snapshot.
func (a *Allocator) Plan(snap *portfolio.Snapshot) strategy.AllocationPlan {
	return strategy.PlanAllocation(snap.TotalValue, snap.SpotUSDTFree, snap.FuturesUSDTAvail,
		a.cfg.TargetSpotRatio, a.cfg.TargetFuturesRatio)
}

// EnsureAllocation runs one corrective pass against the given snapshot.
// Returns true when the ledgers are within threshold, either already or
// after a verified correction.
func (a *Allocator) EnsureAllocation(ctx context.Context, snap *portfolio.Snapshot) (bool, error) {
	plan := a.Plan(snap)
	if !plan.NeedsAction(a.cfg.DeficitThreshold) {
		return true, nil
	}

	a.auditor.StartStep(audit.StepCapitalAllocation, map[string]any{
		"spot_deficit":    plan.SpotDeficit,
		"futures_deficit": plan.FuturesDeficit,
		"total_value":     snap.TotalValue,
	})
	before := combinedDeficit(plan)

	var actErr error
	switch {
	case plan.SpotDeficit > a.cfg.DeficitThreshold && plan.FuturesDeficit > a.cfg.DeficitThreshold:
		// Both ledgers short: raise the whole shortfall from holdings plus a
		// small buffer, then push the futures share across.
		target := plan.SpotDeficit + plan.FuturesDeficit + 20
		gained, err := a.converter.ConvertToUSDT(ctx, target, snap.HeldBaseAssets())
		if err != nil {
			actErr = err
			break
		}
		if gained > a.cfg.ConvertVerifyFloor && plan.FuturesDeficit > 0 {
			move := math.Min(gained, plan.FuturesDeficit) * a.cfg.TransferHaircut
			actErr = a.transfer(ctx, move, exchange.WalletSpot, exchange.WalletFutures)
		}

	case plan.SpotDeficit > a.cfg.DeficitThreshold && a.futuresSurplus(snap, plan) > 0:
		move := math.Min(a.futuresSurplus(snap, plan), plan.SpotDeficit*a.cfg.TransferHaircut)
		actErr = a.transfer(ctx, move, exchange.WalletFutures, exchange.WalletSpot)

	case plan.SpotDeficit > a.cfg.DeficitThreshold:
		// Futures can't help; liquidate holdings instead.
		target := math.Max(50, plan.SpotDeficit)
		_, actErr = a.converter.ConvertToUSDT(ctx, target, snap.HeldBaseAssets())

	case plan.FuturesDeficit > a.cfg.DeficitThreshold && plan.SpotDeficit < 0:
		move := math.Min(-plan.SpotDeficit, plan.FuturesDeficit) * a.cfg.TransferHaircut
		actErr = a.transfer(ctx, move, exchange.WalletSpot, exchange.WalletFutures)

	default:
		// Futures short with no spot surplus to draw on.
		target := math.Max(50, plan.FuturesDeficit)
		gained, err := a.converter.ConvertToUSDT(ctx, target, snap.HeldBaseAssets())
		if err != nil {
			actErr = err
			break
		}
		if gained > a.cfg.ConvertVerifyFloor {
			move := math.Min(gained, plan.FuturesDeficit) * a.cfg.TransferHaircut
			actErr = a.transfer(ctx, move, exchange.WalletSpot, exchange.WalletFutures)
		}
	}
	if actErr != nil {
		a.log.Warn("allocation action failed", zap.Error(actErr))
	}

	after, err := a.analyzer.Analyze(ctx)
	if err != nil {
		a.auditor.CompleteStep(audit.StepCapitalAllocation, false)
		return false, fmt.Errorf("allocation verify: %w", err)
	}
	afterPlan := a.Plan(after)
	reduced := combinedDeficit(afterPlan) < before
	a.auditor.Validate(audit.StepCapitalAllocation, "deficit_reduced", reduced, map[string]any{
		"deficit_before": before,
		"deficit_after":  combinedDeficit(afterPlan),
	})
	ok := a.auditor.CompleteStep(audit.StepCapitalAllocation, reduced && actErr == nil)
	return ok, nil
}

// transfer moves USDT between wallets and verifies the move by re-reading the
// destination ledger. A transfer that doesn't show up in the destination
// balance is a failure even when the API accepted it.
func (a *Allocator) transfer(ctx context.Context, amount float64, from, to exchange.Wallet) error {
	if amount <= 0 {
		return nil
	}
	a.auditor.StartStep(audit.StepCapitalTransfer, map[string]any{
		"amount_usd": amount,
		"from":       string(from),
		"to":         string(to),
	})
	destBefore, err := a.destBalance(ctx, to)
	if err != nil {
		a.auditor.CompleteStep(audit.StepCapitalTransfer, false)
		return fmt.Errorf("transfer: read destination: %w", err)
	}
	if err := a.gw.Transfer(ctx, usdtAsset, amount, from, to); err != nil {
		a.auditor.CompleteStep(audit.StepCapitalTransfer, false)
		return fmt.Errorf("transfer %s->%s: %w", from, to, err)
	}
	destAfter, err := a.destBalance(ctx, to)
	if err != nil {
		a.auditor.CompleteStep(audit.StepCapitalTransfer, false)
		return fmt.Errorf("transfer: verify destination: %w", err)
	}
	verified := destAfter > destBefore
	a.auditor.Validate(audit.StepCapitalTransfer, "transfer_verified", verified, map[string]any{
		"dest_before": destBefore,
		"dest_after":  destAfter,
	})
	if !a.auditor.CompleteStep(audit.StepCapitalTransfer, verified) {
		return fmt.Errorf("transfer %s->%s of %.2f USDT not reflected in destination balance: %w", from, to, amount, ErrValidationFailed)
	}
	a.log.Info("capital transferred",
		zap.Float64("amount_usd", amount),
		zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

func (a *Allocator) destBalance(ctx context.Context, wallet exchange.Wallet) (float64, error) {
	if wallet == exchange.WalletFutures {
		account, err := a.gw.FuturesAccount(ctx)
		if err != nil {
			return 0, err
		}
		return account.WalletBalance[usdtAsset], nil
	}
	balances, err := a.gw.SpotBalances(ctx)
	if err != nil {
		return 0, err
	}
	return freeUSDT(balances), nil
}

// futuresSurplus is the USDT the futures ledger can give up while keeping the
// margin floor and without being in deficit itself.
func (a *Allocator) futuresSurplus(snap *portfolio.Snapshot, plan strategy.AllocationPlan) float64 {
	if plan.FuturesDeficit > a.cfg.DeficitThreshold {
		return 0
	}
	return snap.FuturesUSDTAvail - a.cfg.FuturesMarginFloor
}

func combinedDeficit(p strategy.AllocationPlan) float64 {
	return math.Max(0, p.SpotDeficit) + math.Max(0, p.FuturesDeficit)
}

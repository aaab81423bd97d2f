// Package deploy opens and closes delta-neutral carry positions. A
// deployment is a small state machine per attempt: size the legs, fill spot,
// hedge on futures, then verify the hedge ratio against what actually
// executed. There is no rollback; a leg that filled stays filled and a bad
// hedge is reported, never silently re-tried.
package deploy

import (
	"context"
	"math"
	"strings"
	"time"

	"bn-harvest-bot/internal/audit"
	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/events"
	"bn-harvest-bot/internal/exchange"
	"bn-harvest-bot/internal/strategy"

	"go.uber.org/zap"
)

// LotRuleSource is the slice of the market accessor the deployer needs.
type LotRuleSource interface {
	LotSizeRule(ctx context.Context, symbol string) (exchange.LotSizeRule, error)
}

type Deployer struct {
	gw      exchange.Gateway
	rules   LotRuleSource
	auditor *audit.Auditor
	bus     *events.Bus
	cfg     config.StrategyConfig
	log     *zap.Logger

	// sleep is replaced in tests; the default honors context cancellation.
	sleep func(ctx context.Context, d time.Duration)
}

func New(gw exchange.Gateway, rules LotRuleSource, auditor *audit.Auditor, bus *events.Bus, cfg config.StrategyConfig, log *zap.Logger) *Deployer {
	return &Deployer{
		gw:      gw,
		rules:   rules,
		auditor: auditor,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Deploy opens a position for opp funded with capitalUSD. Negative funding
// buys spot and shorts futures at the configured hedge ratio; positive
// funding takes a futures-only long, which is directional and config-gated.
// Returns true only when the attempt reached CONFIRMED.
func (d *Deployer) Deploy(ctx context.Context, opp strategy.Opportunity, capitalUSD float64) bool {
	sm := NewStateMachine()
	d.auditor.StartStep(audit.StepPositionDeployment, map[string]any{
		"symbol":       opp.Symbol,
		"funding_rate": opp.FundingRate,
		"capital_usd":  capitalUSD,
	})

	rule, sized := d.size(ctx, opp, capitalUSD)
	d.auditor.Validate(audit.StepPositionDeployment, "sizing", sized, map[string]any{
		"capital_usd": capitalUSD,
		"step_size":   rule.StepSize,
	})
	if !sized {
		return d.fail(ctx, sm, opp, capitalUSD, "sizing rejected")
	}

	if opp.FundingRate >= 0 {
		return d.deployLongOnly(ctx, sm, opp, capitalUSD, rule)
	}

	sm.Apply(EventSized)
	spotQty, ok := d.spotLeg(ctx, opp, capitalUSD)
	if !ok {
		return d.fail(ctx, sm, opp, capitalUSD, "spot leg did not fill")
	}
	sm.Apply(EventSpotFilled)

	d.sleep(ctx, d.cfg.SettleDelay)

	futQty, ok := d.futuresLeg(ctx, opp.Symbol, spotQty, rule)
	if !ok {
		// The spot leg is in place with no hedge against it. That exposure
		// must reach the operator, not just the log.
		d.auditor.Validate(audit.StepPositionDeployment, "hedge_verified", false, map[string]any{
			"unhedged_spot_qty": spotQty,
		})
		d.bus.Publish(ctx, events.Event{
			Type:      events.CriticalFailure,
			Symbol:    opp.Symbol,
			AmountUSD: spotQty * opp.MarkPrice,
			Detail:    "futures hedge failed, spot leg unhedged",
		})
		return d.fail(ctx, sm, opp, capitalUSD, "futures leg failed")
	}
	sm.Apply(EventFuturesDone)

	ratio := futQty / spotQty
	hedged := ratio >= d.cfg.MinHedgeRatio && ratio <= d.cfg.MaxHedgeRatio
	d.auditor.Validate(audit.StepPositionDeployment, "hedge_verified", hedged, map[string]any{
		"hedge_ratio": ratio,
		"spot_qty":    spotQty,
		"futures_qty": futQty,
	})
	if !hedged {
		d.bus.Publish(ctx, events.Event{
			Type:      events.CriticalFailure,
			Symbol:    opp.Symbol,
			AmountUSD: math.Abs(spotQty-futQty) * opp.MarkPrice,
			Detail:    "hedge ratio out of bounds",
		})
		return d.fail(ctx, sm, opp, capitalUSD, "hedge ratio out of bounds")
	}
	sm.Apply(EventHedgeOK)

	d.auditor.CompleteStep(audit.StepPositionDeployment, true)
	d.bus.Publish(ctx, events.Event{
		Type:        events.DeploymentSucceeded,
		Symbol:      opp.Symbol,
		AmountUSD:   capitalUSD,
		FundingRate: opp.FundingRate,
		HedgeRatio:  ratio,
	})
	d.log.Info("deployment confirmed",
		zap.String("symbol", opp.Symbol),
		zap.Float64("capital_usd", capitalUSD),
		zap.Float64("hedge_ratio", ratio))
	return true
}

// size checks the attempt is worth starting and sets leverage. A leverage
// call can fail because it is already set; that is not fatal on its own.
func (d *Deployer) size(ctx context.Context, opp strategy.Opportunity, capitalUSD float64) (exchange.LotSizeRule, bool) {
	if capitalUSD < d.cfg.MinPositionUSD || opp.MarkPrice <= 0 {
		return exchange.LotSizeRule{}, false
	}
	if opp.FundingRate >= 0 && !d.cfg.LongOnlyAllowed() {
		d.log.Info("long-only path disabled, skipping positive-rate opportunity",
			zap.String("symbol", opp.Symbol))
		return exchange.LotSizeRule{}, false
	}
	rule, err := d.rules.LotSizeRule(ctx, opp.Symbol)
	if err != nil {
		d.log.Warn("no lot size rule", zap.String("symbol", opp.Symbol), zap.Error(err))
		return exchange.LotSizeRule{}, false
	}
	if err := d.gw.SetLeverage(ctx, opp.Symbol, d.cfg.Leverage); err != nil {
		d.log.Warn("set leverage failed", zap.String("symbol", opp.Symbol), zap.Error(err))
	}
	return rule, true
}

func (d *Deployer) spotLeg(ctx context.Context, opp strategy.Opportunity, capitalUSD float64) (float64, bool) {
	result, err := d.gw.PlaceSpotMarketOrder(ctx, opp.Symbol, exchange.SideBuy, 0, capitalUSD)
	if err != nil {
		d.log.Error("spot buy failed", zap.String("symbol", opp.Symbol), zap.Error(err))
		return 0, false
	}
	if result.ExecutedQty <= 0 {
		d.log.Error("spot buy executed zero quantity", zap.String("symbol", opp.Symbol))
		return 0, false
	}
	return result.ExecutedQty, true
}

// futuresLeg shorts hedgeRatio of the spot fill, rounded down to the lot
// step. A precision rejection gets exactly one retry at a ten-times coarser
// step; any further failure leaves the spot leg unhedged for the caller to
// surface.
func (d *Deployer) futuresLeg(ctx context.Context, symbol string, spotQty float64, rule exchange.LotSizeRule) (float64, bool) {
	qty := floorToStep(spotQty*d.cfg.HedgeRatio, rule.StepSize)
	if qty < rule.MinQty {
		d.log.Error("hedge quantity below lot minimum",
			zap.String("symbol", symbol), zap.Float64("qty", qty))
		return 0, false
	}
	result, err := d.gw.PlaceFuturesMarketOrder(ctx, symbol, exchange.SideSell, qty)
	if err == nil {
		return result.ExecutedQty, true
	}
	if !exchange.IsPrecisionRejection(err) {
		d.log.Error("futures short failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	coarse := floorToStep(qty, rule.StepSize*10)
	d.log.Warn("precision rejection, retrying with coarser quantity",
		zap.String("symbol", symbol), zap.Float64("qty", qty), zap.Float64("retry_qty", coarse))
	if coarse < rule.MinQty {
		return 0, false
	}
	result, err = d.gw.PlaceFuturesMarketOrder(ctx, symbol, exchange.SideSell, coarse)
	if err != nil {
		d.log.Error("futures short failed after retry", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	return result.ExecutedQty, true
}

// deployLongOnly takes the futures-only path for positive funding. It is not
// delta neutral; the position carries the full directional move of the mark
// price.
func (d *Deployer) deployLongOnly(ctx context.Context, sm *StateMachine, opp strategy.Opportunity, capitalUSD float64, rule exchange.LotSizeRule) bool {
	sm.Apply(EventSkipSpotLeg)
	qty := floorToStep(capitalUSD/opp.MarkPrice, rule.StepSize)
	if qty < rule.MinQty {
		return d.fail(ctx, sm, opp, capitalUSD, "long-only quantity below lot minimum")
	}
	result, err := d.gw.PlaceFuturesMarketOrder(ctx, opp.Symbol, exchange.SideBuy, qty)
	if err != nil || result.ExecutedQty <= 0 {
		d.auditor.Validate(audit.StepPositionDeployment, "hedge_verified", false, map[string]any{
			"long_only": true,
		})
		if err != nil {
			d.log.Error("futures long failed", zap.String("symbol", opp.Symbol), zap.Error(err))
		}
		return d.fail(ctx, sm, opp, capitalUSD, "futures long did not fill")
	}
	sm.Apply(EventFuturesDone)
	// There is no spot leg to measure against; the verification records the
	// directional exposure instead.
	d.auditor.Validate(audit.StepPositionDeployment, "hedge_verified", true, map[string]any{
		"long_only":    true,
		"executed_qty": result.ExecutedQty,
	})
	sm.Apply(EventHedgeOK)
	d.auditor.CompleteStep(audit.StepPositionDeployment, true)
	d.bus.Publish(ctx, events.Event{
		Type:        events.DeploymentSucceeded,
		Symbol:      opp.Symbol,
		AmountUSD:   capitalUSD,
		FundingRate: opp.FundingRate,
		Detail:      "long-only",
	})
	return true
}

func (d *Deployer) fail(ctx context.Context, sm *StateMachine, opp strategy.Opportunity, capitalUSD float64, reason string) bool {
	sm.Apply(EventFail)
	d.auditor.CompleteStep(audit.StepPositionDeployment, false)
	d.bus.Publish(ctx, events.Event{
		Type:        events.DeploymentFailed,
		Symbol:      opp.Symbol,
		AmountUSD:   capitalUSD,
		FundingRate: opp.FundingRate,
		Detail:      reason,
	})
	d.log.Warn("deployment failed",
		zap.String("symbol", opp.Symbol), zap.String("reason", reason))
	return false
}

// Close unwinds a position, futures leg first since it carries the leveraged
// risk, then sells whatever spot remains of the base asset. The legs are
// independent best-effort; Close reports true iff the futures leg closed.
func (d *Deployer) Close(ctx context.Context, symbol string) bool {
	d.auditor.StartStep(audit.StepPositionClose, map[string]any{"symbol": symbol})

	futuresOK := d.closeFutures(ctx, symbol)
	d.auditor.Validate(audit.StepPositionClose, "futures_leg_closed", futuresOK, nil)

	if err := d.closeSpot(ctx, symbol); err != nil {
		d.log.Warn("spot leg close failed", zap.String("symbol", symbol), zap.Error(err))
	}

	d.auditor.CompleteStep(audit.StepPositionClose, futuresOK)
	if futuresOK {
		d.bus.Publish(ctx, events.Event{Type: events.PositionClosed, Symbol: symbol})
	}
	return futuresOK
}

func (d *Deployer) closeFutures(ctx context.Context, symbol string) bool {
	positions, err := d.gw.FuturesPositions(ctx)
	if err != nil {
		d.log.Error("read positions for close failed", zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.PositionAmt == 0 {
			continue
		}
		side := exchange.SideBuy
		if p.PositionAmt > 0 {
			side = exchange.SideSell
		}
		if _, err := d.gw.PlaceFuturesMarketOrder(ctx, symbol, side, math.Abs(p.PositionAmt)); err != nil {
			d.log.Error("futures close order failed", zap.String("symbol", symbol), zap.Error(err))
			return false
		}
		return true
	}
	// Nothing held on futures counts as closed.
	return true
}

func (d *Deployer) closeSpot(ctx context.Context, symbol string) error {
	base := strings.TrimSuffix(symbol, "USDT")
	balances, err := d.gw.SpotBalances(ctx)
	if err != nil {
		return err
	}
	var free float64
	for _, b := range balances {
		if b.Asset == base {
			free = b.Free
			break
		}
	}
	if free <= 0 {
		return nil
	}
	rule, err := d.rules.LotSizeRule(ctx, symbol)
	if err != nil {
		return err
	}
	qty := floorToStep(free, rule.StepSize)
	if qty < rule.MinQty {
		return nil
	}
	_, err = d.gw.PlaceSpotMarketOrder(ctx, symbol, exchange.SideSell, qty, 0)
	return err
}

func floorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}

// Package capital keeps the two account ledgers funded to their target
// split: transfers between wallets, liquidation of stray spot holdings, and
// the deficit math that decides which. Every action is verified by a fresh
// balance read; an API-level "OK" that doesn't move a measurable balance is a
// failure.
package capital

import (
	"context"
	"fmt"
	"math"
	"sort"

	"bn-harvest-bot/internal/audit"
	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/exchange"

	"go.uber.org/zap"
)

const usdtAsset = "USDT"

// LotRuleSource is the slice of the market accessor the converter needs.
type LotRuleSource interface {
	LotSizeRule(ctx context.Context, symbol string) (exchange.LotSizeRule, error)
}

type Converter struct {
	gw      exchange.Gateway
	rules   LotRuleSource
	auditor *audit.Auditor
	cfg     config.AllocatorConfig
	log     *zap.Logger
}

func NewConverter(gw exchange.Gateway, rules LotRuleSource, auditor *audit.Auditor, cfg config.AllocatorConfig, log *zap.Logger) *Converter {
	return &Converter{gw: gw, rules: rules, auditor: auditor, cfg: cfg, log: log}
}

// ConvertToUSDT liquidates non-USDT spot holdings, largest value first, until
// the estimated proceeds reach targetUSD or holdings run out. Assets in held
// are never touched: they back an open hedge's spot leg. The returned gain is
// the measured before/after USDT delta, and a gain at or below the verify
// floor counts as failure no matter what the individual orders reported.
func (c *Converter) ConvertToUSDT(ctx context.Context, targetUSD float64, held map[string]bool) (float64, error) {
	c.auditor.StartStep(audit.StepAssetConversion, map[string]any{"target_usd": targetUSD})

	balancesBefore, err := c.gw.SpotBalances(ctx)
	if err != nil {
		c.auditor.CompleteStep(audit.StepAssetConversion, false)
		return 0, fmt.Errorf("convert: read balances: %w", err)
	}
	prices, err := c.gw.SpotPrices(ctx)
	if err != nil {
		c.auditor.CompleteStep(audit.StepAssetConversion, false)
		return 0, fmt.Errorf("convert: read prices: %w", err)
	}
	usdtBefore := freeUSDT(balancesBefore)

	type candidate struct {
		asset    string
		free     float64
		price    float64
		valueUSD float64
	}
	var candidates []candidate
	for _, b := range balancesBefore {
		if b.Asset == usdtAsset || b.Free <= 0 || held[b.Asset] {
			continue
		}
		price := prices[b.Asset+usdtAsset]
		if price <= 0 {
			continue
		}
		value := b.Free * price
		if value < c.cfg.ConvertDustFloor {
			continue
		}
		candidates = append(candidates, candidate{asset: b.Asset, free: b.Free, price: price, valueUSD: value})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].valueUSD > candidates[j].valueUSD
	})

	estimated := 0.0
	sold := 0
	for _, cand := range candidates {
		if estimated >= targetUSD {
			break
		}
		symbol := cand.asset + usdtAsset
		rule, err := c.rules.LotSizeRule(ctx, symbol)
		if err != nil {
			c.log.Warn("no lot size rule, skipping asset", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		qty := sizeToRule(cand.free, rule)
		if qty <= 0 {
			continue
		}
		result, err := c.gw.PlaceSpotMarketOrder(ctx, symbol, exchange.SideSell, qty, 0)
		if err != nil {
			c.log.Warn("conversion sell failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if result.CummulativeQuoteQty > 0 {
			estimated += result.CummulativeQuoteQty
		} else {
			estimated += result.ExecutedQty * cand.price
		}
		sold++
	}

	balancesAfter, err := c.gw.SpotBalances(ctx)
	if err != nil {
		c.auditor.CompleteStep(audit.StepAssetConversion, false)
		return 0, fmt.Errorf("convert: verify balances: %w", err)
	}
	gained := freeUSDT(balancesAfter) - usdtBefore
	verified := gained > c.cfg.ConvertVerifyFloor
	c.auditor.Validate(audit.StepAssetConversion, "balance_increase_verified", verified, map[string]any{
		"gained_usd": gained,
		"orders":     sold,
	})
	c.auditor.CompleteStep(audit.StepAssetConversion, verified)
	if !verified {
		c.log.Warn("conversion did not measurably increase USDT",
			zap.Float64("gained", gained), zap.Int("orders", sold))
	}
	return gained, nil
}

func freeUSDT(balances []exchange.SpotBalance) float64 {
	for _, b := range balances {
		if b.Asset == usdtAsset {
			return b.Free
		}
	}
	return 0
}

// sizeToRule floors qty to the step size and clamps it into [min, max].
// Returns 0 when the holding can't form a valid order.
func sizeToRule(qty float64, rule exchange.LotSizeRule) float64 {
	if rule.StepSize > 0 {
		qty = math.Floor(qty/rule.StepSize) * rule.StepSize
	}
	if rule.MaxQty > 0 && qty > rule.MaxQty {
		qty = rule.MaxQty
	}
	if qty < rule.MinQty {
		return 0
	}
	return qty
}

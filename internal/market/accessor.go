// Package market turns raw venue feeds into the engine's opportunity set.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bn-harvest-bot/internal/exchange"
	"bn-harvest-bot/internal/strategy"

	"go.uber.org/zap"
)

// ErrMarketData marks an unreachable or unusable feed; the caller aborts the
// cycle and retries on the next tick.
var ErrMarketData = errors.New("market data unavailable")

const (
	symbolCacheTTL  = 10 * time.Minute
	lotRuleCacheTTL = 10 * time.Minute
	streamStaleness = 15 * time.Second
)

// Stream is the optional websocket cache-warmer. When the REST premium-index
// read fails, a fresh stream tick substitutes for it.
type Stream interface {
	Latest() (map[string]exchange.PremiumIndex, time.Time)
}

type Accessor struct {
	gw        exchange.Gateway
	stream    Stream
	log       *zap.Logger
	minRate   float64
	minVolume float64

	mu          sync.RWMutex
	spotSymbols map[string]bool
	spotFetched time.Time
	lotRules    map[string]cachedRule
}

type cachedRule struct {
	rule    exchange.LotSizeRule
	fetched time.Time
}

func NewAccessor(gw exchange.Gateway, stream Stream, minFundingRate, minVolumeUSD float64, log *zap.Logger) *Accessor {
	return &Accessor{
		gw:        gw,
		stream:    stream,
		log:       log,
		minRate:   minFundingRate,
		minVolume: minVolumeUSD,
		lotRules:  make(map[string]cachedRule),
	}
}

// Opportunities joins funding, mark price and 24h volume for every perp
// symbol tradable on both markets, filtered to meet the configured rate and
// liquidity floors. No side effects beyond cache refreshes.
func (a *Accessor) Opportunities(ctx context.Context) ([]strategy.Opportunity, error) {
	premiums, err := a.premiums(ctx)
	if err != nil {
		return nil, err
	}
	volumes, err := a.gw.Volumes24h(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: volumes: %v", ErrMarketData, err)
	}
	spot, err := a.tradableSpotSymbols(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]strategy.Opportunity, 0, len(premiums))
	for _, p := range premiums {
		if !strings.HasSuffix(p.Symbol, "USDT") || p.MarkPrice <= 0 {
			continue
		}
		if !spot[p.Symbol] {
			continue
		}
		rate := p.FundingRate
		if rate < 0 {
			rate = -rate
		}
		if rate < a.minRate {
			continue
		}
		volume := volumes[p.Symbol]
		if volume < a.minVolume {
			continue
		}
		out = append(out, strategy.NewOpportunity(p.Symbol, p.FundingRate, p.MarkPrice, volume, p.NextFundingTime))
	}
	return out, nil
}

// LotSizeRule returns the venue's quantity filter for symbol, cached for ten
// minutes.
func (a *Accessor) LotSizeRule(ctx context.Context, symbol string) (exchange.LotSizeRule, error) {
	a.mu.RLock()
	cached, ok := a.lotRules[symbol]
	a.mu.RUnlock()
	if ok && time.Since(cached.fetched) < lotRuleCacheTTL {
		return cached.rule, nil
	}
	rule, err := a.gw.LotSizeRule(ctx, symbol)
	if err != nil {
		if ok {
			// keep serving the stale rule rather than blocking a deployment
			return cached.rule, nil
		}
		return exchange.LotSizeRule{}, fmt.Errorf("%w: lot size for %s: %v", ErrMarketData, symbol, err)
	}
	a.mu.Lock()
	a.lotRules[symbol] = cachedRule{rule: rule, fetched: time.Now()}
	a.mu.Unlock()
	return rule, nil
}

func (a *Accessor) premiums(ctx context.Context) ([]exchange.PremiumIndex, error) {
	premiums, err := a.gw.PremiumIndexes(ctx)
	if err == nil {
		return premiums, nil
	}
	if a.stream != nil {
		latest, updated := a.stream.Latest()
		if len(latest) > 0 && time.Since(updated) < streamStaleness {
			a.log.Warn("premium index REST read failed, using stream cache", zap.Error(err))
			out := make([]exchange.PremiumIndex, 0, len(latest))
			for _, p := range latest {
				out = append(out, p)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: premium index: %v", ErrMarketData, err)
}

func (a *Accessor) tradableSpotSymbols(ctx context.Context) (map[string]bool, error) {
	a.mu.RLock()
	cached := a.spotSymbols
	fetched := a.spotFetched
	a.mu.RUnlock()
	if cached != nil && time.Since(fetched) < symbolCacheTTL {
		return cached, nil
	}
	symbols, err := a.gw.SpotSymbols(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("%w: spot symbols: %v", ErrMarketData, err)
	}
	a.mu.Lock()
	a.spotSymbols = symbols
	a.spotFetched = time.Now()
	a.mu.Unlock()
	return symbols, nil
}

// Package portfolio assembles a point-in-time view of both account ledgers.
// A snapshot is recomputed from live reads on every decision cycle and never
// cached across cycles; the exchange is the only source of truth.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"bn-harvest-bot/internal/exchange"

	"go.uber.org/zap"
)

// ErrPortfolioRead marks a failed balance or position read. Callers must not
// act on deployment decisions after receiving it.
var ErrPortfolioRead = errors.New("portfolio read failed")

const quoteAsset = "USDT"

// Holding is one non-zero spot balance with its live valuation.
type Holding struct {
	Asset    string
	Free     float64
	Locked   float64
	PriceUSD float64
	ValueUSD float64
}

// ActivePosition is one open hedge as derived from exchange state. SignedSize
// follows the venue convention: positive long, negative short.
type ActivePosition struct {
	Symbol        string
	BaseAsset     string
	SignedSize    float64
	NotionalUSD   float64
	UnrealizedPnL float64
	Leverage      float64
}

// Snapshot is the engine's working view of the account pair.
type Snapshot struct {
	TotalValue      float64
	TotalSpotValue  float64
	FuturesBalance  float64
	DeployedCapital float64
	AvailableUSD    float64
	Utilization     float64 // percent
	TotalPnL        float64
	Positions       []ActivePosition
	Holdings        []Holding

	// ledger USDT figures the allocator and converter size against
	SpotUSDTFree     float64
	FuturesUSDTAvail float64
}

// HeldBaseAssets returns the spot base assets currently backing a hedge.
func (s *Snapshot) HeldBaseAssets() map[string]bool {
	held := make(map[string]bool, len(s.Positions))
	for _, p := range s.Positions {
		held[p.BaseAsset] = true
	}
	return held
}

// HeldSymbols returns the perp symbols with an open position.
func (s *Snapshot) HeldSymbols() map[string]bool {
	held := make(map[string]bool, len(s.Positions))
	for _, p := range s.Positions {
		held[p.Symbol] = true
	}
	return held
}

func (s *Snapshot) Position(symbol string) (ActivePosition, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return ActivePosition{}, false
}

type Analyzer struct {
	gw  exchange.Gateway
	log *zap.Logger
}

func NewAnalyzer(gw exchange.Gateway, log *zap.Logger) *Analyzer {
	return &Analyzer{gw: gw, log: log}
}

// Analyze performs the three required account reads plus a price read, all as
// close together as the venue allows, and derives the snapshot. Any failed
// read aborts with ErrPortfolioRead: a partial view is worse than none.
func (a *Analyzer) Analyze(ctx context.Context) (*Snapshot, error) {
	balances, err := a.gw.SpotBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: spot balances: %v", ErrPortfolioRead, err)
	}
	account, err := a.gw.FuturesAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: futures account: %v", ErrPortfolioRead, err)
	}
	positions, err := a.gw.FuturesPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: futures positions: %v", ErrPortfolioRead, err)
	}
	prices, err := a.gw.SpotPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: spot prices: %v", ErrPortfolioRead, err)
	}
	return a.build(balances, account, positions, prices), nil
}

func (a *Analyzer) build(balances []exchange.SpotBalance, account exchange.FuturesAccount, positions []exchange.FuturesPosition, prices map[string]float64) *Snapshot {
	snap := &Snapshot{}
	for _, b := range balances {
		total := b.Free + b.Locked
		if total <= 0 {
			continue
		}
		holding := Holding{Asset: b.Asset, Free: b.Free, Locked: b.Locked}
		if b.Asset == quoteAsset {
			holding.PriceUSD = 1
			holding.ValueUSD = total
			snap.SpotUSDTFree = b.Free
		} else {
			price, ok := prices[b.Asset+quoteAsset]
			if !ok || price <= 0 {
				a.log.Debug("no spot price for holding", zap.String("asset", b.Asset))
				continue
			}
			holding.PriceUSD = price
			holding.ValueUSD = total * price
		}
		snap.TotalSpotValue += holding.ValueUSD
		snap.Holdings = append(snap.Holdings, holding)
	}

	snap.FuturesBalance = account.WalletBalance[quoteAsset]
	snap.FuturesUSDTAvail = account.AvailableBalance[quoteAsset]

	for _, p := range positions {
		if p.PositionAmt == 0 {
			continue
		}
		price := prices[p.Symbol]
		if price <= 0 {
			price = p.EntryPrice
		}
		notional := math.Abs(p.PositionAmt) * price
		snap.Positions = append(snap.Positions, ActivePosition{
			Symbol:        p.Symbol,
			BaseAsset:     strings.TrimSuffix(p.Symbol, quoteAsset),
			SignedSize:    p.PositionAmt,
			NotionalUSD:   notional,
			UnrealizedPnL: p.UnrealizedProfit,
			Leverage:      p.Leverage,
		})
		snap.DeployedCapital += notional
		snap.TotalPnL += p.UnrealizedProfit
	}

	snap.TotalValue = snap.TotalSpotValue + snap.FuturesBalance
	snap.AvailableUSD = snap.TotalValue - snap.DeployedCapital
	if snap.TotalValue > 0 {
		snap.Utilization = snap.DeployedCapital / snap.TotalValue * 100
	}
	return snap
}

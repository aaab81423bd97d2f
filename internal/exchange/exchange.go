// Package exchange declares the capabilities the engine needs from the venue.
// The engine depends only on these interfaces; the concrete REST/WS client
// lives in the binance subpackage.
package exchange

import (
	"context"
	"errors"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Wallet string

const (
	WalletSpot    Wallet = "SPOT"
	WalletFutures Wallet = "FUTURES"
)

// SpotBalance is one asset row from the spot account.
type SpotBalance struct {
	Asset  string
	Free   float64
	Locked float64
}

// FuturesAccount holds per-asset wallet and available balances.
type FuturesAccount struct {
	WalletBalance    map[string]float64
	AvailableBalance map[string]float64
}

// FuturesPosition is one open perp position as the venue reports it.
// PositionAmt is signed: positive long, negative short.
type FuturesPosition struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	UnrealizedProfit float64
	Leverage         float64
}

// PremiumIndex joins mark price and funding for one perp symbol.
type PremiumIndex struct {
	Symbol          string
	MarkPrice       float64
	FundingRate     float64
	NextFundingTime time.Time
}

// SpotOrderResult reports what a spot market order actually executed.
type SpotOrderResult struct {
	ExecutedQty         float64
	CummulativeQuoteQty float64
}

type FuturesOrderResult struct {
	ExecutedQty float64
}

// LotSizeRule is the venue's quantity filter for one symbol.
type LotSizeRule struct {
	MinQty   float64
	MaxQty   float64
	StepSize float64
}

// Gateway is the full set of venue operations the engine consumes. The
// concrete client owns authentication, rate limiting and transport; every
// method is a single network round trip with its own failure mode.
type Gateway interface {
	SpotBalances(ctx context.Context) ([]SpotBalance, error)
	FuturesAccount(ctx context.Context) (FuturesAccount, error)
	FuturesPositions(ctx context.Context) ([]FuturesPosition, error)
	PremiumIndexes(ctx context.Context) ([]PremiumIndex, error)
	SpotPrices(ctx context.Context) (map[string]float64, error)
	Volumes24h(ctx context.Context) (map[string]float64, error)
	SpotSymbols(ctx context.Context) (map[string]bool, error)

	// PlaceSpotMarketOrder buys by quote quantity when quoteQty > 0,
	// otherwise trades the given base qty.
	PlaceSpotMarketOrder(ctx context.Context, symbol string, side Side, qty, quoteQty float64) (SpotOrderResult, error)
	PlaceFuturesMarketOrder(ctx context.Context, symbol string, side Side, qty float64) (FuturesOrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Transfer(ctx context.Context, asset string, amount float64, from, to Wallet) error
	LotSizeRule(ctx context.Context, symbol string) (LotSizeRule, error)
}

// ErrOrderRejected marks a venue-side rejection as opposed to a transport
// failure. Precision rejections are the only rejection class the engine
// retries, and only once.
var ErrOrderRejected = errors.New("order rejected")

// IsPrecisionRejection reports whether err looks like a lot-size or precision
// complaint from the venue.
func IsPrecisionRejection(err error) bool {
	if err == nil || !errors.Is(err, ErrOrderRejected) {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECISION") ||
		strings.Contains(msg, "LOT_SIZE") ||
		strings.Contains(msg, "STEP SIZE")
}

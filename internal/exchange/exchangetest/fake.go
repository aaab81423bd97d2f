// Package exchangetest provides an in-memory exchange.Gateway for tests.
// State is plain fields the test mutates directly; per-method hooks override
// behavior where a test needs failures or side effects.
package exchangetest

import (
	"context"
	"sync"

	"bn-harvest-bot/internal/exchange"
)

type SpotOrder struct {
	Symbol   string
	Side     exchange.Side
	Qty      float64
	QuoteQty float64
}

type FuturesOrder struct {
	Symbol string
	Side   exchange.Side
	Qty    float64
}

type Transfer struct {
	Asset  string
	Amount float64
	From   exchange.Wallet
	To     exchange.Wallet
}

type Fake struct {
	mu sync.Mutex

	Balances  []exchange.SpotBalance
	Account   exchange.FuturesAccount
	Positions []exchange.FuturesPosition
	Premiums  []exchange.PremiumIndex
	Prices    map[string]float64
	Volumes   map[string]float64
	Spot      map[string]bool
	LotRules  map[string]exchange.LotSizeRule

	// forced errors per operation name ("SpotBalances", "Transfer", ...)
	Errs map[string]error

	SpotOrders    []SpotOrder
	FuturesOrders []FuturesOrder
	Transfers     []Transfer
	Leverage      map[string]int

	SpotOrderFn    func(order SpotOrder) (exchange.SpotOrderResult, error)
	FuturesOrderFn func(order FuturesOrder) (exchange.FuturesOrderResult, error)
	TransferFn     func(t Transfer) error
}

func New() *Fake {
	return &Fake{
		Account: exchange.FuturesAccount{
			WalletBalance:    map[string]float64{},
			AvailableBalance: map[string]float64{},
		},
		Prices:   map[string]float64{},
		Volumes:  map[string]float64{},
		Spot:     map[string]bool{},
		LotRules: map[string]exchange.LotSizeRule{},
		Errs:     map[string]error{},
		Leverage: map[string]int{},
	}
}

func (f *Fake) err(op string) error {
	if f.Errs == nil {
		return nil
	}
	return f.Errs[op]
}

func (f *Fake) SpotBalances(context.Context) ([]exchange.SpotBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SpotBalances"); err != nil {
		return nil, err
	}
	out := make([]exchange.SpotBalance, len(f.Balances))
	copy(out, f.Balances)
	return out, nil
}

func (f *Fake) FuturesAccount(context.Context) (exchange.FuturesAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("FuturesAccount"); err != nil {
		return exchange.FuturesAccount{}, err
	}
	acct := exchange.FuturesAccount{
		WalletBalance:    map[string]float64{},
		AvailableBalance: map[string]float64{},
	}
	for k, v := range f.Account.WalletBalance {
		acct.WalletBalance[k] = v
	}
	for k, v := range f.Account.AvailableBalance {
		acct.AvailableBalance[k] = v
	}
	return acct, nil
}

func (f *Fake) FuturesPositions(context.Context) ([]exchange.FuturesPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("FuturesPositions"); err != nil {
		return nil, err
	}
	out := make([]exchange.FuturesPosition, len(f.Positions))
	copy(out, f.Positions)
	return out, nil
}

func (f *Fake) PremiumIndexes(context.Context) ([]exchange.PremiumIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("PremiumIndexes"); err != nil {
		return nil, err
	}
	out := make([]exchange.PremiumIndex, len(f.Premiums))
	copy(out, f.Premiums)
	return out, nil
}

func (f *Fake) SpotPrices(context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SpotPrices"); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(f.Prices))
	for k, v := range f.Prices {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) Volumes24h(context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("Volumes24h"); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(f.Volumes))
	for k, v := range f.Volumes {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) SpotSymbols(context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SpotSymbols"); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(f.Spot))
	for k, v := range f.Spot {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) PlaceSpotMarketOrder(_ context.Context, symbol string, side exchange.Side, qty, quoteQty float64) (exchange.SpotOrderResult, error) {
	f.mu.Lock()
	order := SpotOrder{Symbol: symbol, Side: side, Qty: qty, QuoteQty: quoteQty}
	f.SpotOrders = append(f.SpotOrders, order)
	fn := f.SpotOrderFn
	err := f.err("PlaceSpotMarketOrder")
	f.mu.Unlock()
	if err != nil {
		return exchange.SpotOrderResult{}, err
	}
	if fn != nil {
		return fn(order)
	}
	return exchange.SpotOrderResult{ExecutedQty: qty, CummulativeQuoteQty: quoteQty}, nil
}

func (f *Fake) PlaceFuturesMarketOrder(_ context.Context, symbol string, side exchange.Side, qty float64) (exchange.FuturesOrderResult, error) {
	f.mu.Lock()
	order := FuturesOrder{Symbol: symbol, Side: side, Qty: qty}
	f.FuturesOrders = append(f.FuturesOrders, order)
	fn := f.FuturesOrderFn
	err := f.err("PlaceFuturesMarketOrder")
	f.mu.Unlock()
	if err != nil {
		return exchange.FuturesOrderResult{}, err
	}
	if fn != nil {
		return fn(order)
	}
	return exchange.FuturesOrderResult{ExecutedQty: qty}, nil
}

func (f *Fake) SetLeverage(_ context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SetLeverage"); err != nil {
		return err
	}
	f.Leverage[symbol] = leverage
	return nil
}

func (f *Fake) Transfer(_ context.Context, asset string, amount float64, from, to exchange.Wallet) error {
	f.mu.Lock()
	t := Transfer{Asset: asset, Amount: amount, From: from, To: to}
	f.Transfers = append(f.Transfers, t)
	fn := f.TransferFn
	err := f.err("Transfer")
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		return fn(t)
	}
	return nil
}

func (f *Fake) LotSizeRule(_ context.Context, symbol string) (exchange.LotSizeRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("LotSizeRule"); err != nil {
		return exchange.LotSizeRule{}, err
	}
	rule, ok := f.LotRules[symbol]
	if !ok {
		return exchange.LotSizeRule{MinQty: 0.001, MaxQty: 1e6, StepSize: 0.001}, nil
	}
	return rule, nil
}

var _ exchange.Gateway = (*Fake)(nil)

package capital

import (
	"context"
	"testing"
	"time"

	"bn-harvest-bot/internal/audit"
	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/exchange"
	"bn-harvest-bot/internal/exchange/exchangetest"
	"bn-harvest-bot/internal/portfolio"

	"go.uber.org/zap"
)

func testCfg() config.AllocatorConfig {
	return config.AllocatorConfig{
		TargetSpotRatio:    0.55,
		TargetFuturesRatio: 0.45,
		DeficitThreshold:   10,
		FuturesMarginFloor: 50,
		TransferHaircut:    0.9,
		ConvertDustFloor:   15,
		ConvertVerifyFloor: 10,
	}
}

func newAllocator(fake *exchangetest.Fake) (*Allocator, *audit.Auditor) {
	log := zap.NewNop()
	auditor := audit.New(5*time.Minute, 200, log)
	analyzer := portfolio.NewAnalyzer(fake, log)
	converter := NewConverter(fake, fake, auditor, testCfg(), log)
	return NewAllocator(fake, analyzer, converter, auditor, testCfg(), log), auditor
}

func setFuturesUSDT(fake *exchangetest.Fake, amount float64) {
	fake.Account.WalletBalance["USDT"] = amount
	fake.Account.AvailableBalance["USDT"] = amount
}

func lastStep(t *testing.T, auditor *audit.Auditor, name audit.StepName) audit.Step {
	t.Helper()
	steps := auditor.CompletedSteps()
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Name == name {
			return steps[i]
		}
	}
	t.Fatalf("no completed %s step", name)
	return audit.Step{}
}

func TestEnsureAllocationWithinThresholdDoesNothing(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{{Asset: "USDT", Free: 550}}
	setFuturesUSDT(fake, 450)
	alloc, auditor := newAllocator(fake)

	snap := &portfolio.Snapshot{TotalValue: 1000, SpotUSDTFree: 550, FuturesUSDTAvail: 450}
	ok, err := alloc.EnsureAllocation(context.Background(), snap)
	if err != nil {
		t.Fatalf("EnsureAllocation: %v", err)
	}
	if !ok {
		t.Fatal("expected aligned ledgers to report success")
	}
	if len(fake.Transfers) != 0 || len(fake.SpotOrders) != 0 {
		t.Fatalf("expected no actions, got %d transfers %d orders", len(fake.Transfers), len(fake.SpotOrders))
	}
	if len(auditor.CompletedSteps()) != 0 {
		t.Fatal("no audit step should open when no action is needed")
	}
}

func TestEnsureAllocationTransfersFuturesSurplusToSpot(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{{Asset: "USDT", Free: 400}}
	setFuturesUSDT(fake, 500)
	fake.TransferFn = func(tr exchangetest.Transfer) error {
		fake.Balances[0].Free += tr.Amount
		setFuturesUSDT(fake, 500-tr.Amount)
		return nil
	}
	alloc, auditor := newAllocator(fake)

	// Target split 550/450: spot is 150 short, futures holds the surplus.
	snap := &portfolio.Snapshot{TotalValue: 1000, SpotUSDTFree: 400, FuturesUSDTAvail: 500}
	ok, err := alloc.EnsureAllocation(context.Background(), snap)
	if err != nil {
		t.Fatalf("EnsureAllocation: %v", err)
	}
	if !ok {
		t.Fatal("expected verified correction to succeed")
	}
	if len(fake.Transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(fake.Transfers))
	}
	tr := fake.Transfers[0]
	if tr.From != exchange.WalletFutures || tr.To != exchange.WalletSpot {
		t.Fatalf("wrong direction: %s -> %s", tr.From, tr.To)
	}
	if tr.Amount != 135 { // 150 deficit * 0.9 haircut
		t.Fatalf("amount = %v, want 135", tr.Amount)
	}
	step := lastStep(t, auditor, audit.StepCapitalAllocation)
	if !step.Success {
		t.Fatal("allocation step should record success")
	}
	if v, ok := step.Validations["deficit_reduced"]; !ok || !v.Success {
		t.Fatalf("deficit_reduced validation = %+v", v)
	}
}

func TestEnsureAllocationFailsWhenTransferNotReflected(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{{Asset: "USDT", Free: 400}}
	setFuturesUSDT(fake, 500)
	// Transfer accepted by the API, but balances never move.
	alloc, auditor := newAllocator(fake)

	snap := &portfolio.Snapshot{TotalValue: 1000, SpotUSDTFree: 400, FuturesUSDTAvail: 500}
	ok, err := alloc.EnsureAllocation(context.Background(), snap)
	if err != nil {
		t.Fatalf("EnsureAllocation: %v", err)
	}
	if ok {
		t.Fatal("unreflected transfer must not count as success")
	}
	step := lastStep(t, auditor, audit.StepCapitalTransfer)
	if step.Success {
		t.Fatal("transfer step should record failure")
	}
	if v := step.Validations["transfer_verified"]; v.Success {
		t.Fatal("transfer_verified should fail when destination balance is unchanged")
	}
}

func TestEnsureAllocationConvertsWhenFuturesCannotHelp(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{
		{Asset: "USDT", Free: 10},
		{Asset: "BTC", Free: 0.002},
	}
	setFuturesUSDT(fake, 50) // exactly at the margin floor, nothing to give up
	fake.Prices["BTCUSDT"] = 20_000
	fake.SpotOrderFn = func(o exchangetest.SpotOrder) (exchange.SpotOrderResult, error) {
		quote := o.Qty * 20_000
		fake.Balances[0].Free += quote
		fake.Balances[1].Free -= o.Qty
		return exchange.SpotOrderResult{ExecutedQty: o.Qty, CummulativeQuoteQty: quote}, nil
	}
	alloc, auditor := newAllocator(fake)

	// Targets 55/45: spot is 45 short, futures is on target but has no
	// transferable cushion, so the deficit must be raised by selling BTC.
	snap := &portfolio.Snapshot{TotalValue: 100, SpotUSDTFree: 10, FuturesUSDTAvail: 50}
	ok, err := alloc.EnsureAllocation(context.Background(), snap)
	if err != nil {
		t.Fatalf("EnsureAllocation: %v", err)
	}
	if len(fake.SpotOrders) == 0 {
		t.Fatal("expected a conversion sell")
	}
	if got := fake.SpotOrders[0]; got.Symbol != "BTCUSDT" || got.Side != exchange.SideSell {
		t.Fatalf("unexpected order %+v", got)
	}
	step := lastStep(t, auditor, audit.StepAssetConversion)
	if !step.Success {
		t.Fatal("conversion should verify via measured balance increase")
	}
	if !ok {
		t.Fatal("allocation pass should succeed once the deficit shrinks")
	}
}

func TestConvertSellsLargestFirstAndSkipsHeldAndDust(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{
		{Asset: "USDT", Free: 10},
		{Asset: "ETH", Free: 2},    // $4000, held by a hedge
		{Asset: "BTC", Free: 0.5},  // $15000, largest free holding
		{Asset: "DOGE", Free: 100}, // $5, under the dust floor
	}
	fake.Prices["BTCUSDT"] = 30_000
	fake.Prices["ETHUSDT"] = 2_000
	fake.Prices["DOGEUSDT"] = 0.05
	fake.SpotOrderFn = func(o exchangetest.SpotOrder) (exchange.SpotOrderResult, error) {
		quote := o.Qty * fake.Prices[o.Symbol]
		fake.Balances[0].Free += quote
		return exchange.SpotOrderResult{ExecutedQty: o.Qty, CummulativeQuoteQty: quote}, nil
	}
	log := zap.NewNop()
	auditor := audit.New(5*time.Minute, 200, log)
	conv := NewConverter(fake, fake, auditor, testCfg(), log)

	gained, err := conv.ConvertToUSDT(context.Background(), 100, map[string]bool{"ETH": true})
	if err != nil {
		t.Fatalf("ConvertToUSDT: %v", err)
	}
	if len(fake.SpotOrders) != 1 {
		t.Fatalf("expected exactly one sell, got %d: %+v", len(fake.SpotOrders), fake.SpotOrders)
	}
	if fake.SpotOrders[0].Symbol != "BTCUSDT" {
		t.Fatalf("sold %s, want BTCUSDT first", fake.SpotOrders[0].Symbol)
	}
	if gained < 100 {
		t.Fatalf("gained = %v, want at least the target", gained)
	}
}

func TestConvertUnverifiedGainIsFailure(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{
		{Asset: "USDT", Free: 10},
		{Asset: "BTC", Free: 0.5},
	}
	fake.Prices["BTCUSDT"] = 30_000
	// Orders report fills but the USDT balance never moves.
	log := zap.NewNop()
	auditor := audit.New(5*time.Minute, 200, log)
	conv := NewConverter(fake, fake, auditor, testCfg(), log)

	gained, err := conv.ConvertToUSDT(context.Background(), 100, nil)
	if err != nil {
		t.Fatalf("ConvertToUSDT: %v", err)
	}
	if gained > testCfg().ConvertVerifyFloor {
		t.Fatalf("gained = %v, expected no measured gain", gained)
	}
	step := lastStep(t, auditor, audit.StepAssetConversion)
	if step.Success {
		t.Fatal("unverified gain must record the step as failed")
	}
	if v := step.Validations["balance_increase_verified"]; v.Success {
		t.Fatal("balance_increase_verified should fail")
	}
}

func TestEnsureAllocationBothLedgersShort(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{
		{Asset: "USDT", Free: 100},
		{Asset: "BTC", Free: 0.05},
	}
	setFuturesUSDT(fake, 50)
	fake.Prices["BTCUSDT"] = 30_000
	fake.SpotOrderFn = func(o exchangetest.SpotOrder) (exchange.SpotOrderResult, error) {
		quote := o.Qty * 30_000
		fake.Balances[0].Free += quote
		fake.Balances[1].Free -= o.Qty
		return exchange.SpotOrderResult{ExecutedQty: o.Qty, CummulativeQuoteQty: quote}, nil
	}
	fake.TransferFn = func(tr exchangetest.Transfer) error {
		fake.Balances[0].Free -= tr.Amount
		setFuturesUSDT(fake, 50+tr.Amount)
		return nil
	}
	alloc, auditor := newAllocator(fake)

	// Targets 550/450: spot short 450, futures short 400. Holdings get sold
	// and part of the proceeds pushed across to futures.
	snap := &portfolio.Snapshot{TotalValue: 1000, SpotUSDTFree: 100, FuturesUSDTAvail: 50}
	ok, err := alloc.EnsureAllocation(context.Background(), snap)
	if err != nil {
		t.Fatalf("EnsureAllocation: %v", err)
	}
	if !ok {
		t.Fatal("expected correction to verify")
	}
	if len(fake.SpotOrders) == 0 {
		t.Fatal("expected conversion sells")
	}
	if len(fake.Transfers) != 1 {
		t.Fatalf("expected one redistribution transfer, got %d", len(fake.Transfers))
	}
	if tr := fake.Transfers[0]; tr.From != exchange.WalletSpot || tr.To != exchange.WalletFutures {
		t.Fatalf("wrong redistribution direction: %s -> %s", tr.From, tr.To)
	}
	if step := lastStep(t, auditor, audit.StepCapitalAllocation); !step.Success {
		t.Fatal("allocation step should record success")
	}
}

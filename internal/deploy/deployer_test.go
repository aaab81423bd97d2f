package deploy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bn-harvest-bot/internal/audit"
	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/events"
	"bn-harvest-bot/internal/exchange"
	"bn-harvest-bot/internal/exchange/exchangetest"
	"bn-harvest-bot/internal/strategy"

	"go.uber.org/zap"
)

func testStrategyCfg() config.StrategyConfig {
	return config.StrategyConfig{
		MinPositionUSD: 25,
		Leverage:       2,
		HedgeRatio:     0.95,
		MinHedgeRatio:  0.90,
		MaxHedgeRatio:  1.00,
		SettleDelay:    2 * time.Second,
	}
}

type recordedEvents struct {
	events []events.Event
}

func (r *recordedEvents) handler(_ context.Context, ev events.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordedEvents) has(typ events.Type) bool {
	for _, ev := range r.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func newDeployer(fake *exchangetest.Fake, cfg config.StrategyConfig) (*Deployer, *audit.Auditor, *recordedEvents) {
	log := zap.NewNop()
	auditor := audit.New(5*time.Minute, 200, log)
	bus := events.NewBus(log)
	rec := &recordedEvents{}
	bus.Subscribe(rec.handler)
	d := New(fake, fake, auditor, bus, cfg, log)
	d.sleep = func(context.Context, time.Duration) {}
	return d, auditor, rec
}

func shortOpportunity() strategy.Opportunity {
	return strategy.NewOpportunity("BTCUSDT", -0.0005, 30_000, 50_000_000, time.Now().Add(4*time.Hour))
}

func fillSpotByQuote(fake *exchangetest.Fake, price float64) {
	fake.SpotOrderFn = func(o exchangetest.SpotOrder) (exchange.SpotOrderResult, error) {
		if o.Side == exchange.SideBuy && o.QuoteQty > 0 {
			qty := o.QuoteQty / price
			return exchange.SpotOrderResult{ExecutedQty: qty, CummulativeQuoteQty: o.QuoteQty}, nil
		}
		return exchange.SpotOrderResult{ExecutedQty: o.Qty, CummulativeQuoteQty: o.Qty * price}, nil
	}
}

func lastDeploymentStep(t *testing.T, auditor *audit.Auditor) audit.Step {
	t.Helper()
	steps := auditor.CompletedSteps()
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Name == audit.StepPositionDeployment {
			return steps[i]
		}
	}
	t.Fatalf("no completed deployment step")
	return audit.Step{}
}

func TestDeployShortPathConfirmed(t *testing.T) {
	fake := exchangetest.New()
	fake.LotRules["BTCUSDT"] = exchange.LotSizeRule{MinQty: 0.0001, MaxQty: 1e6}
	fillSpotByQuote(fake, 30_000)
	d, auditor, rec := newDeployer(fake, testStrategyCfg())

	if !d.Deploy(context.Background(), shortOpportunity(), 300) {
		t.Fatal("expected deployment to confirm")
	}
	if got := fake.Leverage["BTCUSDT"]; got != 2 {
		t.Fatalf("leverage = %d, want 2", got)
	}
	if len(fake.SpotOrders) != 1 || fake.SpotOrders[0].QuoteQty != 300 {
		t.Fatalf("unexpected spot orders %+v", fake.SpotOrders)
	}
	if len(fake.FuturesOrders) != 1 {
		t.Fatalf("expected one futures order, got %d", len(fake.FuturesOrders))
	}
	fut := fake.FuturesOrders[0]
	if fut.Side != exchange.SideSell {
		t.Fatalf("futures side = %s, want SELL", fut.Side)
	}
	spotQty := 300.0 / 30_000
	ratio := fut.Qty / spotQty
	if ratio < 0.90 || ratio > 1.00 {
		t.Fatalf("hedge ratio %v out of bounds", ratio)
	}
	step := lastDeploymentStep(t, auditor)
	if !step.Success {
		t.Fatal("audit step should record success")
	}
	if v := step.Validations["hedge_verified"]; !v.Success {
		t.Fatalf("hedge_verified = %+v", v)
	}
	if v := step.Validations["sizing"]; !v.Success {
		t.Fatalf("sizing = %+v", v)
	}
	if !rec.has(events.DeploymentSucceeded) {
		t.Fatal("expected deploymentSucceeded event")
	}
}

func TestDeployZeroSpotFillAbortsBeforeFutures(t *testing.T) {
	fake := exchangetest.New()
	fake.SpotOrderFn = func(exchangetest.SpotOrder) (exchange.SpotOrderResult, error) {
		return exchange.SpotOrderResult{}, nil
	}
	d, _, rec := newDeployer(fake, testStrategyCfg())

	if d.Deploy(context.Background(), shortOpportunity(), 300) {
		t.Fatal("zero spot fill must fail the deployment")
	}
	if len(fake.FuturesOrders) != 0 {
		t.Fatal("no futures order may be placed when the spot leg did not fill")
	}
	if !rec.has(events.DeploymentFailed) {
		t.Fatal("expected deploymentFailed event")
	}
}

func TestDeployPrecisionRejectionRetriesOnce(t *testing.T) {
	fake := exchangetest.New()
	fake.LotRules["ETHUSDT"] = exchange.LotSizeRule{MinQty: 0.001, MaxQty: 1e6, StepSize: 0.0001}
	fillSpotByQuote(fake, 2_000)
	calls := 0
	fake.FuturesOrderFn = func(o exchangetest.FuturesOrder) (exchange.FuturesOrderResult, error) {
		calls++
		if calls == 1 {
			return exchange.FuturesOrderResult{}, fmt.Errorf("%w: code -1111 precision is over the maximum", exchange.ErrOrderRejected)
		}
		return exchange.FuturesOrderResult{ExecutedQty: o.Qty}, nil
	}
	d, _, _ := newDeployer(fake, testStrategyCfg())

	opp := strategy.NewOpportunity("ETHUSDT", -0.0005, 2_000, 20_000_000, time.Now().Add(time.Hour))
	if !d.Deploy(context.Background(), opp, 300) {
		t.Fatal("expected retry with coarser rounding to confirm")
	}
	if calls != 2 {
		t.Fatalf("futures order attempts = %d, want 2", calls)
	}
	if len(fake.FuturesOrders) != 2 {
		t.Fatalf("expected both attempts recorded, got %d", len(fake.FuturesOrders))
	}
	if fake.FuturesOrders[1].Qty > fake.FuturesOrders[0].Qty {
		t.Fatal("retry quantity must not be larger than the rejected one")
	}
}

func TestDeployFuturesFailureLeavesSpotAndEscalates(t *testing.T) {
	fake := exchangetest.New()
	fillSpotByQuote(fake, 30_000)
	fake.FuturesOrderFn = func(exchangetest.FuturesOrder) (exchange.FuturesOrderResult, error) {
		return exchange.FuturesOrderResult{}, fmt.Errorf("%w: margin is insufficient", exchange.ErrOrderRejected)
	}
	d, auditor, rec := newDeployer(fake, testStrategyCfg())

	if d.Deploy(context.Background(), shortOpportunity(), 300) {
		t.Fatal("failed futures leg must fail the deployment")
	}
	step := lastDeploymentStep(t, auditor)
	if step.Success {
		t.Fatal("audit step must record failure")
	}
	if v := step.Validations["hedge_verified"]; v.Success {
		t.Fatal("hedge_verified must be false for an unhedged spot leg")
	}
	if !rec.has(events.CriticalFailure) {
		t.Fatal("unhedged spot exposure must surface as a critical failure event")
	}
	if !rec.has(events.DeploymentFailed) {
		t.Fatal("expected deploymentFailed event")
	}
	if auditor.SafeToProceed() {
		t.Fatal("unhedged spot exposure must trip the circuit breaker")
	}
}

func TestDeployRejectedRetryTripsBreaker(t *testing.T) {
	fake := exchangetest.New()
	fake.LotRules["BTCUSDT"] = exchange.LotSizeRule{MinQty: 0.0001, MaxQty: 1e6, StepSize: 0.0001}
	fillSpotByQuote(fake, 30_000)
	fake.FuturesOrderFn = func(exchangetest.FuturesOrder) (exchange.FuturesOrderResult, error) {
		return exchange.FuturesOrderResult{}, fmt.Errorf("%w: code -1111 precision is over the maximum", exchange.ErrOrderRejected)
	}
	d, auditor, _ := newDeployer(fake, testStrategyCfg())

	if d.Deploy(context.Background(), shortOpportunity(), 300) {
		t.Fatal("a futures leg rejected on both attempts must fail the deployment")
	}
	if len(fake.FuturesOrders) != 2 {
		t.Fatalf("futures attempts = %d, want the single coarser retry", len(fake.FuturesOrders))
	}
	if len(fake.SpotOrders) != 1 {
		t.Fatal("the spot leg stays filled; there is no rollback")
	}
	if auditor.SafeToProceed() {
		t.Fatal("the unhedged spot leg must hold the breaker shut")
	}
}

func TestDeployLongOnlyPath(t *testing.T) {
	fake := exchangetest.New()
	fake.LotRules["ETHUSDT"] = exchange.LotSizeRule{MinQty: 0.001, MaxQty: 1e6, StepSize: 0.001}
	d, auditor, rec := newDeployer(fake, testStrategyCfg())

	opp := strategy.NewOpportunity("ETHUSDT", 0.0004, 2_000, 20_000_000, time.Now().Add(time.Hour))
	if !d.Deploy(context.Background(), opp, 200) {
		t.Fatal("expected long-only deployment to confirm")
	}
	if len(fake.SpotOrders) != 0 {
		t.Fatal("long-only path must not place spot orders")
	}
	if len(fake.FuturesOrders) != 1 || fake.FuturesOrders[0].Side != exchange.SideBuy {
		t.Fatalf("unexpected futures orders %+v", fake.FuturesOrders)
	}
	step := lastDeploymentStep(t, auditor)
	if !step.Success {
		t.Fatal("audit step should record success")
	}
	if !rec.has(events.DeploymentSucceeded) {
		t.Fatal("expected deploymentSucceeded event")
	}
}

func TestDeployLongOnlyGated(t *testing.T) {
	fake := exchangetest.New()
	cfg := testStrategyCfg()
	off := false
	cfg.AllowLongOnly = &off
	d, _, _ := newDeployer(fake, cfg)

	opp := strategy.NewOpportunity("ETHUSDT", 0.0004, 2_000, 20_000_000, time.Now().Add(time.Hour))
	if d.Deploy(context.Background(), opp, 200) {
		t.Fatal("long-only path must be rejected when disabled")
	}
	if len(fake.SpotOrders) != 0 || len(fake.FuturesOrders) != 0 {
		t.Fatal("no orders may be placed for a gated opportunity")
	}
}

func TestDeployBelowMinimumCapital(t *testing.T) {
	fake := exchangetest.New()
	d, auditor, _ := newDeployer(fake, testStrategyCfg())

	if d.Deploy(context.Background(), shortOpportunity(), 10) {
		t.Fatal("capital below the position minimum must fail sizing")
	}
	step := lastDeploymentStep(t, auditor)
	if v := step.Validations["sizing"]; v.Success {
		t.Fatal("sizing validation must fail")
	}
}

func TestCloseFuturesFirstThenSpot(t *testing.T) {
	fake := exchangetest.New()
	fake.Positions = []exchange.FuturesPosition{
		{Symbol: "BTCUSDT", PositionAmt: -0.0095, EntryPrice: 30_000},
	}
	fake.Balances = []exchange.SpotBalance{
		{Asset: "BTC", Free: 0.01},
		{Asset: "USDT", Free: 100},
	}
	d, auditor, rec := newDeployer(fake, testStrategyCfg())

	if !d.Close(context.Background(), "BTCUSDT") {
		t.Fatal("expected close to succeed")
	}
	if len(fake.FuturesOrders) != 1 {
		t.Fatalf("expected one futures close order, got %d", len(fake.FuturesOrders))
	}
	fut := fake.FuturesOrders[0]
	if fut.Side != exchange.SideBuy || fut.Qty != 0.0095 {
		t.Fatalf("futures close = %+v, want BUY 0.0095", fut)
	}
	if len(fake.SpotOrders) != 1 || fake.SpotOrders[0].Side != exchange.SideSell {
		t.Fatalf("expected one spot sell, got %+v", fake.SpotOrders)
	}
	steps := auditor.CompletedSteps()
	last := steps[len(steps)-1]
	if last.Name != audit.StepPositionClose || !last.Success {
		t.Fatalf("close step = %+v", last)
	}
	if !rec.has(events.PositionClosed) {
		t.Fatal("expected positionClosed event")
	}
}

func TestCloseFuturesFailureStillAttemptsSpot(t *testing.T) {
	fake := exchangetest.New()
	fake.Positions = []exchange.FuturesPosition{
		{Symbol: "BTCUSDT", PositionAmt: -0.0095},
	}
	fake.Balances = []exchange.SpotBalance{{Asset: "BTC", Free: 0.01}}
	fake.FuturesOrderFn = func(exchangetest.FuturesOrder) (exchange.FuturesOrderResult, error) {
		return exchange.FuturesOrderResult{}, fmt.Errorf("%w: service unavailable", exchange.ErrOrderRejected)
	}
	d, auditor, _ := newDeployer(fake, testStrategyCfg())

	if d.Close(context.Background(), "BTCUSDT") {
		t.Fatal("close must report failure when the futures leg did not close")
	}
	if len(fake.SpotOrders) != 1 {
		t.Fatal("spot leg must still be attempted")
	}
	steps := auditor.CompletedSteps()
	last := steps[len(steps)-1]
	if last.Success {
		t.Fatal("close step must record failure")
	}
	if v := last.Validations["futures_leg_closed"]; v.Success {
		t.Fatal("futures_leg_closed must be false")
	}
}

func TestCloseWithNoFuturesPosition(t *testing.T) {
	fake := exchangetest.New()
	fake.Balances = []exchange.SpotBalance{{Asset: "BTC", Free: 0.01}}
	d, _, _ := newDeployer(fake, testStrategyCfg())

	if !d.Close(context.Background(), "BTCUSDT") {
		t.Fatal("nothing held on futures should count as closed")
	}
	if len(fake.FuturesOrders) != 0 {
		t.Fatal("no futures order expected")
	}
}

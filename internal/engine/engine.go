// Package engine wires the components together and drives the four loops:
// the allocation fast loop, the optimization loop, the slower rebalance loop,
// and the periodic report. Every capital-moving cycle consults the audit
// circuit breaker first; a recent critical failure idles the engine until the
// breaker window expires.
package engine

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bn-harvest-bot/internal/audit"
	"bn-harvest-bot/internal/capital"
	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/deploy"
	"bn-harvest-bot/internal/events"
	"bn-harvest-bot/internal/exchange"
	"bn-harvest-bot/internal/exchange/binance"
	"bn-harvest-bot/internal/history"
	"bn-harvest-bot/internal/market"
	"bn-harvest-bot/internal/metrics"
	"bn-harvest-bot/internal/portfolio"
	"bn-harvest-bot/internal/rebalance"
	"bn-harvest-bot/internal/state"
	"bn-harvest-bot/internal/state/sqlite"

	"go.uber.org/zap"
)

// recorder is the slice of the history writer the engine feeds.
type recorder interface {
	Start(ctx context.Context)
	Close() error
	EnqueueSample(history.PortfolioSample)
	EnqueueDeployment(history.DeploymentOutcome)
}

type Engine struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	stream    *binance.MarkPriceStream
	gw        exchange.Gateway
	markets   *market.Accessor
	analyzer  *portfolio.Analyzer
	allocator *capital.Allocator
	deployer  *deploy.Deployer
	optimizer *rebalance.Optimizer
	auditor   *audit.Auditor
	bus       *events.Bus
	metrics   *metrics.Metrics
	promHTTP  http.Handler
	history   recorder
}

func New(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(os.Getenv("BN_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("BN_API_KEY is required")
	}
	apiSecret := strings.TrimSpace(os.Getenv("BN_API_SECRET"))
	if apiSecret == "" {
		return nil, errors.New("BN_API_SECRET is required")
	}
	creds := binance.NewCredentials(apiKey, apiSecret)
	gw := binance.New(cfg.Exchange.SpotBaseURL, cfg.Exchange.FuturesBaseURL, creds, cfg.Exchange.Timeout, log)
	stream := binance.NewMarkPriceStream(cfg.Exchange.MarkPriceWSURL, cfg.Exchange.ReconnectDelay, log)

	bus := events.NewBus(log)
	if cfg.Events.Telegram.Enabled {
		bus.Subscribe(events.NewTelegram(cfg.Events.Telegram, log).HandleEvent)
	}
	if cfg.Events.Redis.Enabled {
		bus.Subscribe(events.NewRedisPublisher(cfg.Events.Redis).HandleEvent)
	}

	m := metrics.NewNoop()
	var promHTTP http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		promHTTP = prom.Handler()
	}

	var auditOpts []audit.Option
	if cfg.Audit.Persist {
		auditOpts = append(auditOpts, audit.WithPersistence(store))
	}
	auditor := audit.New(cfg.Audit.BreakerWindow, cfg.Audit.LedgerBound, log, auditOpts...)
	// Counted in observeEvent along with the deployer's own critical events.
	auditor.Notify = func(step audit.Step, reason string) {
		bus.Publish(context.Background(), events.Event{
			Type:   events.CriticalFailure,
			Detail: string(step.Name) + ": " + reason,
		})
	}
	auditor.OnComplete = func(step audit.Step) {
		if !step.Success {
			return
		}
		switch step.Name {
		case audit.StepAssetConversion:
			m.Conversions.Inc()
		case audit.StepCapitalTransfer:
			m.Transfers.Inc()
		}
	}

	hist, err := history.New(cfg.History, log)
	if err != nil {
		return nil, err
	}

	markets := market.NewAccessor(gw, stream, cfg.Strategy.MinFundingRate, cfg.Strategy.MinVolumeUSD, log)
	analyzer := portfolio.NewAnalyzer(gw, log)
	converter := capital.NewConverter(gw, markets, auditor, cfg.Allocator, log)
	allocator := capital.NewAllocator(gw, analyzer, converter, auditor, cfg.Allocator, log)
	deployer := deploy.New(gw, markets, auditor, bus, cfg.Strategy, log)
	optimizer := rebalance.New(analyzer, markets, deployer, auditor, bus, cfg.Rebalance, cfg.Strategy, log)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		store:     store,
		stream:    stream,
		gw:        gw,
		markets:   markets,
		analyzer:  analyzer,
		allocator: allocator,
		deployer:  deployer,
		optimizer: optimizer,
		auditor:   auditor,
		bus:       bus,
		metrics:   m,
		promHTTP:  promHTTP,
		history:   hist,
	}
	bus.Subscribe(e.observeEvent)
	return e, nil
}

// observeEvent turns lifecycle events into counters and, for deployments,
// a durable history row.
func (e *Engine) observeEvent(_ context.Context, ev events.Event) error {
	switch ev.Type {
	case events.DeploymentSucceeded, events.DeploymentFailed:
		if ev.Type == events.DeploymentSucceeded {
			e.metrics.DeploymentsConfirmed.Inc()
		} else {
			e.metrics.DeploymentsFailed.Inc()
		}
		e.history.EnqueueDeployment(history.DeploymentOutcome{
			Time:        ev.Time,
			Symbol:      ev.Symbol,
			FundingRate: ev.FundingRate,
			CapitalUSD:  ev.AmountUSD,
			HedgeRatio:  ev.HedgeRatio,
			Confirmed:   ev.Type == events.DeploymentSucceeded,
			Detail:      ev.Detail,
		})
	case events.PositionClosed:
		e.metrics.PositionsClosed.Inc()
	case events.CriticalFailure:
		e.metrics.CriticalFailures.Inc()
	}
	return nil
}

func (e *Engine) Run(ctx context.Context) error {
	defer e.store.Close()
	defer e.history.Close()

	if last, ok, err := state.LoadEngineSnapshot(ctx, e.store); err != nil {
		e.log.Warn("loading last engine snapshot failed", zap.Error(err))
	} else if ok {
		e.log.Info("resuming",
			zap.Float64("last_total_value", last.TotalValue),
			zap.Int("last_positions", last.Positions),
			zap.Int64("last_updated_ms", last.UpdatedAtMS))
	}

	go func() {
		if err := e.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn("mark price stream stopped", zap.Error(err))
		}
	}()
	e.history.Start(ctx)
	if e.promHTTP != nil {
		e.serveMetrics(ctx)
	}

	snap, err := e.analyzer.Analyze(ctx)
	if err != nil {
		return err
	}
	e.log.Info("portfolio reconciled",
		zap.Float64("total_value_usd", snap.TotalValue),
		zap.Float64("utilization", snap.Utilization),
		zap.Int("positions", len(snap.Positions)))

	allocation := time.NewTicker(e.cfg.Loops.Allocation)
	defer allocation.Stop()
	optimization := time.NewTicker(e.cfg.Loops.Optimization)
	defer optimization.Stop()
	rebalanceTicker := time.NewTicker(e.cfg.Loops.Rebalance)
	defer rebalanceTicker.Stop()
	report := time.NewTicker(e.cfg.Loops.Report)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-allocation.C:
			e.allocationCycle(ctx)
		case <-optimization.C:
			e.optimizationCycle(ctx)
		case <-rebalanceTicker.C:
			e.rebalanceCycle(ctx)
		case <-report.C:
			e.reportCycle(ctx)
		}
	}
}

// allocationCycle keeps the spot/futures USDT split at target.
func (e *Engine) allocationCycle(ctx context.Context) {
	if !e.auditor.SafeToProceed() {
		e.log.Warn("allocation cycle skipped, audit breaker open")
		return
	}
	snap, err := e.analyzer.Analyze(ctx)
	if err != nil {
		e.log.Warn("allocation cycle read failed", zap.Error(err))
		return
	}
	if _, err := e.allocator.EnsureAllocation(ctx, snap); err != nil {
		e.log.Warn("allocation cycle failed", zap.Error(err))
	}
}

func (e *Engine) optimizationCycle(ctx context.Context) {
	if !e.auditor.SafeToProceed() {
		e.log.Warn("optimization cycle skipped, audit breaker open")
		return
	}
	actions, err := e.optimizer.Run(ctx)
	if err != nil {
		e.log.Warn("optimization cycle failed", zap.Error(err))
		return
	}
	for i := 0; i < actions; i++ {
		e.metrics.RebalanceActions.Inc()
	}
}

// rebalanceCycle is the slow full pass: allocation first, then optimization,
// so redeployed capital lands on correctly funded ledgers.
func (e *Engine) rebalanceCycle(ctx context.Context) {
	e.allocationCycle(ctx)
	e.optimizationCycle(ctx)
}

func (e *Engine) reportCycle(ctx context.Context) {
	snap, err := e.analyzer.Analyze(ctx)
	if err != nil {
		e.log.Warn("report cycle read failed", zap.Error(err))
		return
	}
	e.metrics.TotalValueUSD.Set(snap.TotalValue)
	e.metrics.Utilization.Set(snap.Utilization)
	e.metrics.ActivePositions.Set(float64(len(snap.Positions)))

	now := time.Now().UTC()
	if err := state.SaveEngineSnapshot(ctx, e.store, state.EngineSnapshot{
		TotalValue:     snap.TotalValue,
		TotalSpotValue: snap.TotalSpotValue,
		FuturesBalance: snap.FuturesBalance,
		DeployedUSD:    snap.DeployedCapital,
		Utilization:    snap.Utilization,
		TotalPnL:       snap.TotalPnL,
		Positions:      len(snap.Positions),
		UpdatedAtMS:    now.UnixMilli(),
	}); err != nil {
		e.log.Warn("engine snapshot save failed", zap.Error(err))
	}
	e.history.EnqueueSample(history.PortfolioSample{
		Time:            now,
		TotalValueUSD:   snap.TotalValue,
		SpotValueUSD:    snap.TotalSpotValue,
		FuturesUSD:      snap.FuturesBalance,
		DeployedUSD:     snap.DeployedCapital,
		AvailableUSD:    snap.AvailableUSD,
		Utilization:     snap.Utilization,
		UnrealizedPnL:   snap.TotalPnL,
		ActivePositions: len(snap.Positions),
	})
	e.log.Info("portfolio report",
		zap.Float64("total_value_usd", snap.TotalValue),
		zap.Float64("deployed_usd", snap.DeployedCapital),
		zap.Float64("utilization", snap.Utilization),
		zap.Float64("unrealized_pnl", snap.TotalPnL),
		zap.Int("positions", len(snap.Positions)))
}

func (e *Engine) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.promHTTP)
	srv := &http.Server{Addr: e.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

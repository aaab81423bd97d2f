// Package rebalance runs the periodic portfolio optimization passes: cut
// losers, drop stale symbols, swap into better funding, scale winners, and
// put idle capital to work. Each cycle is bounded by an action cap and every
// pass tolerates individual failures; an action that failed is logged and the
// cycle moves on, actions already taken stand.
package rebalance

import (
	"context"
	"time"

	"bn-harvest-bot/internal/audit"
	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/events"
	"bn-harvest-bot/internal/portfolio"
	"bn-harvest-bot/internal/strategy"

	"go.uber.org/zap"
)

// Trader is the slice of the deployer the optimizer drives.
type Trader interface {
	Deploy(ctx context.Context, opp strategy.Opportunity, capitalUSD float64) bool
	Close(ctx context.Context, symbol string) bool
}

// SnapshotSource is the slice of the portfolio analyzer the optimizer reads.
type SnapshotSource interface {
	Analyze(ctx context.Context) (*portfolio.Snapshot, error)
}

// OpportunitySource is the slice of the market accessor the optimizer reads.
type OpportunitySource interface {
	Opportunities(ctx context.Context) ([]strategy.Opportunity, error)
}

type Optimizer struct {
	snapshots    SnapshotSource
	markets      OpportunitySource
	trader       Trader
	auditor      *audit.Auditor
	bus          *events.Bus
	cfg          config.RebalanceConfig
	minDeploy    float64
	maxPositions int
	settle       time.Duration
	log          *zap.Logger

	// sleep is replaced in tests; the default honors context cancellation.
	sleep func(ctx context.Context, d time.Duration)
}

func New(snapshots SnapshotSource, markets OpportunitySource, trader Trader, auditor *audit.Auditor, bus *events.Bus, cfg config.RebalanceConfig, strat config.StrategyConfig, log *zap.Logger) *Optimizer {
	return &Optimizer{
		snapshots:    snapshots,
		markets:      markets,
		trader:       trader,
		auditor:      auditor,
		bus:          bus,
		cfg:          cfg,
		minDeploy:    strat.MinPositionUSD,
		maxPositions: strat.MaxPositions,
		settle:       strat.SettleDelay,
		log:          log,
		sleep: func(ctx context.Context, d time.Duration) {
			if d <= 0 {
				return
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// cycle carries one optimization run's working state. The closed set keeps
// later passes from acting on positions an earlier pass already unwound.
type cycle struct {
	snap    *portfolio.Snapshot
	ranked  []strategy.Opportunity
	held    map[string]bool
	closed  map[string]bool
	opened  int
	actions int
}

func (c *cycle) budgetLeft(actionCap int) bool {
	return c.actions < actionCap
}

// positionCount is the live book size as of this point in the cycle.
func (c *cycle) positionCount() int {
	return len(c.snap.Positions) - len(c.closed) + c.opened
}

func (c *cycle) open(p portfolio.ActivePosition) bool {
	return !c.closed[p.Symbol]
}

// Run executes the five passes in order and returns the number of actions
// attempted. The action count includes failed attempts: a failing venue
// should slow the engine down, not speed it up.
func (o *Optimizer) Run(ctx context.Context) (int, error) {
	snap, err := o.snapshots.Analyze(ctx)
	if err != nil {
		return 0, err
	}
	opps, err := o.markets.Opportunities(ctx)
	if err != nil {
		return 0, err
	}

	c := &cycle{
		snap:   snap,
		ranked: strategy.Rank(opps),
		held:   snap.HeldSymbols(),
		closed: make(map[string]bool),
	}
	o.auditor.StartStep(audit.StepRebalance, map[string]any{
		"positions":     len(snap.Positions),
		"opportunities": len(c.ranked),
		"utilization":   snap.Utilization,
	})

	o.lossStops(ctx, c)
	o.staleCloses(ctx, c)
	o.rebalanceToBetter(ctx, c)
	o.scaleWinners(ctx, c)
	o.deployIdle(ctx, c)

	o.auditor.Validate(audit.StepRebalance, "actions", true, map[string]any{"count": c.actions})
	o.auditor.CompleteStep(audit.StepRebalance, true)
	if c.actions > 0 {
		o.bus.Publish(ctx, events.Event{
			Type:      events.Rebalanced,
			AmountUSD: float64(c.actions),
			Detail:    "optimization cycle",
		})
	}
	return c.actions, nil
}

func (o *Optimizer) lossStops(ctx context.Context, c *cycle) {
	rule := strategy.LossStopRule{
		AbsUSD:        o.cfg.LossStopUSD,
		PctOfNotional: o.cfg.LossStopPct,
		TightenFactor: o.cfg.RankTightenFactor,
		RankCutoff:    o.cfg.RankTightenCutoff,
	}
	for _, p := range c.snap.Positions {
		if !c.budgetLeft(o.cfg.ActionCap) {
			return
		}
		rank := strategy.RankOf(c.ranked, p.Symbol)
		if !rule.ShouldStop(p.UnrealizedPnL, p.NotionalUSD, rank) {
			continue
		}
		o.log.Info("loss stop",
			zap.String("symbol", p.Symbol),
			zap.Float64("pnl_usd", p.UnrealizedPnL),
			zap.Int("rank", rank))
		o.closePosition(ctx, c, p.Symbol)
	}
}

func (o *Optimizer) staleCloses(ctx context.Context, c *cycle) {
	for _, p := range c.snap.Positions {
		if !c.budgetLeft(o.cfg.ActionCap) {
			return
		}
		if !c.open(p) || strategy.RankOf(c.ranked, p.Symbol) >= 0 {
			continue
		}
		o.log.Info("closing unranked position", zap.String("symbol", p.Symbol))
		o.closePosition(ctx, c, p.Symbol)
	}
}

func (o *Optimizer) rebalanceToBetter(ctx context.Context, c *cycle) {
	for _, p := range c.snap.Positions {
		if !c.budgetLeft(o.cfg.ActionCap) {
			return
		}
		if !c.open(p) {
			continue
		}
		best, ok := strategy.BestUnheld(c.ranked, c.held)
		if !ok {
			return
		}
		heldRate := 0.0
		if i := strategy.RankOf(c.ranked, p.Symbol); i >= 0 {
			heldRate = c.ranked[i].DailyRate
		}
		if !strategy.ImprovementExceeds(best.DailyRate, heldRate, o.cfg.ImprovementRatio) {
			continue
		}
		freed := p.NotionalUSD
		o.log.Info("rebalancing into better funding",
			zap.String("from", p.Symbol), zap.String("to", best.Symbol),
			zap.Float64("held_daily_rate", heldRate),
			zap.Float64("best_daily_rate", best.DailyRate))
		if !o.closePosition(ctx, c, p.Symbol) {
			continue
		}
		o.sleep(ctx, o.settle)
		if !c.budgetLeft(o.cfg.ActionCap) {
			return
		}
		c.actions++
		if o.trader.Deploy(ctx, best, freed) {
			c.held[best.Symbol] = true
			c.opened++
		}
	}
}

func (o *Optimizer) scaleWinners(ctx context.Context, c *cycle) {
	// Rank order, so higher-ranked winners get capital first.
	for _, opp := range c.ranked {
		if !c.budgetLeft(o.cfg.ActionCap) {
			return
		}
		p, held := c.snap.Position(opp.Symbol)
		if !held || !c.open(p) || p.UnrealizedPnL < o.cfg.WinnerMinPnLUSD {
			continue
		}
		add := strategy.WinnerScaleUSD(c.snap.TotalValue, p.NotionalUSD, o.cfg.WinnerScalePct, o.cfg.PositionCapPct)
		if add < o.minDeploy {
			continue
		}
		o.log.Info("scaling winner",
			zap.String("symbol", p.Symbol),
			zap.Float64("pnl_usd", p.UnrealizedPnL),
			zap.Float64("add_usd", add))
		c.actions++
		o.trader.Deploy(ctx, opp, add)
	}
}

func (o *Optimizer) deployIdle(ctx context.Context, c *cycle) {
	idle := strategy.IdleCapital(c.snap.Utilization, o.cfg.TargetUtilization, o.cfg.UtilizationShortfall)
	topN := o.cfg.IdleTopN
	if topN > len(c.ranked) {
		topN = len(c.ranked)
	}
	for _, opp := range c.ranked[:topN] {
		if !c.budgetLeft(o.cfg.ActionCap) {
			return
		}
		if o.maxPositions > 0 && c.positionCount() >= o.maxPositions {
			return
		}
		if c.held[opp.Symbol] {
			continue
		}
		// A rich enough unheld opportunity is reason on its own; below the
		// bar it only gets capital when utilization is materially short.
		if !idle && opp.DailyRate < o.cfg.IdleMinDailyRate {
			continue
		}
		amount := c.snap.TotalValue * o.cfg.IdleDeployPct
		if amount < o.minDeploy || amount > c.snap.AvailableUSD {
			continue
		}
		o.log.Info("deploying idle capital",
			zap.String("symbol", opp.Symbol),
			zap.Float64("amount_usd", amount),
			zap.Float64("utilization", c.snap.Utilization))
		c.actions++
		if o.trader.Deploy(ctx, opp, amount) {
			c.held[opp.Symbol] = true
			c.opened++
		}
	}
}

func (o *Optimizer) closePosition(ctx context.Context, c *cycle, symbol string) bool {
	c.actions++
	if !o.trader.Close(ctx, symbol) {
		o.log.Warn("close failed, continuing cycle", zap.String("symbol", symbol))
		return false
	}
	c.closed[symbol] = true
	delete(c.held, symbol)
	return true
}

// Package history persists portfolio snapshots and deployment outcomes to
// Postgres (Timescale when the extension is available). Writes are async
// through bounded queues; a full queue drops the sample rather than stall an
// engine cycle.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bn-harvest-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type PortfolioSample struct {
	Time            time.Time
	TotalValueUSD   float64
	SpotValueUSD    float64
	FuturesUSD      float64
	DeployedUSD     float64
	AvailableUSD    float64
	Utilization     float64
	UnrealizedPnL   float64
	ActivePositions int
}

type DeploymentOutcome struct {
	Time        time.Time
	Symbol      string
	FundingRate float64
	CapitalUSD  float64
	HedgeRatio  float64
	Confirmed   bool
	Detail      string
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	samples     chan PortfolioSample
	deployments chan DeploymentOutcome
	started     atomic.Bool
	dropSample  atomic.Uint64
	dropDeploy  atomic.Uint64
}

// New returns nil without error when history is disabled; a nil *Writer is
// safe to use, every method is a no-op on it.
func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		samples:     make(chan PortfolioSample, queueSize),
		deployments: make(chan DeploymentOutcome, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSample(sample PortfolioSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
		return
	default:
		if w.dropSample.Add(1) == 1 && w.log != nil {
			w.log.Warn("history sample queue full")
		}
	}
}

func (w *Writer) EnqueueDeployment(outcome DeploymentOutcome) {
	if w == nil {
		return
	}
	select {
	case w.deployments <- outcome:
		return
	default:
		if w.dropDeploy.Add(1) == 1 && w.log != nil {
			w.log.Warn("history deployment queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeSample(ctx, sample)
		case outcome := <-w.deployments:
			w.writeDeployment(ctx, outcome)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		total_value_usd DOUBLE PRECISION NOT NULL,
		spot_value_usd DOUBLE PRECISION NOT NULL,
		futures_usd DOUBLE PRECISION NOT NULL,
		deployed_usd DOUBLE PRECISION NOT NULL,
		available_usd DOUBLE PRECISION NOT NULL,
		utilization DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		active_positions INTEGER NOT NULL
	)`, w.table("portfolio_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		capital_usd DOUBLE PRECISION NOT NULL,
		hedge_ratio DOUBLE PRECISION NOT NULL,
		confirmed BOOLEAN NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("deployment_outcomes"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("portfolio_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("portfolio_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("deployment_outcomes"))); err != nil && w.log != nil {
		w.log.Warn("deployment_outcomes hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSample(ctx context.Context, sample PortfolioSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, total_value_usd, spot_value_usd, futures_usd, deployed_usd,
		available_usd, utilization, unrealized_pnl, active_positions
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("portfolio_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.TotalValueUSD,
		sample.SpotValueUSD,
		sample.FuturesUSD,
		sample.DeployedUSD,
		sample.AvailableUSD,
		sample.Utilization,
		sample.UnrealizedPnL,
		sample.ActivePositions,
	); err != nil && w.log != nil {
		w.log.Warn("portfolio snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeDeployment(ctx context.Context, outcome DeploymentOutcome) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, funding_rate, capital_usd, hedge_ratio, confirmed, detail
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("deployment_outcomes"))
	if _, err := w.db.ExecContext(ctx, query,
		outcome.Time,
		outcome.Symbol,
		outcome.FundingRate,
		outcome.CapitalUSD,
		outcome.HedgeRatio,
		outcome.Confirmed,
		outcome.Detail,
	); err != nil && w.log != nil {
		w.log.Warn("deployment outcome insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

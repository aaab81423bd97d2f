package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "bn_harvest_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}

	deploymentsConfirmed := counter("deployments_confirmed_total", "Total number of confirmed delta-neutral deployments.")
	deploymentsFailed := counter("deployments_failed_total", "Total number of failed deployment attempts.")
	positionsClosed := counter("positions_closed_total", "Total number of closed positions.")
	rebalanceActions := counter("rebalance_actions_total", "Total number of rebalance loop actions executed.")
	conversions := counter("conversions_total", "Total number of asset-to-USDT conversion passes.")
	transfers := counter("transfers_total", "Total number of wallet transfers.")
	criticalFailures := counter("critical_failures_total", "Total number of workflow critical failures.")

	totalValue := gauge("total_value_usd", "Portfolio total value in USD at last snapshot.")
	utilization := gauge("utilization_percent", "Deployed capital as a percentage of total value.")
	activePositions := gauge("active_positions", "Number of open hedge positions.")

	registry.MustRegister(
		deploymentsConfirmed, deploymentsFailed, positionsClosed,
		rebalanceActions, conversions, transfers, criticalFailures,
		totalValue, utilization, activePositions,
	)

	m := &Metrics{
		DeploymentsConfirmed: promCounter{deploymentsConfirmed},
		DeploymentsFailed:    promCounter{deploymentsFailed},
		PositionsClosed:      promCounter{positionsClosed},
		RebalanceActions:     promCounter{rebalanceActions},
		Conversions:          promCounter{conversions},
		Transfers:            promCounter{transfers},
		CriticalFailures:     promCounter{criticalFailures},
		TotalValueUSD:        promGauge{totalValue},
		Utilization:          promGauge{utilization},
		ActivePositions:      promGauge{activePositions},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	DeploymentsConfirmed Counter
	DeploymentsFailed    Counter
	PositionsClosed      Counter
	RebalanceActions     Counter
	Conversions          Counter
	Transfers            Counter
	CriticalFailures     Counter

	TotalValueUSD   Gauge
	Utilization     Gauge
	ActivePositions Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		DeploymentsConfirmed: c,
		DeploymentsFailed:    c,
		PositionsClosed:      c,
		RebalanceActions:     c,
		Conversions:          c,
		Transfers:            c,
		CriticalFailures:     c,
		TotalValueUSD:        g,
		Utilization:          g,
		ActivePositions:      g,
	}
}

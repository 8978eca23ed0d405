package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	CancelsSent      Counter
	OpenDecisions    Counter
	CloseDecisions   Counter
	UnwindDecisions  Counter
	HedgeCorrections Counter
	GateDrops        Counter
	StaleAlerts      Counter
	Recoveries       Counter

	ActivePosition  Gauge
	PassivePosition Gauge
	NetImbalance    Gauge
	RateBid         Gauge
	RateAsk         Gauge
	Degraded        Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		CancelsSent:      n,
		OpenDecisions:    n,
		CloseDecisions:   n,
		UnwindDecisions:  n,
		HedgeCorrections: n,
		GateDrops:        n,
		StaleAlerts:      n,
		Recoveries:       n,
		ActivePosition:   g,
		PassivePosition:  g,
		NetImbalance:     g,
		RateBid:          g,
		RateAsk:          g,
		Degraded:         g,
	}
}

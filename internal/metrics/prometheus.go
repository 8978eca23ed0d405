package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_spread_arb"

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

	registry  *prometheus.Registry
	counters  map[string]prometheus.Counter
	gauges    map[string]prometheus.Gauge
	decisions *prometheus.CounterVec
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "decisions_total",
		Help:      "Total number of trade decisions emitted, by kind.",
	}, []string{"kind"})

	counters := map[string]prometheus.Counter{
		"orders_placed":     newCounter("orders_placed_total", "Total number of orders accepted by the exchange."),
		"orders_failed":     newCounter("orders_failed_total", "Total number of order placement failures."),
		"cancels_sent":      newCounter("cancels_sent_total", "Total number of cancel requests sent."),
		"hedge_corrections": newCounter("hedge_corrections_total", "Total number of single-leg hedge corrections."),
		"gate_drops":        newCounter("gate_drops_total", "Total number of decisions dropped while orders were pending."),
		"stale_alerts":      newCounter("stale_alerts_total", "Total number of stale market data alerts."),
		"recoveries":        newCounter("recoveries_total", "Total number of recoveries from degraded mode."),
	}
	gauges := map[string]prometheus.Gauge{
		"active_position":  newGauge("active_position", "Net position of the active leg."),
		"passive_position": newGauge("passive_position", "Net position of the passive leg."),
		"net_imbalance":    newGauge("net_imbalance", "Active plus passive plus hedge target."),
		"rate_bid":         newGauge("rate_bid", "Bid-side spread rate."),
		"rate_ask":         newGauge("rate_ask", "Ask-side spread rate."),
		"degraded":         newGauge("degraded", "1 while the engine is in degraded mode."),
	}

	registry.MustRegister(decisions)
	for _, c := range counters {
		registry.MustRegister(c)
	}
	for _, g := range gauges {
		registry.MustRegister(g)
	}

	m := &Metrics{
		OrdersPlaced:     promCounter{counters["orders_placed"]},
		OrdersFailed:     promCounter{counters["orders_failed"]},
		CancelsSent:      promCounter{counters["cancels_sent"]},
		OpenDecisions:    promCounter{decisions.WithLabelValues("open")},
		CloseDecisions:   promCounter{decisions.WithLabelValues("close")},
		UnwindDecisions:  promCounter{decisions.WithLabelValues("unwind")},
		HedgeCorrections: promCounter{counters["hedge_corrections"]},
		GateDrops:        promCounter{counters["gate_drops"]},
		StaleAlerts:      promCounter{counters["stale_alerts"]},
		Recoveries:       promCounter{counters["recoveries"]},
		ActivePosition:   promGauge{gauges["active_position"]},
		PassivePosition:  promGauge{gauges["passive_position"]},
		NetImbalance:     promGauge{gauges["net_imbalance"]},
		RateBid:          promGauge{gauges["rate_bid"]},
		RateAsk:          promGauge{gauges["rate_ask"]},
		Degraded:         promGauge{gauges["degraded"]},
	}

	return &Prometheus{
		Metrics:   m,
		registry:  registry,
		counters:  counters,
		gauges:    gauges,
		decisions: decisions,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

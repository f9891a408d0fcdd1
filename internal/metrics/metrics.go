package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"price-pulse/internal/market"
)

const namespace = "pricepulse"

// Collector holds the service instrumentation on its own registry.
type Collector struct {
	registry *prometheus.Registry

	PollAttempts  *prometheus.CounterVec
	PollDuration  prometheus.Histogram
	Ticks         prometheus.Counter
	TicksDropped  prometheus.Counter
	StreamState   prometheus.Gauge
	SourceHealthy *prometheus.GaugeVec
	Price         prometheus.Gauge
	SpreadPct     prometheus.Gauge
	RiskScore     prometheus.Gauge
	AlertsFired   prometheus.Counter
	SinkErrors    prometheus.Counter
}

// New registers every metric on a fresh registry, plus the Go and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Snapshot poll attempts by outcome (ok or the error kind).",
		}, []string{"result"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Latency of snapshot fetches.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_ticks_total",
			Help:      "Ticks applied from the stream.",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_ticks_dropped_total",
			Help:      "Malformed stream messages dropped.",
		}),
		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "Stream lifecycle state (0 connecting, 1 open, 2 closing, 3 closed).",
		}),
		SourceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_healthy",
			Help:      "1 when the source is healthy.",
		}, []string{"source"}),
		Price: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price",
			Help:      "Latest reconciled price.",
		}),
		SpreadPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spread_pct",
			Help:      "Latest stream vs snapshot spread in percent.",
		}),
		RiskScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Latest composite risk score in [0,1].",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert rules that transitioned to fired.",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Render sink push failures.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.PollAttempts,
		c.PollDuration,
		c.Ticks,
		c.TicksDropped,
		c.StreamState,
		c.SourceHealthy,
		c.Price,
		c.SpreadPct,
		c.RiskScore,
		c.AlertsFired,
		c.SinkErrors,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObservePoll records one poll outcome; err nil means success.
func (c *Collector) ObservePoll(err error, seconds float64) {
	result := "ok"
	if err != nil {
		result = string(market.KindOf(err))
	}
	c.PollAttempts.WithLabelValues(result).Inc()
	c.PollDuration.Observe(seconds)
}

// ObserveStream records the stream lifecycle state and health.
func (c *Collector) ObserveStream(status market.StreamStatus) {
	c.StreamState.Set(float64(status.State))
	c.SourceHealthy.WithLabelValues(string(market.SourceStream)).Set(boolGauge(status.Healthy))
}

// ObservePollHealth records poll source health.
func (c *Collector) ObservePollHealth(healthy bool) {
	c.SourceHealthy.WithLabelValues(string(market.SourcePoll)).Set(boolGauge(healthy))
}

// ObserveState records the reconciled gauges.
func (c *Collector) ObserveState(state market.ReconciledState) {
	if price, ok := state.Price(); ok {
		c.Price.Set(price.InexactFloat64())
	}
	if state.SpreadPct.Valid {
		c.SpreadPct.Set(state.SpreadPct.Decimal.InexactFloat64())
	}
	c.RiskScore.Set(state.RiskScore)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

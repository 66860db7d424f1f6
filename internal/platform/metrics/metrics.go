// Package metrics exposes relay and EHR call metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics implements the relay's stage observer and the EHR client's call
// observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	transactions  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	ehrCalls      *prometheus.HistogramVec
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the relay metrics with reg.
func New(reg *prometheus.Registry) *Metrics {
	// Outbound EHR calls and relay stages are usually well under a second.
	// Max bucket is 20.48s.
	buckets := prometheus.ExponentialBuckets(0.01, 2, 12)

	return &Metrics{
		gatherer: reg,
		transactions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Relay attempts by terminal stage and response status.",
			}, []string{"stage", "status"},
		),
		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each relay stage.",
				Buckets:   buckets,
			}, []string{"stage"},
		),
		ehrCalls: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ehr_call_duration_seconds",
				Help:      "Latency of outbound EHR calls by call and response code.",
				Buckets:   buckets,
			}, []string{"call", "code"},
		),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveOutcome(stage string, status int) {
	m.transactions.WithLabelValues(stage, strconv.Itoa(status)).Inc()
}

// ObserveCall records one EHR call. A zero status means the call failed
// before a response arrived.
func (m *Metrics) ObserveCall(call string, status int, d time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.ehrCalls.WithLabelValues(call, code).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// Package metrics holds the Prometheus collectors of the keeper.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yourorg/crossyield-keeper/internal/model"
)

const namespace = "crossyield"

// Metrics groups every collector the keeper updates
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	LastCycleTimestamp prometheus.Gauge
	FetchTotal         *prometheus.CounterVec
	SupplyAPY          *prometheus.GaugeVec
	WritesTotal        *prometheus.CounterVec
	BreakerTrips       prometheus.Counter
	BreakerState       prometheus.Gauge
	TriggersRejected   *prometheus.CounterVec
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of cycles by terminal status",
			},
			[]string{"status"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Cycle duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		LastCycleTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix time of the last finished cycle",
			},
		),
		FetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_total",
				Help:      "Yield fetches by chain and result",
			},
			[]string{"chain", "result"},
		),
		SupplyAPY: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "supply_apy_percent",
				Help:      "Last observed supply APY in percent",
			},
			[]string{"chain"},
		),
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Report writes by kind, destination and status",
			},
			[]string{"kind", "dest", "status"},
		),
		BreakerTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Number of pause broadcasts",
			},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open)",
			},
		),
		TriggersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_rejected_total",
				Help:      "Cycle triggers that did not start a cycle",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.LastCycleTimestamp,
		m.FetchTotal,
		m.SupplyAPY,
		m.WritesTotal,
		m.BreakerTrips,
		m.BreakerState,
		m.TriggersRejected,
	)

	return m
}

// ObserveFetch records one chain's fetch result
func (m *Metrics) ObserveFetch(chain string, obs *model.YieldObservation) {
	if m == nil {
		return
	}
	if obs == nil {
		m.FetchTotal.WithLabelValues(chain, "error").Inc()
		return
	}
	m.FetchTotal.WithLabelValues(chain, "ok").Inc()
	apy, _ := obs.APYPercent().Float64()
	m.SupplyAPY.WithLabelValues(chain).Set(apy)
}

// ObserveWrites records every write outcome of a cycle
func (m *Metrics) ObserveWrites(writes []model.WriteOutcome) {
	if m == nil {
		return
	}
	for _, w := range writes {
		m.WritesTotal.WithLabelValues(string(w.Kind), w.DestChain, string(w.TxStatus)).Inc()
	}
}

// ObserveCycle records a finished cycle
func (m *Metrics) ObserveCycle(result model.CycleResult, duration time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(string(result.Status)).Inc()
	m.CycleDuration.Observe(duration.Seconds())
	m.LastCycleTimestamp.Set(float64(result.Timestamp.Unix()))
	if result.Status == model.CycleStatusPaused {
		m.BreakerTrips.Inc()
		m.BreakerState.Set(1)
	}
}

// SetBreakerOpen mirrors the breaker state
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}

// RejectTrigger counts a trigger that did not start a cycle
func (m *Metrics) RejectTrigger(reason string) {
	if m == nil {
		return
	}
	m.TriggersRejected.WithLabelValues(reason).Inc()
}

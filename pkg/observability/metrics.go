package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of one batch run. Each run gets its own registry so
// the result can be dumped to a textfile collector when the process exits.
type Metrics struct {
	reg *prometheus.Registry

	// Decisions tracks reconciliation decisions by reason
	Decisions *prometheus.CounterVec

	// Updates tracks guarded updates by table kind and outcome
	Updates *prometheus.CounterVec

	// ReferenceLines tracks reference lines by load outcome
	ReferenceLines *prometheus.CounterVec

	// Lookups tracks App Store transaction lookups by outcome
	Lookups *prometheus.CounterVec

	// LookupDuration tracks App Store request duration
	LookupDuration prometheus.Histogram

	// RunDuration tracks the wall time of the last run
	RunDuration prometheus.Gauge
}

// NewMetrics registers the run metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amountfix_decisions_total",
				Help: "Reconciliation decisions by reason",
			},
			[]string{"reason"},
		),
		Updates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amountfix_updates_total",
				Help: "Guarded local amount updates by table and result",
			},
			[]string{"table", "result"},
		),
		ReferenceLines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amountfix_reference_lines_total",
				Help: "Reference data lines by load outcome",
			},
			[]string{"outcome"},
		),
		Lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amountfix_storekit_lookups_total",
				Help: "App Store transaction lookups by result",
			},
			[]string{"result"},
		),
		LookupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "amountfix_storekit_lookup_duration_seconds",
				Help:    "App Store transaction lookup duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RunDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "amountfix_run_duration_seconds",
				Help: "Duration of the last run in seconds",
			},
		),
	}
}

// Registry exposes the underlying registry as a gatherer.
func (m *Metrics) Registry() prometheus.Gatherer { return m.reg }

// WriteTextfile writes the metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

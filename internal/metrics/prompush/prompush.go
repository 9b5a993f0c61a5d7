// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Ingestion runs are short-lived batch jobs, so metrics are pushed to a
// Pushgateway at the end of a run instead of being exposed on a scrape
// endpoint. All Prometheus-specific dependencies live here so the rest of
// the project stays decoupled from the metric system.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"lmodingest/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter  *prometheus.CounterVec // "lmod_ingest_step_total"
	stepDuration *prometheus.SummaryVec // "lmod_ingest_step_duration_seconds"

	recordCounter *prometheus.CounterVec // "lmod_ingest_records_total"
	chunkCounter  prometheus.Counter     // "lmod_ingest_chunks_total"
}

// NewBackend constructs a Prometheus Pushgateway backend. jobName becomes
// the Pushgateway "job" grouping key.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "lmod_ingest"
	}

	reg := prometheus.NewRegistry()

	stepCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmod_ingest_step_total",
			Help: "Total pipeline step executions, partitioned by step and status.",
		},
		[]string{"step", "status"},
	)
	stepDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "lmod_ingest_step_duration_seconds",
			Help:       "Duration of pipeline steps in seconds, partitioned by step and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"step", "status"},
	)
	recordCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmod_ingest_records_total",
			Help: "Record-level counts per kind (parsed, skipped, inserted).",
		},
		[]string{"kind"},
	)
	chunkCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lmod_ingest_chunks_total",
			Help: "Total committed chunks for this ingestion run.",
		},
	)

	for _, c := range []prometheus.Collector{stepCounter, stepDuration, recordCounter, chunkCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		stepCounter:   stepCounter,
		stepDuration:  stepDuration,
		recordCounter: recordCounter,
		chunkCounter:  chunkCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "lmod_ingest_step_total":
		b.stepCounter.WithLabelValues(labels["step"], labels["status"]).Add(delta)

	case "lmod_ingest_records_total":
		b.recordCounter.WithLabelValues(labels["kind"]).Add(delta)

	case "lmod_ingest_chunks_total":
		b.chunkCounter.Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "lmod_ingest_step_duration_seconds" {
		return
	}
	b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}

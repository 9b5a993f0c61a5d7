// Package metrics provides a small, backend-agnostic abstraction for
// recording operational metrics from the ingestion pipeline.
//
// The package exposes a narrow Backend interface focused on counters and
// timing data, with a global, pluggable backend that defaults to a no-op
// implementation, so metrics are always safe to call even when no real
// backend is configured. Concrete metric systems are isolated in subpackages
// (currently the Prometheus Pushgateway backend in prompush), mirroring the
// storage abstraction used elsewhere in the project.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Nop returns the no-op backend. Tests use it to restore the default after
// installing a recording backend.
func Nop() Backend {
	return nopBackend{}
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep measures latency plus success/failure for one pipeline step
// (parse, load).
func RecordStep(source, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"source": source,
		"step":   step,
		"status": status,
	}

	backend.IncCounter("lmod_ingest_step_total", 1, lbls)
	backend.ObserveHistogram("lmod_ingest_step_duration_seconds", d.Seconds(), lbls)
}

// RecordRow increments a record-level counter for the given source and kind.
//
// Typical kinds mirror the ingest summary fields:
//   - "parsed"
//   - "skipped"
//   - "inserted"
func RecordRow(source, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("lmod_ingest_records_total", float64(delta), Labels{
		"source": source,
		"kind":   kind,
	})
}

// RecordChunks increments the committed-chunk counter for the given target
// table.
func RecordChunks(table string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("lmod_ingest_chunks_total", float64(delta), Labels{
		"table": table,
	})
}

package main

import (
	"errors"
	"testing"

	"lmodingest/internal/metrics"
)

type recordingBackend struct {
	flushed  int
	flushErr error
}

func (b *recordingBackend) IncCounter(name string, delta float64, labels metrics.Labels)       {}
func (b *recordingBackend) ObserveHistogram(name string, value float64, labels metrics.Labels) {}
func (b *recordingBackend) Flush() error {
	b.flushed++
	return b.flushErr
}

/*
TestFlushMetrics verifies that flushMetrics pushes through the configured
backend and swallows push failures: a Pushgateway outage must never change
the exit status of a run. The ingest failure path calls flushMetrics
explicitly before log.Fatalf, since Fatalf skips deferred calls.
*/
func TestFlushMetrics(t *testing.T) {
	b := &recordingBackend{}
	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(metrics.Nop()) })

	flushMetrics()
	if b.flushed != 1 {
		t.Errorf("flushed = %d, want 1", b.flushed)
	}

	b.flushErr = errors.New("pushgateway unreachable")
	flushMetrics() // must not panic or exit
	if b.flushed != 2 {
		t.Errorf("flushed = %d, want 2", b.flushed)
	}
}

// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import "github.com/prometheus/client_golang/prometheus"

// engineMetrics wraps the optional Prometheus collectors an Engine
// populates while running, scoped to one Engine instance rather than
// registered as process globals. A nil *engineMetrics is valid and
// every method is a no-op against it, so callers that never ask for
// metrics pay nothing.
type engineMetrics struct {
	activeWorkers  prometheus.Gauge
	bytesTotal     prometheus.Counter
	retryTotal     prometheus.Counter
	filesCompleted prometheus.Counter
	filesFailed    prometheus.Counter
	filesSkipped   prometheus.Counter
	filesPaused    prometheus.Counter
	failureByClass *prometheus.CounterVec
}

// newEngineMetrics builds the collector set and registers it against
// reg. A nil reg yields a nil *engineMetrics (metrics disabled).
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		return nil
	}
	m := &engineMetrics{
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iaget_active_workers", Help: "Number of files currently downloading.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iaget_bytes_downloaded_total", Help: "Total bytes written to disk across all files.",
		}),
		retryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iaget_retry_total", Help: "Total attempt-level retries issued.",
		}),
		filesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iaget_files_completed_total", Help: "Files that reached the Completed state.",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iaget_files_failed_total", Help: "Files that reached the Failed state.",
		}),
		filesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iaget_files_skipped_total", Help: "Files skipped because a valid local copy already existed.",
		}),
		filesPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iaget_files_paused_total", Help: "Files paused by cancellation.",
		}),
		failureByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iaget_failure_class_total", Help: "Attempt failures by classification.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.activeWorkers, m.bytesTotal, m.retryTotal, m.filesCompleted,
		m.filesFailed, m.filesSkipped, m.filesPaused, m.failureByClass)
	return m
}

// workerStarted/workerStopped track one goroutine's lifetime (acquire
// to release of its semaphore permit), not individual attempts, so a
// file that retries several times before reaching a terminal state
// still counts as exactly one active worker throughout.
func (m *engineMetrics) workerStarted() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

func (m *engineMetrics) workerStopped() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

func (m *engineMetrics) fileFinished(state FileState) {
	if m == nil {
		return
	}
	switch state {
	case StateCompleted:
		m.filesCompleted.Inc()
	case StateFailed:
		m.filesFailed.Inc()
	case StateSkipped:
		m.filesSkipped.Inc()
	case StatePaused:
		m.filesPaused.Inc()
	}
}

func (m *engineMetrics) bytesWritten(n int64) {
	if m == nil {
		return
	}
	m.bytesTotal.Add(float64(n))
}

func (m *engineMetrics) failureClass(c FailureClass) {
	if m == nil {
		return
	}
	m.retryTotal.Inc()
	m.failureByClass.WithLabelValues(c.String()).Inc()
}

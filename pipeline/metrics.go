package pipeline

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Metrics holds the run counters on a dedicated registry so that several
// runs in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	cells         *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	writes        *prometheus.CounterVec
}

// NewMetrics creates and registers the run metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "morphqc",
			Name:      "cells_total",
			Help:      "Cells that reached or failed a stage",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "morphqc",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per cell in each stage",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"stage"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "morphqc",
			Name:      "writes_total",
			Help:      "Graph writes by operation and outcome",
		}, []string{"op", "outcome"}),
	}
	m.registry.MustRegister(m.cells, m.stageDuration, m.writes)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeStage(stage Stage, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
	}
	m.cells.WithLabelValues(string(stage), outcome).Inc()
	m.stageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeWrite(op string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
	}
	m.writes.WithLabelValues(op, outcome).Inc()
}

// WriteTextfile writes the metrics in the text exposition format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

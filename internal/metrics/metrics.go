// Package metrics exposes the process's Prometheus instrumentation. One
// Metrics value is constructed at startup and shared by all components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and gauges maintained by the buffering core.
type Metrics struct {
	reg *prometheus.Registry

	BufferSize      prometheus.Gauge
	BufferCapacity  prometheus.Gauge
	BufferOldestAge prometheus.Gauge

	FramesIngested     prometheus.Counter
	FramesDispatched   prometheus.Counter
	FramesAcked        prometheus.Counter
	FramesNacked       prometheus.Counter
	FramesDeadLettered prometheus.Counter
	FramesMalformed    prometheus.Counter
	LeasesExpired      prometheus.Counter
	ProcessorsEvicted  prometheus.Counter
}

// New constructs a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "framewire", Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "framewire", Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		reg: reg,

		BufferSize:      gauge("buffer_size", "Frames currently held by the shared buffer."),
		BufferCapacity:  gauge("buffer_capacity", "Configured buffer capacity."),
		BufferOldestAge: gauge("buffer_oldest_age_seconds", "Age of the oldest buffered frame."),

		FramesIngested:     counter("frames_ingested_total", "Frames admitted to the buffer."),
		FramesDispatched:   counter("frames_dispatched_total", "Frames handed to processors."),
		FramesAcked:        counter("frames_acked_total", "Frames acknowledged by processors."),
		FramesNacked:       counter("frames_nacked_total", "Frames negatively acknowledged."),
		FramesDeadLettered: counter("frames_dead_lettered_total", "Frames moved to the dead-letter log."),
		FramesMalformed:    counter("frames_malformed_total", "Envelopes rejected at ingestion."),
		LeasesExpired:      counter("leases_expired_total", "Dispatch leases reclaimed by the watchdog."),
		ProcessorsEvicted:  counter("processors_evicted_total", "Processors evicted for missed heartbeats."),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

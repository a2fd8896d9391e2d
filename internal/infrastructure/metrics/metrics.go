// Package metrics exposes the capture pipeline's Prometheus instruments.
//
// Every method is safe on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sniffer_bridge"

// Label values used with the result-partitioned counters.
const (
	ResultDecoded = "decoded"
	ResultSkipped = "skipped"
	ResultOK      = "ok"
	ResultError   = "error"
)

// Metrics holds the bridge's collectors.
type Metrics struct {
	records          prometheus.Counter
	framingErrors    prometheus.Counter
	frames           *prometheus.CounterVec
	crcMismatches    prometheus.Counter
	unmapped         prometheus.Counter
	publishes        *prometheus.CounterVec
	transformErrors  prometheus.Counter
	transformLatency prometheus.Histogram
	mapReloads       *prometheus.CounterVec
	mapEntries       prometheus.Gauge
	expected         prometheus.Gauge
	observed         prometheus.Gauge
	sessions         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// It panics if any of them is already registered, like prometheus.MustRegister.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_records_total",
			Help:      "Capture records emitted by the pcap demultiplexer.",
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Stream framing errors that discarded the capture buffer.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Capture records by decode result.",
		}, []string{"result"}),
		crcMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crc_mismatches_total",
			Help:      "Complete RTU frames whose CRC did not match (informational).",
		}),
		unmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmapped_registers_total",
			Help:      "Register writes with no entry in the register map.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Register publishes by completion result.",
		}, []string{"result"}),
		transformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_failures_total",
			Help:      "Transforms that failed and fell back to the decoded value.",
		}),
		transformLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Time spent evaluating register transforms.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
		}),
		mapReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_map_loads_total",
			Help:      "Register map load attempts by result.",
		}, []string{"result"}),
		mapEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "register_map_entries",
			Help:      "Distinct register keys in the active map generation.",
		}),
		expected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_expected_registers",
			Help:      "Registers the current capture session waits for.",
		}),
		observed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_observed_registers",
			Help:      "Expected registers delivered in the current capture session.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Finished capture sessions by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.records, m.framingErrors, m.frames, m.crcMismatches, m.unmapped,
		m.publishes, m.transformErrors, m.transformLatency, m.mapReloads,
		m.mapEntries, m.expected, m.observed, m.sessions,
	)

	return m
}

// RecordCaptured counts one demultiplexed capture record.
func (m *Metrics) RecordCaptured() {
	if m == nil {
		return
	}
	m.records.Inc()
}

// FramingError counts a discarded capture buffer.
func (m *Metrics) FramingError() {
	if m == nil {
		return
	}
	m.framingErrors.Inc()
}

// Frame counts a capture record by decode result (ResultDecoded or ResultSkipped).
func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

// CRCMismatch counts a frame whose CRC check failed.
func (m *Metrics) CRCMismatch() {
	if m == nil {
		return
	}
	m.crcMismatches.Inc()
}

// Unmapped counts a register write with no map entry.
func (m *Metrics) Unmapped() {
	if m == nil {
		return
	}
	m.unmapped.Inc()
}

// Publish counts a publish completion. A nil err counts as ResultOK.
func (m *Metrics) Publish(err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.publishes.WithLabelValues(result).Inc()
}

// Transform records one evaluation and whether it failed.
func (m *Metrics) Transform(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.transformLatency.Observe(d.Seconds())
	if failed {
		m.transformErrors.Inc()
	}
}

// MapLoad records a register map load attempt. On success entries is the
// number of keys in the new generation.
func (m *Metrics) MapLoad(err error, entries int) {
	if m == nil {
		return
	}
	if err != nil {
		m.mapReloads.WithLabelValues(ResultError).Inc()
		return
	}
	m.mapReloads.WithLabelValues(ResultOK).Inc()
	m.mapEntries.Set(float64(entries))
}

// SessionProgress sets the expected and observed gauges.
func (m *Metrics) SessionProgress(expected, observed int) {
	if m == nil {
		return
	}
	m.expected.Set(float64(expected))
	m.observed.Set(float64(observed))
}

// SessionFinished counts a finished session by reason.
func (m *Metrics) SessionFinished(reason string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(reason).Inc()
}

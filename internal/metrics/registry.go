// Package metrics provides Prometheus metrics for the meter gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Registry holds all Prometheus metrics for the service.
// Each Registry owns its own prometheus.Registry so several can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	// Transport metrics
	TransportOps       *prometheus.CounterVec
	TransportLatency   *prometheus.HistogramVec
	ReadFallbacks      *prometheus.CounterVec
	WriteAttempts      prometheus.Histogram
	CircuitBreakerOpen *prometheus.GaugeVec

	// Polling metrics
	PollsTotal   *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec
	PollErrors   *prometheus.CounterVec
	PointsRead   prometheus.Counter
	PointsNull   prometheus.Counter

	// Control metrics
	ControlsTotal   *prometheus.CounterVec
	ControlDuration prometheus.Histogram
	ControlQueue    prometheus.Gauge
	AuditErrors     prometheus.Counter
	StatusCacheHits *prometheus.CounterVec

	// Sink metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	HistoryDropped        prometheus.Counter

	// Device metrics
	DevicesRegistered prometheus.Gauge
	DevicesOnline     prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		TransportOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "operations_total",
			Help:      "Transport operations by operation, wire and outcome",
		}, []string{"op", "wire", "outcome"}),
		TransportLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "latency_seconds",
			Help:      "Latency of single wire exchanges",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
		}, []string{"op", "wire"}),
		ReadFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "read_fallbacks_total",
			Help:      "Reads that succeeded only on a fallback path",
		}, []string{"path"}),
		WriteAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "write_attempts",
			Help:      "Attempts needed for confirmed writes",
			Buckets:   []float64{1, 2, 3, 4},
		}),
		CircuitBreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "circuit_breaker_open",
			Help:      "1 when the device read breaker is open",
		}, []string{"device_id"}),

		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of poll cycles",
		}, []string{"device_id", "status"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "duration_seconds",
			Help:      "Poll cycle duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"device_id", "variant"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "errors_total",
			Help:      "Parameter read failures by error class",
		}, []string{"device_id", "error_type"}),
		PointsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "points_read_total",
			Help:      "Parameters decoded successfully",
		}),
		PointsNull: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "points_null_total",
			Help:      "Parameters reported as null",
		}),

		ControlsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control requests by terminal status and tier",
		}, []string{"status", "tier"}),
		ControlDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "duration_seconds",
			Help:      "Control request duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
		}),
		ControlQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "queue_depth",
			Help:      "Control requests waiting for a worker",
		}),
		AuditErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "audit_errors_total",
			Help:      "Audit entries that could not be persisted",
		}),
		StatusCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "status_cache_total",
			Help:      "Coil status lookups by cache result",
		}, []string{"result"}),

		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Messages buffered while disconnected",
		}),
		MQTTPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		HistoryDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "dropped_total",
			Help:      "Reading batches dropped because the history queue was full",
		}),

		DevicesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of registered devices",
		}),
		DevicesOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "online",
			Help:      "Devices heard from within the freshness window",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordTransportOp records one wire exchange.
func (r *Registry) RecordTransportOp(op, wire string, err error, latency float64) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.TransportOps.WithLabelValues(op, wire, outcome).Inc()
	r.TransportLatency.WithLabelValues(op, wire).Observe(latency)
}

// RecordReadFallback records a read that needed a fallback path.
func (r *Registry) RecordReadFallback(path string) {
	r.ReadFallbacks.WithLabelValues(path).Inc()
}

// RecordWriteAttempts records how many attempts a confirmed write took.
func (r *Registry) RecordWriteAttempts(n int) {
	r.WriteAttempts.Observe(float64(n))
}

// SetCircuitBreakerOpen flags a device breaker as open or closed.
func (r *Registry) SetCircuitBreakerOpen(deviceID string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	r.CircuitBreakerOpen.WithLabelValues(deviceID).Set(v)
}

// RecordPollSuccess records a completed poll cycle.
func (r *Registry) RecordPollSuccess(deviceID, variant string, duration float64, good, null int) {
	r.PollsTotal.WithLabelValues(deviceID, "success").Inc()
	r.PollDuration.WithLabelValues(deviceID, variant).Observe(duration)
	r.PointsRead.Add(float64(good))
	r.PointsNull.Add(float64(null))
}

// RecordPollError records a failed parameter read.
func (r *Registry) RecordPollError(deviceID, errorType string) {
	r.PollErrors.WithLabelValues(deviceID, errorType).Inc()
}

// RecordPollFailure records a cycle where nothing could be read.
func (r *Registry) RecordPollFailure(deviceID string) {
	r.PollsTotal.WithLabelValues(deviceID, "failed").Inc()
}

// RecordControl records a finished control request.
func (r *Registry) RecordControl(status, tier string, duration float64) {
	r.ControlsTotal.WithLabelValues(status, tier).Inc()
	r.ControlDuration.Observe(duration)
}

// UpdateControlQueue sets the pending control queue depth.
func (r *Registry) UpdateControlQueue(depth int) {
	r.ControlQueue.Set(float64(depth))
}

// RecordAuditError counts a failed audit append.
func (r *Registry) RecordAuditError() {
	r.AuditErrors.Inc()
}

// RecordStatusCache records a status cache lookup.
func (r *Registry) RecordStatusCache(hit bool) {
	if hit {
		r.StatusCacheHits.WithLabelValues("hit").Inc()
		return
	}
	r.StatusCacheHits.WithLabelValues("miss").Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordHistoryDropped counts a batch the history writer could not accept.
func (r *Registry) RecordHistoryDropped() {
	r.HistoryDropped.Inc()
}

// UpdateDeviceCount updates device count gauges.
func (r *Registry) UpdateDeviceCount(registered, online int) {
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesOnline.Set(float64(online))
}

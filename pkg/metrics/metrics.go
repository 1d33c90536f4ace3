// Package metrics exports egress counters and gauges in Prometheus format
package metrics

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

const namespace = "egress"

// Metrics owns a private registry so tests and embedded servers do not
// collide on the default one. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	started      *prometheus.CounterVec
	ended        *prometheus.CounterVec
	active       *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
	rejected     prometheus.Counter
	reservedCPU  prometheus.Gauge
	outputBytes  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	publishFails prometheus.Counter
	requests     *prometheus.CounterVec
}

// New registers the egress metrics plus the Go and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "started_total",
			Help:      "Egress jobs accepted, by request type",
		}, []string{"request_type"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ended_total",
			Help:      "Egress jobs that reached a terminal status",
		}, []string{"request_type", "status"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "Egress jobs not yet terminal",
		}, []string{"request_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Wall-clock time from creation to terminal status",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"request_type", "status"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Start requests rejected for lack of CPU capacity",
		}),
		reservedCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_cpu",
			Help:      "CPU cores reserved by running egress jobs",
		}),
		outputBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes handed to outputs, by output kind",
		}, []string{"output"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Delivery attempts retried after a transient failure",
		}, []string{"output", "op"}),
		publishFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_publish_failures_total",
			Help:      "EgressInfo updates that could not be published",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC requests by method and result code",
		}, []string{"method", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.started, m.ended, m.active, m.duration, m.rejected, m.reservedCPU,
		m.outputBytes, m.retries, m.publishFails, m.requests,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteText renders every metric family in the text exposition format
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return err
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// EgressStarted counts an accepted request
func (m *Metrics) EgressStarted(kind models.RequestKind) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(kind)).Inc()
	m.active.WithLabelValues(string(kind)).Inc()
}

// EgressEnded counts a terminal status
func (m *Metrics) EgressEnded(kind models.RequestKind, status models.EgressStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ended.WithLabelValues(string(kind), string(status)).Inc()
	m.active.WithLabelValues(string(kind)).Dec()
	m.duration.WithLabelValues(string(kind), string(status)).Observe(elapsed.Seconds())
}

// AdmissionRejected counts a ResourceExhausted start
func (m *Metrics) AdmissionRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// SetReservedCPU records the current reservation total
func (m *Metrics) SetReservedCPU(cores float64) {
	if m == nil {
		return
	}
	m.reservedCPU.Set(cores)
}

// PublishFailed counts an update the notifier rejected
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFails.Inc()
}

// ObserveWrite implements output.Observer
func (m *Metrics) ObserveWrite(kind models.OutputKind, bytes int) {
	if m == nil {
		return
	}
	m.outputBytes.WithLabelValues(string(kind)).Add(float64(bytes))
}

// ObserveRetry implements output.Observer
func (m *Metrics) ObserveRetry(kind models.OutputKind, op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(kind), op).Inc()
}

// ObserveRequest counts an RPC by method and result code
func (m *Metrics) ObserveRequest(method, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, code).Inc()
}

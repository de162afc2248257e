// Package metrics concentra os coletores Prometheus do gateway e implementa
// gateway/domain.Observer.
package metrics

import (
	"net/http"
	"time"

	"admission-gateway/gateway/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	AdmissionDecisions *prometheus.CounterVec
	InFlightRequests   prometheus.Gauge
	ActiveStreams      prometheus.Gauge
	Messages           *prometheus.CounterVec
	MessageSize        prometheus.Histogram
	CompressionSavings prometheus.Histogram
	QueryLatency       *prometheus.HistogramVec
	QueryErrors        *prometheus.CounterVec
	BackpressureEvents prometheus.Counter
}

// New cria um registry próprio (não o global), para que testes e múltiplas
// instâncias não colidam.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AdmissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Rate limiter decisions by outcome",
		}, []string{"decision"}),
		InFlightRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Requests currently holding a concurrency slot",
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "The current number of active streams",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Stream messages by direction",
		}, []string{"direction"}),
		MessageSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size of messages on the wire in bytes",
			Buckets:   []float64{64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384},
		}),
		CompressionSavings: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compression_savings_ratio",
			Help:      "1 - compressed/original for compressed messages",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		QueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "ProcessQuery round trip latency by lane",
			Buckets:   []float64{.005, .01, .025, .05, .08, .1, .12, .25, .5, 1},
		}, []string{"lane"}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_errors_total",
			Help:      "Failed queries by lane and error kind",
		}, []string{"lane", "kind"}),
		BackpressureEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_backpressure_total",
			Help:      "Times a producer found its stream channel full",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StreamOpened() { m.ActiveStreams.Inc() }
func (m *Metrics) StreamClosed() { m.ActiveStreams.Dec() }

func (m *Metrics) MessageSent(size int, compressed bool, savings float64) {
	m.Messages.WithLabelValues("sent").Inc()
	m.MessageSize.Observe(float64(size))
	if compressed {
		m.CompressionSavings.Observe(savings)
	}
}

func (m *Metrics) MessageReceived(int) {
	m.Messages.WithLabelValues("received").Inc()
}

func (m *Metrics) Backpressure() { m.BackpressureEvents.Inc() }

func (m *Metrics) QueryDone(lane domain.Lane, latency time.Duration, kind string) {
	if kind != "ok" {
		m.QueryErrors.WithLabelValues(string(lane), kind).Inc()
		return
	}
	m.QueryLatency.WithLabelValues(string(lane)).Observe(latency.Seconds())
}

var _ domain.Observer = (*Metrics)(nil)

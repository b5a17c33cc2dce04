// Package metrics exposes Prometheus collectors for connections and the
// device simulator.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "igtlink"

// Collector holds the metrics of one connection. A nil *Collector is valid
// and records nothing.
type Collector struct {
	framesReceived  *prometheus.CounterVec
	framesSkipped   *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	decodeDuration  *prometheus.HistogramVec
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	transportErrors *prometheus.CounterVec
	dialectSwitches *prometheus.CounterVec
	connected       prometheus.Gauge
}

// New registers the connection collectors on reg. constLabels, which may be
// nil, are attached to every series.
func New(reg prometheus.Registerer, namespace string, constLabels prometheus.Labels) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Collector{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_received_total",
			Help:        "Frames decoded, by dialect and device type",
			ConstLabels: constLabels,
		}, []string{"dialect", "type"}),

		framesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_skipped_total",
			Help:        "Frames skipped because the device type is not supported",
			ConstLabels: constLabels,
		}, []string{"type"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_sent_total",
			Help:        "Frames written, by device type",
			ConstLabels: constLabels,
		}, []string{"type"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "decode_errors_total",
			Help:        "Frames discarded because the body failed to unpack",
			ConstLabels: constLabels,
		}, []string{"dialect", "type"}),

		decodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "decode_duration_seconds",
			Help:        "Time spent decoding and dispatching one frame",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"type"}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "received_bytes_total",
			Help:        "Header and body bytes consumed from the stream",
			ConstLabels: constLabels,
		}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sent_bytes_total",
			Help:        "Header and body bytes written to the stream",
			ConstLabels: constLabels,
		}),

		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transport_errors_total",
			Help:        "Transport failures, by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),

		dialectSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dialect_switches_total",
			Help:        "Dialect changes, by newly active dialect",
			ConstLabels: constLabels,
		}, []string{"dialect"}),

		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected",
			Help:        "1 while the transport is established",
			ConstLabels: constLabels,
		}),
	}
}

func (c *Collector) FrameReceived(dialect, deviceType string, size int, took time.Duration) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(dialect, deviceType).Inc()
	c.decodeDuration.WithLabelValues(deviceType).Observe(took.Seconds())
	c.bytesReceived.Add(float64(size))
}

func (c *Collector) FrameSkipped(deviceType string, size int) {
	if c == nil {
		return
	}
	c.framesSkipped.WithLabelValues(deviceType).Inc()
	c.bytesReceived.Add(float64(size))
}

func (c *Collector) DecodeError(dialect, deviceType string, size int) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(dialect, deviceType).Inc()
	c.bytesReceived.Add(float64(size))
}

func (c *Collector) FrameSent(deviceType string, size int) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(deviceType).Inc()
	c.bytesSent.Add(float64(size))
}

func (c *Collector) TransportError(kind string) {
	if c == nil {
		return
	}
	c.transportErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) DialectSwitched(to string) {
	if c == nil {
		return
	}
	c.dialectSwitches.WithLabelValues(to).Inc()
}

func (c *Collector) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
}

// Router serves /metrics from g and /healthz. healthy may be nil, in which
// case the health check always passes.
func Router(g prometheus.Gatherer, healthy func() bool) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("disconnected\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

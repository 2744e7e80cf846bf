package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments. Each Gateway owns
// its own registry so the collectors never collide across instances.
type Metrics struct {
	registry *prometheus.Registry

	streamsOpened    prometheus.Counter
	streamsActive    prometheus.Gauge
	streamsClosed    prometheus.Counter
	bytesServed      prometheus.Counter
	blockReadSeconds prometheus.Histogram
	undeliveredRatio prometheus.Histogram
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		streamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "castbridge_streams_opened_total",
			Help: "Total number of stream requests that reached the block loop",
		}),
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castbridge_streams_active",
			Help: "Number of stream requests currently being served",
		}),
		streamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "castbridge_streams_closed_total",
			Help: "Total number of stream sessions declared gone by the idle timeout",
		}),
		bytesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "castbridge_stream_bytes_total",
			Help: "Total bytes written to stream clients",
		}),
		blockReadSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "castbridge_block_read_seconds",
			Help:    "Latency of single block reads from the chat service",
			Buckets: prometheus.DefBuckets,
		}),
		undeliveredRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "castbridge_stream_undelivered_percent",
			Help:    "Percentage of blocks never delivered when a session closed",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 75, 90, 100},
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StreamOpened() {
	m.streamsOpened.Inc()
	m.streamsActive.Inc()
}

func (m *Metrics) StreamDone() {
	m.streamsActive.Dec()
}

func (m *Metrics) StreamClosed(undeliveredPercent float64) {
	m.streamsClosed.Inc()
	m.undeliveredRatio.Observe(undeliveredPercent)
}

func (m *Metrics) AddBytesServed(n int) {
	m.bytesServed.Add(float64(n))
}

func (m *Metrics) ObserveBlockRead(d time.Duration) {
	m.blockReadSeconds.Observe(d.Seconds())
}

package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors shared by all loaders of a process.
type Metrics struct {
	requests     *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	transfer     *prometheus.HistogramVec
	mediaSeconds *prometheus.CounterVec
	bandwidth    *prometheus.GaugeVec
	throughput   *prometheus.GaugeVec
}

// NewMetrics registers the loader collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segloader_media_requests_total",
			Help: "Total number of finished media segment requests",
		}, []string{"loader"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segloader_media_request_failures_total",
			Help: "Media segment requests that did not succeed, by outcome",
		}, []string{"loader", "outcome"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segloader_media_bytes_transferred_total",
			Help: "Bytes received for media segments",
		}, []string{"loader"}),
		transfer: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segloader_media_transfer_duration_seconds",
			Help:    "Round trip time of media segment requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"loader"}),
		mediaSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segloader_media_seconds_loaded_total",
			Help: "Seconds of media appended to the sink",
		}, []string{"loader"}),
		bandwidth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segloader_bandwidth_bits_per_second",
			Help: "Current network bandwidth estimate",
		}, []string{"loader"}),
		throughput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segloader_throughput_bits_per_second",
			Help: "Cumulative moving average of segment processing throughput",
		}, []string{"loader"}),
	}
}

// ForLoader returns a Recorder labelled with the loader type.
func (m *Metrics) ForLoader(loaderType string) *Recorder {
	if m == nil {
		return nil
	}
	return &Recorder{metrics: m, loader: loaderType}
}

// Recorder writes one loader's statistics to Metrics. A nil Recorder is a no-op.
type Recorder struct {
	metrics *Metrics
	loader  string
}

func (r *Recorder) request(bytesReceived int64, roundTrip time.Duration) {
	if r == nil {
		return
	}
	r.metrics.requests.WithLabelValues(r.loader).Inc()
	r.metrics.bytes.WithLabelValues(r.loader).Add(float64(bytesReceived))
	r.metrics.transfer.WithLabelValues(r.loader).Observe(roundTrip.Seconds())
}

func (r *Recorder) outcome(outcome string) {
	if r == nil {
		return
	}
	r.metrics.outcomes.WithLabelValues(r.loader, outcome).Inc()
}

func (r *Recorder) mediaSeconds(seconds float64) {
	if r == nil || seconds < 0 {
		return
	}
	r.metrics.mediaSeconds.WithLabelValues(r.loader).Add(seconds)
}

func (r *Recorder) bandwidth(bandwidth float64) {
	if r == nil {
		return
	}
	r.metrics.bandwidth.WithLabelValues(r.loader).Set(bandwidth)
}

func (r *Recorder) throughput(rate float64) {
	if r == nil {
		return
	}
	r.metrics.throughput.WithLabelValues(r.loader).Set(rate)
}

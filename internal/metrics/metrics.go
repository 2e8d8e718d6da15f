package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds detection pipeline counters exported through a private registry.
type Metrics struct {
	FramesProcessed   atomic.Uint64
	InferenceFailures atomic.Uint64
	ReadErrors        atomic.Uint64
	Screenshots       atomic.Uint64
	FramesRecorded    atomic.Uint64
	Requests          atomic.Uint64
	RequestErrors     atomic.Uint64

	InferenceLatencyMs atomic.Uint64

	// float64 bits
	currentFPS atomic.Uint64

	detections *prometheus.CounterVec
	registry   *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "safetyvision_frames_processed_total",
			Help: "Total frames run through the ensemble",
		},
		func() float64 { return float64(m.FramesProcessed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "safetyvision_inference_failures_total",
			Help: "Frames that passed through unannotated because inference failed",
		},
		func() float64 { return float64(m.InferenceFailures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "safetyvision_read_errors_total",
			Help: "Frame source read errors",
		},
		func() float64 { return float64(m.ReadErrors.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "safetyvision_screenshots_total",
			Help: "Screenshots written",
		},
		func() float64 { return float64(m.Screenshots.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "safetyvision_frames_recorded_total",
			Help: "Frames written to the video sink",
		},
		func() float64 { return float64(m.FramesRecorded.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "safetyvision_http_requests_total",
			Help: "Dashboard detection requests",
		},
		func() float64 { return float64(m.Requests.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "safetyvision_http_request_errors_total",
			Help: "Dashboard detection requests that failed",
		},
		func() float64 { return float64(m.RequestErrors.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "safetyvision_inference_latency_ms",
			Help: "Latency of the last ensemble call in milliseconds",
		},
		func() float64 { return float64(m.InferenceLatencyMs.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "safetyvision_fps",
			Help: "Rolling frames per second of the live loop",
		},
		func() float64 { return m.FPS() },
	))

	m.detections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safetyvision_detections_total",
			Help: "Detections reported, by class and source model",
		},
		[]string{"class", "source"},
	)
	m.registry.MustRegister(m.detections)
}

func (m *Metrics) ObserveDetection(class, source string) {
	m.detections.WithLabelValues(class, source).Inc()
}

func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

func (m *Metrics) SetFPS(fps float64) {
	m.currentFPS.Store(math.Float64bits(fps))
}

func (m *Metrics) FPS() float64 {
	return math.Float64frombits(m.currentFPS.Load())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on its own mux; it blocks like http.ListenAndServe.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client runtime.
type Metrics struct {
	Connected        prometheus.Gauge
	Listening        prometheus.Gauge
	Generation       prometheus.Gauge
	DialAttempts     *prometheus.CounterVec
	ReconnectPhases  *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	AudioFrames      *prometheus.CounterVec
	DroppedFrames    *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec
	ButtonEdges      *prometheus.CounterVec
	SynthesisChanges *prometheus.CounterVec
	DialLatency      prometheus.Histogram
	ResponseLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the assistant socket is open.",
		}),
		Listening: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listening",
			Help:      "1 while the server is believed to consume uplink audio.",
		}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_generation",
			Help:      "Current connection generation number.",
		}),
		DialAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Socket dial attempts by result.",
		}, []string{"result"}),
		ReconnectPhases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_phases_total",
			Help:      "Connecting phases by outcome.",
		}, []string{"outcome"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket text messages by direction and type.",
		}, []string{"direction", "type"}),
		AudioFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames moved by direction.",
		}, []string{"direction"}),
		DroppedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio frames dropped by direction and reason.",
		}, []string{"direction", "reason"}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound frames that failed to decode, by message type.",
		}, []string{"type"}),
		ButtonEdges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "button_edges_total",
			Help:      "Debounced button edges by edge and outcome.",
		}, []string{"edge", "outcome"}),
		SynthesisChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_changes_total",
			Help:      "Synthesis state changes reported by the server.",
		}, []string{"state"}),
		DialLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_ms",
			Help:      "Socket dial plus hello latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200},
		}),
		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_ms",
			Help:      "Latency from listen stop to first synthesized audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) SetConnected(v bool) {
	m.Connected.Set(boolGauge(v))
}

func (m *Metrics) SetListening(v bool) {
	m.Listening.Set(boolGauge(v))
}

func (m *Metrics) ObserveDial(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.DialLatency.Observe(ms)
	m.stages.Observe(StageDial, ms)
}

func (m *Metrics) ObserveResponse(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.ResponseLatency.Observe(ms)
	m.stages.Observe(StageListenStopToFirstAudio, ms)
}

// ObserveStage records a latency sample in the rolling window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves the instruments registered on g.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

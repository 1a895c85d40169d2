package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing, so tests can run unregistered.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	StateTransitions    *prometheus.CounterVec
	VoiceErrors         *prometheus.CounterVec
	PlaybackDurations   *prometheus.HistogramVec
	RecognitionSessions prometheus.Counter
	ConversationRearms  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice coordinator sessions.",
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Coordinator state transitions by from/to state.",
		}, []string{"from", "to"}),
		VoiceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_errors_total",
			Help:      "Voice errors by taxonomy type.",
		}, []string{"type"}),
		PlaybackDurations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_duration_seconds",
			Help:      "Completed playback durations by method.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"method"}),
		RecognitionSessions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_sessions_total",
			Help:      "Recognition sessions started.",
		}),
		ConversationRearms: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_rearms_total",
			Help:      "Automatic conversation re-arms of listening.",
		}),
	}
}

func (m *Metrics) ObserveStateTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveVoiceError(errType string) {
	if m == nil {
		return
	}
	m.VoiceErrors.WithLabelValues(errType).Inc()
}

func (m *Metrics) ObservePlaybackDuration(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.PlaybackDurations.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveRecognitionSession() {
	if m == nil {
		return
	}
	m.RecognitionSessions.Inc()
}

func (m *Metrics) ObserveConversationRearm() {
	if m == nil {
		return
	}
	m.ConversationRearms.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

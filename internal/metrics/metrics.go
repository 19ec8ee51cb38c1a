// Package metrics exposes prometheus collectors for every pipeline stage.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meetscribe"

// Metrics holds every collector used by the pipeline.
type Metrics struct {
	gatherer prometheus.Gatherer

	// VAD and chunking
	ChunksFlushed     *prometheus.CounterVec
	ChunkDuration     prometheus.Histogram
	SpeechTransitions *prometheus.CounterVec
	NoiseFloor        prometheus.Gauge

	// Streaming session
	AudioBytesSent prometheus.Counter
	Transcripts    *prometheus.CounterVec
	Attributions   *prometheus.CounterVec
	SessionState   *prometheus.GaugeVec
	Reconnects     prometheus.Counter
	TimelineSize   prometheus.Gauge

	// Merge engine
	MergeLines *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		ChunksFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_flushed_total",
			Help:      "Audio chunks flushed by the chunker, by reason",
		}, []string{"reason"}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Duration of flushed audio chunks",
			Buckets:   []float64{0.5, 1, 2, 4, 6, 8, 10, 15, 20},
		}),
		SpeechTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_transitions_total",
			Help:      "VAD state transitions, by target state",
		}, []string{"state"}),
		NoiseFloor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "noise_floor_rms",
			Help:      "Current adaptive background noise estimate",
		}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "PCM bytes sent to the transcription backend",
		}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Final turns by admission outcome",
		}, []string{"outcome"}),
		Attributions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_attributions_total",
			Help:      "Speaker resolutions by correlation method",
		}, []string{"method"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current streaming session state, 0 otherwise",
		}, []string{"state"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Scheduled reconnect attempts",
		}),
		TimelineSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_timeline_records",
			Help:      "Records currently held in the presence timeline",
		}),
		MergeLines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_lines_total",
			Help:      "Transcript lines seen by the merge engine",
		}, []string{"direction"}),
	}
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ChunkFlushed(reason string, durationMs float64) {
	if m == nil {
		return
	}
	m.ChunksFlushed.WithLabelValues(reason).Inc()
	m.ChunkDuration.Observe(durationMs / 1000)
}

func (m *Metrics) SpeechTransition(active bool) {
	if m == nil {
		return
	}
	state := "silence"
	if active {
		state = "speech"
	}
	m.SpeechTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetNoiseFloor(v float64) {
	if m == nil {
		return
	}
	m.NoiseFloor.Set(v)
}

func (m *Metrics) AudioSent(n int, timelineLen int) {
	if m == nil {
		return
	}
	m.AudioBytesSent.Add(float64(n))
	m.TimelineSize.Set(float64(timelineLen))
}

func (m *Metrics) Transcript(outcome string) {
	if m == nil {
		return
	}
	m.Transcripts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Attribution(method string) {
	if m == nil {
		return
	}
	m.Attributions.WithLabelValues(method).Inc()
}

// SetSessionState flips the gauge for state to 1 and every other known state
// to 0.
func (m *Metrics) SetSessionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) Merged(in, out int) {
	if m == nil {
		return
	}
	m.MergeLines.WithLabelValues("in").Add(float64(in))
	m.MergeLines.WithLabelValues("out").Add(float64(out))
}

package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/meetscribe/internal/audio"
	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/metrics"
)

// Flush reasons, in rule priority order.
const (
	ReasonEmergency       = "emergency buffer size reached"
	ReasonSpeakerChange   = "speaker change with speech"
	ReasonMaxDuration     = "max duration with speech content"
	ReasonNaturalBreak    = "natural speech break"
	ReasonExtendedSilence = "extended silence with prior speech"
	ReasonActiveSpeech    = "optimal chunk size during active speech"
	ReasonFallback        = "fallback processing for large buffer"
	ReasonFinal           = "final flush"
	ReasonRejected        = "rejected - insufficient speech content"
)

// Frame is one call's worth of input: raw PCM plus the speaker context the
// roster supplied at capture time.
type Frame struct {
	PCM            []byte
	Speaker        string
	SpeakerChanged bool
	SampleRate     int
}

// Decision is the outcome of one Process call. Audio is only set when Flush
// is true. On a flush, Speaker is whoever was speaking for most of the
// flushed audio, not the speaker of the frame that triggered it.
type Decision struct {
	Flush      bool
	Audio      []byte
	Reason     string
	DurationMs float64
	Speaker    string
	SampleRate int
}

// Stats is a point-in-time snapshot of the chunker.
type Stats struct {
	SmoothedEnergy  float64        `json:"smoothed_energy"`
	NoiseFloor      float64        `json:"noise_floor"`
	SpeechActive    bool           `json:"speech_active"`
	SpeechFrames    int            `json:"speech_frames"`
	SilenceFrames   int            `json:"silence_frames"`
	BufferedBytes   int            `json:"buffered_bytes"`
	BufferedMs      float64        `json:"buffered_ms"`
	SpeechRatio     float64        `json:"speech_ratio"`
	EnergyVariation float64        `json:"energy_variation"`
	InStartupGrace  bool           `json:"in_startup_grace"`
	Flushes         map[string]int `json:"flushes"`
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Chunker) { c.now = now }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Chunker) { c.metrics = m }
}

// speakerSpan counts the buffered bytes captured while one speaker was active.
type speakerSpan struct {
	speaker string
	bytes   int
}

// Chunker accumulates enhanced PCM and decides when to flush it. One Chunker
// serves one meeting; it must not be called concurrently.
type Chunker struct {
	cfg     Config
	now     func() time.Time
	det     *Detector
	enh     *Enhancer
	metrics *metrics.Metrics
	sampler *logging.Sampler

	pending    []byte
	spans      []speakerSpan
	sampleRate int

	joined              bool
	joinedAt            time.Time
	lastSpeakerChangeAt time.Time
	flushes             map[string]int
}

func NewChunker(cfg Config, opts ...Option) *Chunker {
	c := &Chunker{
		cfg:        cfg,
		now:        time.Now,
		enh:        NewEnhancer(cfg.Enhance),
		sampler:    logging.NewSampler(1, 50, 0),
		sampleRate: audio.DefaultSampleRate,
		flushes:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.det = NewDetector(cfg.Detector, c.now())
	return c
}

// MarkMeetingJoined restarts the startup grace period from now.
func (c *Chunker) MarkMeetingJoined() {
	c.joined = true
	c.joinedAt = c.now()
	logging.Infow("chunker: meeting joined, startup grace period started", "grace", c.cfg.Chunk.StartupGrace.String())
}

// Process enhances and buffers one frame and evaluates the flush rules.
func (c *Chunker) Process(f Frame) Decision {
	now := c.now()
	if f.SampleRate > 0 {
		c.sampleRate = f.SampleRate
	}

	processed := c.enh.Apply(f.PCM, c.det.NoiseFloor())
	c.pending = append(c.pending, processed...)
	c.track(f.Speaker, len(processed))

	wasActive := c.det.Active()
	c.det.Analyze(processed, now)
	active := c.det.Active()
	if active != wasActive {
		c.metrics.SpeechTransition(active)
		logging.Debugw("chunker: speech state changed", "active", active,
			"smoothed_energy", math.Round(c.det.SmoothedEnergy()), "noise_floor", math.Round(c.det.NoiseFloor()))
	}
	c.metrics.SetNoiseFloor(c.det.NoiseFloor())

	dur := audio.DurationMs(len(c.pending), c.sampleRate)
	significant := c.hasSignificantSpeech(dur, now)
	reason := flushReason(ruleInput{
		durMs:          dur,
		optimalMs:      c.optimalMs(f.SpeakerChanged, active, now),
		speakerChanged: f.SpeakerChanged,
		active:         active,
		significant:    significant,
		sinceSpeech:    now.Sub(c.det.LastSpeechAt()),
		sinceSilence:   now.Sub(c.det.LastSilenceAt()),
		speechRatio:    c.det.SpeechRatio(),
	}, c.cfg.Chunk)

	if reason == "" || reason == ReasonRejected {
		wait := reason
		if wait == "" {
			wait = fmt.Sprintf("waiting (%dms buffered, speech: %t, content: %t)", int(dur), active, significant)
		}
		c.sampler.Debugw("chunker: holding buffer", "reason", wait, "buffered_ms", int(dur))
		return Decision{Reason: wait, DurationMs: dur, Speaker: f.Speaker, SampleRate: c.sampleRate}
	}

	return c.flush(reason, f.Speaker, true)
}

// ruleInput is the buffer and detector state the flush rules look at.
type ruleInput struct {
	durMs          float64
	optimalMs      float64
	speakerChanged bool
	active         bool
	significant    bool
	sinceSpeech    time.Duration
	sinceSilence   time.Duration
	speechRatio    float64
}

// flushReason applies the flush rules in priority order and returns the first
// that matches, or "". Every rule between the emergency and fallback rules
// needs significant speech; when one of them would otherwise have fired and
// nothing else does, the buffer is held with ReasonRejected.
func flushReason(in ruleInput, cc ChunkConfig) string {
	if in.durMs >= cc.EmergencyChunkMs {
		return ReasonEmergency
	}

	var gated string
	switch {
	case in.speakerChanged && in.durMs > cc.MinChunkMs:
		gated = ReasonSpeakerChange
	case in.durMs >= cc.MaxChunkMs:
		gated = ReasonMaxDuration
	case in.durMs >= in.optimalMs && !in.active && in.sinceSpeech > cc.NaturalBreakCooldown:
		gated = ReasonNaturalBreak
	case in.durMs >= 2*cc.MinChunkMs && in.sinceSilence > cc.ExtendedSilence:
		gated = ReasonExtendedSilence
	case in.active && in.durMs >= in.optimalMs*cc.ActiveChunkFactor:
		gated = ReasonActiveSpeech
	}
	if gated != "" && in.significant {
		return gated
	}

	if in.durMs >= cc.FallbackMinMs && in.sinceSpeech > cc.FallbackQuiet && in.speechRatio >= cc.FallbackSpeechRatio {
		return ReasonFallback
	}
	if gated != "" {
		return ReasonRejected
	}
	return ""
}

// Flush unconditionally emits whatever is buffered, bypassing every content
// check. Used at shutdown so trailing speech is not lost. speaker labels the
// chunk only when no buffered frame carried a label.
func (c *Chunker) Flush(speaker string) Decision {
	if len(c.pending) == 0 {
		return Decision{Reason: "empty", SampleRate: c.sampleRate}
	}
	return c.flush(ReasonFinal, speaker, false)
}

func (c *Chunker) flush(reason, fallback string, keepOverlap bool) Decision {
	out := make([]byte, len(c.pending))
	copy(out, c.pending)
	dur := audio.DurationMs(len(out), c.sampleRate)
	speaker := c.dominantSpeaker(fallback)

	overlap := 0
	if keepOverlap {
		overlap = audio.BytesFor(c.cfg.Chunk.OverlapMs, c.sampleRate)
		if frac := int(float64(len(out))*c.cfg.Chunk.OverlapMaxFraction) &^ 1; frac < overlap {
			overlap = frac
		}
	}
	c.pending = append(c.pending[:0:0], out[len(out)-overlap:]...)
	// The overlap is the tail of the buffer, captured under the latest speaker.
	var tail string
	if n := len(c.spans); n > 0 {
		tail = c.spans[n-1].speaker
	}
	c.spans = c.spans[:0]
	c.track(tail, overlap)
	c.det.ResetHistory()
	c.flushes[reason]++
	c.metrics.ChunkFlushed(reason, dur)

	logging.Infow("chunker: flushing chunk", "reason", reason, "duration_ms", int(dur), "bytes", len(out),
		"overlap_bytes", overlap, "speaker.label", speaker)
	return Decision{Flush: true, Audio: out, Reason: reason, DurationMs: dur, Speaker: speaker, SampleRate: c.sampleRate}
}

func (c *Chunker) track(speaker string, n int) {
	if n == 0 {
		return
	}
	if last := len(c.spans) - 1; last >= 0 && c.spans[last].speaker == speaker {
		c.spans[last].bytes += n
		return
	}
	c.spans = append(c.spans, speakerSpan{speaker: speaker, bytes: n})
}

// dominantSpeaker sums buffered bytes per labelled speaker. The first speaker
// to reach the top total keeps it on ties; fallback is used when no frame
// carried a label.
func (c *Chunker) dominantSpeaker(fallback string) string {
	totals := make(map[string]int, len(c.spans))
	best, bestBytes := "", 0
	for _, sp := range c.spans {
		if sp.speaker == "" {
			continue
		}
		totals[sp.speaker] += sp.bytes
		if totals[sp.speaker] > bestBytes {
			best, bestBytes = sp.speaker, totals[sp.speaker]
		}
	}
	if best == "" {
		return fallback
	}
	return best
}

func (c *Chunker) optimalMs(speakerChanged, active bool, now time.Time) float64 {
	cc := c.cfg.Chunk
	if speakerChanged {
		c.lastSpeakerChangeAt = now
		return cc.MinChunkMs + cc.SpeakerChangeBufferMs
	}
	if active || now.Sub(c.det.LastSpeechAt()) < cc.RecentSpeech {
		return cc.OptimalChunkMs
	}
	return math.Max(cc.MinChunkMs*1.2, cc.OptimalChunkMs*0.8)
}

func (c *Chunker) inStartupGrace(now time.Time) bool {
	return !c.joined || now.Sub(c.joinedAt) < c.cfg.Chunk.StartupGrace
}

// hasSignificantSpeech decides whether the buffer holds speech worth sending.
// The startup grace period applies stricter multipliers to filter UI sounds.
func (c *Chunker) hasSignificantSpeech(durMs float64, now time.Time) bool {
	cc := c.cfg.Chunk
	ratio := c.det.SpeechRatio()
	cv := c.det.CoefficientOfVariation()
	varianceThreshold := c.cfg.Detector.VarianceThreshold

	if c.inStartupGrace(now) {
		switch {
		case durMs < cc.MinSpeechMs*cc.GraceDurationFactor:
			return false
		case ratio < cc.SpeechRatioThreshold*cc.GraceRatioFactor:
			return false
		case cv < varianceThreshold*cc.GraceVarianceFactor:
			return false
		case c.det.SmoothedEnergy() < c.det.NoiseFloor()*cc.GraceNoiseFactor:
			return false
		}
		return true
	}

	if durMs < cc.MinSpeechMs || ratio < cc.SpeechRatioThreshold {
		return false
	}
	if cv < varianceThreshold {
		// Flat energy is tolerated only for long, strongly voiced buffers.
		return ratio >= cc.StrongSpeechRatio && durMs >= cc.MinSpeechMs*2
	}
	return true
}

func (c *Chunker) Stats() Stats {
	speech, silence := c.det.Runs()
	flushes := make(map[string]int, len(c.flushes))
	for k, v := range c.flushes {
		flushes[k] = v
	}
	return Stats{
		SmoothedEnergy:  c.det.SmoothedEnergy(),
		NoiseFloor:      c.det.NoiseFloor(),
		SpeechActive:    c.det.Active(),
		SpeechFrames:    speech,
		SilenceFrames:   silence,
		BufferedBytes:   len(c.pending),
		BufferedMs:      audio.DurationMs(len(c.pending), c.sampleRate),
		SpeechRatio:     c.det.SpeechRatio(),
		EnergyVariation: c.det.CoefficientOfVariation(),
		InStartupGrace:  c.inStartupGrace(c.now()),
		Flushes:         flushes,
	}
}

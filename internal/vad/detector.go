// Package vad classifies PCM frames as speech or silence and decides when an
// accumulated buffer is worth sending to the transcription backend.
package vad

import (
	"math"
	"time"

	"github.com/meetscribe/internal/audio"
)

// Detector tracks smoothed energy, the adaptive noise floor and the
// speech/silence hysteresis. It is not safe for concurrent use.
type Detector struct {
	cfg DetectorConfig

	smoothed   float64
	noiseFloor float64
	energies   []float64
	history    []bool

	speechRun  int
	silenceRun int
	active     bool

	// carry holds samples not yet covered by a complete window.
	carry []int16

	lastSpeechAt  time.Time
	lastSilenceAt time.Time
}

func NewDetector(cfg DetectorConfig, now time.Time) *Detector {
	return &Detector{
		cfg:           cfg,
		noiseFloor:    cfg.InitialNoiseFloor,
		lastSpeechAt:  now,
		lastSilenceAt: now,
	}
}

// Analyze classifies one frame and updates the hysteresis state. Frames
// shorter than an analysis window are pooled across calls until a window
// fills, so small frame sizes are still heard. It reports whether speech is
// active after the frame and whether anything was analyzed; input that
// completes no window reports no speech and leaves the state untouched.
func (d *Detector) Analyze(pcm []byte, now time.Time) (active bool, analyzed bool) {
	samples := audio.Samples(pcm)
	short := len(samples) < d.cfg.WindowSamples
	if short {
		samples = append(d.carry, samples...)
		if len(samples) < d.cfg.WindowSamples {
			d.carry = samples
			return false, false
		}
	}

	avg, next := d.frameEnergy(samples)
	d.carry = nil
	if short {
		d.carry = append([]int16(nil), samples[next:]...)
	}
	a := d.cfg.SmoothingFactor
	d.smoothed = a*avg + (1-a)*d.smoothed

	d.energies = append(d.energies, avg)
	if n := len(d.energies) - d.cfg.EnergyHistory; n > 0 {
		d.energies = d.energies[n:]
	}

	// Floor only moves during silence and only for energy near the floor,
	// so loud speech can never raise it.
	if !d.active && avg <= d.noiseFloor*d.cfg.NoiseUpdateMargin {
		d.noiseFloor = d.cfg.NoiseDecay*d.noiseFloor + (1-d.cfg.NoiseDecay)*avg
	}

	speech := d.isLikelySpeech()
	d.history = append(d.history, speech)
	if n := len(d.history) - d.cfg.ClassificationHistory; n > 0 {
		d.history = d.history[n:]
	}

	if speech {
		d.speechRun++
		d.silenceRun = 0
	} else {
		d.silenceRun++
		d.speechRun = 0
	}

	switch {
	case !d.active && d.speechRun >= d.cfg.SpeechConfirmFrames:
		if d.recentSpeechRatio() >= d.cfg.ActivationRatio {
			d.active = true
		}
	case d.active && d.silenceRun >= d.cfg.SilenceConfirmFrames:
		d.active = false
		d.lastSilenceAt = now
	}
	if d.active {
		d.lastSpeechAt = now
	}
	return d.active, true
}

// frameEnergy is the mean RMS over overlapping analysis windows. next is the
// start of the first window that did not fit.
func (d *Detector) frameEnergy(samples []int16) (avg float64, next int) {
	var total float64
	var n int
	for ; next+d.cfg.WindowSamples <= len(samples); next += d.cfg.HopSamples {
		total += audio.RMS(samples[next : next+d.cfg.WindowSamples])
		n++
	}
	return total / float64(n), next
}

func (d *Detector) isLikelySpeech() bool {
	if d.smoothed < d.cfg.SpeechThreshold {
		return false
	}
	if d.CoefficientOfVariation() < d.cfg.VarianceThreshold {
		return false
	}
	return d.smoothed > math.Max(d.noiseFloor*d.cfg.NoiseMultiplier, d.cfg.SpeechThreshold)
}

// recentSpeechRatio divides by the full activation window even while the
// history is still shorter than it.
func (d *Detector) recentSpeechRatio() float64 {
	start := len(d.history) - d.cfg.ActivationWindow
	if start < 0 {
		start = 0
	}
	count := 0
	for _, s := range d.history[start:] {
		if s {
			count++
		}
	}
	return float64(count) / float64(d.cfg.ActivationWindow)
}

// CoefficientOfVariation is stdev/mean over the recent raw energies, zero
// until enough values have been seen.
func (d *Detector) CoefficientOfVariation() float64 {
	if len(d.energies) < d.cfg.MinEnergySamples {
		return 0
	}
	var sum float64
	for _, e := range d.energies {
		sum += e
	}
	mean := sum / float64(len(d.energies))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, e := range d.energies {
		sq += (e - mean) * (e - mean)
	}
	return math.Sqrt(sq/float64(len(d.energies))) / mean
}

// SpeechRatio is the share of speech classifications in the current history;
// zero when the history is empty.
func (d *Detector) SpeechRatio() float64 {
	if len(d.history) == 0 {
		return 0
	}
	count := 0
	for _, s := range d.history {
		if s {
			count++
		}
	}
	return float64(count) / float64(len(d.history))
}

// ResetHistory clears per-chunk classification history after a flush.
func (d *Detector) ResetHistory() { d.history = d.history[:0] }

func (d *Detector) Active() bool { return d.active }
func (d *Detector) SmoothedEnergy() float64 { return d.smoothed }
func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }
func (d *Detector) LastSpeechAt() time.Time { return d.lastSpeechAt }
func (d *Detector) LastSilenceAt() time.Time { return d.lastSilenceAt }
func (d *Detector) Runs() (speech, silence int) { return d.speechRun, d.silenceRun }

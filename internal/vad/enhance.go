package vad

import (
	"math"

	"github.com/meetscribe/internal/audio"
)

// Enhancer applies conservative noise gating and gain normalization.
type Enhancer struct {
	cfg EnhanceConfig
}

func NewEnhancer(cfg EnhanceConfig) *Enhancer {
	return &Enhancer{cfg: cfg}
}

// Apply runs the enabled transforms in order: noise reduction against the
// current floor, then normalization. The input is never modified.
func (e *Enhancer) Apply(pcm []byte, noiseFloor float64) []byte {
	out := pcm
	if e.cfg.NoiseReduction {
		out = e.ReduceNoise(out, noiseFloor)
	}
	if e.cfg.Normalization {
		out = e.Normalize(out)
	}
	return out
}

// ReduceNoise attenuates samples below margin*floor in proportion to their
// level. Attenuation is bounded by MinAttenuation so nothing is zeroed.
func (e *Enhancer) ReduceNoise(pcm []byte, noiseFloor float64) []byte {
	threshold := noiseFloor * e.cfg.NoiseGateMargin
	samples := audio.Samples(pcm)
	if threshold <= 0 {
		return audio.PCM(samples)
	}
	for i, s := range samples {
		abs := math.Abs(float64(s))
		if abs < threshold {
			factor := math.Max(e.cfg.MinAttenuation, abs/threshold)
			samples[i] = int16(math.Round(float64(s) * factor))
		}
	}
	return audio.PCM(samples)
}

// Normalize applies a bounded gain toward TargetRMS when the buffer is loud
// enough to be worth normalizing.
func (e *Enhancer) Normalize(pcm []byte) []byte {
	samples := audio.Samples(pcm)
	rms := audio.RMS(samples)
	if rms < e.cfg.MinRMS || rms == 0 {
		return audio.PCM(samples)
	}
	gain := math.Min(e.cfg.TargetRMS/rms*e.cfg.NormalizationFactor, e.cfg.MaxGain)
	for i, s := range samples {
		samples[i] = audio.Clip(float64(s) * gain)
	}
	return audio.PCM(samples)
}

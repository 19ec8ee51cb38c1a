package vad

import (
	"fmt"
	"time"
)

// Config groups the detector, enhancement and chunk-boundary settings.
type Config struct {
	Detector DetectorConfig `yaml:"detector"`
	Enhance  EnhanceConfig  `yaml:"enhance"`
	Chunk    ChunkConfig    `yaml:"chunk"`
}

// DetectorConfig tunes energy-based speech classification.
type DetectorConfig struct {
	WindowSamples         int     `yaml:"window_samples"`
	HopSamples            int     `yaml:"hop_samples"`
	SmoothingFactor       float64 `yaml:"smoothing_factor"`
	SpeechThreshold       float64 `yaml:"speech_threshold"`
	VarianceThreshold     float64 `yaml:"variance_threshold"`
	NoiseMultiplier       float64 `yaml:"noise_multiplier"`
	InitialNoiseFloor     float64 `yaml:"initial_noise_floor"`
	NoiseUpdateMargin     float64 `yaml:"noise_update_margin"`
	NoiseDecay            float64 `yaml:"noise_decay"`
	SpeechConfirmFrames   int     `yaml:"speech_confirm_frames"`
	SilenceConfirmFrames  int     `yaml:"silence_confirm_frames"`
	ActivationWindow      int     `yaml:"activation_window"`
	ActivationRatio       float64 `yaml:"activation_ratio"`
	EnergyHistory         int     `yaml:"energy_history"`
	MinEnergySamples      int     `yaml:"min_energy_samples"`
	ClassificationHistory int     `yaml:"classification_history"`
}

// EnhanceConfig controls the optional sample-wise transforms applied before
// audio is buffered.
type EnhanceConfig struct {
	NoiseReduction      bool    `yaml:"noise_reduction"`
	Normalization       bool    `yaml:"normalization"`
	NoiseGateMargin     float64 `yaml:"noise_gate_margin"`
	MinAttenuation      float64 `yaml:"min_attenuation"`
	TargetRMS           float64 `yaml:"target_rms"`
	NormalizationFactor float64 `yaml:"normalization_factor"`
	MaxGain             float64 `yaml:"max_gain"`
	MinRMS              float64 `yaml:"min_rms"`
}

// ChunkConfig drives the flush policy. Durations named *Ms are audio
// durations; time.Duration fields are wall-clock intervals.
type ChunkConfig struct {
	MinSpeechMs           float64       `yaml:"min_speech_ms"`
	SpeechRatioThreshold  float64       `yaml:"speech_ratio_threshold"`
	StrongSpeechRatio     float64       `yaml:"strong_speech_ratio"`
	MinChunkMs            float64       `yaml:"min_chunk_ms"`
	OptimalChunkMs        float64       `yaml:"optimal_chunk_ms"`
	MaxChunkMs            float64       `yaml:"max_chunk_ms"`
	EmergencyChunkMs      float64       `yaml:"emergency_chunk_ms"`
	SpeakerChangeBufferMs float64       `yaml:"speaker_change_buffer_ms"`
	ActiveChunkFactor     float64       `yaml:"active_chunk_factor"`
	OverlapMs             float64       `yaml:"overlap_ms"`
	OverlapMaxFraction    float64       `yaml:"overlap_max_fraction"`
	RecentSpeech          time.Duration `yaml:"recent_speech"`
	NaturalBreakCooldown  time.Duration `yaml:"natural_break_cooldown"`
	ExtendedSilence       time.Duration `yaml:"extended_silence"`
	FallbackMinMs         float64       `yaml:"fallback_min_ms"`
	FallbackQuiet         time.Duration `yaml:"fallback_quiet"`
	FallbackSpeechRatio   float64       `yaml:"fallback_speech_ratio"`
	StartupGrace          time.Duration `yaml:"startup_grace"`
	GraceDurationFactor   float64       `yaml:"grace_duration_factor"`
	GraceRatioFactor      float64       `yaml:"grace_ratio_factor"`
	GraceVarianceFactor   float64       `yaml:"grace_variance_factor"`
	GraceNoiseFactor      float64       `yaml:"grace_noise_factor"`
}

func DefaultConfig() Config {
	return Config{
		Detector: DetectorConfig{
			WindowSamples:         512,
			HopSamples:            256,
			SmoothingFactor:       0.3,
			SpeechThreshold:       500,
			VarianceThreshold:     0.15,
			NoiseMultiplier:       3.5,
			InitialNoiseFloor:     100,
			NoiseUpdateMargin:     1.5,
			NoiseDecay:            0.98,
			SpeechConfirmFrames:   6,
			SilenceConfirmFrames:  8,
			ActivationWindow:      10,
			ActivationRatio:       0.6,
			EnergyHistory:         20,
			MinEnergySamples:      5,
			ClassificationHistory: 50,
		},
		Enhance: EnhanceConfig{
			NoiseReduction:      true,
			Normalization:       true,
			NoiseGateMargin:     1.5,
			MinAttenuation:      0.05,
			TargetRMS:           3000,
			NormalizationFactor: 0.9,
			MaxGain:             2.0,
			MinRMS:              200,
		},
		Chunk: ChunkConfig{
			MinSpeechMs:           500,
			SpeechRatioThreshold:  0.3,
			StrongSpeechRatio:     0.7,
			MinChunkMs:            1000,
			OptimalChunkMs:        4000,
			MaxChunkMs:            8000,
			EmergencyChunkMs:      15000,
			SpeakerChangeBufferMs: 500,
			ActiveChunkFactor:     1.5,
			OverlapMs:             300,
			OverlapMaxFraction:    0.05,
			RecentSpeech:          3 * time.Second,
			NaturalBreakCooldown:  2500 * time.Millisecond,
			ExtendedSilence:       5 * time.Second,
			FallbackMinMs:         10000,
			FallbackQuiet:         8 * time.Second,
			FallbackSpeechRatio:   0.3,
			StartupGrace:          10 * time.Second,
			GraceDurationFactor:   2,
			GraceRatioFactor:      1.5,
			GraceVarianceFactor:   2,
			GraceNoiseFactor:      5,
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Enhance.Validate(); err != nil {
		return fmt.Errorf("enhance: %w", err)
	}
	if err := c.Chunk.Validate(); err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	return nil
}

func (d *DetectorConfig) Validate() error {
	if d.WindowSamples < 1 {
		return fmt.Errorf("window_samples must be positive, got %d", d.WindowSamples)
	}
	if d.HopSamples < 1 || d.HopSamples > d.WindowSamples {
		return fmt.Errorf("hop_samples must be in [1, window_samples], got %d", d.HopSamples)
	}
	if d.SmoothingFactor <= 0 || d.SmoothingFactor > 1 {
		return fmt.Errorf("smoothing_factor must be in (0, 1], got %f", d.SmoothingFactor)
	}
	if d.NoiseDecay <= 0 || d.NoiseDecay >= 1 {
		return fmt.Errorf("noise_decay must be in (0, 1), got %f", d.NoiseDecay)
	}
	if d.SpeechConfirmFrames < 1 || d.SilenceConfirmFrames < 1 {
		return fmt.Errorf("confirmation frame counts must be positive")
	}
	if d.ActivationWindow < 1 || d.ActivationRatio < 0 || d.ActivationRatio > 1 {
		return fmt.Errorf("activation window/ratio out of range")
	}
	if d.EnergyHistory < d.MinEnergySamples || d.MinEnergySamples < 2 {
		return fmt.Errorf("energy_history (%d) must be >= min_energy_samples (%d) >= 2", d.EnergyHistory, d.MinEnergySamples)
	}
	if d.ClassificationHistory < d.ActivationWindow {
		return fmt.Errorf("classification_history must be >= activation_window")
	}
	return nil
}

func (e *EnhanceConfig) Validate() error {
	if e.MaxGain < 1 {
		return fmt.Errorf("max_gain must be >= 1, got %f", e.MaxGain)
	}
	if e.MinAttenuation <= 0 || e.MinAttenuation > 1 {
		return fmt.Errorf("min_attenuation must be in (0, 1], got %f", e.MinAttenuation)
	}
	return nil
}

func (c *ChunkConfig) Validate() error {
	if c.MinChunkMs <= 0 {
		return fmt.Errorf("min_chunk_ms must be positive, got %f", c.MinChunkMs)
	}
	if !(c.MinChunkMs <= c.OptimalChunkMs && c.OptimalChunkMs <= c.MaxChunkMs && c.MaxChunkMs <= c.EmergencyChunkMs) {
		return fmt.Errorf("chunk durations must satisfy min <= optimal <= max <= emergency")
	}
	if c.OverlapMaxFraction < 0 || c.OverlapMaxFraction >= 1 {
		return fmt.Errorf("overlap_max_fraction must be in [0, 1), got %f", c.OverlapMaxFraction)
	}
	return nil
}

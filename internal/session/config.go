package session

import (
	"fmt"
	"time"

	"github.com/meetscribe/internal/timeline"
)

// Config is copied into the Session and never changes while a stream is
// connected. Use Session.Reconnect to apply a new one.
type Config struct {
	SampleRate           int           `yaml:"sample_rate"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectDelayClose  time.Duration `yaml:"reconnect_delay_close"`
	ReconnectDelayError  time.Duration `yaml:"reconnect_delay_error"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ExpectFormatted      bool          `yaml:"expect_formatted"`
	Keyterms             []string      `yaml:"keyterms"`
	BotName              string        `yaml:"bot_name"`

	EarlyBufferSize     int           `yaml:"early_buffer_size"`
	RecentHistory       int           `yaml:"recent_history"`
	DedupWindow         time.Duration `yaml:"dedup_window"`
	DedupPruneAge       time.Duration `yaml:"dedup_prune_age"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	ReplaceGrowth       float64       `yaml:"replace_growth"`
	MinChars            int           `yaml:"min_chars"`

	UnknownFallbackWindow time.Duration `yaml:"unknown_fallback_window"`
	DetectionThreshold    float64       `yaml:"detection_threshold"`
	TimelineCapacity      int           `yaml:"timeline_capacity"`

	Correlation timeline.CorrelatorConfig `yaml:"correlation"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate:            16000,
		ConnectTimeout:        15 * time.Second,
		ReconnectDelayClose:   2 * time.Second,
		ReconnectDelayError:   3 * time.Second,
		MaxReconnectAttempts:  5,
		ExpectFormatted:       true,
		EarlyBufferSize:       20,
		RecentHistory:         10,
		DedupWindow:           15 * time.Second,
		DedupPruneAge:         30 * time.Second,
		SimilarityThreshold:   0.75,
		ReplaceGrowth:         1.2,
		MinChars:              10,
		UnknownFallbackWindow: 10 * time.Second,
		DetectionThreshold:    70,
		TimelineCapacity:      timeline.DefaultCapacity,
		Correlation:           timeline.DefaultCorrelatorConfig(),
	}
}

func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if c.EarlyBufferSize < 0 || c.RecentHistory < 1 {
		return fmt.Errorf("early_buffer_size must be >= 0 and recent_history >= 1")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0, 1], got %f", c.SimilarityThreshold)
	}
	if c.ReplaceGrowth < 1 {
		return fmt.Errorf("replace_growth must be >= 1, got %f", c.ReplaceGrowth)
	}
	if c.DedupPruneAge < c.DedupWindow {
		return fmt.Errorf("dedup_prune_age must be >= dedup_window")
	}
	if err := c.Correlation.Validate(); err != nil {
		return fmt.Errorf("correlation: %w", err)
	}
	return nil
}

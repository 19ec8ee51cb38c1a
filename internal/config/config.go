// Package config loads the process configuration: a YAML file pre-filled
// with defaults, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meetscribe/internal/session"
	"github.com/meetscribe/internal/stt"
	"github.com/meetscribe/internal/vad"
)

type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        vad.Config       `yaml:"vad"`
	STT        STTConfig        `yaml:"stt"`
	Session    session.Config   `yaml:"session"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Capture    CaptureConfig    `yaml:"capture"`
	HTTP       HTTPConfig       `yaml:"http"`
	Discord    DiscordConfig    `yaml:"discord"`
}

type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameMs    int `yaml:"frame_ms"`
}

type STTConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}

type TranscriptConfig struct {
	LogPath     string `yaml:"log_path"`
	MergeOnStop bool   `yaml:"merge_on_stop"`
}

// CaptureConfig enables the chunk archive when Dir is set.
type CaptureConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
	Interval  time.Duration `yaml:"interval"`
	MaxFiles  int           `yaml:"max_files"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DiscordConfig enables the gateway roster feed when Token is set.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

func Default() Config {
	return Config{
		LogLevel:   "info",
		Audio:      AudioConfig{SampleRate: 16000, FrameMs: 100},
		VAD:        vad.DefaultConfig(),
		STT:        STTConfig{URL: stt.DefaultURL},
		Session:    session.DefaultConfig(),
		Transcript: TranscriptConfig{LogPath: "transcripts/meeting.log"},
		Capture:    CaptureConfig{Retention: 24 * time.Hour, Interval: time.Minute, MaxFiles: 1000},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Unset variables leave the
// current value alone.
func (c *Config) ApplyEnv() error {
	envString("LOG_LEVEL", &c.LogLevel)
	envString("STT_API_KEY", &c.STT.APIKey)
	envString("STT_URL", &c.STT.URL)
	if v, ok := os.LookupEnv("STT_KEYTERMS"); ok {
		c.Session.Keyterms = splitList(v)
	}
	envString("TRANSCRIPT_LOG_PATH", &c.Transcript.LogPath)
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("CAPTURE_DIR", &c.Capture.Dir)
	envString("DISCORD_BOT_TOKEN", &c.Discord.Token)
	envString("DISCORD_GUILD_ID", &c.Discord.GuildID)
	envString("DISCORD_CHANNEL_ID", &c.Discord.ChannelID)
	envString("BOT_NAME", &c.Session.BotName)

	if err := envInt("SAMPLE_RATE", &c.Audio.SampleRate); err != nil {
		return err
	}
	if err := envInt("CAPTURE_MAX_FILES", &c.Capture.MaxFiles); err != nil {
		return err
	}
	if err := envDuration("CAPTURE_RETENTION", &c.Capture.Retention); err != nil {
		return err
	}
	if err := envBool("TRANSCRIPT_MERGE_ON_STOP", &c.Transcript.MergeOnStop); err != nil {
		return err
	}
	if err := envFloat("DETECTION_THRESHOLD", &c.Session.DetectionThreshold); err != nil {
		return err
	}
	return nil
}

// Validate checks every section and prefixes errors with the section name.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio: sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.FrameMs <= 0 {
		return fmt.Errorf("audio: frame_ms must be positive, got %d", c.Audio.FrameMs)
	}
	// The session sends what the chunker produces.
	c.Session.SampleRate = c.Audio.SampleRate
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.STT.URL == "" {
		return fmt.Errorf("stt: url is required")
	}
	if c.Capture.Dir != "" && c.Capture.Interval <= 0 {
		return fmt.Errorf("capture: interval must be positive when dir is set")
	}
	if c.Discord.Token != "" && (c.Discord.GuildID == "" || c.Discord.ChannelID == "") {
		return fmt.Errorf("discord: guild_id and channel_id are required with a token")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

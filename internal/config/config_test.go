package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meetscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, `
audio:
  sample_rate: 48000
session:
  dedup_window: 20s
  keyterms: [Kubernetes, Grafana]
vad:
  chunk:
    emergency_chunk_ms: 12000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, 48000, cfg.Session.SampleRate)
	assert.Equal(t, 20*time.Second, cfg.Session.DedupWindow)
	assert.Equal(t, []string{"Kubernetes", "Grafana"}, cfg.Session.Keyterms)
	assert.Equal(t, 12000.0, cfg.VAD.Chunk.EmergencyChunkMs)

	def := Default()
	assert.Equal(t, def.Session.MaxReconnectAttempts, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, def.VAD.Detector, cfg.VAD.Detector)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STT_API_KEY", "secret")
	t.Setenv("STT_KEYTERMS", "Alpha, Beta,,")
	t.Setenv("SAMPLE_RATE", "8000")
	t.Setenv("CAPTURE_DIR", "/tmp/chunks")
	t.Setenv("CAPTURE_RETENTION", "2h")
	t.Setenv("TRANSCRIPT_MERGE_ON_STOP", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.STT.APIKey)
	assert.Equal(t, []string{"Alpha", "Beta"}, cfg.Session.Keyterms)
	assert.Equal(t, 8000, cfg.Session.SampleRate)
	assert.Equal(t, "/tmp/chunks", cfg.Capture.Dir)
	assert.Equal(t, 2*time.Hour, cfg.Capture.Retention)
	assert.True(t, cfg.Transcript.MergeOnStop)
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("SAMPLE_RATE", "fast")
	_, err := Load("")
	assert.ErrorContains(t, err, "SAMPLE_RATE")
}

func TestValidateNamesSection(t *testing.T) {
	path := writeFile(t, "session:\n  similarity_threshold: 1.5\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "session:")

	_, err = Load(writeFile(t, "discord:\n  token: abc\n"))
	assert.ErrorContains(t, err, "discord:")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "audio: [not, a, map]\n"))
	assert.ErrorContains(t, err, "parse")
}
